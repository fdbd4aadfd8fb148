// Package atprotooauth is the public entry point for the AT Protocol OAuth
// client core: Authorize, HandleCallback, GetTokens, RefreshToken,
// AuthHeaders, Authorized, and RemoveSession (spec §4.9, component C18).
// Every other package in this module is an internal collaborator wired
// together here.
package atprotooauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/clientmeta"
	"github.com/atproto-oauth/atproto-oauth-go/crypto"
	"github.com/atproto-oauth/atproto-oauth-go/dpop"
	"github.com/atproto-oauth/atproto-oauth-go/httpclient"
	"github.com/atproto-oauth/atproto-oauth-go/identity"
	"github.com/atproto-oauth/atproto-oauth-go/session"
	"github.com/atproto-oauth/atproto-oauth-go/storage"
	"github.com/atproto-oauth/atproto-oauth-go/storage/memory"
)

// DefaultScope is the scope spec §4.9 uses when Authorize's caller doesn't
// supply one.
const DefaultScope = "atproto"

// Config is the single process-wide configuration value spec §6 names:
// default_token_lifetime, dpop_nonce_lifetime, http_client, storage,
// logger, plus the client's own metadata and PLC directory location. It is
// validated at construction (NewClient), matching the teacher's
// Config/DefaultConfig pattern.
type Config struct {
	// ClientMetadata describes this application as an OAuth client.
	// Required.
	ClientMetadata *clientmeta.ClientMetadata

	// HTTPClient is used for every outbound discovery/PAR/token request.
	// Defaults to an SSRF-hardened client (httpclient.New(false)).
	HTTPClient *http.Client

	// Storage backs sessions, DPoP nonces, the persisted DPoP keypair, and
	// the identity cache. Defaults to an in-memory backend with a warning
	// logged, since that default does not survive a process restart.
	Storage storage.Storage

	// Logger receives structured logs at the points spec §7 requires
	// (storage/deserialization failures). Defaults to slog.Default().
	Logger *slog.Logger

	// MasterKey is the 32-byte AES-256 key used to derive per-context
	// encryption keys (spec §6). If nil, it is loaded from
	// ATPROTO_MASTER_KEY, or generated per-process with a warning.
	MasterKey []byte

	// PLCDirectoryURL is the PLC directory used to resolve did:plc
	// documents. Defaults to https://plc.directory.
	PLCDirectoryURL string

	// DefaultTokenLifetime is defaulted here but not read by any token
	// path; token lifetimes always come from the authorization server's
	// expires_in.
	DefaultTokenLifetime time.Duration

	// DPoPNonceLifetime is the TTL a tracked DPoP nonce is held for.
	DPoPNonceLifetime time.Duration
}

// DefaultConfig returns a Config with every optional field at its spec §6
// default. ClientMetadata must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		HTTPClient:           httpclient.New(false),
		Logger:               slog.Default(),
		PLCDirectoryURL:      "https://plc.directory",
		DefaultTokenLifetime: 300 * time.Second,
		DPoPNonceLifetime:    dpop.DefaultNonceLifetime,
	}
}

// Client is the facade bound to one client_id's metadata, storage, and
// crypto configuration. Construct with NewClient.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	enc      *crypto.Service
	sessions *session.Manager
	resolver identity.Resolver
	dpopKeys *dpop.KeyManager
	dpopC    *dpop.Client

	// assertionKey signs private_key_jwt client assertions: the client
	// metadata's own JWKS private key when it publishes one, else the same
	// ephemeral key used for DPoP proofs, per spec §4.9 step 5.
	assertionKey *dpop.KeyManager
}

// NewClient validates cfg, applies defaults, and wires every collaborator
// component: crypto service, session manager, identity resolver, and the
// DPoP key manager (loaded from storage if previously persisted, per the
// spec §9 open-question resolution, else generated fresh).
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientMetadata == nil {
		return nil, fmt.Errorf("atprotooauth: ClientMetadata is required")
	}
	if err := clientmeta.Validate(cfg.ClientMetadata); err != nil {
		return nil, fmt.Errorf("atprotooauth: invalid client metadata: %w", err)
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New(false)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PLCDirectoryURL == "" {
		cfg.PLCDirectoryURL = "https://plc.directory"
	}
	if cfg.DefaultTokenLifetime <= 0 {
		cfg.DefaultTokenLifetime = 300 * time.Second
	}
	if cfg.DPoPNonceLifetime <= 0 {
		cfg.DPoPNonceLifetime = dpop.DefaultNonceLifetime
	}
	if cfg.Storage == nil {
		cfg.Logger.Warn("no storage configured, using a process-local in-memory backend; sessions will not survive a restart")
		cfg.Storage = memory.New()
	}

	masterKey := cfg.MasterKey
	if len(masterKey) == 0 {
		key, generated, err := crypto.LoadMasterKey()
		if err != nil {
			return nil, fmt.Errorf("atprotooauth: load master key: %w", err)
		}
		if generated {
			cfg.Logger.Warn("ATPROTO_MASTER_KEY not set, generated a random per-process key; persisted sessions will not survive a restart")
		}
		masterKey = key
	}
	enc, err := crypto.NewService(masterKey)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: %w", err)
	}

	sessions := session.NewManager(cfg.Storage, enc)

	resolver := identity.NewResolver(cfg.Storage, identity.Config{
		PLCURL:     cfg.PLCDirectoryURL,
		HTTPClient: cfg.HTTPClient,
		CacheTTL:   24 * time.Hour,
	})

	dpopKeys, err := dpop.LoadOrCreateKeyManager(ctx, cfg.Storage, enc, cfg.ClientMetadata.ClientID)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: load DPoP keypair: %w", err)
	}
	nonces := dpop.NewNonceManager(cfg.Storage, enc, cfg.DPoPNonceLifetime)
	dpopC := dpop.NewClient(dpopKeys, nonces)

	assertionKey := dpopKeys
	if jwk := firstPrivateJWK(cfg.ClientMetadata); jwk != nil {
		raw, err := json.Marshal(jwk)
		if err != nil {
			return nil, fmt.Errorf("atprotooauth: marshal client assertion JWK: %w", err)
		}
		km, err := dpop.ImportKeyManager(raw)
		if err != nil {
			return nil, fmt.Errorf("atprotooauth: import client assertion JWK: %w", err)
		}
		assertionKey = km
	}

	return &Client{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "atprotooauth.client"),
		enc:          enc,
		sessions:     sessions,
		resolver:     resolver,
		dpopKeys:     dpopKeys,
		dpopC:        dpopC,
		assertionKey: assertionKey,
	}, nil
}

// firstPrivateJWK returns the first JWK in m's JWKS that carries a private
// key component, or nil if m publishes no such key. Used to sign
// private_key_jwt client assertions with the client's own declared key
// instead of the module's ephemeral DPoP key, per spec §4.9 step 5.
func firstPrivateJWK(m *clientmeta.ClientMetadata) *clientmeta.JWK {
	if m.JWKS == nil {
		return nil
	}
	for i := range m.JWKS.Keys {
		if m.JWKS.Keys[i].D != "" {
			return &m.JWKS.Keys[i]
		}
	}
	return nil
}
