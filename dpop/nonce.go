package dpop

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/crypto"
	"github.com/atproto-oauth/atproto-oauth-go/envelope"
	"github.com/atproto-oauth/atproto-oauth-go/storage"
)

// DefaultNonceLifetime is the spec §4.6 default TTL for a stored DPoP nonce.
const DefaultNonceLifetime = 300 * time.Second

// StoredNonce is the persisted shape for a single server's current DPoP
// nonce, per spec §3.
type StoredNonce struct {
	Value     string    `json:"value"`
	ServerURL string    `json:"server_url"`
	Timestamp time.Time `json:"timestamp"`
}

// NonceManager tracks the most recent DPoP-Nonce seen per server origin.
// Storage itself governs expiry (the TTL passed to Set); last-writer-wins
// is acceptable because nonces are single-use hints (spec §5). Values are
// wrapped in the same versioned envelope.Envelope every other persisted
// record uses (spec §4.8), keeping the nonce store consistent with
// session/DPoP-keypair persistence even though "value" is not itself one
// of the §6 sensitive fields requiring AES-GCM sealing.
type NonceManager struct {
	store    storage.Storage
	enc      *crypto.Service
	lifetime time.Duration
}

// NewNonceManager creates a NonceManager backed by store, holding nonces
// for lifetime (DefaultNonceLifetime if zero).
func NewNonceManager(store storage.Storage, enc *crypto.Service, lifetime time.Duration) *NonceManager {
	if lifetime <= 0 {
		lifetime = DefaultNonceLifetime
	}
	return &NonceManager{store: store, enc: enc, lifetime: lifetime}
}

// ServerOrigin computes the canonical origin key for rawURL: scheme + host
// + (port if non-default). Non-HTTPS is only tolerated for localhost, per
// spec §4.6.
func ServerOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", wrapf("server_origin", err, "invalid URL %q", rawURL)
	}
	host := u.Hostname()
	isLocal := strings.EqualFold(host, "localhost") || host == "127.0.0.1" || host == "::1"
	if u.Scheme != "https" && !isLocal {
		return "", wrapf("server_origin", nil, "non-HTTPS origin %q only allowed for localhost", rawURL)
	}
	port := u.Port()
	if port != "" && ((u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80")) {
		port = ""
	}
	origin := u.Scheme + "://" + host
	if port != "" {
		origin += ":" + port
	}
	return origin, nil
}

// Update stores nonce as the current DPoP-Nonce for serverURL's origin.
func (m *NonceManager) Update(ctx context.Context, serverURL, nonce string) error {
	origin, err := ServerOrigin(serverURL)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	stored := StoredNonce{Value: nonce, ServerURL: origin, Timestamp: now}
	env, err := envelope.Seal(m.enc, "nonce:"+origin, "dpop_nonce", now.Unix(), now.Unix(), stored)
	if err != nil {
		return wrapf("update_nonce", err, "failed to seal nonce")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return wrapf("update_nonce", err, "failed to marshal nonce envelope")
	}
	if err := m.store.Set(ctx, storage.KeyNonce(origin), raw, m.lifetime); err != nil {
		return wrapf("update_nonce", err, "failed to persist nonce")
	}
	return nil
}

// Get returns the current nonce for serverURL's origin, or "" if none is
// stored or it has expired (storage governs expiry per spec §4.6).
func (m *NonceManager) Get(ctx context.Context, serverURL string) (string, error) {
	origin, err := ServerOrigin(serverURL)
	if err != nil {
		return "", err
	}
	raw, err := m.store.Get(ctx, storage.KeyNonce(origin))
	if err != nil {
		return "", nil
	}
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil
	}
	var stored StoredNonce
	if err := envelope.Open(m.enc, "nonce:"+origin, &env, &stored); err != nil {
		return "", nil
	}
	return stored.Value, nil
}
