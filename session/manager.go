package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atproto-oauth/atproto-oauth-go/crypto"
	"github.com/atproto-oauth/atproto-oauth-go/envelope"
	"github.com/atproto-oauth/atproto-oauth-go/pkce"
	"github.com/atproto-oauth/atproto-oauth-go/storage"
)

// SessionLockTTL is the TTL spec §4.8/§5 uses for the per-session lock
// guarding CreateSession/UpdateSession/RemoveSession.
const SessionLockTTL = 30 * time.Second

// encryptionContext namespaces the encryption key derivation per spec §6
// ("key is HKDF-SHA256(master_key, ...+context)"), distinct from the
// per-nonce context dpop.NonceManager uses.
const encryptionContext = "session"

// Manager persists and looks up Sessions by id and by state token,
// atomically, per spec §4.8 (component C13). Every multi-key write goes
// through storage.WithLock on the session's own lock key so a concurrent
// reader never observes a state->id mapping with no matching session.
type Manager struct {
	store  storage.Storage
	enc    *crypto.Service
	logger *slog.Logger
}

// NewManager creates a Manager backed by store, sealing persisted session
// envelopes with enc.
func NewManager(store storage.Storage, enc *crypto.Service) *Manager {
	return &Manager{store: store, enc: enc, logger: slog.Default().With("component", "session.manager")}
}

// CreateSession builds a fresh Session for clientID/scope, generating a
// session id, state token, and PKCE pair, then persists the session
// envelope and its state->id mapping under the session's lock, per
// spec §4.8.
func (m *Manager) CreateSession(ctx context.Context, clientID, scope string) (*Session, error) {
	verifier, err := pkce.GenerateVerifier(0)
	if err != nil {
		return nil, fmt.Errorf("session: generate pkce verifier: %w", err)
	}
	challenge, err := pkce.GenerateChallenge(verifier)
	if err != nil {
		return nil, fmt.Errorf("session: generate pkce challenge: %w", err)
	}
	stateToken, err := generateStateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		SessionID:     uuid.NewString(),
		StateToken:    stateToken,
		ClientID:      clientID,
		Scope:         scope,
		PKCEVerifier:  verifier,
		PKCEChallenge: challenge,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = storage.WithLock(ctx, m.store, storage.KeyLock("session", s.SessionID), SessionLockTTL, func(ctx context.Context) error {
		return m.writeSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSession persists s's current fields and rewrites the state->id
// mapping, under the same per-session lock CreateSession uses.
func (m *Manager) UpdateSession(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	return storage.WithLock(ctx, m.store, storage.KeyLock("session", s.SessionID), SessionLockTTL, func(ctx context.Context) error {
		return m.writeSession(ctx, s)
	})
}

// Persist writes s's current fields without acquiring the session lock.
// Callers that already hold the lock via WithSessionLock (token exchange,
// refresh) must use this instead of UpdateSession, which would otherwise
// deadlock trying to reacquire its own lock.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	return m.writeSession(ctx, s)
}

// writeSession writes the session envelope then the state->id mapping,
// matching spec §5's ordering guarantee. Must be called with the session
// lock held.
func (m *Manager) writeSession(ctx context.Context, s *Session) error {
	env, err := envelope.Seal(m.enc, encryptionContext, "Session", s.CreatedAt.Unix(), s.UpdatedAt.Unix(), s)
	if err != nil {
		return fmt.Errorf("session: seal envelope: %w", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("session: marshal envelope: %w", err)
	}
	if err := m.store.Set(ctx, storage.KeySession(s.SessionID), raw, 0); err != nil {
		return &storage.Error{Op: "set", Key: storage.KeySession(s.SessionID), Err: err}
	}
	if err := m.store.Set(ctx, storage.KeyState(s.StateToken), []byte(s.SessionID), 0); err != nil {
		return &storage.Error{Op: "set", Key: storage.KeyState(s.StateToken), Err: err}
	}
	return nil
}

// GetSession loads and decrypts the session stored under id. It returns
// (nil, nil) — not an error — when the session is missing, corrupt, or
// holds tokens that are expired and not renewable, per spec §4.8's "treated
// as gone" rule and spec §7's "reads return null" storage error policy.
// A storage read error is likewise returned as (nil, nil), so the returned
// error is always nil.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	raw, err := m.store.Get(ctx, storage.KeySession(id))
	if err != nil {
		return nil, nil
	}

	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Error("corrupt session envelope", "session_id", id, "error", err)
		return nil, nil
	}

	var s Session
	if err := envelope.Open(m.enc, encryptionContext, &env, &s); err != nil {
		m.logger.Error("failed to decrypt session", "session_id", id, "error", err)
		return nil, nil
	}

	if s.Tokens != nil && s.Tokens.Expired(0) && !s.Tokens.Renewable() {
		return nil, nil
	}
	return &s, nil
}

// GetSessionByState resolves state to a session id via the state->id
// mapping, then loads the session. A state mapping with no matching
// session (a partial write, or the session having since expired) is
// treated as "not found", per spec §5.
func (m *Manager) GetSessionByState(ctx context.Context, state string) (*Session, error) {
	idBytes, err := m.store.Get(ctx, storage.KeyState(state))
	if err != nil {
		return nil, nil
	}
	return m.GetSession(ctx, string(idBytes))
}

// RemoveSession deletes the session and its state mapping under the
// session's lock, per spec §4.8.
func (m *Manager) RemoveSession(ctx context.Context, id string) error {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}

	return storage.WithLock(ctx, m.store, storage.KeyLock("session", id), SessionLockTTL, func(ctx context.Context) error {
		if err := m.store.Delete(ctx, storage.KeySession(id)); err != nil {
			return &storage.Error{Op: "delete", Key: storage.KeySession(id), Err: err}
		}
		if s != nil {
			if err := m.store.Delete(ctx, storage.KeyState(s.StateToken)); err != nil {
				return &storage.Error{Op: "delete", Key: storage.KeyState(s.StateToken), Err: err}
			}
		}
		return nil
	})
}

// WithSessionLock runs fn with the named session's lock held, the shared
// entry point token exchange (HandleCallback) and refresh both use so
// their read-modify-write of a session's tokens never races a concurrent
// mutation, per spec §5's locking discipline.
func (m *Manager) WithSessionLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return storage.WithLock(ctx, m.store, storage.KeyLock("session", id), SessionLockTTL, fn)
}

func generateStateToken() (string, error) {
	// 256 bits of entropy, URL-safe, matching spec §3's
	// "state_token (>=256-bit URL-safe random)".
	return pkce.GenerateVerifier(128)
}
