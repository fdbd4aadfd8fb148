// Package session implements the per-flow Session/TokenSet state objects
// and the Manager that persists and looks them up (spec §3, §4.8,
// components C12-C13), grounded on the teacher's session shapes,
// relocated and rebuilt around the module's own storage/envelope/crypto
// stack instead of a SQL-backed session store.
package session

import "time"

// TokenSet is the DPoP-bound token pair issued by the authorization
// server, per spec §3.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope"`
	Sub          string    `json:"sub"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DefaultExpiryBuffer is the buffer spec §3's `expired?` definition uses:
// now ≥ expires_at − buffer.
const DefaultExpiryBuffer = 30 * time.Second

// Expired reports whether the token set should be treated as expired,
// now() ≥ expires_at − buffer. A zero buffer uses DefaultExpiryBuffer.
func (t *TokenSet) Expired(buffer time.Duration) bool {
	if buffer == 0 {
		buffer = DefaultExpiryBuffer
	}
	return !time.Now().Before(t.ExpiresAt.Add(-buffer))
}

// Renewable reports whether a refresh token is present and non-empty.
func (t *TokenSet) Renewable() bool {
	return t.RefreshToken != ""
}

// Session owns one OAuth flow's state end to end: PAR submission,
// callback, token exchange, and subsequent refreshes, per spec §3.
type Session struct {
	SessionID     string    `json:"session_id"`
	StateToken    string    `json:"state_token"`
	ClientID      string    `json:"client_id"`
	Scope         string    `json:"scope"`
	PKCEVerifier  string    `json:"pkce_verifier"`
	PKCEChallenge string    `json:"pkce_challenge"`
	AuthServer    string    `json:"auth_server,omitempty"`
	DID           string    `json:"did,omitempty"`
	Tokens        *TokenSet `json:"tokens,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SetAuthServer records the issuer this session resolved to binding. Per
// spec §3's invariant, once set it cannot be replaced with a different
// issuer.
func (s *Session) SetAuthServer(issuer string) error {
	if s.AuthServer != "" && s.AuthServer != issuer {
		return &InvariantError{Field: "auth_server", Reason: "cannot replace a session's authorization server once set"}
	}
	s.AuthServer = issuer
	return nil
}

// SetDID records the session's resolved DID. Once set it cannot be
// replaced, per spec §3.
func (s *Session) SetDID(did string) error {
	if s.DID != "" && s.DID != did {
		return &InvariantError{Field: "did", Reason: "cannot replace a session's DID once set"}
	}
	s.DID = did
	return nil
}

// SetTokens installs tokens, enforcing `tokens.sub == did` whenever both
// are present, and populating a missing DID from tokens.Sub, per spec §3.
func (s *Session) SetTokens(tokens *TokenSet) error {
	if s.DID != "" && tokens.Sub != "" && s.DID != tokens.Sub {
		return &InvariantError{Field: "tokens.sub", Reason: "token subject does not match session DID"}
	}
	if s.DID == "" && tokens.Sub != "" {
		s.DID = tokens.Sub
	}
	s.Tokens = tokens
	return nil
}

// Authorized reports whether the session holds a non-expired token set,
// per spec §3: tokens != nil ∧ ¬tokens.expired.
func (s *Session) Authorized() bool {
	return s.Tokens != nil && !s.Tokens.Expired(0)
}

// Renewable reports whether the session holds a renewable token set, per
// spec §3: tokens != nil ∧ tokens.renewable.
func (s *Session) Renewable() bool {
	return s.Tokens != nil && s.Tokens.Renewable()
}

// InvariantError reports a violation of one of Session's immutability
// invariants (auth_server/did cannot be replaced once set, tokens.sub must
// match did).
type InvariantError struct {
	Field  string
	Reason string
}

func (e *InvariantError) Error() string { return "session: " + e.Field + ": " + e.Reason }
func (e *InvariantError) Code() string  { return "SessionInvariantError" }
