// Package refresh implements token refresh with bounded exponential-backoff
// retry, DPoP nonce re-handshake, and strict response validation (spec
// §4.10, component C14).
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/assertion"
	"github.com/atproto-oauth/atproto-oauth-go/dpop"
	"github.com/atproto-oauth/atproto-oauth-go/session"
)

// MaxRetries, BaseDelay, and MaxDelay are the backoff budget spec §4.10
// fixes for the refresh retry loop.
const (
	MaxRetries = 3
	BaseDelay  = 1 * time.Second
	MaxDelay   = 8 * time.Second
)

// Options carries everything a single RefreshToken call needs beyond the
// session itself.
type Options struct {
	HTTPClient    *http.Client
	DPoP          *dpop.Client
	KeyManager    *dpop.KeyManager
	ClientID      string
	TokenEndpoint string
	Issuer        string // aud for the client assertion, when Confidential
	Confidential  bool

	// Sleep is injectable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (o *Options) sleep(d time.Duration) {
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Refresh exchanges sess's refresh token for a new TokenSet, retrying
// transient failures with exponential backoff, and persists the result to
// sess under sess's storage lock, per spec §4.10 and §5.
func Refresh(ctx context.Context, mgr *session.Manager, sess *session.Session, opts Options) (*session.TokenSet, error) {
	if sess.Tokens == nil || !sess.Renewable() {
		return nil, &Error{Message: "session has no renewable token set", RetryPossible: false}
	}

	var result *session.TokenSet
	err := mgr.WithSessionLock(ctx, sess.SessionID, func(ctx context.Context) error {
		tokens, attemptErr := attemptLoop(ctx, sess, opts)
		if attemptErr != nil {
			return attemptErr
		}
		if setErr := sess.SetTokens(tokens); setErr != nil {
			return setErr
		}
		if persistErr := mgr.Persist(ctx, sess); persistErr != nil {
			return persistErr
		}
		result = tokens
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attemptLoop runs the bounded retry loop spec §4.10 describes: each
// attempt's error either aborts immediately (retry_possible=false) or
// backs off and tries again, up to MaxRetries attempts.
func attemptLoop(ctx context.Context, sess *session.Session, opts Options) (*session.TokenSet, error) {
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		tokens, err := attemptOnce(ctx, sess, opts)
		if err == nil {
			return tokens, nil
		}

		var refreshErr *Error
		switch e := err.(type) {
		case *Error:
			refreshErr = e
			if !e.RetryPossible {
				return nil, e
			}
		case *InvalidTokenError:
			return nil, e
		default:
			return nil, err
		}

		if attempt == MaxRetries {
			return nil, &Error{
				Message:       fmt.Sprintf("token refresh failed after %d attempts: %v", MaxRetries, err),
				RetryPossible: false,
			}
		}

		delay := backoffDelay(attempt)
		if refreshErr != nil && refreshErr.RetryAfter > 0 {
			delay = refreshErr.RetryAfter
		}
		opts.sleep(delay)
	}
	// Unreachable: the loop above always returns by MaxRetries.
	return nil, &Error{Message: "token refresh failed", RetryPossible: false}
}

// backoffDelay computes delay = min(BASE_DELAY * 2^(attempt-1), MAX_DELAY)
// + U(0, 0.5*delay), per spec §4.10.
func backoffDelay(attempt int) time.Duration {
	base := BaseDelay * time.Duration(1<<uint(attempt-1))
	if base > MaxDelay {
		base = MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}

// attemptOnce performs a single token-endpoint round trip: build the DPoP
// proof and optional client assertion, POST the refresh_token grant, and
// classify the response per spec §4.10 step 4.
func attemptOnce(ctx context.Context, sess *session.Session, opts Options) (*session.TokenSet, error) {
	proof, err := opts.DPoP.GenerateProof(ctx, http.MethodPost, opts.TokenEndpoint, "")
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", sess.Tokens.RefreshToken)
	form.Set("scope", sess.Scope)
	form.Set("client_id", opts.ClientID)
	if opts.Confidential {
		clientAssertion, assertErr := assertion.Build(opts.KeyManager, opts.ClientID, opts.Issuer, 0)
		if assertErr != nil {
			return nil, assertErr
		}
		form.Set("client_assertion_type", assertion.ClientAssertionType)
		form.Set("client_assertion", clientAssertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", proof)

	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("request failed: %v", err), RetryPossible: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("read response: %v", err), RetryPossible: true}
	}

	if absorbErr := opts.DPoP.ProcessResponse(ctx, resp.Header, opts.TokenEndpoint); absorbErr != nil {
		return nil, absorbErr
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return parseTokenResponse(body, sess)
	case http.StatusBadRequest:
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "use_dpop_nonce" {
			return nil, &Error{Message: "authorization server requested a fresh DPoP nonce", RetryPossible: true}
		}
		if oauthErr.Error == "invalid_grant" {
			return nil, &InvalidTokenError{Reason: "refresh token is invalid or has been revoked"}
		}
		return nil, &InvalidTokenError{Reason: fmt.Sprintf("token endpoint returned HTTP 400: %s", oauthErr.Error)}
	case http.StatusUnauthorized:
		return nil, &InvalidTokenError{Reason: "refresh token rejected (HTTP 401), refresh token revoked"}
	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &Error{Message: "token endpoint rate limited the request", RetryPossible: true, RetryAfter: retryAfter}
	default:
		return nil, &Error{Message: fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode), RetryPossible: true}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// parseTokenResponse validates a 200 response against spec §4.10's rules:
// required fields, token_type DPoP, scope superset, and subject continuity.
func parseTokenResponse(body []byte, sess *session.Session) (*session.TokenSet, error) {
	var wire struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		Sub          string `json:"sub"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &InvalidTokenError{Reason: fmt.Sprintf("invalid JSON in token response: %v", err)}
	}
	if wire.AccessToken == "" || wire.ExpiresIn <= 0 {
		return nil, &InvalidTokenError{Reason: "token response missing access_token or expires_in"}
	}
	if wire.TokenType != "DPoP" {
		return nil, &InvalidTokenError{Reason: fmt.Sprintf("token_type must be DPoP, got %q", wire.TokenType)}
	}
	if !scopeIncludes(wire.Scope, sess.Scope) {
		return nil, &InvalidTokenError{Reason: fmt.Sprintf("refreshed scope %q does not cover original scope %q", wire.Scope, sess.Scope)}
	}
	if sess.Tokens != nil && sess.Tokens.Sub != "" && wire.Sub != "" && wire.Sub != sess.Tokens.Sub {
		return nil, &InvalidTokenError{Reason: "refreshed token subject does not match session"}
	}

	refreshToken := wire.RefreshToken
	if refreshToken == "" {
		refreshToken = sess.Tokens.RefreshToken
	}
	sub := wire.Sub
	if sub == "" && sess.Tokens != nil {
		sub = sess.Tokens.Sub
	}

	return &session.TokenSet{
		AccessToken:  wire.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    wire.TokenType,
		Scope:        wire.Scope,
		Sub:          sub,
		ExpiresAt:    time.Now().Add(time.Duration(wire.ExpiresIn) * time.Second),
	}, nil
}

// scopeIncludes reports whether every space-separated token in original
// also appears in refreshed, per spec §4.10's "scope ⊇ original".
func scopeIncludes(refreshed, original string) bool {
	have := make(map[string]bool)
	for _, s := range strings.Fields(refreshed) {
		have[s] = true
	}
	for _, s := range strings.Fields(original) {
		if !have[s] {
			return false
		}
	}
	return true
}
