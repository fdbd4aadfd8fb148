package atprotooauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/assertion"
	"github.com/atproto-oauth/atproto-oauth-go/par"
	"github.com/atproto-oauth/atproto-oauth-go/refresh"
	"github.com/atproto-oauth/atproto-oauth-go/servermeta"
	"github.com/atproto-oauth/atproto-oauth-go/session"
)

// AuthorizeResult is what Authorize hands back to start a browser redirect.
type AuthorizeResult struct {
	URL       string
	SessionID string
}

// TokenSummary is what HandleCallback returns on success.
type TokenSummary struct {
	SessionID string
	DID       string
	Scope     string
}

// Authorize begins an authorization flow for handle or pdsURL (exactly one
// must be set), per spec §4.9. It creates a session, resolves the target's
// authorization server, submits a Pushed Authorization Request, and returns
// the URL the caller should redirect the user-agent to.
func (c *Client) Authorize(ctx context.Context, handle, pdsURL, scope string) (*AuthorizeResult, error) {
	if scope == "" {
		scope = DefaultScope
	}
	if !hasToken(scope, "atproto") {
		return nil, fmt.Errorf("atprotooauth: scope %q must include atproto", scope)
	}
	if (handle == "") == (pdsURL == "") {
		return nil, fmt.Errorf("atprotooauth: exactly one of handle or pdsURL is required")
	}

	sess, err := c.sessions.CreateSession(ctx, c.cfg.ClientMetadata.ClientID, scope)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: create session: %w", err)
	}

	var issuer string
	if handle != "" {
		ident, err := c.resolver.Resolve(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("atprotooauth: resolve %q: %w", handle, err)
		}
		if err := sess.SetDID(ident.DID); err != nil {
			return nil, err
		}
		rs, err := servermeta.ResourceServerFromURL(ctx, c.cfg.HTTPClient, ident.PDSURL)
		if err != nil {
			return nil, fmt.Errorf("atprotooauth: fetch resource server metadata: %w", err)
		}
		issuer = rs.AuthorizationServers[0]
		if err := c.resolver.VerifyIssuerBinding(ctx, ident.PDSURL, issuer); err != nil {
			return nil, fmt.Errorf("atprotooauth: %w", err)
		}
	} else {
		rs, err := servermeta.ResourceServerFromURL(ctx, c.cfg.HTTPClient, pdsURL)
		if err != nil {
			return nil, fmt.Errorf("atprotooauth: fetch resource server metadata: %w", err)
		}
		issuer = rs.AuthorizationServers[0]
	}

	as, err := servermeta.AuthorizationServerFromIssuer(ctx, c.cfg.HTTPClient, issuer)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: fetch authorization server metadata: %w", err)
	}
	if err := sess.SetAuthServer(as.Issuer); err != nil {
		return nil, err
	}
	if err := c.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("atprotooauth: persist session: %w", err)
	}

	params := par.Params{
		ClientID:      c.cfg.ClientMetadata.ClientID,
		RedirectURI:   c.cfg.ClientMetadata.RedirectURIs[0],
		CodeChallenge: sess.PKCEChallenge,
		State:         sess.StateToken,
		Scope:         scope,
	}
	if c.cfg.ClientMetadata.Confidential() {
		clientAssertion, err := assertion.Build(c.assertionKey, c.cfg.ClientMetadata.ClientID, as.Issuer, 0)
		if err != nil {
			return nil, fmt.Errorf("atprotooauth: build client assertion: %w", err)
		}
		params.ClientAssertionType = assertion.ClientAssertionType
		params.ClientAssertion = clientAssertion
	}

	result, err := par.Submit(ctx, c.cfg.HTTPClient, c.dpopC, as.PushedAuthorizationRequestEndpoint, params)
	if err != nil {
		return nil, err
	}

	return &AuthorizeResult{
		URL:       par.AuthorizationURL(as.AuthorizationEndpoint, result.RequestURI, c.cfg.ClientMetadata.ClientID),
		SessionID: sess.SessionID,
	}, nil
}

// HandleCallback completes the authorization code exchange for a redirect
// carrying code, state, and iss, per spec §4.9.
func (c *Client) HandleCallback(ctx context.Context, code, state, iss string) (*TokenSummary, error) {
	sess, err := c.sessions.GetSessionByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: look up session by state: %w", err)
	}
	if sess == nil {
		return nil, &InvalidStateError{State: state}
	}
	if sess.AuthServer != iss {
		return nil, &IssuerMismatchError{Expected: sess.AuthServer, Got: iss}
	}

	as, err := servermeta.AuthorizationServerFromIssuer(ctx, c.cfg.HTTPClient, iss)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: fetch authorization server metadata: %w", err)
	}

	var summary *TokenSummary
	err = c.sessions.WithSessionLock(ctx, sess.SessionID, func(ctx context.Context) error {
		tokens, err := c.exchangeCode(ctx, sess, as, code)
		if err != nil {
			return err
		}
		if sess.DID != "" && tokens.Sub != "" && sess.DID != tokens.Sub {
			return &TokenError{Reason: "subject mismatch"}
		}
		if err := sess.SetTokens(tokens); err != nil {
			return err
		}
		if err := c.sessions.Persist(ctx, sess); err != nil {
			return fmt.Errorf("atprotooauth: persist session: %w", err)
		}
		summary = &TokenSummary{SessionID: sess.SessionID, DID: sess.DID, Scope: tokens.Scope}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// exchangeCode performs the authorization_code grant, retrying once on a
// use_dpop_nonce challenge, per spec §4.9 step 3.
func (c *Client) exchangeCode(ctx context.Context, sess *session.Session, as *servermeta.AuthorizationServer, code string) (*session.TokenSet, error) {
	tokens, retryable, err := c.exchangeOnce(ctx, sess, as, code)
	if err == nil {
		return tokens, nil
	}
	if !retryable {
		return nil, err
	}
	tokens, _, err = c.exchangeOnce(ctx, sess, as, code)
	return tokens, err
}

func (c *Client) exchangeOnce(ctx context.Context, sess *session.Session, as *servermeta.AuthorizationServer, code string) (*session.TokenSet, bool, error) {
	proof, err := c.dpopC.GenerateProof(ctx, http.MethodPost, as.TokenEndpoint, "")
	if err != nil {
		return nil, false, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.ClientMetadata.RedirectURIs[0])
	form.Set("client_id", c.cfg.ClientMetadata.ClientID)
	form.Set("code_verifier", sess.PKCEVerifier)
	if c.cfg.ClientMetadata.Confidential() {
		clientAssertion, err := assertion.Build(c.assertionKey, c.cfg.ClientMetadata.ClientID, as.Issuer, 0)
		if err != nil {
			return nil, false, fmt.Errorf("atprotooauth: build client assertion: %w", err)
		}
		form.Set("client_assertion_type", assertion.ClientAssertionType)
		form.Set("client_assertion", clientAssertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, as.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("atprotooauth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", proof)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("atprotooauth: token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("atprotooauth: read token response: %w", err)
	}
	if absorbErr := c.dpopC.ProcessResponse(ctx, resp.Header, as.TokenEndpoint); absorbErr != nil {
		return nil, false, absorbErr
	}

	if resp.StatusCode == http.StatusBadRequest {
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "use_dpop_nonce" {
			return nil, true, &TokenError{Reason: "authorization server requested a fresh DPoP nonce"}
		}
		return nil, false, &TokenError{Reason: fmt.Sprintf("token endpoint returned HTTP 400: %s", oauthErr.Error)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, &TokenError{Reason: fmt.Sprintf("token endpoint returned HTTP %d", resp.StatusCode)}
	}

	var wire struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		Sub          string `json:"sub"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, false, &TokenError{Reason: fmt.Sprintf("invalid JSON in token response: %v", err)}
	}
	if wire.AccessToken == "" || wire.ExpiresIn <= 0 || wire.Sub == "" {
		return nil, false, &TokenError{Reason: "token response missing access_token, expires_in, or sub"}
	}
	if wire.TokenType != "DPoP" {
		return nil, false, &TokenError{Reason: fmt.Sprintf("token_type must be DPoP, got %q", wire.TokenType)}
	}
	if !hasToken(wire.Scope, "atproto") {
		return nil, false, &TokenError{Reason: fmt.Sprintf("granted scope %q does not include atproto", wire.Scope)}
	}

	return tokenSetFromWire(wire.AccessToken, wire.RefreshToken, wire.TokenType, wire.Scope, wire.Sub, wire.ExpiresIn), false, nil
}

// GetTokens returns sessionID's current token set, or a NotAuthorizedError
// if the session has none usable.
func (c *Client) GetTokens(ctx context.Context, sessionID string) (*session.TokenSet, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: load session: %w", err)
	}
	if sess == nil {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	if !sess.Authorized() {
		return nil, &NotAuthorizedError{SessionID: sessionID}
	}
	return sess.Tokens, nil
}

// RefreshToken exchanges sessionID's refresh token for a new TokenSet,
// delegating to the refresh package (spec §4.10).
func (c *Client) RefreshToken(ctx context.Context, sessionID string) (*session.TokenSet, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: load session: %w", err)
	}
	if sess == nil {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}

	as, err := servermeta.AuthorizationServerFromIssuer(ctx, c.cfg.HTTPClient, sess.AuthServer)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: fetch authorization server metadata: %w", err)
	}

	return refresh.Refresh(ctx, c.sessions, sess, refresh.Options{
		HTTPClient:    c.cfg.HTTPClient,
		DPoP:          c.dpopC,
		KeyManager:    c.assertionKey,
		ClientID:      c.cfg.ClientMetadata.ClientID,
		TokenEndpoint: as.TokenEndpoint,
		Issuer:        as.Issuer,
		Confidential:  c.cfg.ClientMetadata.Confidential(),
	})
}

// AuthHeaders returns the Authorization and DPoP headers needed to call a
// resource server as sessionID, per spec §4.9.
func (c *Client) AuthHeaders(ctx context.Context, sessionID, method, rawURL string) (http.Header, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("atprotooauth: load session: %w", err)
	}
	if sess == nil {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	if !sess.Authorized() {
		return nil, &NotAuthorizedError{SessionID: sessionID}
	}

	proof, err := c.dpopC.GenerateProof(ctx, method, rawURL, sess.Tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	headers.Set("Authorization", "DPoP "+sess.Tokens.AccessToken)
	headers.Set("DPoP", proof)
	return headers, nil
}

// Authorized reports whether sessionID currently holds a usable token set.
func (c *Client) Authorized(ctx context.Context, sessionID string) (bool, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("atprotooauth: load session: %w", err)
	}
	return sess != nil && sess.Authorized(), nil
}

// RemoveSession deletes sessionID's session and state-lookup keys.
func (c *Client) RemoveSession(ctx context.Context, sessionID string) error {
	return c.sessions.RemoveSession(ctx, sessionID)
}

func tokenSetFromWire(accessToken, refreshToken, tokenType, scope, sub string, expiresIn int) *session.TokenSet {
	return &session.TokenSet{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		Scope:        scope,
		Sub:          sub,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
}

func hasToken(spaceSeparated, token string) bool {
	for _, s := range strings.Fields(spaceSeparated) {
		if s == token {
			return true
		}
	}
	return false
}
