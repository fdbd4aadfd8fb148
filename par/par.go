// Package par submits Pushed Authorization Requests (RFC 9126) with DPoP
// proof and optional client-assertion authentication, and builds the
// resulting authorization URL (spec §4.7, component C10).
package par

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/atproto-oauth/atproto-oauth-go/dpop"
)

// Params holds the form fields of a pushed authorization request, per
// spec §4.7.
type Params struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	State               string
	Scope               string
	LoginHint           string
	ClientAssertionType string
	ClientAssertion     string
}

// Result is the success response body spec §4.7 requires: HTTP 201 with
// {request_uri, expires_in>0}.
type Result struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// Submit POSTs params as a PAR request to endpoint, attaching a DPoP proof
// and, when confidential client auth is used, the client assertion. On an
// HTTP 400 `use_dpop_nonce` response it absorbs the `DPoP-Nonce` header,
// regenerates the proof, and retries exactly once, per spec §4.7.
func Submit(ctx context.Context, client *http.Client, dc *dpop.Client, endpoint string, params Params) (*Result, error) {
	if !strings.Contains(params.Scope, "atproto") {
		return nil, fmt.Errorf("par: scope %q must include atproto", params.Scope)
	}
	hasAssertionType := params.ClientAssertionType != ""
	hasAssertion := params.ClientAssertion != ""
	if hasAssertionType != hasAssertion {
		return nil, fmt.Errorf("par: client_assertion_type and client_assertion must be supplied together")
	}

	result, retryable, err := submitOnce(ctx, client, dc, endpoint, params)
	if err == nil {
		return result, nil
	}
	if !retryable {
		return nil, err
	}

	result, _, err = submitOnce(ctx, client, dc, endpoint, params)
	return result, err
}

func submitOnce(ctx context.Context, client *http.Client, dc *dpop.Client, endpoint string, params Params) (*Result, bool, error) {
	proof, err := dc.GenerateProof(ctx, http.MethodPost, endpoint, "")
	if err != nil {
		return nil, false, err
	}

	body := formBody(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("par: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("DPoP", proof)

	resp, err := client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("par: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("par: read response: %w", err)
	}

	if absorbErr := dc.ProcessResponse(ctx, resp.Header, endpoint); absorbErr != nil {
		return nil, false, absorbErr
	}

	if resp.StatusCode == http.StatusCreated {
		var result Result
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, false, fmt.Errorf("par: invalid success response: %w", err)
		}
		if result.RequestURI == "" || result.ExpiresIn <= 0 {
			return nil, false, &Error{StatusCode: resp.StatusCode, OAuthError: "missing request_uri or expires_in"}
		}
		return &result, false, nil
	}

	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(respBody, &oauthErr)

	if resp.StatusCode == http.StatusBadRequest && oauthErr.Error == "use_dpop_nonce" {
		return nil, true, &Error{StatusCode: resp.StatusCode, OAuthError: oauthErr.Error, ErrorDescription: oauthErr.ErrorDescription}
	}

	return nil, false, &Error{StatusCode: resp.StatusCode, OAuthError: oauthErr.Error, ErrorDescription: oauthErr.ErrorDescription}
}

func formBody(p Params) string {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", p.ClientID)
	v.Set("redirect_uri", p.RedirectURI)
	v.Set("code_challenge", p.CodeChallenge)
	v.Set("code_challenge_method", "S256")
	v.Set("state", p.State)
	v.Set("scope", p.Scope)
	if p.LoginHint != "" {
		v.Set("login_hint", p.LoginHint)
	}
	if p.ClientAssertionType != "" {
		v.Set("client_assertion_type", p.ClientAssertionType)
		v.Set("client_assertion", p.ClientAssertion)
	}
	return v.Encode()
}

// AuthorizationURL builds the browser-redirect URL for a successful PAR
// response: authorize_endpoint?request_uri=<enc>&client_id=<enc>.
func AuthorizationURL(authorizeEndpoint, requestURI, clientID string) string {
	query := "request_uri=" + url.QueryEscape(requestURI) + "&client_id=" + url.QueryEscape(clientID)
	sep := "?"
	if strings.Contains(authorizeEndpoint, "?") {
		sep = "&"
	}
	return authorizeEndpoint + sep + query
}
