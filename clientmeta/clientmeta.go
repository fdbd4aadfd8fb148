// Package clientmeta parses and validates an AT Protocol OAuth client's
// self-describing client metadata document (spec §3, §4.3 / component C3),
// using go-playground/validator struct tags for the mechanical
// required-field checks, layered under the semantic checks spec §3 spells out by hand.
package clientmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/atproto-oauth/atproto-oauth-go/originurl"
)

var validate = validator.New()

// JWK is the subset of JSON Web Key fields this module inspects when a
// client publishes `private_key_jwt` signing keys.
type JWK struct {
	Kid    string   `json:"kid"`
	Kty    string   `json:"kty"`
	Crv    string   `json:"crv,omitempty"`
	Use    string   `json:"use,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
	X      string   `json:"x,omitempty"`
	Y      string   `json:"y,omitempty"`
	D      string   `json:"d,omitempty"`
}

// JWKSet is a minimal JSON Web Key Set document.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// ClientMetadata is the immutable, per-process document describing an
// OAuth client, per spec §3.
type ClientMetadata struct {
	ClientID                    string   `json:"client_id" validate:"required"`
	ApplicationType              string   `json:"application_type,omitempty"`
	GrantTypes                  []string `json:"grant_types,omitempty"`
	ResponseTypes                []string `json:"response_types,omitempty"`
	RedirectURIs                 []string `json:"redirect_uris" validate:"required,min=1"`
	Scope                        string   `json:"scope" validate:"required"`
	DPoPBoundAccessTokens         bool     `json:"dpop_bound_access_tokens"`
	ClientName                   string   `json:"client_name,omitempty"`
	ClientURI                    string   `json:"client_uri,omitempty"`
	LogoURI                      string   `json:"logo_uri,omitempty"`
	TosURI                       string   `json:"tos_uri,omitempty"`
	PolicyURI                    string   `json:"policy_uri,omitempty"`
	TokenEndpointAuthMethod       string   `json:"token_endpoint_auth_method,omitempty"`
	TokenEndpointAuthSigningAlg   string   `json:"token_endpoint_auth_signing_alg,omitempty"`
	JWKS                          *JWKSet  `json:"jwks,omitempty"`
	JWKSURI                       string   `json:"jwks_uri,omitempty"`
}

// Confidential reports whether the client authenticates with
// private_key_jwt, per spec §3's "confidential ≡ auth method is private_key_jwt".
func (m *ClientMetadata) Confidential() bool {
	return m.TokenEndpointAuthMethod == "private_key_jwt"
}

// HasScope reports whether scope is one of the space-separated tokens in
// m.Scope.
func (m *ClientMetadata) HasScope(scope string) bool {
	for _, s := range strings.Fields(m.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// FromURL fetches and validates the client metadata document at rawURL.
// rawURL must equal the metadata's own client_id, closing the loop
// spec §4.3 requires.
func FromURL(ctx context.Context, client *http.Client, rawURL string) (*ClientMetadata, error) {
	if err := validateFetchURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, invalid("client_id", "failed to build request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, invalid("client_id", "failed to fetch client metadata: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, invalid("client_id", "metadata fetch returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, invalid("client_id", "failed to read response body: %v", err)
	}

	var meta ClientMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, invalid("client_id", "invalid JSON: %v", err)
	}

	if meta.ClientID != rawURL {
		return nil, invalid("client_id", "document client_id %q does not match fetch URL %q", meta.ClientID, rawURL)
	}

	if err := Validate(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// validateFetchURL enforces spec §4.3's "HTTPS (or localhost HTTP) required"
// rule on the URL used to fetch a metadata document.
func validateFetchURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return invalid("client_id", "not a valid URL: %v", err)
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && originurl.IsLocalhost(u.Hostname()) {
		return nil
	}
	return invalid("client_id", "must be HTTPS (or http://localhost for development)")
}

var validApplicationTypes = map[string]bool{"web": true, "native": true}

// Validate applies every rule spec §3 lists. ApplicationType defaults to
// "web" if unset, matching spec's stated default.
func Validate(m *ClientMetadata) error {
	if m.ApplicationType == "" {
		m.ApplicationType = "web"
	}
	if err := validate.Struct(m); err != nil {
		return invalid("", "%v", err)
	}

	if !validApplicationTypes[m.ApplicationType] {
		return invalid("application_type", "must be 'web' or 'native', got %q", m.ApplicationType)
	}

	if err := validateClientID(m.ClientID); err != nil {
		return err
	}

	if !containsAll(m.GrantTypes, "authorization_code") {
		return invalid("grant_types", "must include authorization_code")
	}
	for _, gt := range m.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return invalid("grant_types", "unsupported grant type %q", gt)
		}
	}

	if !containsAll(m.ResponseTypes, "code") {
		return invalid("response_types", "must include code")
	}

	if !m.HasScope("atproto") {
		return invalid("scope", "must include atproto")
	}

	if !m.DPoPBoundAccessTokens {
		return invalid("dpop_bound_access_tokens", "must be true")
	}

	if m.ClientURI != "" {
		if err := sameHost(m.ClientURI, m.ClientID); err != nil {
			return invalid("client_uri", "%v", err)
		}
	}
	for field, val := range map[string]string{"logo_uri": m.LogoURI, "tos_uri": m.TosURI, "policy_uri": m.PolicyURI} {
		if val == "" {
			continue
		}
		u, err := url.Parse(val)
		if err != nil || u.Scheme != "https" {
			return invalid(field, "must be an HTTPS URL")
		}
	}

	if err := validateRedirectURIs(m); err != nil {
		return err
	}

	if m.TokenEndpointAuthMethod == "private_key_jwt" {
		if m.TokenEndpointAuthSigningAlg != "ES256" {
			return invalid("token_endpoint_auth_signing_alg", "must be ES256 when token_endpoint_auth_method is private_key_jwt")
		}
		hasJWKS := m.JWKS != nil && len(m.JWKS.Keys) > 0
		hasJWKSURI := m.JWKSURI != ""
		if hasJWKS == hasJWKSURI {
			return invalid("jwks", "exactly one of jwks or jwks_uri must be present")
		}
		if hasJWKS {
			for i, key := range m.JWKS.Keys {
				if key.Kid == "" {
					return invalid("jwks", "key %d missing kid", i)
				}
				signUse := key.Use == "sig"
				signOp := false
				for _, op := range key.KeyOps {
					if op == "sign" {
						signOp = true
					}
				}
				if !signUse && !signOp {
					return invalid("jwks", "key %d must have use=sig or key_ops containing sign", i)
				}
			}
		}
	}

	return nil
}

func validateClientID(clientID string) error {
	u, err := url.Parse(clientID)
	if err != nil {
		return invalid("client_id", "not a valid URL: %v", err)
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && u.Hostname() == "localhost" {
		return nil
	}
	return invalid("client_id", "must be an HTTPS URL or http://localhost")
}

func sameHost(a, b string) error {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return fmt.Errorf("invalid URL")
	}
	if ua.Hostname() != ub.Hostname() {
		return fmt.Errorf("host %q does not match client_id host %q", ua.Hostname(), ub.Hostname())
	}
	return nil
}

func validateRedirectURIs(m *ClientMetadata) error {
	clientURL, err := url.Parse(m.ClientID)
	if err != nil {
		return invalid("client_id", "not a valid URL: %v", err)
	}
	reversed := reverseHost(clientURL.Hostname())

	for _, raw := range m.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return invalid("redirect_uris", "invalid redirect_uri %q: %v", raw, err)
		}

		switch m.ApplicationType {
		case "web":
			if u.Scheme != "https" {
				return invalid("redirect_uris", "web client redirect_uri %q must be HTTPS", raw)
			}
			if u.Hostname() != clientURL.Hostname() && !originurl.IsLocalhost(u.Hostname()) {
				return invalid("redirect_uris", "web client redirect_uri %q must share client_id's host", raw)
			}
		case "native":
			if u.Scheme == "https" {
				continue
			}
			if u.Scheme == "http" && originurl.IsLocalhost(u.Hostname()) {
				continue
			}
			if u.Scheme == reversed && u.Path == "/" {
				continue
			}
			return invalid("redirect_uris", "native client redirect_uri %q must be HTTPS, loopback HTTP, or the reversed-domain custom scheme", raw)
		}
	}
	return nil
}

// reverseHost reverses a dotted host into the custom-scheme form AT
// Protocol native clients use, e.g. "example.com" -> "com.example".
func reverseHost(host string) string {
	parts := strings.Split(host, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

func containsAll(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
