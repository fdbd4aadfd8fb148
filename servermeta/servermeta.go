// Package servermeta fetches and validates the Resource Server and
// Authorization Server discovery documents (spec §4.4, components C4),
// mirroring clientmeta's fetch-then-validate shape.
package servermeta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/atproto-oauth/atproto-oauth-go/originurl"
)

// ResourceServer is the PDS's `.well-known/oauth-protected-resource`
// document: exactly one authorization server, which must be a valid
// origin URL, per spec §3.
type ResourceServer struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// ResourceServerFromURL fetches the resource-server metadata document hosted at pds.
func ResourceServerFromURL(ctx context.Context, client *http.Client, pds string) (*ResourceServer, error) {
	body, err := fetchJSON(ctx, client, strings.TrimRight(pds, "/")+"/.well-known/oauth-protected-resource")
	if err != nil {
		return nil, err
	}
	var rs ResourceServer
	if err := json.Unmarshal(body, &rs); err != nil {
		return nil, invalid("authorization_servers", "invalid JSON: %v", err)
	}
	if len(rs.AuthorizationServers) != 1 {
		return nil, invalid("authorization_servers", "must list exactly one authorization server, got %d", len(rs.AuthorizationServers))
	}
	if err := originurl.Validate(rs.AuthorizationServers[0]); err != nil {
		return nil, invalid("authorization_servers", "%v", err)
	}
	return &rs, nil
}

// AuthorizationServer is the full authorization-server metadata document,
// per spec §3's invariant list.
type AuthorizationServer struct {
	Issuer                                      string   `json:"issuer"`
	AuthorizationEndpoint                        string   `json:"authorization_endpoint"`
	TokenEndpoint                                string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint           string   `json:"pushed_authorization_request_endpoint"`
	ResponseTypesSupported                       []string `json:"response_types_supported"`
	GrantTypesSupported                          []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported                []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported            []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported    []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	DPoPSigningAlgValuesSupported                 []string `json:"dpop_signing_alg_values_supported"`
	ScopesSupported                               []string `json:"scopes_supported"`
	AuthorizationResponseIssParameterSupported    bool     `json:"authorization_response_iss_parameter_supported"`
	RequirePushedAuthorizationRequests            bool     `json:"require_pushed_authorization_requests"`
	ClientIDMetadataDocumentSupported             bool     `json:"client_id_metadata_document_supported"`
}

// AuthorizationServerFromIssuer fetches and validates issuer's
// `.well-known/oauth-authorization-server` document, per spec §4.4.
func AuthorizationServerFromIssuer(ctx context.Context, client *http.Client, issuer string) (*AuthorizationServer, error) {
	if err := originurl.Validate(issuer); err != nil {
		return nil, invalid("issuer", "requested issuer is not a valid origin URL: %v", err)
	}

	body, err := fetchJSON(ctx, client, strings.TrimRight(issuer, "/")+"/.well-known/oauth-authorization-server")
	if err != nil {
		return nil, err
	}

	var as AuthorizationServer
	if err := json.Unmarshal(body, &as); err != nil {
		return nil, invalid("", "invalid JSON: %v", err)
	}

	if err := validate(&as, issuer); err != nil {
		return nil, err
	}
	return &as, nil
}

func validate(as *AuthorizationServer, requestedIssuer string) error {
	if err := originurl.Validate(as.Issuer); err != nil {
		return invalid("issuer", "not a valid origin URL: %v", err)
	}
	if as.Issuer != requestedIssuer {
		return invalid("issuer", "document issuer %q does not match requested issuer %q", as.Issuer, requestedIssuer)
	}

	for field, val := range map[string]string{
		"authorization_endpoint":                  as.AuthorizationEndpoint,
		"token_endpoint":                           as.TokenEndpoint,
		"pushed_authorization_request_endpoint":    as.PushedAuthorizationRequestEndpoint,
	} {
		if !strings.HasPrefix(val, "https://") {
			return invalid(field, "must be an HTTPS URL")
		}
	}

	if !contains(as.ResponseTypesSupported, "code") {
		return invalid("response_types_supported", "must include code")
	}
	if !contains(as.GrantTypesSupported, "authorization_code") || !contains(as.GrantTypesSupported, "refresh_token") {
		return invalid("grant_types_supported", "must include authorization_code and refresh_token")
	}
	if !contains(as.CodeChallengeMethodsSupported, "S256") {
		return invalid("code_challenge_methods_supported", "must include S256")
	}
	if !contains(as.TokenEndpointAuthMethodsSupported, "private_key_jwt") || !contains(as.TokenEndpointAuthMethodsSupported, "none") {
		return invalid("token_endpoint_auth_methods_supported", "must include private_key_jwt and none")
	}
	if !contains(as.TokenEndpointAuthSigningAlgValuesSupported, "ES256") {
		return invalid("token_endpoint_auth_signing_alg_values_supported", "must include ES256")
	}
	if contains(as.TokenEndpointAuthSigningAlgValuesSupported, "none") {
		return invalid("token_endpoint_auth_signing_alg_values_supported", "must not include none")
	}
	if !contains(as.DPoPSigningAlgValuesSupported, "ES256") {
		return invalid("dpop_signing_alg_values_supported", "must include ES256")
	}
	if !contains(as.ScopesSupported, "atproto") {
		return invalid("scopes_supported", "must include atproto")
	}
	if !as.AuthorizationResponseIssParameterSupported {
		return invalid("authorization_response_iss_parameter_supported", "must be true")
	}
	if !as.RequirePushedAuthorizationRequests {
		return invalid("require_pushed_authorization_requests", "must be true")
	}
	if !as.ClientIDMetadataDocumentSupported {
		return invalid("client_id_metadata_document_supported", "must be true")
	}
	return nil
}

func fetchJSON(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, invalid("", "failed to build request for %s: %v", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, invalid("", "failed to fetch %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, invalid("", "%s returned HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
