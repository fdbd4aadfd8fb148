package servermeta

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func validASJSON(issuer string) string {
	return `{
		"issuer": "` + issuer + `",
		"authorization_endpoint": "` + issuer + `/authorize",
		"token_endpoint": "` + issuer + `/token",
		"pushed_authorization_request_endpoint": "` + issuer + `/par",
		"response_types_supported": ["code"],
		"grant_types_supported": ["authorization_code", "refresh_token"],
		"code_challenge_methods_supported": ["S256"],
		"token_endpoint_auth_methods_supported": ["private_key_jwt", "none"],
		"token_endpoint_auth_signing_alg_values_supported": ["ES256"],
		"dpop_signing_alg_values_supported": ["ES256"],
		"scopes_supported": ["atproto"],
		"authorization_response_iss_parameter_supported": true,
		"require_pushed_authorization_requests": true,
		"client_id_metadata_document_supported": true
	}`
}

func TestAuthorizationServerFromIssuerRejectsHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(validASJSON("http://example.com")))
	}))
	defer srv.Close()

	_, err := AuthorizationServerFromIssuer(t.Context(), srv.Client(), srv.URL)
	if err == nil {
		t.Fatal("expected error: httptest issuer is http://, not a valid origin URL")
	}
}

func TestValidateRejectsMissingPAR(t *testing.T) {
	as := &AuthorizationServer{
		Issuer:                              "https://auth.test",
		AuthorizationEndpoint:               "https://auth.test/authorize",
		TokenEndpoint:                       "https://auth.test/token",
		PushedAuthorizationRequestEndpoint:  "",
		ResponseTypesSupported:              []string{"code"},
		GrantTypesSupported:                 []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:       []string{"S256"},
		TokenEndpointAuthMethodsSupported:   []string{"private_key_jwt", "none"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256"},
		DPoPSigningAlgValuesSupported:       []string{"ES256"},
		ScopesSupported:                     []string{"atproto"},
		AuthorizationResponseIssParameterSupported: true,
		RequirePushedAuthorizationRequests:  true,
		ClientIDMetadataDocumentSupported:   true,
	}
	if err := validate(as, "https://auth.test"); err == nil {
		t.Fatal("expected error for missing pushed_authorization_request_endpoint")
	}
}

func TestValidateRejectsNoneSigningAlg(t *testing.T) {
	as := &AuthorizationServer{
		Issuer:                              "https://auth.test",
		AuthorizationEndpoint:               "https://auth.test/authorize",
		TokenEndpoint:                       "https://auth.test/token",
		PushedAuthorizationRequestEndpoint:  "https://auth.test/par",
		ResponseTypesSupported:              []string{"code"},
		GrantTypesSupported:                 []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:       []string{"S256"},
		TokenEndpointAuthMethodsSupported:   []string{"private_key_jwt", "none"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256", "none"},
		DPoPSigningAlgValuesSupported:       []string{"ES256"},
		ScopesSupported:                     []string{"atproto"},
		AuthorizationResponseIssParameterSupported: true,
		RequirePushedAuthorizationRequests:  true,
		ClientIDMetadataDocumentSupported:   true,
	}
	if err := validate(as, "https://auth.test"); err == nil {
		t.Fatal("expected error: token_endpoint_auth_signing_alg_values_supported must exclude none")
	}
}

func TestResourceServerFromURLRequiresExactlyOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"authorization_servers":["https://a.test","https://b.test"]}`))
	}))
	defer srv.Close()

	_, err := ResourceServerFromURL(t.Context(), srv.Client(), srv.URL)
	if err == nil {
		t.Fatal("expected error for multiple authorization_servers entries")
	}
	if !strings.Contains(err.Error(), "exactly one") {
		t.Errorf("unexpected error message: %v", err)
	}
}
