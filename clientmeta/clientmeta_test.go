package clientmeta

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func baseMetadata(clientID string) *ClientMetadata {
	return &ClientMetadata{
		ClientID:              clientID,
		ApplicationType:       "web",
		GrantTypes:            []string{"authorization_code", "refresh_token"},
		ResponseTypes:         []string{"code"},
		RedirectURIs:          []string{"https://app.example.com/callback"},
		Scope:                 "atproto transition:generic",
		DPoPBoundAccessTokens: true,
	}
}

func TestValidateHappyPath(t *testing.T) {
	m := baseMetadata("https://app.example.com/client-metadata.json")
	if err := Validate(m); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingDPoP(t *testing.T) {
	m := baseMetadata("https://app.example.com/client-metadata.json")
	m.DPoPBoundAccessTokens = false
	if err := Validate(m); err == nil {
		t.Fatal("expected error when dpop_bound_access_tokens is false")
	}
}

func TestValidateRejectsMissingAtprotoScope(t *testing.T) {
	m := baseMetadata("https://app.example.com/client-metadata.json")
	m.Scope = "transition:generic"
	if err := Validate(m); err == nil {
		t.Fatal("expected error when scope omits atproto")
	}
}

func TestValidateNativeRedirectURIs(t *testing.T) {
	m := baseMetadata("https://app.example.com/client-metadata.json")
	m.ApplicationType = "native"
	m.RedirectURIs = []string{"com.example.app:/"}
	if err := Validate(m); err != nil {
		t.Fatalf("Validate native custom scheme redirect: %v", err)
	}

	m.RedirectURIs = []string{"http://127.0.0.1:8080/cb"}
	if err := Validate(m); err != nil {
		t.Fatalf("Validate native loopback redirect: %v", err)
	}

	m.RedirectURIs = []string{"wrong.scheme:/"}
	if err := Validate(m); err == nil {
		t.Fatal("expected error for mismatched custom scheme")
	}
}

func TestValidateWebRedirectMustShareHost(t *testing.T) {
	m := baseMetadata("https://app.example.com/client-metadata.json")
	m.RedirectURIs = []string{"https://evil.example.org/callback"}
	if err := Validate(m); err == nil {
		t.Fatal("expected error for cross-host web redirect_uri")
	}
}

func TestValidatePrivateKeyJWTRequiresOneJWKSource(t *testing.T) {
	m := baseMetadata("https://app.example.com/client-metadata.json")
	m.TokenEndpointAuthMethod = "private_key_jwt"
	m.TokenEndpointAuthSigningAlg = "ES256"
	if err := Validate(m); err == nil {
		t.Fatal("expected error when neither jwks nor jwks_uri is present")
	}

	m.JWKS = &JWKSet{Keys: []JWK{{Kid: "k1", Kty: "EC", Use: "sig"}}}
	m.JWKSURI = "https://app.example.com/jwks.json"
	if err := Validate(m); err == nil {
		t.Fatal("expected error when both jwks and jwks_uri are present")
	}

	m.JWKSURI = ""
	if err := Validate(m); err != nil {
		t.Fatalf("Validate with single jwks source: %v", err)
	}
}

func TestValidatePrivateKeyJWTRequiresES256(t *testing.T) {
	m := baseMetadata("https://app.example.com/client-metadata.json")
	m.TokenEndpointAuthMethod = "private_key_jwt"
	m.TokenEndpointAuthSigningAlg = "RS256"
	m.JWKSURI = "https://app.example.com/jwks.json"
	if err := Validate(m); err == nil {
		t.Fatal("expected error for non-ES256 signing alg")
	}
}

func TestFromURLRequiresMatchingClientID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_id":"https://other.example.com/meta.json","redirect_uris":["https://app.example.com/cb"],"scope":"atproto","dpop_bound_access_tokens":true,"grant_types":["authorization_code"],"response_types":["code"]}`))
	}))
	defer srv.Close()

	_, err := FromURL(t.Context(), srv.Client(), srv.URL+"/meta.json")
	if err == nil {
		t.Fatal("expected error when document client_id does not match fetch URL")
	}
}
