package assertion

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/dpop"
)

func TestBuildShape(t *testing.T) {
	km, err := dpop.GenerateKeyManager()
	if err != nil {
		t.Fatalf("GenerateKeyManager: %v", err)
	}

	token, err := Build(km, "https://app.example.com/client-metadata.json", "https://auth.test", 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d", len(parts))
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var header map[string]any
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if header["alg"] != "ES256" {
		t.Errorf("alg = %v, want ES256", header["alg"])
	}
	if header["typ"] != "JWT" {
		t.Errorf("typ = %v, want JWT", header["typ"])
	}
	if header["kid"] != km.Kid() {
		t.Errorf("kid = %v, want %v", header["kid"], km.Kid())
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadRaw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["iss"] != "https://app.example.com/client-metadata.json" {
		t.Errorf("iss = %v", payload["iss"])
	}
	if payload["sub"] != payload["iss"] {
		t.Errorf("sub must equal iss, got sub=%v iss=%v", payload["sub"], payload["iss"])
	}
	if payload["aud"] != "https://auth.test" {
		t.Errorf("aud = %v, want https://auth.test", payload["aud"])
	}
	if _, ok := payload["jti"]; !ok {
		t.Error("missing jti")
	}

	iat, _ := payload["iat"].(float64)
	exp, _ := payload["exp"].(float64)
	if exp-iat != float64(DefaultLifetime/time.Second) {
		t.Errorf("exp-iat = %v, want %v", exp-iat, DefaultLifetime/time.Second)
	}
}
