package envelope

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/atproto-oauth/atproto-oauth-go/crypto"
)

type tokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Sub          string `json:"sub"`
}

func testService(t *testing.T) *crypto.Service {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	svc, err := crypto.NewService(key)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestSealOpenRoundTrip(t *testing.T) {
	svc := testService(t)

	in := tokenSet{AccessToken: "access-123", RefreshToken: "refresh-456", Sub: "did:plc:abc"}
	env, err := Seal(svc, "session", "TokenSet", 1, 1, in)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.Version != 1 || env.Type != "TokenSet" {
		t.Errorf("unexpected envelope header: %+v", env)
	}

	var out tokenSet
	if err := Open(svc, "session", env, &out); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestSealEncryptsSensitiveFieldsInWire(t *testing.T) {
	svc := testService(t)

	in := tokenSet{AccessToken: "access-123", RefreshToken: "refresh-456", Sub: "did:plc:abc"}
	env, err := Seal(svc, "session", "TokenSet", 1, 1, in)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	var tree map[string]any
	if err := json.Unmarshal(env.Data, &tree); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}

	if tree["sub"] != "did:plc:abc" {
		t.Errorf("non-sensitive field should be plaintext, got %v", tree["sub"])
	}

	accessTokenField, ok := tree["access_token"].(map[string]any)
	if !ok {
		t.Fatalf("access_token should be an envelope object, got %T", tree["access_token"])
	}
	if !isEnvelopeShape(accessTokenField) {
		t.Errorf("access_token field is not shaped like an encryption envelope: %v", accessTokenField)
	}
}

func TestOpenFailsUnderWrongContext(t *testing.T) {
	svc := testService(t)

	in := tokenSet{AccessToken: "access-123"}
	env, err := Seal(svc, "session", "TokenSet", 1, 1, in)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	var out tokenSet
	if err := Open(svc, "nonce", env, &out); err == nil {
		t.Error("expected Open under the wrong context to fail")
	}
}
