package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testService(t *testing.T) *Service {
	t.Helper()
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	svc, err := NewService(key)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := testService(t)

	plaintext := []byte("super-secret-access-token")
	env, err := svc.Encrypt("session", "data.access_token", plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if env.Version != 1 {
		t.Errorf("expected version 1, got %d", env.Version)
	}

	got, err := svc.Decrypt("session", "data.access_token", env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongContextFails(t *testing.T) {
	svc := testService(t)

	env, err := svc.Encrypt("session", "data.access_token", []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := svc.Decrypt("nonce", "data.access_token", env); err == nil {
		t.Error("expected decryption under a different context to fail")
	}
}

func TestDecryptWrongAADFails(t *testing.T) {
	svc := testService(t)

	env, err := svc.Encrypt("session", "data.access_token", []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := svc.Decrypt("session", "data.refresh_token", env); err == nil {
		t.Error("expected decryption with mismatched aad to fail")
	}
}

func TestLoadMasterKeyGeneratesWhenUnset(t *testing.T) {
	t.Setenv("ATPROTO_MASTER_KEY", "")

	key, generated, err := LoadMasterKey()
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if !generated {
		t.Error("expected generated=true when env var unset")
	}
	if len(key) != keyLen {
		t.Errorf("expected %d-byte key, got %d", keyLen, len(key))
	}
}
