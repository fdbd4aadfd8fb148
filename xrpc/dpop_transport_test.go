package xrpc

import (
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/atproto-oauth/atproto-oauth-go/crypto"
	"github.com/atproto-oauth/atproto-oauth-go/dpop"
	"github.com/atproto-oauth/atproto-oauth-go/storage/memory"
)

func testDPoPClient(t *testing.T) *dpop.Client {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	enc, err := crypto.NewService(key)
	if err != nil {
		t.Fatalf("crypto.NewService: %v", err)
	}
	km, err := dpop.GenerateKeyManager()
	if err != nil {
		t.Fatalf("GenerateKeyManager: %v", err)
	}
	nonces := dpop.NewNonceManager(memory.New(), enc, 0)
	return dpop.NewClient(km, nonces)
}

func TestDPoPTransportAttachesHeaders(t *testing.T) {
	var gotAuth, gotDPoP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDPoP = r.Header.Get("DPoP")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dc := testDPoPClient(t)
	client := NewAuthenticatedClient(srv.Client(), dc, "access-token-123")

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if gotAuth != "DPoP access-token-123" {
		t.Errorf("Authorization header = %q", gotAuth)
	}
	if gotDPoP == "" {
		t.Error("expected a DPoP proof header")
	}
}

func TestDPoPTransportRetriesOnceAfter401Nonce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("DPoP-Nonce", "fresh-nonce")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dc := testDPoPClient(t)
	client := NewAuthenticatedClient(srv.Client(), dc, "access-token-123")

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected eventual 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected exactly one retry (2 calls), got %d", calls)
	}
}
