package par

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/atproto-oauth/atproto-oauth-go/crypto"
	"github.com/atproto-oauth/atproto-oauth-go/dpop"
	"github.com/atproto-oauth/atproto-oauth-go/storage/memory"
)

func testClient(t *testing.T) *dpop.Client {
	t.Helper()
	km, err := dpop.GenerateKeyManager()
	if err != nil {
		t.Fatalf("GenerateKeyManager: %v", err)
	}
	enc, err := crypto.NewService(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return dpop.NewClient(km, dpop.NewNonceManager(memory.New(), enc, 0))
}

func TestSubmitHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("DPoP") == "" {
			t.Error("missing DPoP header")
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"request_uri":"urn:ietf:params:oauth:request_uri:abc","expires_in":60}`))
	}))
	defer srv.Close()

	dc := testClient(t)
	result, err := Submit(t.Context(), srv.Client(), dc, srv.URL, Params{
		ClientID:      "https://app.example.com/meta.json",
		RedirectURI:   "https://app.example.com/cb",
		CodeChallenge: "challenge",
		State:         "state123",
		Scope:         "atproto",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.RequestURI != "urn:ietf:params:oauth:request_uri:abc" {
		t.Errorf("RequestURI = %q", result.RequestURI)
	}
	if result.ExpiresIn != 60 {
		t.Errorf("ExpiresIn = %d", result.ExpiresIn)
	}
}

func TestSubmitNonceHandshakeRetriesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("DPoP-Nonce", "N1")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"use_dpop_nonce"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"request_uri":"urn:x","expires_in":60}`))
	}))
	defer srv.Close()

	dc := testClient(t)
	result, err := Submit(t.Context(), srv.Client(), dc, srv.URL, Params{
		ClientID:      "https://app.example.com/meta.json",
		RedirectURI:   "https://app.example.com/cb",
		CodeChallenge: "challenge",
		State:         "state123",
		Scope:         "atproto",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 POSTs, got %d", calls)
	}
	if result.RequestURI != "urn:x" {
		t.Errorf("RequestURI = %q", result.RequestURI)
	}
}

func TestSubmitFailsAfterSecondNonceChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("DPoP-Nonce", "N1")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"use_dpop_nonce"}`))
	}))
	defer srv.Close()

	dc := testClient(t)
	_, err := Submit(t.Context(), srv.Client(), dc, srv.URL, Params{
		ClientID:      "https://app.example.com/meta.json",
		RedirectURI:   "https://app.example.com/cb",
		CodeChallenge: "challenge",
		State:         "state123",
		Scope:         "atproto",
	})
	if err == nil {
		t.Fatal("expected error after single retry is exhausted")
	}
}

func TestAuthorizationURL(t *testing.T) {
	got := AuthorizationURL("https://auth.test/authorize", "urn:x", "https://app.example.com/meta.json")
	want := "https://auth.test/authorize?request_uri=urn%3Ax&client_id=https%3A%2F%2Fapp.example.com%2Fmeta.json"
	if got != want {
		t.Errorf("AuthorizationURL = %q, want %q", got, want)
	}
}
