package httpclient

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsPrivateIP(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"10.1.2.3":  true,
		"172.16.0.5": true,
		"192.168.1.1": true,
		"169.254.1.1": true,
		"0.0.0.0":   true,
		"8.8.8.8":   false,
		"1.1.1.1":   false,
	}
	for ip, want := range cases {
		got := isPrivateIP(net.ParseIP(ip))
		if got != want {
			t.Errorf("isPrivateIP(%s) = %v, want %v", ip, got, want)
		}
	}
}

func TestClientBlocksPrivateHost(t *testing.T) {
	client := New(false)
	_, err := client.Get("http://127.0.0.1:1/meta.json")
	if err == nil {
		t.Fatal("expected SSRF block")
	}
	if !strings.Contains(err.Error(), "SSRF") {
		t.Errorf("expected SSRF error, got %v", err)
	}
}

func TestClientAllowsResponseUnderCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		for i := 0; i < 1024; i++ {
			w.Write(buf)
		}
	}))
	defer srv.Close()

	client := New(true)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	// Only trips once more than MaxResponseBytes is actually read; this
	// response is well under the cap, so it must succeed.
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Errorf("unexpected read error under cap: %v", err)
	}
}
