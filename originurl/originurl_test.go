package originurl

import "testing"

func TestValidateAccepts(t *testing.T) {
	for _, u := range []string{"https://a.b", "https://a.b:8443"} {
		if err := Validate(u); err != nil {
			t.Errorf("expected %q to be valid, got %v", u, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"http://a.b",
		"https://a.b/p",
		"https://a.b?x=1",
		"https://a.b#f",
		"https://u:p@a.b",
		"https://a.b:443",
	}
	for _, u := range cases {
		if err := Validate(u); err == nil {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

func TestCanonicalizeStripsDefaultPort(t *testing.T) {
	got, err := Canonicalize("https://Example.com:443/foo?x=1#y")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got != "https://Example.com" {
		t.Errorf("got %q", got)
	}
}

func TestCanonicalizeKeepsNonDefaultPort(t *testing.T) {
	got, err := Canonicalize("https://a.b:8443/x")
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if got != "https://a.b:8443" {
		t.Errorf("got %q", got)
	}
}
