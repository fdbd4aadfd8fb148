package pkce

import "testing"

func TestGenerateVerifierLength(t *testing.T) {
	v, err := GenerateVerifier(0)
	if err != nil {
		t.Fatalf("GenerateVerifier(0): %v", err)
	}
	if len(v) != defaultLen {
		t.Errorf("expected default length %d, got %d", defaultLen, len(v))
	}

	v2, err := GenerateVerifier(64)
	if err != nil {
		t.Fatalf("GenerateVerifier(64): %v", err)
	}
	if len(v2) != 64 {
		t.Errorf("expected length 64, got %d", len(v2))
	}

	if v == v2 {
		t.Error("two generated verifiers should not collide")
	}
}

func TestGenerateVerifierRejectsOutOfRange(t *testing.T) {
	for _, n := range []int{1, 42, 129, 500} {
		if _, err := GenerateVerifier(n); err == nil {
			t.Errorf("expected error for length %d", n)
		}
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	verifier, err := GenerateVerifier(128)
	if err != nil {
		t.Fatalf("GenerateVerifier: %v", err)
	}
	challenge, err := GenerateChallenge(verifier)
	if err != nil {
		t.Fatalf("GenerateChallenge: %v", err)
	}
	if !Verify(challenge, verifier) {
		t.Error("Verify should accept the matching verifier")
	}

	other, err := GenerateVerifier(128)
	if err != nil {
		t.Fatalf("GenerateVerifier: %v", err)
	}
	if Verify(challenge, other) {
		t.Error("Verify should reject a mismatched verifier")
	}
}

func TestGenerateChallengeRejectsBadVerifier(t *testing.T) {
	if _, err := GenerateChallenge("too-short"); err == nil {
		t.Error("expected error for too-short verifier")
	}
	if _, err := GenerateChallenge("has a space " + string(make([]byte, 40))); err == nil {
		t.Error("expected error for verifier with invalid characters")
	}
}
