package session

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/crypto"
	"github.com/atproto-oauth/atproto-oauth-go/storage/memory"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	svc, err := crypto.NewService(key)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewManager(memory.New(), svc)
}

func TestCreateAndGetSession(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "https://client.example/metadata.json", "atproto")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.SessionID == "" || s.StateToken == "" || s.PKCEVerifier == "" || s.PKCEChallenge == "" {
		t.Fatalf("incomplete session: %+v", s)
	}

	got, err := m.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.SessionID != s.SessionID || got.StateToken != s.StateToken {
		t.Errorf("round-tripped session mismatch: %+v vs %+v", got, s)
	}
}

func TestGetSessionByState(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "https://client.example/metadata.json", "atproto")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := m.GetSessionByState(ctx, s.StateToken)
	if err != nil {
		t.Fatalf("GetSessionByState: %v", err)
	}
	if got == nil || got.SessionID != s.SessionID {
		t.Fatalf("expected to find session %s by state, got %+v", s.SessionID, got)
	}
}

func TestGetSessionByStateUnknownReturnsNilNotError(t *testing.T) {
	m := testManager(t)
	got, err := m.GetSessionByState(context.Background(), "nonexistent-state")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil session, got %+v", got)
	}
}

func TestUpdateSessionRewritesStateMapping(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "https://client.example/metadata.json", "atproto")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.SetDID("did:plc:abc"); err != nil {
		t.Fatalf("SetDID: %v", err)
	}
	if err := m.UpdateSession(ctx, s); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := m.GetSessionByState(ctx, s.StateToken)
	if err != nil {
		t.Fatalf("GetSessionByState: %v", err)
	}
	if got == nil || got.DID != "did:plc:abc" {
		t.Fatalf("expected updated DID to round-trip, got %+v", got)
	}
}

func TestRemoveSessionDeletesBothKeys(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "https://client.example/metadata.json", "atproto")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.RemoveSession(ctx, s.SessionID); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}

	got, err := m.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("GetSession after remove: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after removal, got %+v", got)
	}

	byState, err := m.GetSessionByState(ctx, s.StateToken)
	if err != nil {
		t.Fatalf("GetSessionByState after remove: %v", err)
	}
	if byState != nil {
		t.Fatalf("expected nil by-state lookup after removal, got %+v", byState)
	}
}

func TestGetSessionExpiredNonRenewableTreatedAsGone(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "https://client.example/metadata.json", "atproto")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.SetTokens(&TokenSet{
		AccessToken: "expired-token",
		TokenType:   "DPoP",
		Scope:       "atproto",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("SetTokens: %v", err)
	}
	if err := m.UpdateSession(ctx, s); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := m.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired, non-renewable session to read back nil, got %+v", got)
	}
}

func TestWithSessionLockSerializesAccess(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "https://client.example/metadata.json", "atproto")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	order := make(chan int, 2)
	done := make(chan struct{})
	go func() {
		_ = m.WithSessionLock(ctx, s.SessionID, func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			order <- 1
			return nil
		})
		done <- struct{}{}
	}()
	time.Sleep(5 * time.Millisecond)
	_ = m.WithSessionLock(ctx, s.SessionID, func(ctx context.Context) error {
		order <- 2
		return nil
	})
	<-done
	close(order)

	var seq []int
	for v := range order {
		seq = append(seq, v)
	}
	if len(seq) != 2 || seq[0] != 1 || seq[1] != 2 {
		t.Errorf("expected lock to serialize in acquisition order [1 2], got %v", seq)
	}
}
