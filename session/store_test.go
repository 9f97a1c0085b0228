package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, lockWait time.Duration) (*Store, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "vs", time.Hour, 3*time.Second, lockWait, 10*time.Millisecond)

	return store, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func makeSession(id, userID, familyID string, tokenHash [32]byte, now time.Time) *Session {
	return &Session{
		ID:         id,
		UserID:     userID,
		FamilyID:   familyID,
		TokenHash:  tokenHash,
		DeviceInfo: "device-1",
		IPAddress:  "203.0.113.9",
		UserAgent:  "agent-1",
		CreatedAt:  now.Unix(),
		LastUsedAt: now.Unix(),
		ExpiresAt:  now.Add(24 * time.Hour).Unix(),
	}
}

func TestSaveAndFindByTokenHash(t *testing.T) {
	store, done := newTestStore(t, time.Second)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	hash := sha256.Sum256([]byte("token-1"))
	sess := makeSession("s1", "u1", "f1", hash, now)

	if err := store.Save(ctx, sess, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.FindByTokenHash(ctx, hash)
	if err != nil {
		t.Fatalf("find by token hash failed: %v", err)
	}
	if got.ID != "s1" || got.UserID != "u1" || got.FamilyID != "f1" {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestRevokedSessionStaysResolvable(t *testing.T) {
	store, done := newTestStore(t, time.Second)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	hash := sha256.Sum256([]byte("token-1"))
	sess := makeSession("s1", "u1", "f1", hash, now)

	if err := store.Save(ctx, sess, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.RevokeSession(ctx, sess, now); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	got, err := store.FindByTokenHash(ctx, hash)
	if err != nil {
		t.Fatalf("revoked session must resolve for replay classification: %v", err)
	}
	if !got.Revoked || got.RevokedAt != now.Unix() {
		t.Fatalf("expected revoked at %d, got %+v", now.Unix(), got)
	}
}

func TestAcquireTokenLockExclusive(t *testing.T) {
	store, done := newTestStore(t, 100*time.Millisecond)
	defer done()

	ctx := context.Background()
	hash := sha256.Sum256([]byte("token-1"))

	release, err := store.AcquireTokenLock(ctx, hash)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := store.AcquireTokenLock(ctx, hash); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("expected ErrLockNotAcquired, got %v", err)
	}

	release()

	release2, err := store.AcquireTokenLock(ctx, hash)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	release2()
}

func TestRevokeFamilyIdempotent(t *testing.T) {
	store, done := newTestStore(t, time.Second)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	a := makeSession("s1", "u1", "f1", sha256.Sum256([]byte("t1")), now)
	b := makeSession("s2", "u1", "f1", sha256.Sum256([]byte("t2")), now)
	for _, sess := range []*Session{a, b} {
		if err := store.Save(ctx, sess, now); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	if err := store.RevokeSession(ctx, a, now); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	later := now.Add(time.Minute)
	if err := store.RevokeFamily(ctx, "f1", later); err != nil {
		t.Fatalf("revoke family failed: %v", err)
	}

	sessions, err := store.FamilySessions(ctx, "f1")
	if err != nil {
		t.Fatalf("family sessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 retained sessions, got %d", len(sessions))
	}
	for _, sess := range sessions {
		if !sess.Revoked {
			t.Fatalf("session %s not revoked", sess.ID)
		}
		// The earlier revocation keeps its original anchor.
		if sess.ID == "s1" && sess.RevokedAt != now.Unix() {
			t.Fatalf("s1 revoked_at rewritten to %d", sess.RevokedAt)
		}
	}
}

func TestLatestActiveInFamily(t *testing.T) {
	store, done := newTestStore(t, time.Second)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	a := makeSession("s1", "u1", "f1", sha256.Sum256([]byte("t1")), now)
	b := makeSession("s2", "u1", "f1", sha256.Sum256([]byte("t2")), now.Add(time.Minute))
	b.ExpiresAt = now.Add(24 * time.Hour).Unix()
	for _, sess := range []*Session{a, b} {
		if err := store.Save(ctx, sess, now); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if err := store.RevokeSession(ctx, a, now.Add(time.Minute)); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	got, err := store.LatestActiveInFamily(ctx, "f1", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("latest active failed: %v", err)
	}
	if got.ID != "s2" {
		t.Fatalf("expected s2, got %s", got.ID)
	}

	if err := store.RevokeFamily(ctx, "f1", now.Add(3*time.Minute)); err != nil {
		t.Fatalf("revoke family failed: %v", err)
	}
	if _, err := store.LatestActiveInFamily(ctx, "f1", now.Add(4*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReuseDetectedOneWay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sess := makeSession("s1", "u1", "f1", sha256.Sum256([]byte("t1")), now)
	sess.Revoke(now)

	if !sess.MarkReuseDetected() {
		t.Fatalf("first detection should report true")
	}
	if sess.MarkReuseDetected() {
		t.Fatalf("second detection should report false")
	}
}

func TestWithinReuseWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sess := makeSession("s1", "u1", "f1", sha256.Sum256([]byte("t1")), now)

	if sess.WithinReuseWindow(now, 15*time.Second) {
		t.Fatalf("unrevoked session has no window")
	}

	sess.Revoke(now)
	if !sess.WithinReuseWindow(now.Add(15*time.Second), 15*time.Second) {
		t.Fatalf("15s after revocation should be inside a 15s window")
	}
	if sess.WithinReuseWindow(now.Add(16*time.Second), 15*time.Second) {
		t.Fatalf("16s after revocation should be outside a 15s window")
	}
}
