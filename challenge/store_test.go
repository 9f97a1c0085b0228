package challenge

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "vc")

	return store, rdb, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func codeChallenge(id, code string, now time.Time) *Challenge {
	return &Challenge{
		ID:              id,
		Purpose:         PurposeSignupEmail,
		Channel:         ChannelEmail,
		SubjectType:     SubjectSignupSession,
		SubjectID:       "ss-1",
		Destination:     "alice@example.com",
		DestinationNorm: "alice@example.com",
		Kind:            KindCode,
		CodeHash:        sha256.Sum256([]byte(code)),
		Status:          StatusPending,
		ExpiresAt:       now.Add(10 * time.Minute).Unix(),
		MaxAttempts:     5,
		SentCount:       1,
		LastSentAt:      now.Unix(),
		CreatedAt:       now.Unix(),
		UpdatedAt:       now.Unix(),
	}
}

func TestSaveAndFindActivePending(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c := codeChallenge("c1", "482910", now)

	if err := store.Save(ctx, c, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.FindActivePending(ctx, SubjectSignupSession, "ss-1", PurposeSignupEmail, ChannelEmail, now)
	if err != nil {
		t.Fatalf("find active pending failed: %v", err)
	}
	if got.ID != "c1" {
		t.Fatalf("expected c1, got %s", got.ID)
	}
}

func TestPendingPointerFollowsNewestSave(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	a := codeChallenge("ca", "111111", now)
	if err := store.Save(ctx, a, now); err != nil {
		t.Fatalf("save a failed: %v", err)
	}
	b := codeChallenge("cb", "222222", now)
	if err := store.Save(ctx, b, now); err != nil {
		t.Fatalf("save b failed: %v", err)
	}

	// A delayed cancel of the superseded record must not clobber the
	// pointer that now names its replacement.
	if err := a.Cancel(now); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := store.Save(ctx, a, now); err != nil {
		t.Fatalf("save canceled failed: %v", err)
	}

	got, err := store.FindActivePending(ctx, SubjectSignupSession, "ss-1", PurposeSignupEmail, ChannelEmail, now)
	if err != nil {
		t.Fatalf("find active pending failed: %v", err)
	}
	if got.ID != "cb" {
		t.Fatalf("pointer should name cb, got %s", got.ID)
	}
}

func TestNonPendingSaveClearsOwnPointer(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c := codeChallenge("c1", "482910", now)

	if err := store.Save(ctx, c, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := c.Cancel(now); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := store.Save(ctx, c, now); err != nil {
		t.Fatalf("save canceled failed: %v", err)
	}

	if _, err := store.FindActivePending(ctx, SubjectSignupSession, "ss-1", PurposeSignupEmail, ChannelEmail, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FindPendingByCodeHash(ctx, SubjectSignupSession, "ss-1", "alice@example.com", c.CodeHash, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("code index should be gone, got %v", err)
	}
}

func TestFindPendingByCodeHash(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c := codeChallenge("c1", "482910", now)

	if err := store.Save(ctx, c, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.FindPendingByCodeHash(ctx, SubjectSignupSession, "ss-1", "alice@example.com", c.CodeHash, now)
	if err != nil {
		t.Fatalf("find by code hash failed: %v", err)
	}
	if got.ID != "c1" {
		t.Fatalf("expected c1, got %s", got.ID)
	}

	wrong := sha256.Sum256([]byte("000000"))
	if _, err := store.FindPendingByCodeHash(ctx, SubjectSignupSession, "ss-1", "alice@example.com", wrong, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong hash, got %v", err)
	}
}

func TestFindByIDEvictsExpiredPending(t *testing.T) {
	store, rdb, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	c := codeChallenge("c1", "482910", now)

	if err := store.Save(ctx, c, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	later := now.Add(11 * time.Minute)
	if _, err := store.FindByID(ctx, "c1", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound past lifetime, got %v", err)
	}

	// Eviction is physical, not just a view.
	if err := rdb.Get(ctx, "vc:rec:c1").Err(); !errors.Is(err, redis.Nil) {
		t.Fatalf("record should be evicted, got %v", err)
	}
	if _, err := store.FindActivePending(ctx, SubjectSignupSession, "ss-1", PurposeSignupEmail, ChannelEmail, later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending pointer should be cleaned, got %v", err)
	}
}

func TestPublicLinkIndex(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	c := codeChallenge("c1", "", now)
	c.Kind = KindToken
	c.CodeHash = [32]byte{}
	c.TokenHash = sha256.Sum256([]byte("link-token"))
	c.Purpose = PurposePasswordReset

	if err := store.Save(ctx, c, now); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.FindActivePendingByTokenHash(ctx, PurposePasswordReset, ChannelEmail, c.TokenHash, now)
	if err != nil {
		t.Fatalf("find by token hash failed: %v", err)
	}
	if got.ID != "c1" {
		t.Fatalf("expected c1, got %s", got.ID)
	}

	if _, err := store.FindActivePendingByTokenHash(ctx, PurposeSignupEmail, ChannelEmail, c.TokenHash, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("token must not resolve under another purpose, got %v", err)
	}

	got, err = store.FindPendingByTokenHash(ctx, SubjectSignupSession, "ss-1", c.TokenHash, now)
	if err != nil {
		t.Fatalf("subject-scoped lookup failed: %v", err)
	}
	if got.ID != "c1" {
		t.Fatalf("expected c1, got %s", got.ID)
	}
	if _, err := store.FindPendingByTokenHash(ctx, SubjectSignupSession, "ss-2", c.TokenHash, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("token must not resolve for another subject, got %v", err)
	}
}

func TestEphemeralSecretSingleFetch(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	if err := store.PutEphemeralSecret(ctx, "c1", "482910", time.Minute); err != nil {
		t.Fatalf("put secret failed: %v", err)
	}

	secret, err := store.GetAndDeleteEphemeralSecret(ctx, "c1")
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if secret != "482910" {
		t.Fatalf("expected staged secret, got %q", secret)
	}

	if _, err := store.GetAndDeleteEphemeralSecret(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second fetch should fail, got %v", err)
	}
}

func TestFindLatestByDestinationAndPurpose(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	a := codeChallenge("ca", "111111", now)
	if err := store.Save(ctx, a, now); err != nil {
		t.Fatalf("save a failed: %v", err)
	}
	b := codeChallenge("cb", "222222", now)
	if err := store.Save(ctx, b, now); err != nil {
		t.Fatalf("save b failed: %v", err)
	}

	got, err := store.FindLatestByDestinationAndPurpose(ctx, "alice@example.com", PurposeSignupEmail, ChannelEmail, now)
	if err != nil {
		t.Fatalf("find latest failed: %v", err)
	}
	if got.ID != "cb" {
		t.Fatalf("expected cb, got %s", got.ID)
	}
}
