package challenge

import (
	"errors"
	"testing"
	"time"
)

func pendingChallenge(now time.Time) *Challenge {
	return &Challenge{
		ID:              "c1",
		Purpose:         PurposeSignupEmail,
		Channel:         ChannelEmail,
		SubjectType:     SubjectSignupSession,
		SubjectID:       "ss-1",
		Destination:     "Alice@Example.com",
		DestinationNorm: "alice@example.com",
		Kind:            KindCode,
		Status:          StatusPending,
		ExpiresAt:       now.Add(10 * time.Minute).Unix(),
		MaxAttempts:     5,
		CreatedAt:       now.Unix(),
		UpdatedAt:       now.Unix(),
	}
}

func TestMarkVerifiedHappyPath(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)

	c.RecordAttempt(now)
	if err := c.MarkVerified(now); err != nil {
		t.Fatalf("mark verified failed: %v", err)
	}
	if c.Status != StatusVerified {
		t.Fatalf("expected VERIFIED, got %s", c.Status)
	}
	if c.VerifiedAt != now.Unix() {
		t.Fatalf("verified_at not set")
	}
}

func TestMarkVerifiedExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)
	later := now.Add(11 * time.Minute)

	err := c.MarkVerified(later)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if c.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", c.Status)
	}
}

func TestMarkVerifiedOverBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)
	c.AttemptCount = 6

	err := c.MarkVerified(now)
	if !errors.Is(err, ErrAttemptsExceeded) {
		t.Fatalf("expected ErrAttemptsExceeded, got %v", err)
	}
	if c.Status != StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", c.Status)
	}
}

func TestMarkVerifiedAtExactBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)
	c.AttemptCount = 4

	// The fifth attempt with the right secret still verifies.
	c.RecordAttempt(now)
	if err := c.MarkVerified(now); err != nil {
		t.Fatalf("fifth attempt should verify, got %v", err)
	}
}

func TestConsumeTransitions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)

	if err := c.Consume(now); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("consume before verify: expected ErrNotVerified, got %v", err)
	}

	if err := c.MarkVerified(now); err != nil {
		t.Fatalf("mark verified failed: %v", err)
	}
	if err := c.Consume(now); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if c.Status != StatusConsumed {
		t.Fatalf("expected CONSUMED, got %s", c.Status)
	}

	if err := c.Consume(now); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("second consume: expected ErrAlreadyConsumed, got %v", err)
	}
}

func TestCancelConsumedFailsClosed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)

	if err := c.MarkVerified(now); err != nil {
		t.Fatalf("mark verified failed: %v", err)
	}
	if err := c.Consume(now); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := c.Cancel(now); !errors.Is(err, ErrCancelConsumed) {
		t.Fatalf("expected ErrCancelConsumed, got %v", err)
	}
}

func TestRecordAttemptOnlyWhilePending(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)

	c.RecordAttempt(now)
	if c.AttemptCount != 1 {
		t.Fatalf("expected 1 attempt, got %d", c.AttemptCount)
	}

	if err := c.Cancel(now); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	c.RecordAttempt(now)
	if c.AttemptCount != 1 {
		t.Fatalf("attempt recorded on canceled challenge")
	}
}

func TestRecordLifetimeCoversTokenExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)
	c.Kind = KindToken
	c.TokenExpiresAt = c.ExpiresAt + 600

	if c.RecordLifetime() != c.TokenExpiresAt {
		t.Fatalf("record lifetime should follow the later expiry")
	}
	if !c.TokenExpired(time.Unix(c.TokenExpiresAt+1, 0)) {
		t.Fatalf("token should be expired past its own window")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := pendingChallenge(now)
	c.CodeHash = [32]byte{1, 2, 3}
	c.AttemptCount = 2
	c.SentCount = 1
	c.LastSentAt = now.Unix()
	c.RequestIP = "203.0.113.9"
	c.UserAgent = "test-agent"

	data, err := Encode(c)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got.ID = c.ID

	if *got != *c {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, c)
	}
}
