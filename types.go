package vouch

import (
	"context"
	"time"

	"github.com/vouchkit/vouch/challenge"
)

// AlertCodeRefreshTokenReuse is the alert code carried by the security
// alert emitted when a refresh-token replay is classified as theft.
const AlertCodeRefreshTokenReuse = "SECURITY_REFRESH_TOKEN_REUSE"

// DeliveryRequest asks the external notification pipeline to deliver a
// challenge secret. It never carries the raw code or token: the consumer
// calls [Engine.DeliverySecret] exactly once to fetch it. A not-found on
// that fetch is not retryable — the remedy is a fresh resend.
type DeliveryRequest struct {
	EventID         string
	OccurredAt      time.Time
	ChallengeID     string
	Purpose         challenge.Purpose
	Channel         challenge.Channel
	SubjectType     challenge.SubjectType
	SubjectID       string
	DestinationNorm string
	TTLSeconds      int64
}

// SecurityAlert reports a contained credential-theft event.
type SecurityAlert struct {
	EventID    string
	OccurredAt time.Time
	UserID     string
	AlertCode  string
	FamilyID   string
	IP         string
	UserAgent  string
	DeviceInfo string
}

// DeliveryNotifier receives delivery-requested side effects from challenge
// creation. Implementations typically hand the event to a transactional
// outbox; they must not block longer than the calling request tolerates.
type DeliveryNotifier interface {
	ChallengeDeliveryRequested(ctx context.Context, req DeliveryRequest) error
}

// SecurityAlertNotifier receives reuse-detection alerts. Called at most once
// per replayed token; retries of the failing refresh do not re-emit.
type SecurityAlertNotifier interface {
	SecurityAlert(ctx context.Context, alert SecurityAlert) error
}

// CreateChallengeRequest carries the inputs for CreateOTP and CreateLink.
// TTL and MaxAttempts fall back to the configured defaults when zero.
type CreateChallengeRequest struct {
	Purpose     challenge.Purpose
	Channel     challenge.Channel
	SubjectType challenge.SubjectType
	SubjectID   string
	Destination string
	TTL         time.Duration
	MaxAttempts int
	RequestIP   string
	UserAgent   string
}

// ChallengeReceipt is returned from challenge creation: enough for a caller
// to poll and render, nothing that discloses the destination or secret.
type ChallengeReceipt struct {
	ChallengeID       string
	MaskedDestination string
	TTLMinutes        int
}

// VerifyOTPRequest carries the inputs for VerifyOTP. Destination is the
// raw caller-supplied value; it is normalized and bound against the stored
// challenge before any hash comparison.
type VerifyOTPRequest struct {
	SubjectType challenge.SubjectType
	SubjectID   string
	Purpose     challenge.Purpose
	Channel     challenge.Channel
	Destination string
	Code        string
}

// LinkVerification is the successful VerifyLink outcome: the challenge id
// and the bound destination, so the caller can act on the correct subject
// without another lookup.
type LinkVerification struct {
	ChallengeID     string
	SubjectType     challenge.SubjectType
	SubjectID       string
	DestinationNorm string
}

// ChallengeInfo is the polling view of the most recent challenge for a
// destination and purpose.
type ChallengeInfo struct {
	ChallengeID  string
	Status       string
	ExpiresAt    time.Time
	AttemptCount int
	MaxAttempts  int
	SentCount    int
	LastSentAt   time.Time
}

// StartSessionRequest carries the request context captured on a new login
// session; the same three fields feed the benign-race heuristic later.
type StartSessionRequest struct {
	UserID     string
	IP         string
	UserAgent  string
	DeviceInfo string
}

// TokenPair is the outcome of StartSession.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	FamilyID     string
}

// RefreshResult is the outcome of a successful Refresh. Rotated reports
// whether a new refresh token was minted; a benign race returns Rotated
// false and an empty RefreshToken — the caller already holds the winning
// token from the concurrent request.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	FamilyID     string
	Rotated      bool
}
