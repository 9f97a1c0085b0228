package challenge

import (
	"errors"
	"time"
)

// Status is the challenge lifecycle state. Transitions are monotonic:
// PENDING → {VERIFIED → CONSUMED} | EXPIRED | CANCELED.
type Status uint8

const (
	// StatusPending marks a live challenge awaiting verification.
	StatusPending Status = iota
	// StatusVerified marks a challenge whose secret was presented correctly.
	StatusVerified
	// StatusConsumed marks a verified challenge whose follow-up action ran.
	StatusConsumed
	// StatusExpired marks a challenge observed past its expiry.
	StatusExpired
	// StatusCanceled marks a superseded or exhausted challenge.
	StatusCanceled
)

// String implements fmt.Stringer for audit payloads and polling results.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusVerified:
		return "VERIFIED"
	case StatusConsumed:
		return "CONSUMED"
	case StatusExpired:
		return "EXPIRED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Purpose identifies the flow a challenge proves destination control for.
type Purpose uint8

const (
	// PurposeSignupEmail is an exported constant used by challenge indexing.
	PurposeSignupEmail Purpose = iota
	// PurposeSignupPhone is an exported constant used by challenge indexing.
	PurposeSignupPhone
	// PurposeChangeEmailNew is an exported constant used by challenge indexing.
	PurposeChangeEmailNew
	// PurposeChangeEmailOldEmail2FA is an exported constant used by challenge indexing.
	PurposeChangeEmailOldEmail2FA
	// PurposeChangeEmailPhone2FA is an exported constant used by challenge indexing.
	PurposeChangeEmailPhone2FA
	// PurposePasswordReset is an exported constant used by challenge indexing.
	PurposePasswordReset
	purposeCount
)

func (p Purpose) String() string {
	switch p {
	case PurposeSignupEmail:
		return "signup-email"
	case PurposeSignupPhone:
		return "signup-phone"
	case PurposeChangeEmailNew:
		return "change-email-new"
	case PurposeChangeEmailOldEmail2FA:
		return "change-email-2fa-old-email"
	case PurposeChangeEmailPhone2FA:
		return "change-email-2fa-phone"
	case PurposePasswordReset:
		return "password-reset"
	default:
		return "unknown"
	}
}

// Valid reports whether p names a known purpose.
func (p Purpose) Valid() bool {
	return p < purposeCount
}

// Channel is the delivery transport for the secret.
type Channel uint8

const (
	// ChannelEmail is an exported constant used by challenge indexing.
	ChannelEmail Channel = iota
	// ChannelSMS is an exported constant used by challenge indexing.
	ChannelSMS
	channelCount
)

func (c Channel) String() string {
	switch c {
	case ChannelEmail:
		return "email"
	case ChannelSMS:
		return "sms"
	default:
		return "unknown"
	}
}

// Valid reports whether c names a known channel.
func (c Channel) Valid() bool {
	return c < channelCount
}

// SubjectType names what kind of principal a challenge binds to.
type SubjectType uint8

const (
	// SubjectUser binds a challenge to an authenticated user id.
	SubjectUser SubjectType = iota
	// SubjectSignupSession binds a challenge to a pre-account signup session id.
	SubjectSignupSession
	// SubjectEmail binds a challenge to a bare email address.
	SubjectEmail
	subjectTypeCount
)

func (s SubjectType) String() string {
	switch s {
	case SubjectUser:
		return "user"
	case SubjectSignupSession:
		return "signup-session"
	case SubjectEmail:
		return "email"
	default:
		return "unknown"
	}
}

// Valid reports whether s names a known subject type.
func (s SubjectType) Valid() bool {
	return s < subjectTypeCount
}

// SecretKind distinguishes the one populated hash: an OTP code or a link token.
type SecretKind uint8

const (
	// KindCode marks an OTP challenge; CodeHash is set, TokenHash is zero.
	KindCode SecretKind = iota
	// KindToken marks a link challenge; TokenHash is set, CodeHash is zero.
	KindToken
)

var (
	// ErrNotPending is returned when a transition requires PENDING status.
	ErrNotPending = errors.New("challenge not pending")
	// ErrExpired is returned when a transition observes the record past expiry.
	ErrExpired = errors.New("challenge expired")
	// ErrAttemptsExceeded is returned when the attempt budget is exhausted.
	ErrAttemptsExceeded = errors.New("challenge attempts exceeded")
	// ErrAlreadyConsumed is returned on a second Consume of the same record.
	ErrAlreadyConsumed = errors.New("challenge already consumed")
	// ErrNotVerified is returned when Consume is called before verification.
	ErrNotVerified = errors.New("challenge not verified")
	// ErrCancelConsumed is returned when Cancel is called on a consumed record;
	// canceling a consumed proof is a programming error and fails closed.
	ErrCancelConsumed = errors.New("cannot cancel consumed challenge")
)

// Challenge is a single-use proof record binding a hashed secret to a
// subject, destination, and purpose. All timestamps are unix seconds.
// Mutation happens only through the guarded transitions below; callers
// persist the updated value through the Store.
type Challenge struct {
	ID string

	Purpose     Purpose
	Channel     Channel
	SubjectType SubjectType
	SubjectID   string

	Destination     string
	DestinationNorm string

	Kind      SecretKind
	CodeHash  [32]byte
	TokenHash [32]byte

	Status Status

	ExpiresAt      int64
	TokenExpiresAt int64
	VerifiedAt     int64
	ConsumedAt     int64

	AttemptCount uint16
	MaxAttempts  uint16
	SentCount    uint16
	LastSentAt   int64

	RequestIP string
	UserAgent string

	CreatedAt int64
	UpdatedAt int64
}

// SecretHash returns the populated hash for the challenge's kind.
func (c *Challenge) SecretHash() [32]byte {
	if c.Kind == KindToken {
		return c.TokenHash
	}
	return c.CodeHash
}

// IsExpired reports whether now is past the challenge's own expiry. Pure
// predicate; does not mutate status.
func (c *Challenge) IsExpired(now time.Time) bool {
	return now.Unix() > c.ExpiresAt
}

// TokenExpired reports whether the link token's own validity window has
// closed. Always false for OTP challenges and when no separate token expiry
// was configured.
func (c *Challenge) TokenExpired(now time.Time) bool {
	return c.Kind == KindToken && c.TokenExpiresAt > 0 && now.Unix() > c.TokenExpiresAt
}

// AttemptsExhausted reports whether the attempt budget has been used up.
func (c *Challenge) AttemptsExhausted() bool {
	return c.MaxAttempts > 0 && c.AttemptCount >= c.MaxAttempts
}

// RecordLifetime is the instant the stored record may be evicted: the later
// of the record expiry and the link token expiry. A link record outlives its
// token so the VERIFIED/CONSUMED metadata stays resolvable.
func (c *Challenge) RecordLifetime() int64 {
	if c.TokenExpiresAt > c.ExpiresAt {
		return c.TokenExpiresAt
	}
	return c.ExpiresAt
}

// ExpireIfNeeded transitions a PENDING record past its expiry to EXPIRED.
// Returns true when a transition happened; no-op in every other state.
// Called defensively before any read-then-act sequence.
func (c *Challenge) ExpireIfNeeded(now time.Time) bool {
	if c.Status != StatusPending || !c.IsExpired(now) {
		return false
	}
	c.Status = StatusExpired
	c.UpdatedAt = now.Unix()
	return true
}

// Cancel moves any non-consumed record to CANCELED. Canceling an already
// canceled or expired record is a harmless no-op rewrite; canceling a
// consumed record fails closed.
func (c *Challenge) Cancel(now time.Time) error {
	if c.Status == StatusConsumed {
		return ErrCancelConsumed
	}
	c.Status = StatusCanceled
	c.UpdatedAt = now.Unix()
	return nil
}

// RecordAttempt increments the attempt counter. It runs on every
// verification attempt before the hash comparison, success or failure, which
// is what makes attempt-limiting resistant to brute force regardless of
// outcome. No-op unless PENDING.
func (c *Challenge) RecordAttempt(now time.Time) {
	if c.Status != StatusPending {
		return
	}
	c.AttemptCount++
	c.UpdatedAt = now.Unix()
}

// MarkVerified transitions PENDING → VERIFIED. An expired record transitions
// to EXPIRED and fails; an exhausted one transitions to CANCELED and fails.
func (c *Challenge) MarkVerified(now time.Time) error {
	if c.Status != StatusPending {
		return ErrNotPending
	}
	if c.IsExpired(now) {
		c.Status = StatusExpired
		c.UpdatedAt = now.Unix()
		return ErrExpired
	}
	if c.MaxAttempts > 0 && c.AttemptCount > c.MaxAttempts {
		c.Status = StatusCanceled
		c.UpdatedAt = now.Unix()
		return ErrAttemptsExceeded
	}
	c.Status = StatusVerified
	c.VerifiedAt = now.Unix()
	c.UpdatedAt = now.Unix()
	return nil
}

// Consume transitions VERIFIED → CONSUMED, modeling "the proof grants one
// follow-up action". A second call fails with ErrAlreadyConsumed; any
// non-verified state fails with ErrNotVerified.
func (c *Challenge) Consume(now time.Time) error {
	switch c.Status {
	case StatusConsumed:
		return ErrAlreadyConsumed
	case StatusVerified:
		c.Status = StatusConsumed
		c.ConsumedAt = now.Unix()
		c.UpdatedAt = now.Unix()
		return nil
	default:
		return ErrNotVerified
	}
}

// RecordSend bumps the delivery counters on a (re)send.
func (c *Challenge) RecordSend(now time.Time) {
	c.SentCount++
	c.LastSentAt = now.Unix()
	c.UpdatedAt = now.Unix()
}
