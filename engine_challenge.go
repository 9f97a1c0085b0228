package vouch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vouchkit/vouch/challenge"
	"github.com/vouchkit/vouch/internal"
)

// CreateOTP issues a numeric code challenge for the subject, destination,
// and purpose. Any prior pending challenge on the same subject tuple is
// canceled first; only one challenge per tuple is ever live. The code never
// leaves the engine in the receipt — delivery fetches it once through
// [Engine.DeliverySecret].
func (e *Engine) CreateOTP(ctx context.Context, req CreateChallengeRequest) (*ChallengeReceipt, error) {
	norm, err := e.validateCreate(&req)
	if err != nil {
		return nil, err
	}
	if req.TTL == 0 {
		req.TTL = e.config.Challenge.OTPTTL
	}

	code, err := internal.NewOTP(e.config.Challenge.OTPDigits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	c := &challenge.Challenge{
		Kind:     challenge.KindCode,
		CodeHash: internal.HashSecret(code),
	}
	return e.createChallenge(ctx, req, norm, c, code)
}

// CreateLink issues a link-token challenge. The token is opaque and
// single-purpose; its validity can be configured shorter than the record so
// a clicked-late link fails while the record stays resolvable.
func (e *Engine) CreateLink(ctx context.Context, req CreateChallengeRequest) (*ChallengeReceipt, error) {
	norm, err := e.validateCreate(&req)
	if err != nil {
		return nil, err
	}
	if req.TTL == 0 {
		req.TTL = e.config.Challenge.LinkTTL
	}

	token, err := internal.NewLinkToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	c := &challenge.Challenge{
		Kind:      challenge.KindToken,
		TokenHash: internal.HashSecret(token),
	}
	if ttl := e.config.Challenge.LinkTokenTTL; ttl > 0 && ttl < req.TTL {
		c.TokenExpiresAt = e.now().Add(ttl).Unix()
	}
	return e.createChallenge(ctx, req, norm, c, token)
}

func (e *Engine) validateCreate(req *CreateChallengeRequest) (string, error) {
	if !req.Purpose.Valid() || !req.Channel.Valid() || !req.SubjectType.Valid() || req.SubjectID == "" {
		return "", ErrChallengeInvalid
	}
	norm := normalizeDestination(req.Channel, req.Destination)
	if norm == "" {
		return "", ErrInvalidDestination
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = e.config.Challenge.MaxAttempts
	}
	if req.MaxAttempts < 0 || req.MaxAttempts > 100 || req.TTL < 0 {
		return "", ErrChallengeInvalid
	}
	return norm, nil
}

func (e *Engine) createChallenge(
	ctx context.Context,
	req CreateChallengeRequest,
	norm string,
	c *challenge.Challenge,
	rawSecret string,
) (*ChallengeReceipt, error) {
	now := e.now()

	if err := e.supersedePending(ctx, req, now); err != nil {
		return nil, err
	}

	c.ID = uuid.NewString()
	c.Purpose = req.Purpose
	c.Channel = req.Channel
	c.SubjectType = req.SubjectType
	c.SubjectID = req.SubjectID
	c.Destination = strings.TrimSpace(req.Destination)
	c.DestinationNorm = norm
	c.Status = challenge.StatusPending
	c.ExpiresAt = now.Add(req.TTL).Unix()
	c.MaxAttempts = uint16(req.MaxAttempts)
	c.RequestIP = req.RequestIP
	c.UserAgent = req.UserAgent
	c.CreatedAt = now.Unix()
	c.UpdatedAt = now.Unix()
	c.RecordSend(now)

	if err := e.challenges.Save(ctx, c, now); err != nil {
		return nil, mapChallengeErr(err)
	}

	// The staged plaintext lives as long as the challenge unless the
	// operator narrowed the window; the delivery event advertises the
	// challenge TTL, and the secret must stay fetchable for all of it.
	secretTTL := e.config.Challenge.SecretTTL
	if secretTTL == 0 || secretTTL > req.TTL {
		secretTTL = req.TTL
	}
	if err := e.challenges.PutEphemeralSecret(ctx, c.ID, rawSecret, secretTTL); err != nil {
		return nil, mapChallengeErr(err)
	}

	if e.delivery != nil {
		delivery := DeliveryRequest{
			EventID:         newEventID(),
			OccurredAt:      now,
			ChallengeID:     c.ID,
			Purpose:         c.Purpose,
			Channel:         c.Channel,
			SubjectType:     c.SubjectType,
			SubjectID:       c.SubjectID,
			DestinationNorm: c.DestinationNorm,
			TTLSeconds:      int64(req.TTL / time.Second),
		}
		if err := e.delivery.ChallengeDeliveryRequested(ctx, delivery); err != nil {
			return nil, fmt.Errorf("delivery notification: %w", err)
		}
	}

	e.metrics.Inc(MetricChallengeCreated)
	e.emitAudit(ctx, AuditEvent{
		EventType:   AuditChallengeCreated,
		SubjectID:   c.SubjectID,
		ChallengeID: c.ID,
		IP:          c.RequestIP,
		Success:     true,
		Metadata: map[string]string{
			"purpose":     c.Purpose.String(),
			"channel":     c.Channel.String(),
			"destination": maskDestination(c.Channel, norm),
		},
	})

	return &ChallengeReceipt{
		ChallengeID:       c.ID,
		MaskedDestination: maskDestination(c.Channel, norm),
		TTLMinutes:        int((req.TTL + time.Minute - 1) / time.Minute),
	}, nil
}

// supersedePending cancels a live challenge on the same subject tuple.
// Enforcement is the pending-pointer overwrite in the store; the CANCELED
// record is bookkeeping for polling and audit.
func (e *Engine) supersedePending(ctx context.Context, req CreateChallengeRequest, now time.Time) error {
	prev, err := e.challenges.FindActivePending(ctx, req.SubjectType, req.SubjectID, req.Purpose, req.Channel, now)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return nil
		}
		return mapChallengeErr(err)
	}

	if err := prev.Cancel(now); err != nil {
		return ErrChallengeInvalidState
	}
	if err := e.challenges.Save(ctx, prev, now); err != nil {
		return mapChallengeErr(err)
	}

	e.metrics.Inc(MetricChallengeCanceled)
	e.emitAudit(ctx, AuditEvent{
		EventType:   AuditChallengeCanceled,
		SubjectID:   prev.SubjectID,
		ChallengeID: prev.ID,
		Success:     true,
		Metadata:    map[string]string{"reason": "superseded"},
	})
	return nil
}

// VerifyOTP checks a presented code against the live challenge for the
// subject tuple. Resolution goes through the pending pointer, never through
// the hash index, so every attempt against a live challenge consumes budget
// right or wrong. The attempt that spends the budget cancels the challenge;
// calls after that fail ErrChallengeAttempts for as long as the canceled
// record stays resolvable. Returns the challenge id on success for the
// follow-up Consume.
func (e *Engine) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (string, error) {
	if !req.Purpose.Valid() || !req.Channel.Valid() || !req.SubjectType.Valid() || req.SubjectID == "" {
		return "", ErrChallengeInvalid
	}
	norm := normalizeDestination(req.Channel, req.Destination)
	if norm == "" {
		return "", ErrInvalidDestination
	}

	now := e.now()
	c, err := e.challenges.FindActivePending(ctx, req.SubjectType, req.SubjectID, req.Purpose, req.Channel, now)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return "", e.classifyMissingPending(ctx, req, norm, now)
		}
		return "", mapChallengeErr(err)
	}

	if c.DestinationNorm != norm {
		// Wrong destination is a caller bug, not a guess; no budget charged.
		return "", ErrInvalidDestination
	}

	if c.ExpireIfNeeded(now) {
		if err := e.challenges.Save(ctx, c, now); err != nil {
			return "", mapChallengeErr(err)
		}
		e.metrics.Inc(MetricChallengeExpired)
		return "", ErrChallengeExpired
	}

	c.RecordAttempt(now)

	codeHash := internal.HashSecret(req.Code)
	stored := c.CodeHash
	match := internal.IsNumeric(req.Code) &&
		subtle.ConstantTimeCompare(codeHash[:], stored[:]) == 1

	if !match {
		return "", e.failAttempt(ctx, c, now)
	}

	if err := c.MarkVerified(now); err != nil {
		if saveErr := e.challenges.Save(ctx, c, now); saveErr != nil {
			return "", mapChallengeErr(saveErr)
		}
		return "", e.verifyFailure(ctx, c, err)
	}
	if err := e.challenges.Save(ctx, c, now); err != nil {
		return "", mapChallengeErr(err)
	}

	e.metrics.Inc(MetricChallengeVerifySuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType:   AuditChallengeVerified,
		SubjectID:   c.SubjectID,
		ChallengeID: c.ID,
		Success:     true,
	})
	return c.ID, nil
}

// failAttempt persists a charged wrong-secret attempt. The attempt that
// spends the budget cancels the record; it still reports ErrInvalidSecret,
// and classifyMissingPending answers for the record from then on.
func (e *Engine) failAttempt(ctx context.Context, c *challenge.Challenge, now time.Time) error {
	exhausted := c.AttemptsExhausted()
	if exhausted {
		_ = c.Cancel(now)
	}
	if err := e.challenges.Save(ctx, c, now); err != nil {
		return mapChallengeErr(err)
	}

	e.metrics.Inc(MetricChallengeVerifyFailure)
	e.emitAudit(ctx, AuditEvent{
		EventType:   AuditChallengeFailed,
		SubjectID:   c.SubjectID,
		ChallengeID: c.ID,
		Success:     false,
		Error:       ErrInvalidSecret.Error(),
	})
	if exhausted {
		e.metrics.Inc(MetricChallengeAttemptsExceeded)
		e.emitAudit(ctx, AuditEvent{
			EventType:   AuditChallengeExhausted,
			SubjectID:   c.SubjectID,
			ChallengeID: c.ID,
			Success:     false,
			Error:       ErrChallengeAttempts.Error(),
		})
	}
	return ErrInvalidSecret
}

// classifyMissingPending distinguishes "nothing to verify against" from a
// record canceled for a spent attempt budget, which keeps failing
// ErrChallengeAttempts instead of vanishing as not-found.
func (e *Engine) classifyMissingPending(ctx context.Context, req VerifyOTPRequest, norm string, now time.Time) error {
	latest, err := e.challenges.FindLatestByDestinationAndPurpose(ctx, norm, req.Purpose, req.Channel, now)
	if err != nil {
		return ErrChallengeNotFound
	}
	if latest.SubjectType == req.SubjectType && latest.SubjectID == req.SubjectID &&
		latest.Status == challenge.StatusCanceled && latest.AttemptsExhausted() {
		return ErrChallengeAttempts
	}
	return ErrChallengeNotFound
}

func (e *Engine) verifyFailure(ctx context.Context, c *challenge.Challenge, err error) error {
	switch {
	case errors.Is(err, challenge.ErrExpired):
		e.metrics.Inc(MetricChallengeExpired)
		e.emitAudit(ctx, AuditEvent{
			EventType:   AuditChallengeFailed,
			SubjectID:   c.SubjectID,
			ChallengeID: c.ID,
			Success:     false,
			Error:       ErrChallengeExpired.Error(),
		})
		return ErrChallengeExpired
	case errors.Is(err, challenge.ErrAttemptsExceeded):
		e.metrics.Inc(MetricChallengeAttemptsExceeded)
		e.emitAudit(ctx, AuditEvent{
			EventType:   AuditChallengeExhausted,
			SubjectID:   c.SubjectID,
			ChallengeID: c.ID,
			Success:     false,
			Error:       ErrChallengeAttempts.Error(),
		})
		return ErrChallengeAttempts
	default:
		return ErrChallengeInvalidState
	}
}

// VerifyLink resolves a clicked link token for the given purpose and
// channel. The subject is unknown until the token resolves, so lookup runs
// against the public token index. A token past its own validity cancels the
// challenge: the token is the only secret, and it can never verify again.
func (e *Engine) VerifyLink(ctx context.Context, p challenge.Purpose, ch challenge.Channel, token string) (*LinkVerification, error) {
	if !p.Valid() || !ch.Valid() || token == "" {
		return nil, ErrChallengeInvalid
	}

	now := e.now()
	c, err := e.challenges.FindActivePendingByTokenHash(ctx, p, ch, internal.HashSecret(token), now)
	if err != nil {
		return nil, mapChallengeErr(err)
	}

	if c.TokenExpired(now) {
		_ = c.Cancel(now)
		if err := e.challenges.Save(ctx, c, now); err != nil {
			return nil, mapChallengeErr(err)
		}
		e.metrics.Inc(MetricChallengeExpired)
		return nil, ErrChallengeExpired
	}

	c.RecordAttempt(now)
	if err := c.MarkVerified(now); err != nil {
		if saveErr := e.challenges.Save(ctx, c, now); saveErr != nil {
			return nil, mapChallengeErr(saveErr)
		}
		return nil, e.verifyFailure(ctx, c, err)
	}
	if err := e.challenges.Save(ctx, c, now); err != nil {
		return nil, mapChallengeErr(err)
	}

	e.metrics.Inc(MetricChallengeVerifySuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType:   AuditChallengeVerified,
		SubjectID:   c.SubjectID,
		ChallengeID: c.ID,
		Success:     true,
		Metadata:    map[string]string{"kind": "link"},
	})

	return &LinkVerification{
		ChallengeID:     c.ID,
		SubjectType:     c.SubjectType,
		SubjectID:       c.SubjectID,
		DestinationNorm: c.DestinationNorm,
	}, nil
}

// Consume marks a verified challenge as used, granting exactly one
// follow-up action per proof. A second call fails with
// ErrChallengeConsumed; consuming an unverified challenge fails with
// ErrChallengeInvalidState.
func (e *Engine) Consume(ctx context.Context, challengeID string) error {
	if challengeID == "" {
		return ErrChallengeInvalid
	}

	now := e.now()
	c, err := e.challenges.FindByID(ctx, challengeID, now)
	if err != nil {
		return mapChallengeErr(err)
	}

	if err := c.Consume(now); err != nil {
		switch {
		case errors.Is(err, challenge.ErrAlreadyConsumed):
			return ErrChallengeConsumed
		default:
			return ErrChallengeInvalidState
		}
	}
	if err := e.challenges.Save(ctx, c, now); err != nil {
		return mapChallengeErr(err)
	}

	e.metrics.Inc(MetricChallengeConsumed)
	e.emitAudit(ctx, AuditEvent{
		EventType:   AuditChallengeConsumed,
		SubjectID:   c.SubjectID,
		ChallengeID: c.ID,
		Success:     true,
	})
	return nil
}

// CancelPending cancels the live challenge for a subject tuple, if any.
// Idempotent: no live challenge is a successful no-op.
func (e *Engine) CancelPending(ctx context.Context, st challenge.SubjectType, subjectID string, p challenge.Purpose, ch challenge.Channel) error {
	if !st.Valid() || subjectID == "" || !p.Valid() || !ch.Valid() {
		return ErrChallengeInvalid
	}

	now := e.now()
	c, err := e.challenges.FindActivePending(ctx, st, subjectID, p, ch, now)
	if err != nil {
		if errors.Is(err, challenge.ErrNotFound) {
			return nil
		}
		return mapChallengeErr(err)
	}

	if err := c.Cancel(now); err != nil {
		return ErrChallengeInvalidState
	}
	if err := e.challenges.Save(ctx, c, now); err != nil {
		return mapChallengeErr(err)
	}

	e.metrics.Inc(MetricChallengeCanceled)
	e.emitAudit(ctx, AuditEvent{
		EventType:   AuditChallengeCanceled,
		SubjectID:   c.SubjectID,
		ChallengeID: c.ID,
		Success:     true,
		Metadata:    map[string]string{"reason": "requested"},
	})
	return nil
}

// ChallengeStatus returns the polling view of the most recent challenge
// for a destination and purpose, whatever state it is in.
func (e *Engine) ChallengeStatus(ctx context.Context, ch challenge.Channel, destination string, p challenge.Purpose) (*ChallengeInfo, error) {
	if !p.Valid() || !ch.Valid() {
		return nil, ErrChallengeInvalid
	}
	norm := normalizeDestination(ch, destination)
	if norm == "" {
		return nil, ErrInvalidDestination
	}

	c, err := e.challenges.FindLatestByDestinationAndPurpose(ctx, norm, p, ch, e.now())
	if err != nil {
		return nil, mapChallengeErr(err)
	}

	info := &ChallengeInfo{
		ChallengeID:  c.ID,
		Status:       c.Status.String(),
		ExpiresAt:    time.Unix(c.ExpiresAt, 0).UTC(),
		AttemptCount: int(c.AttemptCount),
		MaxAttempts:  int(c.MaxAttempts),
		SentCount:    int(c.SentCount),
	}
	if c.LastSentAt > 0 {
		info.LastSentAt = time.Unix(c.LastSentAt, 0).UTC()
	}
	return info, nil
}

// DeliverySecret hands the plaintext secret to the delivery pipeline
// exactly once. A second call, or a call after the staging TTL, reports
// ErrChallengeNotFound; that outcome is not retryable and the remedy is
// issuing a fresh challenge.
func (e *Engine) DeliverySecret(ctx context.Context, challengeID string) (string, error) {
	if challengeID == "" {
		return "", ErrChallengeInvalid
	}
	secret, err := e.challenges.GetAndDeleteEphemeralSecret(ctx, challengeID)
	if err != nil {
		return "", mapChallengeErr(err)
	}
	return secret, nil
}

func mapChallengeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, challenge.ErrNotFound):
		return ErrChallengeNotFound
	case errors.Is(err, challenge.ErrRedisUnavailable):
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	default:
		return err
	}
}

func normalizeDestination(ch challenge.Channel, raw string) string {
	if ch == challenge.ChannelSMS {
		norm := internal.NormalizePhone(raw)
		if len(strings.TrimPrefix(norm, "+")) < 5 {
			return ""
		}
		return norm
	}
	norm := internal.NormalizeEmail(raw)
	if !strings.Contains(norm, "@") {
		return ""
	}
	return norm
}

func maskDestination(ch challenge.Channel, norm string) string {
	if ch == challenge.ChannelSMS {
		return internal.MaskPhone(norm)
	}
	return internal.MaskEmail(norm)
}
