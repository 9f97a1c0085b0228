package vouch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vouchkit/vouch/internal"
	"github.com/vouchkit/vouch/session"
)

// StartSession opens a new refresh-session family for a login and returns
// the first token pair. The refresh token is opaque; only its hash is
// stored.
func (e *Engine) StartSession(ctx context.Context, req StartSessionRequest) (*TokenPair, error) {
	if e.jwt == nil {
		return nil, ErrEngineNotReady
	}
	if req.UserID == "" {
		return nil, errors.New("user id required")
	}

	token, err := internal.NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	now := e.now()
	sess := &session.Session{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		FamilyID:   uuid.NewString(),
		TokenHash:  internal.HashSecret(token),
		DeviceInfo: req.DeviceInfo,
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
		CreatedAt:  now.Unix(),
		LastUsedAt: now.Unix(),
		ExpiresAt:  now.Add(e.config.Session.RefreshTTL).Unix(),
	}
	if err := e.sessions.Save(ctx, sess, now); err != nil {
		return nil, mapSessionErr(err)
	}

	access, err := e.jwt.CreateAccess(sess.UserID, sess.ID, sess.FamilyID, now)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricSessionStarted)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditSessionStarted,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		FamilyID:  sess.FamilyID,
		IP:        sess.IPAddress,
		Success:   true,
	})

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: token,
		SessionID:    sess.ID,
		FamilyID:     sess.FamilyID,
	}, nil
}

// Refresh rotates a presented refresh token. The whole operation runs under
// an exclusive per-token lock, so two concurrent refreshes of the same
// token serialize: the first rotates, the second observes the revocation
// and goes down the replay classification path.
//
// A replay within the reuse window from the exact same request context is a
// benign client race: the loser gets a fresh access token against the
// family's surviving session, but no new refresh token. Any other replay is
// treated as theft: the family is revoked, an alert fires once, and the
// call fails with ErrRefreshReuse.
func (e *Engine) Refresh(ctx context.Context, refreshToken, ip, userAgent, deviceInfo string) (*RefreshResult, error) {
	if e.jwt == nil {
		return nil, ErrEngineNotReady
	}
	if refreshToken == "" {
		return nil, ErrSessionNotFound
	}

	hash := internal.HashSecret(refreshToken)
	release, err := e.sessions.AcquireTokenLock(ctx, hash)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	defer release()

	sess, err := e.sessions.FindByTokenHash(ctx, hash)
	if err != nil {
		return nil, mapSessionErr(err)
	}

	now := e.now()

	if sess.Revoked {
		if sess.WithinReuseWindow(now, e.config.Session.ReuseWindow) &&
			sess.ContextMatches(ip, userAgent, deviceInfo) {
			return e.refreshBenignRace(ctx, sess)
		}
		return nil, e.refreshReuse(ctx, sess, ip, userAgent, deviceInfo)
	}

	if sess.IsExpired(now) {
		if err := e.sessions.RevokeSession(ctx, sess, now); err != nil {
			return nil, mapSessionErr(err)
		}
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrSessionExpired
	}

	token, err := internal.NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	next := &session.Session{
		ID:         uuid.NewString(),
		UserID:     sess.UserID,
		FamilyID:   sess.FamilyID,
		TokenHash:  internal.HashSecret(token),
		DeviceInfo: deviceInfo,
		IPAddress:  ip,
		UserAgent:  userAgent,
		CreatedAt:  now.Unix(),
		LastUsedAt: now.Unix(),
		ExpiresAt:  now.Add(e.config.Session.RefreshTTL).Unix(),
	}

	// Child first, then revoke the parent. A crash in between leaves two
	// live sessions in the family, which the next refresh of either token
	// resolves; the reverse order could strand the user with no live
	// session at all.
	if err := e.sessions.Save(ctx, next, now); err != nil {
		return nil, mapSessionErr(err)
	}
	sess.LastUsedAt = now.Unix()
	if err := e.sessions.RevokeSession(ctx, sess, now); err != nil {
		return nil, mapSessionErr(err)
	}

	access, err := e.jwt.CreateAccess(next.UserID, next.ID, next.FamilyID, now)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditSessionRefreshed,
		UserID:    next.UserID,
		SessionID: next.ID,
		FamilyID:  next.FamilyID,
		IP:        ip,
		Success:   true,
		Metadata:  map[string]string{"rotated_from": sess.ID},
	})

	return &RefreshResult{
		AccessToken:  access,
		RefreshToken: token,
		SessionID:    next.ID,
		FamilyID:     next.FamilyID,
		Rotated:      true,
	}, nil
}

func (e *Engine) refreshBenignRace(ctx context.Context, sess *session.Session) (*RefreshResult, error) {
	now := e.now()
	winner, err := e.sessions.LatestActiveInFamily(ctx, sess.FamilyID, now)
	if err != nil {
		// Race window open but nothing survived in the family; nothing to
		// hand back.
		return nil, mapSessionErr(err)
	}

	access, err := e.jwt.CreateAccess(winner.UserID, winner.ID, winner.FamilyID, now)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricRefreshBenignRace)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditSessionBenignRace,
		UserID:    winner.UserID,
		SessionID: winner.ID,
		FamilyID:  winner.FamilyID,
		Success:   true,
		Metadata:  map[string]string{"replayed_session": sess.ID},
	})

	return &RefreshResult{
		AccessToken: access,
		SessionID:   winner.ID,
		FamilyID:    winner.FamilyID,
		Rotated:     false,
	}, nil
}

// refreshReuse contains a theft-classified replay. The reuse flag is
// one-way: only the first detection revokes the family and emits the
// alert; every later replay of the same token just fails.
func (e *Engine) refreshReuse(ctx context.Context, sess *session.Session, ip, userAgent, deviceInfo string) error {
	now := e.now()

	if !sess.MarkReuseDetected() {
		e.metrics.Inc(MetricRefreshFailure)
		return ErrRefreshReuse
	}

	if err := e.sessions.MarkReuse(ctx, sess, now); err != nil {
		return mapSessionErr(err)
	}
	if err := e.sessions.RevokeFamily(ctx, sess.FamilyID, now); err != nil {
		return mapSessionErr(err)
	}

	if e.alerts != nil {
		alert := SecurityAlert{
			EventID:    newEventID(),
			OccurredAt: now,
			UserID:     sess.UserID,
			AlertCode:  AlertCodeRefreshTokenReuse,
			FamilyID:   sess.FamilyID,
			IP:         ip,
			UserAgent:  userAgent,
			DeviceInfo: deviceInfo,
		}
		if err := e.alerts.SecurityAlert(ctx, alert); err != nil {
			// Containment already happened; alert delivery is best effort
			// here and the failure is recorded in the audit stream.
			e.emitAudit(ctx, AuditEvent{
				EventType: AuditSessionReuse,
				UserID:    sess.UserID,
				SessionID: sess.ID,
				FamilyID:  sess.FamilyID,
				IP:        ip,
				Success:   false,
				Error:     err.Error(),
			})
			e.metrics.Inc(MetricRefreshReuseDetected)
			return ErrRefreshReuse
		}
	}

	e.metrics.Inc(MetricRefreshReuseDetected)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditSessionReuse,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		FamilyID:  sess.FamilyID,
		IP:        ip,
		Success:   true,
	})
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditFamilyRevoked,
		UserID:    sess.UserID,
		FamilyID:  sess.FamilyID,
		Success:   true,
		Metadata:  map[string]string{"reason": "token_reuse"},
	})
	return ErrRefreshReuse
}

// Logout revokes the session behind a refresh token. Idempotent: an
// unknown or already revoked token is a successful no-op.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	sess, err := e.sessions.FindByTokenHash(ctx, internal.HashSecret(refreshToken))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return mapSessionErr(err)
	}
	if sess.Revoked {
		return nil
	}

	now := e.now()
	if err := e.sessions.RevokeSession(ctx, sess, now); err != nil {
		return mapSessionErr(err)
	}

	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditSessionRevoked,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		FamilyID:  sess.FamilyID,
		Success:   true,
		Metadata:  map[string]string{"reason": "logout"},
	})
	return nil
}

// LogoutAll revokes every retained session belonging to a user and returns
// how many were live.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, errors.New("user id required")
	}

	sessions, err := e.sessions.SessionsForUser(ctx, userID)
	if err != nil {
		return 0, mapSessionErr(err)
	}

	now := e.now()
	revoked := 0
	for _, sess := range sessions {
		if sess.Revoked {
			continue
		}
		if err := e.sessions.RevokeSession(ctx, sess, now); err != nil {
			return revoked, mapSessionErr(err)
		}
		revoked++
	}

	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditSessionRevoked,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"reason": "logout_all"},
	})
	return revoked, nil
}

// SessionsForUser lists the retained sessions of a user, revoked ones
// included, for account-security views.
func (e *Engine) SessionsForUser(ctx context.Context, userID string) ([]*session.Session, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	sessions, err := e.sessions.SessionsForUser(ctx, userID)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return sessions, nil
}

func mapSessionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrLockNotAcquired):
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	case errors.Is(err, session.ErrRedisUnavailable):
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	default:
		return err
	}
}
