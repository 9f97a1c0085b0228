package vouch

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vouchkit/vouch/challenge"
	"github.com/vouchkit/vouch/jwt"
	"github.com/vouchkit/vouch/session"
)

// Engine is the verification-challenge and refresh-session core. Construct
// it with [New]; all methods are safe for concurrent use. The stores own
// their Redis handles.
type Engine struct {
	config     Config
	challenges *challenge.Store
	sessions   *session.Store
	jwt        *jwt.Manager
	delivery   DeliveryNotifier
	alerts     SecurityAlertNotifier
	audit      *auditDispatcher
	metrics    *Metrics
	clock      func() time.Time
	closeOnce  sync.Once
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func newEventID() string {
	return ulid.Make().String()
}

// Close drains the audit dispatcher. The Redis client is owned by the
// caller and is not closed here.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.audit.Close()
	})
}

// Metrics exposes the engine counters for exporters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

// ValidateAccess parses and validates an access token minted by this
// engine's key material. Expiry is judged against the engine clock.
func (e *Engine) ValidateAccess(token string) (*jwt.AccessClaims, error) {
	if e.jwt == nil {
		return nil, ErrEngineNotReady
	}
	return e.jwt.ParseAccess(token, e.now())
}

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e.audit == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	e.audit.Emit(ctx, event)
}
