package vouch

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event types emitted by the engine.
const (
	AuditChallengeCreated   = "challenge.created"
	AuditChallengeVerified  = "challenge.verified"
	AuditChallengeFailed    = "challenge.verify_failed"
	AuditChallengeExhausted = "challenge.attempts_exceeded"
	AuditChallengeConsumed  = "challenge.consumed"
	AuditChallengeCanceled  = "challenge.canceled"
	AuditSessionStarted     = "session.started"
	AuditSessionRefreshed   = "session.refreshed"
	AuditSessionBenignRace  = "session.benign_race"
	AuditSessionReuse       = "session.reuse_detected"
	AuditSessionRevoked     = "session.revoked"
	AuditFamilyRevoked      = "session.family_revoked"
)

// AuditEvent is the structured record handed to the configured sink.
// Destinations are always masked before they reach an event.
type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	UserID      string            `json:"user_id,omitempty"`
	SubjectID   string            `json:"subject_id,omitempty"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	FamilyID    string            `json:"family_id,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the async dispatcher. Emit must be
// safe for concurrent use and should never block indefinitely.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards all events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink buffers events on a channel for the caller to drain.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to the writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
