package session

import "time"

// Session is a long-lived rotating refresh credential. FamilyID groups all
// descendants of one login — a device lineage revoked together on reuse
// detection. Timestamps are unix seconds.
//
// A session, once revoked, is retained rather than deleted for at least its
// benign-race window so a replay of its token can still be classified.
// Revoked sessions are never mutated again except to set ReuseDetected.
type Session struct {
	ID       string
	UserID   string
	FamilyID string

	TokenHash [32]byte

	DeviceInfo string
	IPAddress  string
	UserAgent  string

	CreatedAt  int64
	LastUsedAt int64
	ExpiresAt  int64

	Revoked   bool
	RevokedAt int64

	ReuseDetected bool
}

// IsExpired reports whether now is past the session's expiry.
func (s *Session) IsExpired(now time.Time) bool {
	return now.Unix() > s.ExpiresAt
}

// Revoke marks the session revoked at now. Idempotent: a second call keeps
// the original RevokedAt, preserving the benign-race window anchor.
func (s *Session) Revoke(now time.Time) {
	if s.Revoked {
		return
	}
	s.Revoked = true
	s.RevokedAt = now.Unix()
}

// MarkReuseDetected sets the one-way reuse flag and reports whether this
// call was the first detection. Only the first detection triggers the
// family-revocation and alert cascade; retries observe false.
func (s *Session) MarkReuseDetected() bool {
	if s.ReuseDetected {
		return false
	}
	s.ReuseDetected = true
	return true
}

// WithinReuseWindow reports whether now falls inside the benign-race window
// anchored at RevokedAt.
func (s *Session) WithinReuseWindow(now time.Time, window time.Duration) bool {
	if !s.Revoked {
		return false
	}
	return now.Unix()-s.RevokedAt <= int64(window/time.Second)
}

// ContextMatches reports whether the incoming request context equals the
// context captured on this session exactly. Part of the benign-race
// heuristic: same client retrying, not a cryptographic guarantee.
func (s *Session) ContextMatches(ip, userAgent, deviceInfo string) bool {
	return s.IPAddress == ip && s.UserAgent == userAgent && s.DeviceInfo == deviceInfo
}
