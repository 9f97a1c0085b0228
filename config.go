package vouch

import (
	"errors"
	"fmt"
	"time"

	"github.com/vouchkit/vouch/jwt"
)

// Config groups the tunables for every engine subsystem. Zero values are
// filled from defaults inside Build; Validate runs on the merged result.
type Config struct {
	Challenge ChallengeConfig
	Session   SessionConfig
	JWT       JWTConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// ChallengeConfig tunes verification challenges. Per-request TTL and
// attempt budgets override these defaults when set.
type ChallengeConfig struct {
	// RedisPrefix namespaces every challenge key.
	RedisPrefix string
	// OTPDigits is the numeric code length, 6 to 10.
	OTPDigits int
	// OTPTTL is the default lifetime of a code challenge.
	OTPTTL time.Duration
	// LinkTTL is the default lifetime of a link challenge record.
	LinkTTL time.Duration
	// LinkTokenTTL bounds how long the link token itself verifies. Zero
	// means the token lives as long as the record.
	LinkTokenTTL time.Duration
	// MaxAttempts is the default attempt budget before a challenge is
	// canceled.
	MaxAttempts int
	// SecretTTL bounds the one-shot plaintext handoff to the delivery
	// pipeline. Zero means the secret stays fetchable as long as the
	// challenge itself; a shorter value narrows the staging window.
	SecretTTL time.Duration
}

// SessionConfig tunes refresh sessions and rotation.
type SessionConfig struct {
	// RedisPrefix namespaces every session key.
	RedisPrefix string
	// RefreshTTL is the refresh session lifetime.
	RefreshTTL time.Duration
	// ReuseWindow bounds how soon after rotation a replay of the rotated
	// token can still be classified as a benign client race.
	ReuseWindow time.Duration
	// RevokedRetention keeps revoked records readable so a later replay
	// can be classified instead of vanishing as not-found.
	RevokedRetention time.Duration
	// LockTTL is the per-token rotation lock expiry.
	LockTTL time.Duration
	// LockWait bounds how long a refresh waits to acquire the lock.
	LockWait time.Duration
	// LockRetryInterval is the polling interval while waiting.
	LockRetryInterval time.Duration
}

// JWTConfig tunes access-token minting. PrivateKey and PublicKey accept
// raw ed25519 key bytes or PEM.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod jwt.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events instead of blocking request paths when the
	// buffer is full. Drops are counted.
	DropIfFull bool
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Challenge: ChallengeConfig{
			RedisPrefix: "vc",
			OTPDigits:   6,
			OTPTTL:      10 * time.Minute,
			LinkTTL:     30 * time.Minute,
			MaxAttempts: 5,
		},
		Session: SessionConfig{
			RedisPrefix:       "vs",
			RefreshTTL:        7 * 24 * time.Hour,
			ReuseWindow:       15 * time.Second,
			RevokedRetention:  24 * time.Hour,
			LockTTL:           3 * time.Second,
			LockWait:          5 * time.Second,
			LockRetryInterval: 25 * time.Millisecond,
		},
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: jwt.MethodEd25519,
			Leeway:        30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
	}
}

// Validate checks the merged config. Build calls this; exposed so callers
// can fail fast before wiring Redis.
func (c *Config) Validate() error {
	ch := c.Challenge
	if ch.RedisPrefix == "" {
		return errors.New("challenge redis prefix required")
	}
	if ch.OTPDigits < 6 || ch.OTPDigits > 10 {
		return fmt.Errorf("otp digits must be 6..10, got %d", ch.OTPDigits)
	}
	if ch.OTPTTL <= 0 || ch.LinkTTL <= 0 {
		return errors.New("challenge TTLs must be positive")
	}
	if ch.LinkTokenTTL < 0 || ch.LinkTokenTTL > ch.LinkTTL {
		return errors.New("link token TTL must be within the record TTL")
	}
	if ch.MaxAttempts < 1 || ch.MaxAttempts > 100 {
		return fmt.Errorf("max attempts must be 1..100, got %d", ch.MaxAttempts)
	}
	if ch.SecretTTL < 0 {
		return errors.New("secret TTL must not be negative")
	}

	s := c.Session
	if s.RedisPrefix == "" {
		return errors.New("session redis prefix required")
	}
	if s.RedisPrefix == ch.RedisPrefix {
		return errors.New("challenge and session prefixes must differ")
	}
	if s.RefreshTTL < time.Minute {
		return errors.New("refresh TTL too short")
	}
	if s.ReuseWindow <= 0 || s.ReuseWindow > time.Minute {
		return errors.New("reuse window must be within (0, 1m]")
	}
	if s.RevokedRetention < s.ReuseWindow {
		return errors.New("revoked retention shorter than reuse window")
	}
	if s.LockTTL <= 0 || s.LockWait <= 0 || s.LockRetryInterval <= 0 {
		return errors.New("lock timings must be positive")
	}
	if s.LockRetryInterval >= s.LockWait {
		return errors.New("lock retry interval must be below lock wait")
	}

	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return errors.New("audit buffer size must be positive")
	}
	return nil
}

// fillDefaults merges zero-valued fields from the defaults. Booleans and
// key material are left as provided.
func (c *Config) fillDefaults() {
	d := defaultConfig()
	if c.Challenge.RedisPrefix == "" {
		c.Challenge.RedisPrefix = d.Challenge.RedisPrefix
	}
	if c.Challenge.OTPDigits == 0 {
		c.Challenge.OTPDigits = d.Challenge.OTPDigits
	}
	if c.Challenge.OTPTTL == 0 {
		c.Challenge.OTPTTL = d.Challenge.OTPTTL
	}
	if c.Challenge.LinkTTL == 0 {
		c.Challenge.LinkTTL = d.Challenge.LinkTTL
	}
	if c.Challenge.MaxAttempts == 0 {
		c.Challenge.MaxAttempts = d.Challenge.MaxAttempts
	}
	if c.Session.RedisPrefix == "" {
		c.Session.RedisPrefix = d.Session.RedisPrefix
	}
	if c.Session.RefreshTTL == 0 {
		c.Session.RefreshTTL = d.Session.RefreshTTL
	}
	if c.Session.ReuseWindow == 0 {
		c.Session.ReuseWindow = d.Session.ReuseWindow
	}
	if c.Session.RevokedRetention == 0 {
		c.Session.RevokedRetention = d.Session.RevokedRetention
	}
	if c.Session.LockTTL == 0 {
		c.Session.LockTTL = d.Session.LockTTL
	}
	if c.Session.LockWait == 0 {
		c.Session.LockWait = d.Session.LockWait
	}
	if c.Session.LockRetryInterval == 0 {
		c.Session.LockRetryInterval = d.Session.LockRetryInterval
	}
	if c.JWT.AccessTTL == 0 {
		c.JWT.AccessTTL = d.JWT.AccessTTL
	}
	if c.JWT.SigningMethod == "" {
		c.JWT.SigningMethod = d.JWT.SigningMethod
	}
	if c.JWT.Leeway == 0 {
		c.JWT.Leeway = d.JWT.Leeway
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = d.Audit.BufferSize
	}
}

// cloneConfig copies the config so the engine's view cannot be mutated by
// the caller after Build.
func cloneConfig(c Config) Config {
	out := c
	out.JWT.PrivateKey = cloneBytes(c.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(c.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
