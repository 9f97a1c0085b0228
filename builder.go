package vouch

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vouchkit/vouch/challenge"
	"github.com/vouchkit/vouch/jwt"
	"github.com/vouchkit/vouch/session"
)

// Builder assembles an [Engine]. Redis is mandatory; everything else has a
// working default. Access tokens are minted only when signing keys are
// configured — a challenge-only deployment can skip them.
type Builder struct {
	config   Config
	hasCfg   bool
	redis    redis.UniversalClient
	delivery DeliveryNotifier
	alerts   SecurityAlertNotifier
	sink     AuditSink
	clock    func() time.Time
}

// New returns a Builder with default configuration.
func New() *Builder {
	return &Builder{}
}

// WithConfig replaces the default configuration. Zero-valued fields are
// filled from defaults during Build.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.hasCfg = true
	return b
}

// WithRedis sets the Redis client backing both stores. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDeliveryNotifier wires the sink for challenge delivery requests.
// Optional; without it the caller drives delivery by polling
// [Engine.DeliverySecret].
func (b *Builder) WithDeliveryNotifier(n DeliveryNotifier) *Builder {
	b.delivery = n
	return b
}

// WithAlertNotifier wires the sink for reuse-detection security alerts.
func (b *Builder) WithAlertNotifier(n SecurityAlertNotifier) *Builder {
	b.alerts = n
	return b
}

// WithAuditSink wires the audit sink. Only consulted when Audit.Enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithClock overrides the time source. Tests use this to step through
// expiry and reuse windows deterministically.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if !b.hasCfg {
		cfg = defaultConfig()
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var tokens *jwt.Manager
	if len(cfg.JWT.PrivateKey) > 0 {
		var err error
		tokens, err = jwt.NewManager(jwt.Config{
			AccessTTL:     cfg.JWT.AccessTTL,
			SigningMethod: cfg.JWT.SigningMethod,
			PrivateKey:    cfg.JWT.PrivateKey,
			PublicKey:     cfg.JWT.PublicKey,
			Issuer:        cfg.JWT.Issuer,
			Audience:      cfg.JWT.Audience,
			Leeway:        cfg.JWT.Leeway,
		})
		if err != nil {
			return nil, err
		}
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		config: cfg,
		challenges: challenge.NewStore(
			b.redis,
			cfg.Challenge.RedisPrefix,
		),
		sessions: session.NewStore(
			b.redis,
			cfg.Session.RedisPrefix,
			cfg.Session.RevokedRetention,
			cfg.Session.LockTTL,
			cfg.Session.LockWait,
			cfg.Session.LockRetryInterval,
		),
		jwt:      tokens,
		delivery: b.delivery,
		alerts:   b.alerts,
		audit:    newAuditDispatcher(cfg.Audit, b.sink),
		metrics:  NewMetrics(cfg.Metrics),
		clock:    clock,
	}
	return e, nil
}
