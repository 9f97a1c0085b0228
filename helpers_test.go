package vouch

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vouchkit/vouch/challenge"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureDelivery struct {
	mu   sync.Mutex
	reqs []DeliveryRequest
}

func (d *captureDelivery) ChallengeDeliveryRequested(_ context.Context, req DeliveryRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return nil
}

func (d *captureDelivery) all() []DeliveryRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeliveryRequest(nil), d.reqs...)
}

type captureAlerts struct {
	mu     sync.Mutex
	alerts []SecurityAlert
}

func (a *captureAlerts) SecurityAlert(_ context.Context, alert SecurityAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *captureAlerts) all() []SecurityAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SecurityAlert(nil), a.alerts...)
}

type testEnv struct {
	engine   *Engine
	delivery *captureDelivery
	alerts   *captureAlerts
	clock    *testClock
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T, mutate func(*Config)) (*testEnv, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	cfg := defaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.JWT.Issuer = "vouch-test"
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		delivery: &captureDelivery{},
		alerts:   &captureAlerts{},
		clock:    newTestClock(),
		mr:       mr,
	}

	env.engine, err = New().
		WithRedis(rdb).
		WithConfig(cfg).
		WithDeliveryNotifier(env.delivery).
		WithAlertNotifier(env.alerts).
		WithClock(env.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}

	return env, func() {
		env.engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
}

func otpRequest() CreateChallengeRequest {
	return CreateChallengeRequest{
		Purpose:     challenge.PurposeSignupEmail,
		Channel:     challenge.ChannelEmail,
		SubjectType: challenge.SubjectSignupSession,
		SubjectID:   "ss-1",
		Destination: "Alice@Example.com",
		RequestIP:   "203.0.113.9",
		UserAgent:   "test-agent",
	}
}

func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}
