package vouch

import "sync/atomic"

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricChallengeCreated MetricID = iota
	MetricChallengeVerifySuccess
	MetricChallengeVerifyFailure
	MetricChallengeAttemptsExceeded
	MetricChallengeExpired
	MetricChallengeConsumed
	MetricChallengeCanceled
	MetricSessionStarted
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshBenignRace
	MetricRefreshReuseDetected
	MetricLogout
	MetricLogoutAll
	metricIDCount
)

const cacheLineSize = 64

// paddedCounter keeps each counter on its own cache line to avoid false
// sharing under concurrent increments.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds the engine's in-process counters. All methods are safe for
// concurrent use; a nil or disabled Metrics is a no-op.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{
		Counters: make(map[MetricID]uint64, int(metricIDCount)),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
