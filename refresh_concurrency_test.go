package vouch

import (
	"context"
	"sync"
	"testing"
)

func TestRefreshConcurrencySingleRotation(t *testing.T) {
	env, done := newTestEnv(t, nil)
	defer done()
	ctx := context.Background()

	pair, err := env.engine.StartSession(ctx, startRequest())
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	type outcome struct {
		result *RefreshResult
		err    error
	}
	results := make(chan outcome, n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := env.engine.Refresh(ctx, pair.RefreshToken, "203.0.113.9", "agent-1", "device-1")
			results <- outcome{result: res, err: err}
		}()
	}
	wg.Wait()
	close(results)

	rotated := 0
	raced := 0
	for out := range results {
		if out.err != nil {
			t.Fatalf("unexpected refresh error: %v", out.err)
		}
		if out.result.Rotated {
			rotated++
			continue
		}
		if out.result.RefreshToken != "" {
			t.Fatalf("non-rotated result must not carry a refresh token")
		}
		raced++
	}

	if rotated != 1 {
		t.Fatalf("expected exactly one rotation, got %d", rotated)
	}
	if raced != n-1 {
		t.Fatalf("expected %d benign races, got %d", n-1, raced)
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("expected 1 rotation counted, got %d", snap.Counters[MetricRefreshSuccess])
	}
	if snap.Counters[MetricRefreshBenignRace] != n-1 {
		t.Fatalf("expected %d benign races counted, got %d", n-1, snap.Counters[MetricRefreshBenignRace])
	}
	if snap.Counters[MetricRefreshReuseDetected] != 0 {
		t.Fatalf("no reuse should be flagged, got %d", snap.Counters[MetricRefreshReuseDetected])
	}
}
