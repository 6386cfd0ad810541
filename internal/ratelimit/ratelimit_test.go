package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireUnregisteredSourceFails(t *testing.T) {
	l := New()
	if err := l.Acquire(context.Background(), "ghost"); err == nil {
		t.Fatalf("expected error for unregistered source")
	}
}

func TestBackoffGrowsAndDecays(t *testing.T) {
	l := New()
	l.Register("bazar", SourceConfig{
		RequestsPerMinute: 6000,
		Burst:             10,
		BackoffFloor:      10 * time.Millisecond,
		BackoffCeiling:    80 * time.Millisecond,
		FailureLimit:      5,
	})

	l.Report("bazar", OutcomeThrottled)
	if got := l.Delay("bazar"); got != 20*time.Millisecond {
		t.Fatalf("delay after one throttle = %v, want 20ms", got)
	}

	for i := 0; i < 10; i++ {
		l.Report("bazar", OutcomeThrottled)
	}
	if got := l.Delay("bazar"); got != 80*time.Millisecond {
		t.Fatalf("delay should clamp at ceiling, got %v", got)
	}

	for i := 0; i < 10; i++ {
		l.Report("bazar", OutcomeSuccess)
	}
	if got := l.Delay("bazar"); got != 10*time.Millisecond {
		t.Fatalf("delay should decay to floor, got %v", got)
	}
}

func TestThrottlingDoesNotCountTowardDegradation(t *testing.T) {
	l := New()
	l.Register("bazar", SourceConfig{
		RequestsPerMinute: 6000,
		BackoffFloor:      time.Millisecond,
		BackoffCeiling:    time.Millisecond,
		FailureLimit:      3,
	})

	for i := 0; i < 20; i++ {
		l.Report("bazar", OutcomeThrottled)
	}
	if l.Degraded("bazar") {
		t.Fatalf("throttling alone must not degrade a source")
	}
}

func TestConsecutiveErrorsDegradeAndResetRecovers(t *testing.T) {
	l := New()
	l.Register("birja", SourceConfig{
		RequestsPerMinute: 6000,
		BackoffFloor:      time.Millisecond,
		BackoffCeiling:    time.Millisecond,
		FailureLimit:      3,
	})

	l.Report("birja", OutcomeError)
	l.Report("birja", OutcomeError)
	l.Report("birja", OutcomeSuccess) // resets the streak
	l.Report("birja", OutcomeError)
	l.Report("birja", OutcomeError)
	if l.Degraded("birja") {
		t.Fatalf("streak of 2 errors should not degrade with limit 3")
	}
	l.Report("birja", OutcomeError)
	if !l.Degraded("birja") {
		t.Fatalf("3 consecutive errors should degrade the source")
	}

	err := l.Acquire(context.Background(), "birja")
	if !errors.Is(err, ErrSourceDegraded) {
		t.Fatalf("Acquire on degraded source = %v, want ErrSourceDegraded", err)
	}

	l.Reset("birja")
	if l.Degraded("birja") {
		t.Fatalf("Reset should clear degradation")
	}
	if err := l.Acquire(context.Background(), "birja"); err != nil {
		t.Fatalf("Acquire after reset: %v", err)
	}
}

func TestSourcesAreIsolated(t *testing.T) {
	l := New()
	l.Register("slow", SourceConfig{
		RequestsPerMinute: 0.0001, // effectively exhausted after the burst
		Burst:             1,
		FailureLimit:      3,
	})
	l.Register("fast", SourceConfig{RequestsPerMinute: 60000, Burst: 100})

	// Drain the slow source's only token.
	if err := l.Acquire(context.Background(), "slow"); err != nil {
		t.Fatalf("first slow acquire: %v", err)
	}

	// The fast source must remain unaffected.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		if err := l.Acquire(ctx, "fast"); err != nil {
			t.Fatalf("fast acquire %d blocked by slow source: %v", i, err)
		}
	}

	// And the slow source should now block until its context expires.
	slowCtx, slowCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer slowCancel()
	if err := l.Acquire(slowCtx, "slow"); err == nil {
		t.Fatalf("expected slow source acquire to time out")
	}
}

func TestAcquireHonorsContextDuringAdaptiveDelay(t *testing.T) {
	l := New()
	l.Register("bazar", SourceConfig{
		RequestsPerMinute: 6000,
		BackoffFloor:      10 * time.Millisecond,
		BackoffCeiling:    10 * time.Second,
	})
	// Push the delay well above the floor.
	for i := 0; i < 10; i++ {
		l.Report("bazar", OutcomeThrottled)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Acquire(ctx, "bazar")
	if err == nil {
		t.Fatalf("expected context deadline during adaptive delay")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Acquire did not return promptly on cancellation (%v)", elapsed)
	}
}
