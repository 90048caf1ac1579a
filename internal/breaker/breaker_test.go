package breaker

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(t *testing.T, s Settings) (*Breaker, *fakeClock) {
	t.Helper()
	b, err := New(s)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	clock := &fakeClock{now: time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)}
	b.SetClock(clock.Now)
	return b, clock
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		b.RecordFailure("dial refused")
		clock.Advance(2 * time.Second)
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}

	b.RecordFailure("dial refused")
	if b.State() != StateOpen {
		t.Fatalf("breaker not open after threshold, state %s", b.State())
	}
	if b.Allow() {
		t.Fatalf("open breaker allowed an attempt")
	}
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, Timeout: 30 * time.Second})

	b.RecordFailure("read timeout")
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.Advance(29 * time.Second)
	if b.Allow() {
		t.Fatalf("breaker allowed attempt before recovery timeout")
	}

	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("breaker denied attempt after recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{
		FailureThreshold: 1,
		Timeout:          time.Second,
		SuccessThreshold: 3,
		MinRetryInterval: time.Millisecond,
	})

	b.RecordFailure("dial refused")
	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe to be allowed")
	}

	for i := 0; i < 2; i++ {
		b.RecordSuccess()
		if b.State() != StateHalfOpen {
			t.Fatalf("breaker left half_open after %d successes", i+1)
		}
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("breaker not closed after success threshold, state %s", b.State())
	}

	info := b.GetInfo()
	if info.FailureCount != 0 || info.SuccessCount != 0 {
		t.Fatalf("counters not reset on close: %+v", info)
	}
}

func TestHalfOpenReopensOnSingleFailure(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{FailureThreshold: 1, Timeout: time.Second})

	b.RecordFailure("dial refused")
	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected probe to be allowed")
	}
	b.RecordSuccess()

	b.RecordFailure("read reset")
	if b.State() != StateOpen {
		t.Fatalf("single probation failure did not reopen, state %s", b.State())
	}
}

func TestRetryRateLimitWhileClosed(t *testing.T) {
	b, clock := newTestBreaker(t, Settings{MinRetryInterval: time.Second})

	// first call has no prior attempt
	if !b.Allow() {
		t.Fatalf("first attempt denied")
	}
	b.RecordFailure("dial refused")

	if b.Allow() {
		t.Fatalf("attempt allowed before min retry interval")
	}
	clock.Advance(1100 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("attempt denied after min retry interval")
	}
}

func TestSuccessResetsFailureCountWhileClosed(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 3})

	b.RecordFailure("dial refused")
	b.RecordFailure("dial refused")
	b.RecordSuccess()
	b.RecordFailure("dial refused")
	b.RecordFailure("dial refused")
	if b.State() != StateClosed {
		t.Fatalf("failure count did not reset on success")
	}
}

func TestResetClearsEverything(t *testing.T) {
	b, _ := newTestBreaker(t, Settings{FailureThreshold: 1})

	b.RecordFailure("dial refused")
	b.Reset()
	b.Reset() // idempotent

	info := b.GetInfo()
	if info.State != "closed" || info.FailureCount != 0 || !info.LastFailureTime.IsZero() || !info.LastAttemptTime.IsZero() {
		t.Fatalf("reset left residual state: %+v", info)
	}
	if !b.Allow() {
		t.Fatalf("reset breaker denied first attempt")
	}
}
