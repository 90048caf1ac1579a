package breaker

import (
	"fmt"
	"sync"
	"time"

	"tradeflow/logger"
)

// State identifies the position of the breaker's three-state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Settings configures a Breaker. Zero values fall back to the defaults used
// by the streaming connection loop.
type Settings struct {
	FailureThreshold int
	Timeout          time.Duration
	SuccessThreshold int
	MinRetryInterval time.Duration
}

func defaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 3,
		MinRetryInterval: time.Second,
	}
}

// Breaker tracks the health of one logical streaming connection and decides
// whether another connection attempt should be allowed. It performs no I/O of
// its own; the owner records successes and failures around its attempts.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	state    State

	failureCount int
	successCount int

	lastFailureTime time.Time
	lastAttemptTime time.Time

	now func() time.Time
	log *logger.Entry
}

// New creates a Breaker. Non-positive settings are replaced with defaults;
// a negative MinRetryInterval is a configuration error.
func New(settings Settings) (*Breaker, error) {
	def := defaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.Timeout == 0 {
		settings.Timeout = def.Timeout
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = def.SuccessThreshold
	}
	if settings.MinRetryInterval == 0 {
		settings.MinRetryInterval = def.MinRetryInterval
	}

	if settings.FailureThreshold < 0 || settings.SuccessThreshold < 0 {
		return nil, fmt.Errorf("breaker thresholds must be positive (failure %d, success %d)",
			settings.FailureThreshold, settings.SuccessThreshold)
	}
	if settings.Timeout < 0 || settings.MinRetryInterval < 0 {
		return nil, fmt.Errorf("breaker intervals must be positive (timeout %s, min retry %s)",
			settings.Timeout, settings.MinRetryInterval)
	}

	return &Breaker{
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
		log:      logger.GetLogger().WithComponent("breaker"),
	}, nil
}

// Allow reports whether a connection attempt may proceed. An open breaker
// whose recovery timeout has elapsed moves to half-open and is then subject
// to the same retry rate limit as a closed one.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateOpen {
		if now.Sub(b.lastFailureTime) < b.settings.Timeout {
			return false
		}
		b.state = StateHalfOpen
		b.successCount = 0
		b.log.WithFields(logger.Fields{
			"last_failure": b.lastFailureTime,
			"timeout":      b.settings.Timeout.String(),
		}).Info("circuit breaker probing recovery")
	}

	// An untouched breaker has no prior attempt, so the first call passes.
	if b.lastAttemptTime.IsZero() {
		return true
	}
	return now.Sub(b.lastAttemptTime) >= b.settings.MinRetryInterval
}

// RecordSuccess notes a successful connection attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAttemptTime = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.log.Info("circuit breaker closed after successful probation")
		}
	}
}

// RecordFailure notes a failed connection attempt. A single failure during
// probation reopens the circuit.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastAttemptTime = now
	b.lastFailureTime = now

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
		b.log.WithField("reason", reason).Warn("circuit breaker reopened during probation")
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.state = StateOpen
			b.log.WithFields(logger.Fields{
				"reason":   reason,
				"failures": b.failureCount,
			}).Warn("circuit breaker opened")
		}
	}
}

// Reset unconditionally returns the breaker to closed with all counters and
// timestamps cleared. It is idempotent.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureTime = time.Time{}
	b.lastAttemptTime = time.Time{}
}

// Info is an observability snapshot of the breaker.
type Info struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	FailureThreshold int       `json:"failure_threshold"`
	SuccessThreshold int       `json:"success_threshold"`
	TimeoutSeconds   float64   `json:"timeout_seconds"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	LastAttemptTime  time.Time `json:"last_attempt_time"`
}

// GetInfo returns a snapshot of the breaker state. Absent timestamps are
// reported as the zero time.
func (b *Breaker) GetInfo() Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Info{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.settings.FailureThreshold,
		SuccessThreshold: b.settings.SuccessThreshold,
		TimeoutSeconds:   b.settings.Timeout.Seconds(),
		LastFailureTime:  b.lastFailureTime,
		LastAttemptTime:  b.lastAttemptTime,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetClock overrides the breaker's time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
