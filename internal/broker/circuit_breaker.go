package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autotrader/internal/util"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	// BreakerClosed allows calls through normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen refuses calls until the reset timeout elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen allows a single probe call; its outcome decides
	// whether the breaker closes again or re-opens.
	BreakerHalfOpen BreakerState = "half_open"
)

// breakerSnapshot is the persisted on-disk form of the breaker state. The
// field names are a stable file contract; recovery after a restart reads
// them back.
type breakerSnapshot struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime *time.Time   `json:"last_failure_time"`
	NextAttemptTime *time.Time   `json:"next_attempt_time"`
	ResetTimeoutSec float64      `json:"reset_timeout"`
}

// CircuitBreaker guards venue calls. Consecutive failures past the threshold
// open the circuit; after the reset timeout a single probe call is let
// through. State survives restarts via a JSON file.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	nextAttempt  time.Time

	failureThreshold int
	resetTimeout     time.Duration
	baseBackoff      time.Duration
	maxBackoff       time.Duration

	statePath string
	logger    *slog.Logger

	// Injectable clock and sleeper for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCircuitBreaker creates a breaker persisting its state to statePath.
// Previously persisted state is restored; an unreadable or corrupt state
// file starts the breaker fresh in the closed state.
func NewCircuitBreaker(statePath string, failureThreshold int, resetTimeout time.Duration, logger *slog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		baseBackoff:      2 * time.Second,
		maxBackoff:       60 * time.Second,
		statePath:        statePath,
		logger:           logger,
		now:              time.Now,
		sleep:            sleepCtx,
	}
	cb.load()
	return cb
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Call runs fn through the breaker. When the circuit is open and the reset
// timeout has not elapsed, it fails fast with a CircuitOpenError carrying
// the remaining cool-down. When the closed circuit carries prior failures,
// the attempt is delayed by an exponential backoff before fn runs.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.Lock()
	now := cb.now()

	if cb.state == BreakerOpen {
		if now.Before(cb.nextAttempt) {
			retryAfter := cb.nextAttempt.Sub(now)
			cb.mu.Unlock()
			return &CircuitOpenError{RetryAfter: retryAfter}
		}
		cb.state = BreakerHalfOpen
		cb.persistLocked()
		cb.logger.Info("circuit breaker probing", "state", cb.state)
	}

	var delay time.Duration
	if cb.state == BreakerClosed && cb.failureCount > 0 {
		delay = util.Backoff(cb.baseBackoff, cb.failureCount-1, cb.maxBackoff)
	}
	cb.mu.Unlock()

	if delay > 0 {
		if err := cb.sleep(ctx, delay); err != nil {
			return err
		}
	}

	if err := fn(ctx); err != nil {
		cb.RecordFailure(err)
		return err
	}

	cb.RecordSuccess()
	return nil
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerClosed || cb.failureCount != 0 {
		cb.logger.Info("circuit breaker reset", "previous_state", cb.state, "failures", cb.failureCount)
	}
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.nextAttempt = time.Time{}
	cb.persistLocked()
}

// RecordFailure counts a failure against the threshold, opening the circuit
// when it is reached (or immediately when half-open).
func (cb *CircuitBreaker) RecordFailure(cause error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = cb.now()

	if cb.state == BreakerHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.state = BreakerOpen
		cb.nextAttempt = cb.lastFailure.Add(cb.resetTimeout)
		cb.logger.Error("circuit breaker opened",
			"failures", cb.failureCount,
			"next_attempt", cb.nextAttempt.Format(time.RFC3339),
			"cause", cause)
	} else {
		cb.logger.Warn("circuit breaker recorded failure",
			"failures", cb.failureCount,
			"threshold", cb.failureThreshold,
			"cause", cause)
	}
	cb.persistLocked()
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen reports whether the circuit is currently refusing calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == BreakerOpen
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Reset forces the breaker back to closed and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.RecordSuccess()
}

// load restores persisted state. Errors are logged and ignored so a damaged
// state file never blocks startup.
func (cb *CircuitBreaker) load() {
	if cb.statePath == "" {
		return
	}
	data, err := os.ReadFile(cb.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			cb.logger.Warn("circuit breaker state unreadable, starting closed", "path", cb.statePath, "error", err)
		}
		return
	}

	var snap breakerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		cb.logger.Warn("circuit breaker state corrupt, starting closed", "path", cb.statePath, "error", err)
		return
	}

	switch snap.State {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
	default:
		cb.logger.Warn("circuit breaker state invalid, starting closed", "state", snap.State)
		return
	}

	cb.state = snap.State
	cb.failureCount = snap.FailureCount
	if snap.LastFailureTime != nil {
		cb.lastFailure = *snap.LastFailureTime
	}
	if snap.NextAttemptTime != nil {
		cb.nextAttempt = *snap.NextAttemptTime
	}
	if snap.ResetTimeoutSec > 0 {
		cb.resetTimeout = time.Duration(snap.ResetTimeoutSec * float64(time.Second))
	}
	cb.logger.Info("circuit breaker state restored",
		"state", cb.state, "failures", cb.failureCount)
}

// persistLocked writes the state file atomically. The caller holds cb.mu.
// Persistence failures are logged but never fail the guarded call.
func (cb *CircuitBreaker) persistLocked() {
	if cb.statePath == "" {
		return
	}

	snap := breakerSnapshot{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		ResetTimeoutSec: cb.resetTimeout.Seconds(),
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailureTime = &t
	}
	if !cb.nextAttempt.IsZero() {
		t := cb.nextAttempt
		snap.NextAttemptTime = &t
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		cb.logger.Error("circuit breaker state marshal failed", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(cb.statePath), 0o755); err != nil {
		cb.logger.Error("circuit breaker state dir create failed", "error", err)
		return
	}

	tmp := fmt.Sprintf("%s.tmp", cb.statePath)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		cb.logger.Error("circuit breaker state write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, cb.statePath); err != nil {
		cb.logger.Error("circuit breaker state rename failed", "error", err)
	}
}
