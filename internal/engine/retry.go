package engine

import (
	"context"
	"time"
)

// Backoff defaults. Operational tuning parameters, overridable via
// OrchestratorConfig rather than hard-coded at call sites.
const (
	DefaultBackoffBase   = 5 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 5 * time.Minute
	DefaultMaxAttempts   = 3
)

// BackoffPolicy computes the delay before a retryable failure's next attempt
// using exponential backoff with a fixed base and cap.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// DefaultBackoffPolicy returns the engine's standard policy: base 5s,
// factor 2, cap 5 minutes.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:   DefaultBackoffBase,
		Factor: DefaultBackoffFactor,
		Cap:    DefaultBackoffCap,
	}
}

// Delay returns the backoff before re-attempting after the given failed
// attempt (1-based): base * factor^(attempt-1), capped.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 || attempt <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.Base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if p.Cap > 0 && delay >= float64(p.Cap) {
			return p.Cap
		}
	}
	d := time.Duration(delay)
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// WaitForBackoff sleeps for the given delay or returns early when the context
// is cancelled. Returns the context error on early exit.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
