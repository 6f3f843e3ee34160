package store

import (
	"context"
	"sync"
	"time"
)

// Default retry settings, applied by NewRetryPolicy.
const (
	DefaultRetryInitialDelay = 350 * time.Millisecond
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxRetries   = 3
	DefaultRetryMaxDelay     = 5 * time.Second
)

// RetryPolicy wraps an action's compute phase with exponential backoff.
// Policies are single-use, like the actions that carry them: the engine
// increments the attempt counter on the policy itself.
//
// A retried compute phase must take the ReduceAsync branch. A synchronous
// result under an enabled policy is a caller contract violation and fails
// the dispatch loudly.
type RetryPolicy struct {
	// On enables retrying. When false the compute phase runs unwrapped.
	On bool
	// InitialDelay is the floor for every backoff delay.
	InitialDelay time.Duration
	// Multiplier scales the previous delay. Values <= 1 are treated as 2.
	Multiplier float64
	// MaxRetries bounds the number of re-invocations after the initial
	// attempt. Negative means unlimited.
	MaxRetries int
	// MaxDelay caps the computed delay. Zero or negative means no cap.
	MaxDelay time.Duration

	mu       sync.Mutex
	attempts int
}

// NewRetryPolicy returns an enabled policy with the default backoff curve:
// 350ms initial delay, doubling, capped at 5s, at most 3 retries.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		On:           true,
		InitialDelay: DefaultRetryInitialDelay,
		Multiplier:   DefaultRetryMultiplier,
		MaxRetries:   DefaultRetryMaxRetries,
		MaxDelay:     DefaultRetryMaxDelay,
	}
}

// UnlimitedRetries returns a copy of the default policy that never gives up.
func UnlimitedRetries() *RetryPolicy {
	p := NewRetryPolicy()
	p.MaxRetries = -1
	return p
}

// Attempts returns how many failed invocations the engine has recorded.
func (p *RetryPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *RetryPolicy) recordAttempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return p.attempts
}

// exhausted reports whether the recorded attempts exceed MaxRetries.
func (p *RetryPolicy) exhausted(attempts int) bool {
	return p.MaxRetries >= 0 && attempts > p.MaxRetries
}

// nextDelay computes the backoff after prev: max(InitialDelay,
// prev*Multiplier), capped at MaxDelay.
func (p *RetryPolicy) nextDelay(prev time.Duration) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := time.Duration(float64(prev) * multiplier)
	if delay < p.InitialDelay {
		delay = p.InitialDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func retryPolicyOf[S any](a Action[S]) *RetryPolicy {
	if r, ok := any(a).(Retryable); ok {
		if p := r.Retry(); p != nil && p.On {
			return p
		}
	}
	return nil
}

// sleepCtx waits for d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
