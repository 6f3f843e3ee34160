// Package persist provides ready-made persistence gateways for go-store:
// an in-memory store for tests, a JSON snapshot file, and a SQLite-backed
// snapshot table. All of them serialize the state with encoding/json, so
// the state type must round-trip through it.
package persist

import (
	"context"
	"sync"
	"time"
)

type settings struct {
	throttle time.Duration
}

// Option configures a persistor.
type Option func(*settings)

// WithThrottle sets the minimum interval between persisted writes.
// Intermediate states are coalesced by the store; only the latest survives.
func WithThrottle(d time.Duration) Option {
	return func(s *settings) {
		s.throttle = d
	}
}

func newSettings(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// Memory is an in-memory persistor, useful in tests to observe what the
// store forwards to its gateway.
type Memory[S any] struct {
	mu        sync.Mutex
	snapshot  S
	saved     bool
	processed int
	settings  settings
}

// NewMemory constructs an empty in-memory persistor.
func NewMemory[S any](opts ...Option) *Memory[S] {
	return &Memory[S]{settings: newSettings(opts)}
}

func (m *Memory[S]) ReadState(_ context.Context) (S, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		var zero S
		return zero, false, nil
	}
	return m.snapshot, true, nil
}

func (m *Memory[S]) SaveInitialState(_ context.Context, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = state
	m.saved = true
	return nil
}

func (m *Memory[S]) DeleteState(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero S
	m.snapshot = zero
	m.saved = false
	return nil
}

func (m *Memory[S]) Process(_ context.Context, _ any, newState S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = newState
	m.saved = true
	m.processed++
	return nil
}

func (m *Memory[S]) Throttle() time.Duration {
	return m.settings.throttle
}

// Processed returns how many state changes were forwarded to this persistor.
func (m *Memory[S]) Processed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed
}
