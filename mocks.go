package store

import "sync"

// MockFn substitutes one action for another at dispatch time. Returning nil
// drops the dispatch entirely.
type MockFn[S any] func(a Action[S]) Action[S]

// Mocks intercepts dispatches by action type, for tests: a registered entry
// either replaces the action for the rest of the pipeline or suppresses it.
// The original action is discarded unexecuted. Missing entries pass through
// unchanged.
type Mocks[S any] struct {
	mu sync.RWMutex
	m  map[string]MockFn[S]
}

func newMocks[S any]() *Mocks[S] {
	return &Mocks[S]{m: make(map[string]MockFn[S])}
}

// Add registers a substitution for the given action type. A nil fn behaves
// like AddDrop.
func (m *Mocks[S]) Add(actionType string, fn MockFn[S]) *Mocks[S] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[actionType] = fn
	return m
}

// AddDrop suppresses every dispatch of the given action type.
func (m *Mocks[S]) AddDrop(actionType string) *Mocks[S] {
	return m.Add(actionType, nil)
}

// Remove unregisters the substitution for the given action type.
func (m *Mocks[S]) Remove(actionType string) *Mocks[S] {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, actionType)
	return m
}

// Clear removes every substitution.
func (m *Mocks[S]) Clear() *Mocks[S] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = make(map[string]MockFn[S])
	return m
}

// Len returns the number of registered substitutions.
func (m *Mocks[S]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// intercept resolves the substitution for a. The second return is false when
// the dispatch must be dropped.
func (m *Mocks[S]) intercept(a Action[S]) (Action[S], bool) {
	m.mu.RLock()
	fn, ok := m.m[ActionType(a)]
	m.mu.RUnlock()
	if !ok {
		return a, true
	}
	if fn == nil {
		return nil, false
	}
	sub := fn(a)
	if sub == nil {
		return nil, false
	}
	return sub, true
}
