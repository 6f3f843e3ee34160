package store

// Subscription is a registration that can be undone.
type Subscription interface {
	Unsubscribe()
}

type stateSub[S any] struct {
	id       int64
	selector func(S) any
	onChange func(any)
}

type storeSub struct {
	id       int64
	onChange func()
}

// OnStateChange registers a rendering-layer subscriber. After every state
// application the selector is applied to the new state and onChange is
// called with its output, synchronously on the dispatching goroutine. A nil
// selector passes the state itself.
func (s *Store[S]) OnStateChange(selector func(S) any, onChange func(any)) Subscription {
	if onChange == nil {
		return noopSubscription{}
	}
	if selector == nil {
		selector = func(st S) any { return st }
	}
	s.mu.Lock()
	s.nextSubID++
	sub := &stateSub[S]{id: s.nextSubID, selector: selector, onChange: onChange}
	s.stateSubs = append(s.stateSubs, sub)
	s.mu.Unlock()
	return stateSubscription[S]{store: s, id: sub.id}
}

// OnStoreEvent registers a subscriber to in-progress-set and failed-action
// changes. It only fires for action types previously queried through
// IsWaiting or IsFailed, which is what records rendering interest in a type.
func (s *Store[S]) OnStoreEvent(onChange func()) Subscription {
	if onChange == nil {
		return noopSubscription{}
	}
	s.mu.Lock()
	s.nextSubID++
	sub := &storeSub{id: s.nextSubID, onChange: onChange}
	s.storeSubs = append(s.storeSubs, sub)
	s.mu.Unlock()
	return storeSubscription[S]{store: s, id: sub.id}
}

func (s *Store[S]) notifyStateSubs(next S) {
	s.mu.Lock()
	subs := make([]*stateSub[S], len(s.stateSubs))
	copy(subs, s.stateSubs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.onChange(sub.selector(next))
	}
}

func (s *Store[S]) notifyStoreSubs() {
	s.mu.Lock()
	subs := make([]*storeSub, len(s.storeSubs))
	copy(subs, s.storeSubs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.onChange()
	}
}

type stateSubscription[S any] struct {
	store *Store[S]
	id    int64
}

func (x stateSubscription[S]) Unsubscribe() {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.stateSubs[:0]
	for _, sub := range s.stateSubs {
		if sub.id != x.id {
			remaining = append(remaining, sub)
		}
	}
	s.stateSubs = remaining
}

type storeSubscription[S any] struct {
	store *Store[S]
	id    int64
}

func (x storeSubscription[S]) Unsubscribe() {
	s := x.store
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.storeSubs[:0]
	for _, sub := range s.storeSubs {
		if sub.id != x.id {
			remaining = append(remaining, sub)
		}
	}
	s.storeSubs = remaining
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
