package store

import (
	"time"
)

// DefaultWaitTimeout bounds every wait primitive unless overridden. Disable
// the timeout by passing WithWaitTimeout with a zero or negative duration.
const DefaultWaitTimeout = 10 * time.Minute

type waitConfig struct {
	timeout             time.Duration
	completeImmediately bool
}

// WaitOption configures a single wait registration.
type WaitOption func(*waitConfig)

// WithWaitTimeout overrides the wait deadline. Zero or negative disables it.
func WithWaitTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		c.timeout = d
	}
}

// WithCompleteImmediately makes an action-set wait resolve at once when its
// condition is already true at registration time, instead of rejecting with
// a StoreException. The rejection is the default so that trivially-satisfied
// waits do not mask bugs.
func WithCompleteImmediately() WaitOption {
	return func(c *waitConfig) {
		c.completeImmediately = true
	}
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{timeout: DefaultWaitTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}

type stateWaiter[S any] struct {
	pred    func(S) bool
	promise *Promise[Action[S]]
	timer   *time.Timer
}

type actionWaiter[S any] struct {
	pred    func(ActionSet[S], Action[S]) bool
	promise *Promise[Action[S]]
	timer   *time.Timer
}

// WaitCondition returns a promise resolved when the state predicate becomes
// true, carrying the action that caused the satisfying change. If the
// predicate already holds, the promise resolves immediately with a nil
// trigger.
func (s *Store[S]) WaitCondition(pred func(S) bool, opts ...WaitOption) *Promise[Action[S]] {
	cfg := newWaitConfig(opts)

	s.mu.Lock()
	if s.safeStatePred(pred, s.state) {
		s.mu.Unlock()
		return Resolved[Action[S]](nil)
	}
	w := &stateWaiter[S]{pred: pred, promise: NewPromise[Action[S]]()}
	s.armStateTimeout(w, cfg.timeout)
	s.stateWaiters = append(s.stateWaiters, w)
	s.mu.Unlock()

	return w.promise
}

// WaitActionCondition returns a promise resolved when the predicate over the
// in-progress set becomes true. The predicate receives a snapshot of the set
// and the action whose entering or leaving triggered the re-evaluation; the
// trigger is nil for the registration-time evaluation. If the condition is
// already true at registration, the promise rejects with a StoreException
// unless WithCompleteImmediately is passed.
func (s *Store[S]) WaitActionCondition(pred func(set ActionSet[S], trigger Action[S]) bool, opts ...WaitOption) *Promise[Action[S]] {
	cfg := newWaitConfig(opts)

	s.mu.Lock()
	if s.safeActionPred(pred, s.inProgressLocked(), nil) {
		s.mu.Unlock()
		p := NewPromise[Action[S]]()
		if cfg.completeImmediately {
			p.Resolve(nil)
		} else {
			p.Reject(errWaitAlreadyTrue())
		}
		return p
	}
	w := &actionWaiter[S]{pred: pred, promise: NewPromise[Action[S]]()}
	s.armActionTimeout(w, cfg.timeout)
	s.actionWaiters = append(s.actionWaiters, w)
	s.mu.Unlock()

	return w.promise
}

// WaitAllActions resolves once every listed action has left the in-progress
// set, or, given no actions, once the set is empty.
func (s *Store[S]) WaitAllActions(actions []Action[S], opts ...WaitOption) *Promise[Action[S]] {
	pred := func(set ActionSet[S], _ Action[S]) bool {
		if len(actions) == 0 {
			return set.Empty()
		}
		for _, a := range actions {
			if set.Contains(a) {
				return false
			}
		}
		return true
	}
	return s.WaitActionCondition(pred, opts...)
}

// WaitActionType resolves once no action of the given type is in progress.
func (s *Store[S]) WaitActionType(actionType string, opts ...WaitOption) *Promise[Action[S]] {
	return s.WaitAllActionTypes([]string{actionType}, opts...)
}

// WaitAllActionTypes resolves once no action of any of the given types is in
// progress.
func (s *Store[S]) WaitAllActionTypes(types []string, opts ...WaitOption) *Promise[Action[S]] {
	pred := func(set ActionSet[S], _ Action[S]) bool {
		return !set.AnyOfTypes(types...)
	}
	return s.WaitActionCondition(pred, opts...)
}

// WaitAnyActionTypeFinishes resolves when an action of one of the given
// types transitions from in-progress to finished, carrying that action. It
// always waits for a future transition: a present absence of the types does
// not satisfy it, so the already-true rejection rule never applies here.
func (s *Store[S]) WaitAnyActionTypeFinishes(types []string, opts ...WaitOption) *Promise[Action[S]] {
	pred := func(set ActionSet[S], trigger Action[S]) bool {
		if trigger == nil || set.Contains(trigger) {
			return false
		}
		t := ActionType(trigger)
		for _, want := range types {
			if t == want {
				return true
			}
		}
		return false
	}
	return s.WaitActionCondition(pred, opts...)
}

// matchStateWaitersLocked collects and removes every state waiter satisfied
// by the new state. Callers settle the returned waiters outside the lock.
func (s *Store[S]) matchStateWaitersLocked(next S) []*stateWaiter[S] {
	if len(s.stateWaiters) == 0 {
		return nil
	}
	var matched []*stateWaiter[S]
	remaining := s.stateWaiters[:0]
	for _, w := range s.stateWaiters {
		if s.safeStatePred(w.pred, next) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.stateWaiters = remaining
	return matched
}

// matchActionWaitersLocked collects and removes every action-set waiter
// satisfied after trigger entered or left the set.
func (s *Store[S]) matchActionWaitersLocked(trigger Action[S]) []*actionWaiter[S] {
	if len(s.actionWaiters) == 0 {
		return nil
	}
	set := s.inProgressLocked()
	var matched []*actionWaiter[S]
	remaining := s.actionWaiters[:0]
	for _, w := range s.actionWaiters {
		if s.safeActionPred(w.pred, set, trigger) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.actionWaiters = remaining
	return matched
}

func settleStateWaiters[S any](waiters []*stateWaiter[S], trigger Action[S]) {
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.promise.Resolve(trigger)
	}
}

func settleActionWaiters[S any](waiters []*actionWaiter[S], trigger Action[S]) {
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.promise.Resolve(trigger)
	}
}

// armStateTimeout sets the waiter's deadline timer. It runs before the
// waiter is published, while the store bookkeeping is still locked: once
// other goroutines can see the waiter, its timer field is immutable.
func (s *Store[S]) armStateTimeout(w *stateWaiter[S], timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	w.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		removed := false
		remaining := s.stateWaiters[:0]
		for _, x := range s.stateWaiters {
			if x == w {
				removed = true
				continue
			}
			remaining = append(remaining, x)
		}
		s.stateWaiters = remaining
		s.mu.Unlock()
		if removed {
			w.promise.Reject(errWaitTimeout(timeout))
		}
	})
}

func (s *Store[S]) armActionTimeout(w *actionWaiter[S], timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	w.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		removed := false
		remaining := s.actionWaiters[:0]
		for _, x := range s.actionWaiters {
			if x == w {
				removed = true
				continue
			}
			remaining = append(remaining, x)
		}
		s.actionWaiters = remaining
		s.mu.Unlock()
		if removed {
			w.promise.Reject(errWaitTimeout(timeout))
		}
	})
}

// Waiter predicates are user code running while the store bookkeeping is
// locked; they must be pure reads. A panicking predicate counts as
// unsatisfied.
func (s *Store[S]) safeStatePred(pred func(S) bool, state S) (ok bool) {
	if pred == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state wait predicate panicked", "error", r)
			ok = false
		}
	}()
	return pred(state)
}

func (s *Store[S]) safeActionPred(pred func(ActionSet[S], Action[S]) bool, set ActionSet[S], trigger Action[S]) (ok bool) {
	if pred == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("action wait predicate panicked", "error", r)
			ok = false
		}
	}()
	return pred(set, trigger)
}
