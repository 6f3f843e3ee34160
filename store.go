package store

import (
	"context"
	"reflect"
	"sync"
)

// StateObserver is called after every state application with the triggering
// action, the previous and next states, and the dispatch count. On a failed
// dispatch it is called with prev == next == the unchanged current state and
// the raw error.
type StateObserver[S any] func(action Action[S], prev, next S, err error, dispatchCount int64)

// ActionObserver is called twice per dispatch: with ini=true right after the
// action is registered, and with ini=false right before its completion
// promise settles.
type ActionObserver[S any] func(action Action[S], dispatchCount int64, ini bool)

// ErrorObserver decides whether a pipeline error is rethrown (true) or
// swallowed (false). When one is configured it has full authority: the
// default UserException auto-swallow rule does not apply.
type ErrorObserver[S any] func(err error, action Action[S], st *Store[S]) bool

// GlobalWrapError is the store-wide error transform, run after the action's
// own WrapError hook. Returning nil suppresses the error.
type GlobalWrapError[S any] func(err error, action Action[S]) error

// UserExceptionDialog presents a queued UserException. Implementations must
// call next() to advance the queue; failing to do so stalls it by design.
type UserExceptionDialog func(ex *UserException, next func())

// Comparer reports whether two states count as the same value for change
// detection.
type Comparer[S any] func(a, b S) bool

// Store is a single-writer state container. The only way to change its
// state is to dispatch an action; the dispatch engine owns all bookkeeping
// around that: status tracking, the in-progress set, retries, the error
// pipeline and cross-action waiting.
type Store[S any] struct {
	mu    sync.Mutex
	state S

	ctx      context.Context
	logger   Logger
	comparer Comparer[S]

	dispatchCount int64
	inProgress    map[Action[S]]struct{}
	failedActions map[string]Action[S]
	waitingTypes  map[string]struct{}

	stateWaiters  []*stateWaiter[S]
	actionWaiters []*actionWaiter[S]
	stateSubs     []*stateSub[S]
	storeSubs     []*storeSub
	nextSubID     int64

	shutDown        bool
	logStateChanges bool

	mocks   *Mocks[S]
	queue   *exceptionQueue
	persist *persistRunner[S]

	dialog          UserExceptionDialog
	persistor       Persistor[S]
	stateObserver   StateObserver[S]
	actionObserver  ActionObserver[S]
	errorObserver   ErrorObserver[S]
	globalWrapError GlobalWrapError[S]
}

// Option is the functional option signature for New.
type Option[S any] func(*Store[S])

// WithLogger sets the store logger. Defaults to a FmtLogger on stdout.
func WithLogger[S any](l Logger) Option[S] {
	return func(s *Store[S]) {
		s.logger = l
	}
}

// WithBaseContext sets the context passed to lifecycle phases and used for
// retry backoff waits. Defaults to context.Background().
func WithBaseContext[S any](ctx context.Context) Option[S] {
	return func(s *Store[S]) {
		if ctx != nil {
			s.ctx = ctx
		}
	}
}

// WithComparer overrides state change detection. The default compares by
// identity: pointer equality for reference kinds, == for comparable values.
func WithComparer[S any](cmp Comparer[S]) Option[S] {
	return func(s *Store[S]) {
		if cmp != nil {
			s.comparer = cmp
		}
	}
}

// WithStateLogging toggles the best-effort state diff logging. On by default.
func WithStateLogging[S any](on bool) Option[S] {
	return func(s *Store[S]) {
		s.logStateChanges = on
	}
}

// WithStateObserver registers the state change observer.
func WithStateObserver[S any](fn StateObserver[S]) Option[S] {
	return func(s *Store[S]) {
		s.stateObserver = fn
	}
}

// WithActionObserver registers the action lifecycle observer.
func WithActionObserver[S any](fn ActionObserver[S]) Option[S] {
	return func(s *Store[S]) {
		s.actionObserver = fn
	}
}

// WithErrorObserver registers the error observer. Its boolean return decides
// rethrow versus swallow for every pipeline error.
func WithErrorObserver[S any](fn ErrorObserver[S]) Option[S] {
	return func(s *Store[S]) {
		s.errorObserver = fn
	}
}

// WithGlobalWrapError registers the store-wide error transform.
func WithGlobalWrapError[S any](fn GlobalWrapError[S]) Option[S] {
	return func(s *Store[S]) {
		s.globalWrapError = fn
	}
}

// WithUserExceptionDialog registers the display callback for queued
// UserExceptions. The default logs the exception and advances the queue.
func WithUserExceptionDialog[S any](fn UserExceptionDialog) Option[S] {
	return func(s *Store[S]) {
		s.dialog = fn
	}
}

// WithPersistor attaches the persistence gateway. It is notified after every
// successful state application.
func WithPersistor[S any](p Persistor[S]) Option[S] {
	return func(s *Store[S]) {
		s.persistor = p
	}
}

// New creates a store owning the given initial state.
func New[S any](initial S, opts ...Option[S]) *Store[S] {
	s := &Store[S]{
		state:           initial,
		ctx:             context.Background(),
		comparer:        defaultComparer[S],
		inProgress:      make(map[Action[S]]struct{}),
		failedActions:   make(map[string]Action[S]),
		waitingTypes:    make(map[string]struct{}),
		logStateChanges: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = normalizeLogger(s.logger)
	s.mocks = newMocks[S]()
	s.queue = newExceptionQueue(s.dialog, s.logger)
	s.persist = newPersistRunner(s.persistor, s.logger, s.ctx)
	return s
}

// State returns the current state.
func (s *Store[S]) State() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DispatchCount returns how many dispatches have been accepted so far. It
// increments at dispatch time, in call order, regardless of completion order.
func (s *Store[S]) DispatchCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchCount
}

// InProgress returns a snapshot of the actions currently between dispatch
// and finalize.
func (s *Store[S]) InProgress() ActionSet[S] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgressLocked()
}

func (s *Store[S]) inProgressLocked() ActionSet[S] {
	actions := make([]Action[S], 0, len(s.inProgress))
	for a := range s.inProgress {
		actions = append(actions, a)
	}
	return ActionSet[S]{actions: actions}
}

// IsWaiting reports whether any action of the given types is in progress.
// Querying a type also registers interest in it: store-event subscribers are
// notified whenever an action of an interesting type enters or leaves the
// in-progress set.
func (s *Store[S]) IsWaiting(types ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.waitingTypes[t] = struct{}{}
	}
	for a := range s.inProgress {
		at := ActionType(a)
		for _, t := range types {
			if at == t {
				return true
			}
		}
	}
	return false
}

// IsFailed reports whether the most recent action of the given type failed
// with a user-facing exception. Like IsWaiting, it registers interest.
func (s *Store[S]) IsFailed(types ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.waitingTypes[t] = struct{}{}
		if _, ok := s.failedActions[t]; ok {
			return true
		}
	}
	return false
}

// ExceptionFor returns the UserException carried by the most recent failed
// action of the given type, or nil.
func (s *Store[S]) ExceptionFor(actionType string) *UserException {
	s.mu.Lock()
	a, ok := s.failedActions[actionType]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if ue, found := AsUserException(a.base().Status().WrappedError); found {
		return ue
	}
	return nil
}

// ClearExceptionFor drops the failed-action entry for the given type. The
// entry is also cleared automatically when that type is next dispatched.
func (s *Store[S]) ClearExceptionFor(actionType string) {
	s.mu.Lock()
	_, ok := s.failedActions[actionType]
	delete(s.failedActions, actionType)
	notify := ok && s.interestedLocked(actionType)
	s.mu.Unlock()
	if notify {
		s.notifyStoreSubs()
	}
}

// SetShutDown blocks new dispatches. Actions already in flight are not
// affected; callers must await their completion separately.
func (s *Store[S]) SetShutDown(down bool) {
	s.mu.Lock()
	s.shutDown = down
	s.mu.Unlock()
}

// IsShutDown reports whether new dispatches are being refused.
func (s *Store[S]) IsShutDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutDown
}

// Mocks returns the registry used to substitute or suppress actions during
// tests.
func (s *Store[S]) Mocks() *Mocks[S] {
	return s.mocks
}

// Logger returns the store logger.
func (s *Store[S]) Logger() Logger {
	return s.logger
}

func (s *Store[S]) interestedLocked(actionType string) bool {
	_, ok := s.waitingTypes[actionType]
	return ok
}

func (s *Store[S]) identical(a, b S) bool {
	return s.comparer(a, b)
}

func defaultComparer[S any](a, b S) bool {
	return identityEqual(any(a), any(b))
}

// identityEqual compares two boxed values the way the store detects state
// changes: pointer identity for reference kinds, == for comparable values,
// changed otherwise.
func identityEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Len() == vb.Len() && (va.Len() == 0 || va.Pointer() == vb.Pointer())
	}
	if va.Comparable() {
		return va.Equal(vb)
	}
	return false
}

// ActionSet is a read-only snapshot of the in-progress set, taken while the
// store bookkeeping was locked.
type ActionSet[S any] struct {
	actions []Action[S]
}

// Len returns the number of in-progress actions in the snapshot.
func (as ActionSet[S]) Len() int { return len(as.actions) }

// Empty reports whether no action was in progress.
func (as ActionSet[S]) Empty() bool { return len(as.actions) == 0 }

// Contains reports whether the exact action instance is in the snapshot.
func (as ActionSet[S]) Contains(a Action[S]) bool {
	for _, x := range as.actions {
		if x == a {
			return true
		}
	}
	return false
}

// ContainsType reports whether any action of the given type is in the
// snapshot.
func (as ActionSet[S]) ContainsType(actionType string) bool {
	for _, x := range as.actions {
		if ActionType(x) == actionType {
			return true
		}
	}
	return false
}

// AnyOfTypes reports whether any action of one of the given types is in the
// snapshot.
func (as ActionSet[S]) AnyOfTypes(types ...string) bool {
	for _, t := range types {
		if as.ContainsType(t) {
			return true
		}
	}
	return false
}

// Actions returns the snapshot contents.
func (as ActionSet[S]) Actions() []Action[S] {
	out := make([]Action[S], len(as.actions))
	copy(out, as.actions)
	return out
}

// Types returns the distinct action types in the snapshot.
func (as ActionSet[S]) Types() []string {
	seen := make(map[string]struct{}, len(as.actions))
	var out []string
	for _, x := range as.actions {
		t := ActionType(x)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
