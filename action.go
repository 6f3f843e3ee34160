package store

import (
	"context"
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// Action is a single-use command that produces the next store state through
// its compute phase. Implementations embed BaseAction to get the lifecycle
// bookkeeping and may additionally implement any of the optional hook
// interfaces below.
type Action[S any] interface {
	// Reduce is the compute phase. It receives the state current at
	// invocation time and returns the outcome as a tagged result.
	Reduce(ctx context.Context, state S) ReduceResult[S]

	base() *BaseAction[S]
}

// BeforeHook is the optional pre-check phase, run before Reduce. A failure
// here skips the compute phase but the finalize phase still runs.
type BeforeHook[S any] interface {
	Before(ctx context.Context, st *Store[S]) BeforeResult
}

// AfterHook is the optional finalize phase. It runs unconditionally, even
// after a failed pre-check or compute phase. Errors and panics it produces
// are logged and swallowed.
type AfterHook[S any] interface {
	After(ctx context.Context, st *Store[S]) error
}

// ErrorWrapper lets an action transform errors thrown by its own phases
// before the store-wide wrap hook sees them. Returning nil suppresses the
// error entirely.
type ErrorWrapper[S any] interface {
	WrapError(err error, state S) error
}

// AbortDispatcher is consulted before any lifecycle work: returning true
// drops the dispatch silently. A panic here is logged and counts as abort.
type AbortDispatcher interface {
	AbortDispatch() bool
}

// AbortApplier is consulted after the compute phase produced a new state but
// before it is applied: returning true discards the new state. The predicate
// runs while the store bookkeeping is locked, so it must be a pure read of
// its argument; a panic here fails the dispatch.
type AbortApplier[S any] interface {
	AbortReduce(state S) bool
}

// NonReentrant marks actions that must not run while another action of the
// exact same type is in progress. A reentrant dispatch is dropped silently,
// without touching the new instance's status.
type NonReentrant interface {
	NonReentrant() bool
}

// Retryable declares a retry policy for the compute phase. The policy is
// owned by the action instance; the engine mutates its attempt counter.
type Retryable interface {
	Retry() *RetryPolicy
}

// BaseAction carries the per-dispatch bookkeeping every action needs: the
// status record, the owning store (injected exactly once at dispatch time)
// and the completion promise behind DispatchAndWait. Embed it by value:
//
//	type Increment struct {
//	    store.BaseAction[AppState]
//	    Amount int
//	}
type BaseAction[S any] struct {
	mu         sync.Mutex
	status     ActionStatus
	store      *Store[S]
	completion *Promise[ActionStatus]
}

func (b *BaseAction[S]) base() *BaseAction[S] { return b }

// Status returns a snapshot of the action's lifecycle status.
func (b *BaseAction[S]) Status() ActionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Store returns the store this action was dispatched to, or nil before
// dispatch.
func (b *BaseAction[S]) Store() *Store[S] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store
}

// State is shorthand for Store().State(), for use inside lifecycle phases.
func (b *BaseAction[S]) State() S {
	st := b.Store()
	if st == nil {
		var zero S
		return zero
	}
	return st.State()
}

// Completion returns the promise settled when this action finishes its
// lifecycle. It is the same promise DispatchAndWait returns.
func (b *BaseAction[S]) Completion() *Promise[ActionStatus] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completionLocked()
}

func (b *BaseAction[S]) completionLocked() *Promise[ActionStatus] {
	if b.completion == nil {
		b.completion = NewPromise[ActionStatus]()
	}
	return b.completion
}

// markDispatched flips the status to dispatched and injects the store
// reference. Returns false if the action was already dispatched.
func (b *BaseAction[S]) markDispatched(st *Store[S]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.IsDispatched {
		return false
	}
	b.status.IsDispatched = true
	b.store = st
	b.completionLocked()
	return true
}

func (b *BaseAction[S]) markBeforeDone() {
	b.mu.Lock()
	b.status.HasFinishedBefore = true
	b.mu.Unlock()
}

func (b *BaseAction[S]) markReduceDone() {
	b.mu.Lock()
	b.status.HasFinishedReduce = true
	b.mu.Unlock()
}

func (b *BaseAction[S]) markAfterDone() {
	b.mu.Lock()
	b.status.HasFinishedAfter = true
	b.mu.Unlock()
}

func (b *BaseAction[S]) setOriginalError(err error) {
	b.mu.Lock()
	b.status.OriginalError = err
	b.mu.Unlock()
}

func (b *BaseAction[S]) setWrappedError(err error) {
	b.mu.Lock()
	b.status.WrappedError = err
	b.mu.Unlock()
}

// ActionType returns the stable type key for an action. Actions may declare
// it explicitly by implementing `Type() string`; otherwise the key is derived
// from the dynamic type as "pkg::snake_case_name".
func ActionType(a any) string {
	if a == nil {
		return "unknown_action"
	}

	v := reflect.ValueOf(a)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return "unknown_action"
	}

	if typer, ok := a.(interface{ Type() string }); ok {
		return typer.Type()
	}

	t := reflect.TypeOf(a)
	if t == nil {
		return "unknown_action"
	}

	typeName := t.String()
	if t.Kind() == reflect.Ptr {
		typeName = typeName[1:]
		t = t.Elem()
	}

	pkgPath := t.PkgPath()
	if pkgPath != "" {
		parts := strings.Split(pkgPath, "/")
		pkgPath = parts[len(parts)-1]
	}

	name := toSnakeCase(typeName)
	if pkgPath == "" {
		return name
	}
	return pkgPath + "::" + name
}

func toSnakeCase(s string) string {
	snake := snakeCaseRe.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(snake)
}

var snakeCaseRe = regexp.MustCompile("([a-z0-9])([A-Z])")
