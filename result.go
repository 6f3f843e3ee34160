package store

import (
	"context"
	"sync"
)

// Promise is a settle-once container for a value or an error. It is the
// deferred-value primitive used by DispatchAndWait, the wait helpers, and
// suspended lifecycle phases. Settling is idempotent: only the first
// Resolve or Reject wins.
type Promise[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	value   T
	err     error
	settled bool
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolved returns a promise already settled with v.
func Resolved[T any](v T) *Promise[T] {
	p := NewPromise[T]()
	p.Resolve(v)
	return p
}

// Resolve settles the promise with a value. Returns false if it was
// already settled.
func (p *Promise[T]) Resolve(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.value = v
	p.settled = true
	close(p.done)
	return true
}

// Reject settles the promise with an error. Returns false if it was
// already settled.
func (p *Promise[T]) Reject(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.err = err
	p.settled = true
	close(p.done)
	return true
}

// Done is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the promise settles or ctx is canceled.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the settled value without blocking. The third return is
// false while the promise is still pending.
func (p *Promise[T]) TryGet() (T, error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err, p.settled
}

// IsSettled reports whether the promise has been resolved or rejected.
func (p *Promise[T]) IsSettled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

type beforeKind int

const (
	beforeDone beforeKind = iota
	beforeFailed
	beforePending
)

// BeforeResult is the outcome of an action's pre-check phase: done, failed,
// or suspended. Construct it with BeforeDone, BeforeError or BeforeAsync.
type BeforeResult struct {
	kind beforeKind
	err  error
	fn   func(context.Context) error
}

// BeforeDone reports a pre-check phase that passed synchronously.
func BeforeDone() BeforeResult {
	return BeforeResult{kind: beforeDone}
}

// BeforeError reports a pre-check phase that failed synchronously. The
// dispatch skips the compute phase and goes straight to the error pipeline.
func BeforeError(err error) BeforeResult {
	if err == nil {
		return BeforeResult{kind: beforeDone}
	}
	return BeforeResult{kind: beforeFailed, err: err}
}

// BeforeAsync suspends the pre-check phase. The engine runs fn on its own
// goroutine and resumes the dispatch when it returns. DispatchSync rejects
// actions whose pre-check takes this branch.
func BeforeAsync(fn func(ctx context.Context) error) BeforeResult {
	return BeforeResult{kind: beforePending, fn: fn}
}

type reduceKind int

const (
	reduceNone reduceKind = iota
	reduceState
	reduceTransform
	reduceFailed
	reducePending
)

// ReduceResult is the outcome of an action's compute phase. It is a tagged
// union: no change, an immediate next state, a transform applied against
// whatever state is current at application time, a failure, or a suspension.
// The zero value means "no change".
type ReduceResult[S any] struct {
	kind      reduceKind
	state     S
	transform func(S) S
	err       error
	fn        func(context.Context) ReduceResult[S]
}

// NoChange leaves the store state untouched. No observer or persistence
// call fires for it.
func NoChange[S any]() ReduceResult[S] {
	return ReduceResult[S]{}
}

// NewState replaces the store state with s, unless s is identical to the
// current state, in which case the compute phase counts as a no-op.
func NewState[S any](s S) ReduceResult[S] {
	return ReduceResult[S]{kind: reduceState, state: s}
}

// Transform produces the next state from the state that is current when the
// result is applied, not the state observed at dispatch time. Long-suspended
// compute phases use this to land their result on fresh state.
func Transform[S any](fn func(S) S) ReduceResult[S] {
	if fn == nil {
		return ReduceResult[S]{}
	}
	return ReduceResult[S]{kind: reduceTransform, transform: fn}
}

// ReduceError fails the compute phase. The error goes through the error
// pipeline before any rethrow decision.
func ReduceError[S any](err error) ReduceResult[S] {
	if err == nil {
		return ReduceResult[S]{}
	}
	return ReduceResult[S]{kind: reduceFailed, err: err}
}

// ReduceAsync suspends the compute phase. The engine runs fn on its own
// goroutine and applies whatever result it returns, which may itself be a
// Transform. DispatchSync rejects actions whose compute phase takes this
// branch.
func ReduceAsync[S any](fn func(ctx context.Context) ReduceResult[S]) ReduceResult[S] {
	if fn == nil {
		return ReduceResult[S]{}
	}
	return ReduceResult[S]{kind: reducePending, fn: fn}
}
