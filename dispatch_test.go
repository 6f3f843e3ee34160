package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Count int
	Flag  bool
}

type addAction struct {
	BaseAction[testState]
	n int
}

func (a *addAction) Reduce(_ context.Context, s testState) ReduceResult[testState] {
	return NewState(testState{Count: s.Count + a.n, Flag: s.Flag})
}

type setFlagAction struct {
	BaseAction[testState]
}

func (a *setFlagAction) Reduce(_ context.Context, s testState) ReduceResult[testState] {
	return NewState(testState{Count: s.Count, Flag: true})
}

type noopAction struct {
	BaseAction[testState]
}

func (a *noopAction) Reduce(_ context.Context, _ testState) ReduceResult[testState] {
	return NoChange[testState]()
}

type sameStateAction struct {
	BaseAction[testState]
}

func (a *sameStateAction) Reduce(_ context.Context, s testState) ReduceResult[testState] {
	return NewState(s)
}

// slowAddAction suspends its compute phase until release is closed, then
// lands its delta on the then-current state.
type slowAddAction struct {
	BaseAction[testState]
	n       int
	release chan struct{}
}

func (a *slowAddAction) Reduce(_ context.Context, _ testState) ReduceResult[testState] {
	return ReduceAsync(func(ctx context.Context) ReduceResult[testState] {
		select {
		case <-a.release:
		case <-ctx.Done():
			return ReduceError[testState](ctx.Err())
		}
		return Transform(func(s testState) testState {
			return testState{Count: s.Count + a.n, Flag: s.Flag}
		})
	})
}

type nonReentrantAction struct {
	slowAddAction
}

func (a *nonReentrantAction) NonReentrant() bool { return true }

type failBeforeAction struct {
	BaseAction[testState]
	err error
}

func (a *failBeforeAction) Before(_ context.Context, _ *Store[testState]) BeforeResult {
	return BeforeError(a.err)
}

func (a *failBeforeAction) Reduce(_ context.Context, s testState) ReduceResult[testState] {
	return NewState(testState{Count: s.Count + 100})
}

type failReduceAction struct {
	BaseAction[testState]
	err error
}

func (a *failReduceAction) Reduce(_ context.Context, _ testState) ReduceResult[testState] {
	return ReduceError[testState](a.err)
}

type abortDispatchAction struct {
	addAction
	abort bool
	boom  bool
}

func (a *abortDispatchAction) AbortDispatch() bool {
	if a.boom {
		panic("abort predicate exploded")
	}
	return a.abort
}

type abortReduceAction struct {
	addAction
	threshold int
}

func (a *abortReduceAction) AbortReduce(next testState) bool {
	return next.Count > a.threshold
}

// abortTransformAction counts transform invocations so tests can assert the
// computed state is built once and shared between the abort check and the
// application.
type abortTransformAction struct {
	BaseAction[testState]
	n         int
	threshold int
	calls     int32
}

func (a *abortTransformAction) Reduce(_ context.Context, _ testState) ReduceResult[testState] {
	return Transform(func(s testState) testState {
		atomic.AddInt32(&a.calls, 1)
		return testState{Count: s.Count + a.n, Flag: s.Flag}
	})
}

func (a *abortTransformAction) AbortReduce(next testState) bool {
	return next.Count > a.threshold
}

// asyncBeforeAction suspends its pre-check phase until release is closed.
type asyncBeforeAction struct {
	BaseAction[testState]
	beforeErr error
	release   chan struct{}
}

func (a *asyncBeforeAction) Before(_ context.Context, _ *Store[testState]) BeforeResult {
	return BeforeAsync(func(ctx context.Context) error {
		if a.release != nil {
			select {
			case <-a.release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return a.beforeErr
	})
}

func (a *asyncBeforeAction) Reduce(_ context.Context, s testState) ReduceResult[testState] {
	return NewState(testState{Count: s.Count + 1, Flag: s.Flag})
}

type afterAction struct {
	BaseAction[testState]
	afterRan bool
	afterErr error
}

func (a *afterAction) Reduce(_ context.Context, _ testState) ReduceResult[testState] {
	return ReduceError[testState](NewUserException("nope"))
}

func (a *afterAction) After(_ context.Context, _ *Store[testState]) error {
	a.afterRan = true
	return a.afterErr
}

type observerLog struct {
	mu     sync.Mutex
	states []string
	events []string
}

func (o *observerLog) addState(s string) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *observerLog) addEvent(s string) {
	o.mu.Lock()
	o.events = append(o.events, s)
	o.mu.Unlock()
}

func newTestStore(opts ...Option[testState]) *Store[testState] {
	base := []Option[testState]{
		WithLogger[testState](NewFmtLogger(nopWriter{})),
	}
	return New(testState{Count: 1}, append(base, opts...)...)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func awaitStatus(t *testing.T, p *Promise[ActionStatus]) ActionStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := p.Await(ctx)
	require.NoError(t, err)
	return st
}

func TestDispatchSynchronousAction(t *testing.T) {
	s := newTestStore()

	st := awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))

	assert.Equal(t, 2, s.State().Count)
	assert.True(t, st.IsCompletedOK())
	assert.True(t, st.IsDispatched)
	assert.True(t, st.HasFinishedBefore)
	assert.True(t, st.HasFinishedReduce)
	assert.True(t, st.HasFinishedAfter)
}

func TestDispatchCountIncrementsAtCallTime(t *testing.T) {
	s := newTestStore()

	slow := &slowAddAction{n: 10, release: make(chan struct{})}
	p1 := s.DispatchAndWait(slow)
	s.Dispatch(&addAction{n: 1})

	// the slow action was dispatched first and gets the lower count even
	// though it finishes last
	assert.Equal(t, int64(2), s.DispatchCount())

	close(slow.release)
	awaitStatus(t, p1)
	assert.Equal(t, int64(2), s.DispatchCount())
	assert.Equal(t, 12, s.State().Count)
}

func TestNoChangeReduceFiresNothing(t *testing.T) {
	obs := &observerLog{}
	s := newTestStore(
		WithStateObserver[testState](func(_ Action[testState], _, _ testState, _ error, _ int64) {
			obs.addState("state")
		}),
	)
	s.OnStateChange(nil, func(any) { obs.addEvent("sub") })

	awaitStatus(t, s.DispatchAndWait(&noopAction{}))
	awaitStatus(t, s.DispatchAndWait(&sameStateAction{}))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Empty(t, obs.states)
	assert.Empty(t, obs.events)
	assert.Equal(t, 1, s.State().Count)
}

func TestAsyncTransformSeesFreshState(t *testing.T) {
	s := newTestStore()

	slow := &slowAddAction{n: 10, release: make(chan struct{})}
	p := s.DispatchAndWait(slow)

	awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))
	require.Equal(t, 2, s.State().Count)

	close(slow.release)
	awaitStatus(t, p)
	assert.Equal(t, 12, s.State().Count)
}

func TestNonReentrantDroppedSilently(t *testing.T) {
	s := newTestStore()

	first := &nonReentrantAction{slowAddAction{n: 1, release: make(chan struct{})}}
	second := &nonReentrantAction{slowAddAction{n: 1, release: make(chan struct{})}}

	p := s.DispatchAndWait(first)
	s.Dispatch(second)

	// the duplicate never reached Dispatched and consumed no dispatch count
	assert.False(t, second.Status().IsDispatched)
	assert.Equal(t, int64(1), s.DispatchCount())

	close(first.release)
	awaitStatus(t, p)
	assert.Equal(t, 2, s.State().Count)
}

func TestRedispatchPanics(t *testing.T) {
	s := newTestStore()
	a := &addAction{n: 1}
	awaitStatus(t, s.DispatchAndWait(a))

	require.Panics(t, func() { s.Dispatch(a) })
}

func TestDispatchSyncRejectsSuspendingAction(t *testing.T) {
	t.Run("async reduce", func(t *testing.T) {
		s := newTestStore()
		release := make(chan struct{})
		close(release)
		err := s.DispatchSync(&slowAddAction{n: 1, release: release})
		require.Error(t, err)
		assert.True(t, IsStoreException(err))
		assert.Equal(t, ErrCodeDispatchNotSync, errorCode(err))
		assert.Equal(t, 1, s.State().Count)
	})

	t.Run("async before", func(t *testing.T) {
		s := newTestStore()
		release := make(chan struct{})
		close(release)
		err := s.DispatchSync(&asyncBeforeAction{release: release})
		require.Error(t, err)
		assert.True(t, IsStoreException(err))
		assert.Equal(t, ErrCodeDispatchNotSync, errorCode(err))
		assert.Equal(t, 1, s.State().Count)
	})

	t.Run("sync action passes", func(t *testing.T) {
		s := newTestStore()
		require.NoError(t, s.DispatchSync(&addAction{n: 1}))
		assert.Equal(t, 2, s.State().Count)
	})
}

func TestShutdownBlocksNewDispatches(t *testing.T) {
	s := newTestStore()
	s.SetShutDown(true)

	st := awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))

	assert.Equal(t, ActionStatus{}, st)
	assert.Equal(t, 1, s.State().Count)
	assert.Equal(t, int64(0), s.DispatchCount())

	s.SetShutDown(false)
	awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))
	assert.Equal(t, 2, s.State().Count)
}

func TestAbortDispatch(t *testing.T) {
	t.Run("predicate true drops dispatch", func(t *testing.T) {
		s := newTestStore()
		a := &abortDispatchAction{addAction: addAction{n: 1}, abort: true}
		s.Dispatch(a)
		assert.False(t, a.Status().IsDispatched)
		assert.Equal(t, 1, s.State().Count)
	})

	t.Run("panicking predicate counts as abort", func(t *testing.T) {
		s := newTestStore()
		a := &abortDispatchAction{addAction: addAction{n: 1}, boom: true}
		s.Dispatch(a)
		assert.False(t, a.Status().IsDispatched)
		assert.Equal(t, 1, s.State().Count)
	})

	t.Run("predicate false dispatches", func(t *testing.T) {
		s := newTestStore()
		a := &abortDispatchAction{addAction: addAction{n: 1}}
		awaitStatus(t, s.DispatchAndWait(a))
		assert.Equal(t, 2, s.State().Count)
	})
}

func TestAbortReduceDiscardsNewState(t *testing.T) {
	s := newTestStore()

	st := awaitStatus(t, s.DispatchAndWait(&abortReduceAction{
		addAction: addAction{n: 100},
		threshold: 50,
	}))

	assert.True(t, st.IsCompletedOK())
	assert.Equal(t, 1, s.State().Count)
}

func TestAbortReduceTransformComputedOnce(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		s := newTestStore()
		a := &abortTransformAction{n: 1, threshold: 50}

		st := awaitStatus(t, s.DispatchAndWait(a))

		assert.True(t, st.IsCompletedOK())
		assert.Equal(t, 2, s.State().Count)
		assert.Equal(t, int32(1), atomic.LoadInt32(&a.calls))
	})

	t.Run("aborted", func(t *testing.T) {
		s := newTestStore()
		a := &abortTransformAction{n: 100, threshold: 50}

		st := awaitStatus(t, s.DispatchAndWait(a))

		assert.True(t, st.IsCompletedOK())
		assert.Equal(t, 1, s.State().Count)
		assert.Equal(t, int32(1), atomic.LoadInt32(&a.calls))
	})
}

func TestBeforeAsync(t *testing.T) {
	t.Run("suspends and completes", func(t *testing.T) {
		s := newTestStore()
		a := &asyncBeforeAction{release: make(chan struct{})}
		p := s.DispatchAndWait(a)

		require.False(t, p.IsSettled())
		assert.Equal(t, 1, s.State().Count)

		close(a.release)
		st := awaitStatus(t, p)

		assert.True(t, st.IsCompletedOK())
		assert.True(t, st.HasFinishedBefore)
		assert.Equal(t, 2, s.State().Count)
	})

	t.Run("failure skips reduce", func(t *testing.T) {
		s := newTestStore()
		a := &asyncBeforeAction{beforeErr: NewUserException("not allowed")}

		st := awaitStatus(t, s.DispatchAndWait(a))

		assert.True(t, st.IsCompletedFailed())
		assert.False(t, st.HasFinishedBefore)
		assert.False(t, st.HasFinishedReduce)
		assert.True(t, st.HasFinishedAfter)
		assert.Equal(t, 1, s.State().Count)
	})
}

func TestDispatchAndWaitAll(t *testing.T) {
	s := newTestStore()

	a := &slowAddAction{n: 1, release: make(chan struct{})}
	b := &slowAddAction{n: 2, release: make(chan struct{})}

	p := s.DispatchAndWaitAll(a, b)

	// resolve out of dispatch order
	close(b.release)
	close(a.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statuses, err := p.Await(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].IsCompletedOK())
	assert.True(t, statuses[1].IsCompletedOK())
	assert.Equal(t, 4, s.State().Count)
}

func TestAfterRunsUnconditionally(t *testing.T) {
	t.Run("after failed reduce", func(t *testing.T) {
		s := newTestStore()
		a := &afterAction{}
		st := awaitStatus(t, s.DispatchAndWait(a))

		assert.True(t, a.afterRan)
		assert.True(t, st.IsCompletedFailed())
		assert.Error(t, st.OriginalError)
		assert.Error(t, st.WrappedError)
	})

	t.Run("after errors are swallowed", func(t *testing.T) {
		s := newTestStore()
		a := &afterAction{afterErr: errors.New("after broke")}
		st := awaitStatus(t, s.DispatchAndWait(a))

		assert.True(t, a.afterRan)
		assert.True(t, st.HasFinishedAfter)
	})
}

func TestActionObserverSeesBothEnds(t *testing.T) {
	obs := &observerLog{}
	s := newTestStore(
		WithActionObserver[testState](func(a Action[testState], _ int64, ini bool) {
			if ini {
				obs.addEvent("ini")
			} else {
				obs.addEvent("end")
			}
		}),
	)

	awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"ini", "end"}, obs.events)
}

func TestStateObserverOnFailureSeesUnchangedState(t *testing.T) {
	boom := errors.New("boom")
	var prev, next testState
	var seen error
	s := newTestStore(
		WithStateObserver[testState](func(_ Action[testState], p, n testState, err error, _ int64) {
			prev, next, seen = p, n, err
		}),
		WithErrorObserver[testState](func(error, Action[testState], *Store[testState]) bool {
			return false
		}),
	)

	awaitStatus(t, s.DispatchAndWait(&failReduceAction{err: boom}))

	assert.Equal(t, testState{Count: 1}, prev)
	assert.Equal(t, prev, next)
	assert.ErrorIs(t, seen, boom)
}

func TestOnStateChangeSelector(t *testing.T) {
	s := newTestStore()

	var got []any
	var mu sync.Mutex
	sub := s.OnStateChange(
		func(st testState) any { return st.Count },
		func(v any) {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		},
	)

	awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))
	sub.Unsubscribe()
	awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{2}, got)
}

func TestIsWaitingTracksInProgressTypes(t *testing.T) {
	s := newTestStore()
	slowType := ActionType(&slowAddAction{})

	assert.False(t, s.IsWaiting(slowType))

	var events int
	var mu sync.Mutex
	s.OnStoreEvent(func() {
		mu.Lock()
		events++
		mu.Unlock()
	})

	slow := &slowAddAction{n: 1, release: make(chan struct{})}
	p := s.DispatchAndWait(slow)
	assert.True(t, s.IsWaiting(slowType))

	close(slow.release)
	awaitStatus(t, p)
	assert.False(t, s.IsWaiting(slowType))

	mu.Lock()
	defer mu.Unlock()
	// one event for entering the set, one for leaving
	assert.GreaterOrEqual(t, events, 2)
}

func TestActionTypeDerivation(t *testing.T) {
	assert.Equal(t, "go-store::store.add_action", ActionType(&addAction{}))
	assert.Equal(t, ActionType(&addAction{n: 1}), ActionType(&addAction{n: 2}))
	assert.NotEqual(t, ActionType(&addAction{}), ActionType(&noopAction{}))
	assert.Equal(t, "unknown_action", ActionType(nil))
}
