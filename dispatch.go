package store

import (
	"context"
	"time"
)

// dispatchRun carries one dispatch through its phases. The async flag flips
// once the dispatch has left the caller's goroutine; from then on phase
// errors can only surface through the completion promise and the log.
type dispatchRun[S any] struct {
	a          Action[S]
	count      int64
	mustBeSync bool
	async      bool
}

// Dispatch submits an action, fire-and-forget. Errors that survive the
// error pipeline with a rethrow decision are logged, since there is no
// caller to raise them to. Dispatching a nil action is a no-op; dispatching
// the same action instance twice panics with a StoreException.
func (s *Store[S]) Dispatch(a Action[S]) {
	if _, err := s.dispatchOne(a, false); err != nil {
		s.logger.Error("dispatch: action failed", "action", ActionType(a), "error", err)
	}
}

// DispatchAndWait submits an action and returns the promise settled with its
// final status once the whole lifecycle, including the finalize phase, has
// run. If the error pipeline decides to rethrow, the promise is rejected
// with that error instead.
func (s *Store[S]) DispatchAndWait(a Action[S]) *Promise[ActionStatus] {
	p, _ := s.dispatchOne(a, false)
	return p
}

// DispatchAll submits every action, fire-and-forget. The actions run
// concurrently.
func (s *Store[S]) DispatchAll(actions ...Action[S]) {
	for _, a := range actions {
		s.Dispatch(a)
	}
}

// DispatchAndWaitAll submits every action and returns a promise that settles
// only once all of them have finished, in the order they were passed. If any
// action's pipeline rethrows, the promise is rejected with the first such
// error.
func (s *Store[S]) DispatchAndWaitAll(actions ...Action[S]) *Promise[[]ActionStatus] {
	promises := make([]*Promise[ActionStatus], len(actions))
	for i, a := range actions {
		promises[i] = s.DispatchAndWait(a)
	}

	out := NewPromise[[]ActionStatus]()
	go func() {
		statuses := make([]ActionStatus, len(promises))
		var firstErr error
		for i, p := range promises {
			st, err := p.Await(s.ctx)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			statuses[i] = st
		}
		if firstErr != nil {
			out.Reject(firstErr)
			return
		}
		out.Resolve(statuses)
	}()
	return out
}

// DispatchSync submits an action that must resolve without suspending. If
// either lifecycle phase turns out to need suspension, the dispatch fails
// with a StoreException; otherwise the returned error is whatever the error
// pipeline decided to rethrow, or nil.
func (s *Store[S]) DispatchSync(a Action[S]) error {
	_, err := s.dispatchOne(a, true)
	return err
}

// dispatchOne runs steps 1-5 of the dispatch algorithm synchronously, then
// hands off to the phase driver. The returned error is only ever non-nil on
// the synchronous path; once a phase suspends, failures land on the
// completion promise.
func (s *Store[S]) dispatchOne(a Action[S], mustBeSync bool) (*Promise[ActionStatus], error) {
	if a == nil {
		return Resolved(ActionStatus{}), nil
	}

	if s.IsShutDown() {
		s.logger.Info("dispatch ignored: store is shut down", "action", ActionType(a))
		return Resolved(ActionStatus{}), nil
	}

	a, ok := s.mocks.intercept(a)
	if !ok {
		return Resolved(ActionStatus{}), nil
	}

	if s.abortsDispatch(a) {
		return Resolved(a.base().Status()), nil
	}

	b := a.base()
	typ := ActionType(a)

	s.mu.Lock()
	if nr, isNR := any(a).(NonReentrant); isNR && nr.NonReentrant() {
		if s.inProgressLocked().ContainsType(typ) {
			s.mu.Unlock()
			return Resolved(b.Status()), nil
		}
	}
	if !b.markDispatched(s) {
		s.mu.Unlock()
		panic(errActionRedispatched(typ))
	}
	s.dispatchCount++
	count := s.dispatchCount
	delete(s.failedActions, typ)
	s.inProgress[a] = struct{}{}
	notify := s.interestedLocked(typ)
	waiters := s.matchActionWaitersLocked(a)
	s.mu.Unlock()

	settleActionWaiters(waiters, a)
	if notify {
		s.notifyStoreSubs()
	}
	if s.actionObserver != nil {
		s.actionObserver(a, count, true)
	}

	run := &dispatchRun[S]{a: a, count: count, mustBeSync: mustBeSync}
	err := s.runBefore(s.ctx, run)
	return b.Completion(), err
}

func (s *Store[S]) abortsDispatch(a Action[S]) (abort bool) {
	ap, ok := any(a).(AbortDispatcher)
	if !ok {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("abort predicate panicked, action not dispatched",
				"action", ActionType(a), "error", r)
			abort = true
		}
	}()
	return ap.AbortDispatch()
}

// runBefore executes the pre-check phase, suspending the dispatch if the
// phase asks for it.
func (s *Store[S]) runBefore(ctx context.Context, run *dispatchRun[S]) error {
	br := s.safeBefore(ctx, run.a)
	switch br.kind {
	case beforePending:
		if run.mustBeSync {
			return s.finishNotSync(run, "before")
		}
		run.async = true
		go func() {
			err := s.safeBeforeFn(ctx, run.a, br)
			_ = s.afterBefore(ctx, run, err)
		}()
		return nil
	case beforeFailed:
		return s.failAndFinish(run, br.err)
	}
	return s.afterBefore(ctx, run, nil)
}

func (s *Store[S]) safeBefore(ctx context.Context, a Action[S]) (br BeforeResult) {
	hook, ok := any(a).(BeforeHook[S])
	if !ok {
		return BeforeDone()
	}
	defer func() {
		if r := recover(); r != nil {
			br = BeforeError(panicToError("before", ActionType(a), r))
		}
	}()
	return hook.Before(ctx, s)
}

func (s *Store[S]) safeBeforeFn(ctx context.Context, a Action[S], br BeforeResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError("before", ActionType(a), r)
		}
	}()
	return br.fn(ctx)
}

func (s *Store[S]) afterBefore(ctx context.Context, run *dispatchRun[S], err error) error {
	if err != nil {
		return s.failAndFinish(run, err)
	}
	run.a.base().markBeforeDone()
	return s.runReduce(ctx, run)
}

// runReduce executes the compute phase, wrapping it with the retry policy
// when the action declares one.
func (s *Store[S]) runReduce(ctx context.Context, run *dispatchRun[S]) error {
	if policy := retryPolicyOf(run.a); policy != nil {
		if run.mustBeSync {
			return s.finishNotSync(run, "reduce")
		}
		if !run.async {
			run.async = true
			go func() { _ = s.reduceWithRetry(ctx, run, policy) }()
			return nil
		}
		return s.reduceWithRetry(ctx, run, policy)
	}

	res := s.safeReduce(ctx, run.a)
	if res.kind != reducePending {
		return s.applyReduce(run, res)
	}

	if run.mustBeSync {
		return s.finishNotSync(run, "reduce")
	}
	if !run.async {
		run.async = true
		go func() { _ = s.resolvePending(ctx, run, res) }()
		return nil
	}
	return s.resolvePending(ctx, run, res)
}

// resolvePending drives a suspended compute result to a settled one. It only
// ever runs on the dispatch's private goroutine, so blocking here is safe.
func (s *Store[S]) resolvePending(ctx context.Context, run *dispatchRun[S], res ReduceResult[S]) error {
	for res.kind == reducePending {
		res = s.safeReduceFn(ctx, run.a, res)
	}
	return s.applyReduce(run, res)
}

// reduceWithRetry re-invokes the compute phase with exponential backoff
// until it succeeds or the policy is exhausted.
func (s *Store[S]) reduceWithRetry(ctx context.Context, run *dispatchRun[S], policy *RetryPolicy) error {
	var delay time.Duration
	for {
		res := s.safeReduce(ctx, run.a)
		if res.kind != reducePending && res.kind != reduceFailed {
			// a retried compute phase must suspend; anything else is a
			// caller contract violation
			return s.failAndFinish(run, errRetryNotAsync(ActionType(run.a)))
		}
		for res.kind == reducePending {
			res = s.safeReduceFn(ctx, run.a, res)
		}
		if res.kind != reduceFailed {
			return s.applyReduce(run, res)
		}

		attempts := policy.recordAttempt()
		if policy.exhausted(attempts) {
			return s.failAndFinish(run, res.err)
		}
		delay = policy.nextDelay(delay)
		s.logger.Debug("retrying compute phase",
			"action", ActionType(run.a), "attempt", attempts, "delay", delay)
		if !sleepCtx(ctx, delay) {
			return s.failAndFinish(run, ctx.Err())
		}
	}
}

func (s *Store[S]) safeReduce(ctx context.Context, a Action[S]) (res ReduceResult[S]) {
	defer func() {
		if r := recover(); r != nil {
			res = ReduceError[S](panicToError("reduce", ActionType(a), r))
		}
	}()
	return a.Reduce(ctx, s.State())
}

func (s *Store[S]) safeReduceFn(ctx context.Context, a Action[S], res ReduceResult[S]) (out ReduceResult[S]) {
	defer func() {
		if r := recover(); r != nil {
			out = ReduceError[S](panicToError("reduce", ActionType(a), r))
		}
	}()
	return res.fn(ctx)
}

// applyReduce lands a settled compute result: no-op, failure, or a state
// application guarded by the abort-before-apply predicate.
func (s *Store[S]) applyReduce(run *dispatchRun[S], res ReduceResult[S]) error {
	if res.kind == reduceFailed {
		return s.failAndFinish(run, res.err)
	}

	if res.kind == reduceState || res.kind == reduceTransform {
		if err := s.applyState(run.a, res, run.count); err != nil {
			return s.failAndFinish(run, err)
		}
	}

	run.a.base().markReduceDone()
	return s.finish(run, nil)
}

// applyState is the single mutation point. The next state is computed
// exactly once, the abort-before-apply predicate is consulted on that exact
// value, and the same value is what gets applied; no other dispatch can
// land in between. Identity-equal results are treated as a no-op: no
// observer, waiter, subscriber or persistence call fires for them.
func (s *Store[S]) applyState(a Action[S], res ReduceResult[S], count int64) (err error) {
	ap, hasAbort := any(a).(AbortApplier[S])

	s.mu.Lock()
	prev := s.state
	next := res.state
	if res.kind == reduceTransform {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = panicToError("reduce", ActionType(a), r)
				}
			}()
			next = res.transform(prev)
		}()
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if hasAbort {
		abort := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = panicToError("abort-reduce", ActionType(a), r)
				}
			}()
			abort = ap.AbortReduce(next)
		}()
		if err != nil || abort {
			s.mu.Unlock()
			return err
		}
	}
	if s.identical(prev, next) {
		s.mu.Unlock()
		return nil
	}
	s.state = next
	waiters := s.matchStateWaitersLocked(next)
	s.mu.Unlock()

	if s.stateObserver != nil {
		s.stateObserver(a, prev, next, nil, count)
	}
	if s.logStateChanges {
		s.logStateChange(a, prev, next)
	}
	settleStateWaiters(waiters, a)
	s.notifyStateSubs(next)
	s.persist.process(a, next)
	return nil
}

// failAndFinish implements the failure path: capture the raw error, notify
// the state observer with the unchanged state, run the error pipeline, then
// fall through to the unconditional finalize.
func (s *Store[S]) failAndFinish(run *dispatchRun[S], orig error) error {
	a := run.a
	b := a.base()
	b.setOriginalError(orig)

	cur := s.State()
	if s.stateObserver != nil {
		s.stateObserver(a, cur, cur, orig, run.count)
	}

	wrapped, rethrow := s.processError(orig, a, cur)
	if wrapped != nil {
		b.setWrappedError(wrapped)
	}

	if _, ok := AsUserException(wrapped); ok {
		typ := ActionType(a)
		s.mu.Lock()
		s.failedActions[typ] = a
		notify := s.interestedLocked(typ)
		s.mu.Unlock()
		if notify {
			s.notifyStoreSubs()
		}
	}

	if !rethrow {
		wrapped = nil
	}
	return s.finish(run, wrapped)
}

// finishNotSync aborts a DispatchSync whose action turned out to suspend.
// The StoreException bypasses the error pipeline: it is raised at the call
// site, not processed as an action failure. Bookkeeping is still unwound.
func (s *Store[S]) finishNotSync(run *dispatchRun[S], phase string) error {
	err := errDispatchNotSync(ActionType(run.a), phase)
	return s.finish(run, err)
}

// finish runs the unconditional finalize phase, removes the action from the
// in-progress set, notifies waiters and observers, and settles the
// completion promise exactly once.
func (s *Store[S]) finish(run *dispatchRun[S], rethrow error) error {
	a := run.a
	b := a.base()

	s.runAfter(a)
	b.markAfterDone()

	typ := ActionType(a)
	s.mu.Lock()
	_, present := s.inProgress[a]
	delete(s.inProgress, a)
	var waiters []*actionWaiter[S]
	notify := false
	if present {
		waiters = s.matchActionWaitersLocked(a)
		notify = s.interestedLocked(typ)
	}
	s.mu.Unlock()

	settleActionWaiters(waiters, a)
	if notify {
		s.notifyStoreSubs()
	}
	if s.actionObserver != nil {
		s.actionObserver(a, run.count, false)
	}

	if rethrow != nil {
		if run.async {
			s.logger.Error("dispatch: action failed", "action", typ, "error", rethrow)
		}
		b.Completion().Reject(rethrow)
	} else {
		b.Completion().Resolve(b.Status())
	}

	if run.async {
		return nil
	}
	return rethrow
}

// runAfter executes the finalize phase. Its failures are logged, never
// propagated, and never block the dispatch from completing.
func (s *Store[S]) runAfter(a Action[S]) {
	hook, ok := any(a).(AfterHook[S])
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("after phase panicked",
				"action", ActionType(a), "error", r, "stack", captureStack())
		}
	}()
	if err := hook.After(s.ctx, s); err != nil {
		s.logger.Error("after phase failed", "action", ActionType(a), "error", err)
	}
}

// processError runs the four-stage error pipeline: action wrap hook, global
// wrap hook, user-exception queueing, propagation decision. A panic in
// either wrap hook substitutes the recovered value for the error, exactly
// like a returned replacement would.
func (s *Store[S]) processError(err error, a Action[S], state S) (wrapped error, rethrow bool) {
	if hook, ok := any(a).(ErrorWrapper[S]); ok {
		err = s.safeWrap(func() error { return hook.WrapError(err, state) }, a)
		if err == nil {
			return nil, false
		}
	}

	if s.globalWrapError != nil {
		err = s.safeWrap(func() error { return s.globalWrapError(err, a) }, a)
		if err == nil {
			return nil, false
		}
	}

	if ue, ok := AsUserException(err); ok && ue.ShouldShowDialog() {
		s.queue.push(ue)
	}

	if s.errorObserver == nil {
		_, isUser := AsUserException(err)
		return err, !isUser
	}
	return err, s.errorObserver(err, a, s)
}

func (s *Store[S]) safeWrap(fn func() error, a Action[S]) (out error) {
	defer func() {
		if r := recover(); r != nil {
			out = panicToError("wrap-error", ActionType(a), r)
		}
	}()
	return fn()
}
