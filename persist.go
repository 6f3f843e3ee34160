package store

import (
	"context"
	"sync"
	"time"
)

// Persistor is the persistence gateway. The engine calls Process after every
// successful state application, once the store state already is the new
// value; the gateway decides internally whether and when to actually write.
// Implementations live in the persist subpackage; any custom backend that
// satisfies this interface works the same way.
type Persistor[S any] interface {
	// ReadState loads the last persisted snapshot. The boolean is false when
	// no snapshot exists.
	ReadState(ctx context.Context) (S, bool, error)
	// SaveInitialState writes the first snapshot for a fresh store.
	SaveInitialState(ctx context.Context, state S) error
	// DeleteState removes the persisted snapshot.
	DeleteState(ctx context.Context) error
	// Process persists a state change caused by the given action.
	Process(ctx context.Context, action any, newState S) error
	// Throttle is the minimum interval between Process calls the gateway
	// wants; intermediate states are coalesced. Zero disables throttling.
	Throttle() time.Duration
}

// persistRunner forwards state changes to the gateway, honoring its
// throttle interval and the store's pause state. Writes happen off the
// dispatching goroutine; only the latest pending state survives coalescing.
type persistRunner[S any] struct {
	mu     sync.Mutex
	p      Persistor[S]
	logger Logger
	ctx    context.Context

	paused   bool
	inFlight bool
	timer    *time.Timer
	lastRun  time.Time

	hasPending    bool
	pendingAction any
	pendingState  S
}

func newPersistRunner[S any](p Persistor[S], logger Logger, ctx context.Context) *persistRunner[S] {
	return &persistRunner[S]{p: p, logger: logger, ctx: ctx}
}

func (r *persistRunner[S]) process(action any, newState S) {
	if r.p == nil {
		return
	}
	r.mu.Lock()
	if r.paused {
		r.mu.Unlock()
		return
	}
	r.pendingAction = action
	r.pendingState = newState
	r.hasPending = true
	r.scheduleLocked()
	r.mu.Unlock()
}

// scheduleLocked decides when the pending state gets written: immediately if
// unthrottled and idle, or on a timer aligned to the throttle interval.
func (r *persistRunner[S]) scheduleLocked() {
	if !r.hasPending || r.inFlight || r.timer != nil {
		return
	}
	throttle := r.p.Throttle()
	wait := time.Duration(0)
	if throttle > 0 {
		elapsed := time.Since(r.lastRun)
		if elapsed < throttle {
			wait = throttle - elapsed
		}
	}
	if wait <= 0 {
		r.inFlight = true
		action, state := r.pendingAction, r.pendingState
		r.hasPending = false
		go r.write(action, state)
		return
	}
	r.timer = time.AfterFunc(wait, func() {
		r.mu.Lock()
		r.timer = nil
		r.scheduleLocked()
		r.mu.Unlock()
	})
}

func (r *persistRunner[S]) write(action any, state S) {
	err := r.p.Process(r.ctx, action, state)
	if err != nil {
		r.logger.Error("persistor process failed", "error", err)
	}
	r.mu.Lock()
	r.inFlight = false
	r.lastRun = time.Now()
	if !r.paused {
		r.scheduleLocked()
	}
	r.mu.Unlock()
}

func (r *persistRunner[S]) pause() {
	r.mu.Lock()
	r.paused = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

func (r *persistRunner[S]) resume() {
	r.mu.Lock()
	r.paused = false
	r.scheduleLocked()
	r.mu.Unlock()
}

// flush synchronously writes the pending state, if any.
func (r *persistRunner[S]) flush(ctx context.Context) error {
	if r.p == nil {
		return nil
	}
	r.mu.Lock()
	if !r.hasPending {
		r.mu.Unlock()
		return nil
	}
	action, state := r.pendingAction, r.pendingState
	r.hasPending = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	return r.p.Process(ctx, action, state)
}

// PausePersistor stops forwarding state changes to the gateway. Changes made
// while paused are dropped, not queued.
func (s *Store[S]) PausePersistor() {
	s.persist.pause()
}

// ResumePersistor restarts forwarding state changes to the gateway.
func (s *Store[S]) ResumePersistor() {
	s.persist.resume()
}

// PersistAndPausePersistor writes any pending state synchronously, then
// pauses the persistor.
func (s *Store[S]) PersistAndPausePersistor(ctx context.Context) error {
	err := s.persist.flush(ctx)
	s.persist.pause()
	return err
}

// ReadStateFromPersistor loads the last persisted snapshot. The boolean is
// false when no snapshot exists or no persistor is configured.
func (s *Store[S]) ReadStateFromPersistor(ctx context.Context) (S, bool, error) {
	if s.persistor == nil {
		var zero S
		return zero, false, nil
	}
	return s.persistor.ReadState(ctx)
}

// DeletePersistedState removes the persisted snapshot.
func (s *Store[S]) DeletePersistedState(ctx context.Context) error {
	if s.persistor == nil {
		return nil
	}
	return s.persistor.DeleteState(ctx)
}

// SaveInitialStateInPersistor writes the first snapshot for a fresh store.
func (s *Store[S]) SaveInitialStateInPersistor(ctx context.Context, state S) error {
	if s.persistor == nil {
		return nil
	}
	return s.persistor.SaveInitialState(ctx, state)
}

// LogOut wipes the persisted snapshot and resets the store to initialState,
// restarting persistence from that state. In-flight actions are unaffected;
// their results apply on top of the reset state.
func (s *Store[S]) LogOut(ctx context.Context, initialState S) error {
	s.persist.pause()
	if s.persistor != nil {
		if err := s.persistor.DeleteState(ctx); err != nil {
			s.persist.resume()
			return err
		}
		if err := s.persistor.SaveInitialState(ctx, initialState); err != nil {
			s.persist.resume()
			return err
		}
	}

	s.mu.Lock()
	s.state = initialState
	waiters := s.matchStateWaitersLocked(initialState)
	s.mu.Unlock()

	settleStateWaiters[S](waiters, nil)
	s.notifyStateSubs(initialState)
	s.persist.resume()
	return nil
}
