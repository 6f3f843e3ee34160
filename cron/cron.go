// Package cron dispatches store actions on a schedule: recurring cron
// expressions, one-shot delays, or absolute times. Actions are single-use,
// so schedules take a factory producing a fresh action per firing.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	store "github.com/goliatone/go-store"
)

// ActionFactory produces a fresh action for each scheduled firing.
type ActionFactory[S any] func() store.Action[S]

// Scheduler runs scheduled dispatches against one store.
type Scheduler[S any] struct {
	mu       sync.Mutex
	cron     *rcron.Cron
	store    *store.Store[S]
	location *time.Location
	logger   store.Logger
	seconds  bool

	nextHandleID int64
	handles      map[int64]*handle
}

// Option configures a Scheduler.
type Option[S any] func(*Scheduler[S])

// WithLocation sets the timezone the cron expressions are evaluated in.
func WithLocation[S any](loc *time.Location) Option[S] {
	return func(s *Scheduler[S]) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets the scheduler logger. Defaults to the store's logger.
func WithLogger[S any](l store.Logger) Option[S] {
	return func(s *Scheduler[S]) {
		s.logger = l
	}
}

// WithSeconds enables the six-field cron format with a seconds column.
func WithSeconds[S any]() Option[S] {
	return func(s *Scheduler[S]) {
		s.seconds = true
	}
}

// NewScheduler builds a scheduler dispatching into st.
func NewScheduler[S any](st *store.Store[S], opts ...Option[S]) *Scheduler[S] {
	s := &Scheduler[S]{
		store:    st,
		location: time.Local,
		handles:  make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = st.Logger()
	}

	cronOpts := []rcron.Option{rcron.WithLocation(s.location)}
	if s.seconds {
		cronOpts = append(cronOpts, rcron.WithSeconds())
	}
	s.cron = rcron.New(cronOpts...)
	return s
}

// ScheduleCron dispatches a fresh action from factory on every firing of the
// cron expression.
func (s *Scheduler[S]) ScheduleCron(expression string, factory ActionFactory[S]) (Handle, error) {
	if expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if factory == nil {
		return nil, fmt.Errorf("action factory cannot be nil")
	}

	sub := s.newHandle()
	job := rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := s.dispatchOnce(factory); err != nil {
			sub.setStatus(ScheduleStatusFailed, err)
			s.logger.Error("scheduled dispatch failed", "error", err)
			return
		}
		if !isTerminalStatus(sub.Status()) {
			sub.setStatus(ScheduleStatusIdle, nil)
		}
	})

	entryID, err := s.cron.AddJob(expression, job)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter dispatches one action after delay.
func (s *Scheduler[S]) ScheduleAfter(delay time.Duration, factory ActionFactory[S]) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), factory)
}

// ScheduleAt dispatches one action at a specific time.
func (s *Scheduler[S]) ScheduleAt(at time.Time, factory ActionFactory[S]) (Handle, error) {
	if factory == nil {
		return nil, fmt.Errorf("action factory cannot be nil")
	}

	sub := s.newHandle()
	s.storeHandle(sub)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := s.dispatchOnce(factory); err != nil {
			sub.setTerminal(ScheduleStatusFailed, err)
			s.logger.Error("scheduled dispatch failed", "error", err)
			s.removeStoredHandle(sub.id)
			return
		}
		sub.setTerminal(ScheduleStatusCompleted, nil)
		s.removeStoredHandle(sub.id)
	}()

	return sub, nil
}

// dispatchOnce builds the action and waits for its full lifecycle, so a
// recurring schedule never overlaps itself.
func (s *Scheduler[S]) dispatchOnce(factory ActionFactory[S]) error {
	a := factory()
	if a == nil {
		return nil
	}
	st, err := s.store.DispatchAndWait(a).Await(context.Background())
	if err != nil {
		return err
	}
	if st.IsCompletedFailed() {
		return st.WrappedError
	}
	return nil
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler[S]) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops executing scheduled jobs and marks active handles as stopped.
func (s *Scheduler[S]) Stop(_ context.Context) error {
	s.cron.Stop()

	var handles []*handle
	s.mu.Lock()
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		if h == nil {
			continue
		}
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.setTerminal(ScheduleStatusStopped, nil)
	}
	return nil
}

func (s *Scheduler[S]) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h == nil {
		return
	}
	if h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler[S]) removeStoredHandle(id int64) *handle {
	if id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler[S]) storeHandle(h *handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler[S]) newHandle() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &handle{
		remove: s.removeHandle,
		id:     s.nextHandleID,
		done:   make(chan struct{}),
		status: ScheduleStatusScheduled,
	}
}
