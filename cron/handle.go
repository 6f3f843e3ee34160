package cron

import "sync"

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

func isTerminalStatus(s ScheduleStatus) bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	}
	return false
}

// Handle controls one schedule.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
}

type handle struct {
	remove  func(id int64)
	id      int64
	entryID int
	done    chan struct{}

	mu       sync.RWMutex
	status   ScheduleStatus
	err      error
	terminal bool
	once     sync.Once
}

func (h *handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.remove != nil {
			h.remove(h.id)
		}
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *handle) Status() ScheduleStatus {
	if h == nil {
		return ScheduleStatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *handle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *handle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *handle) setStatus(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return
	}
	h.status = status
	h.err = err
}

// setTerminal moves the handle to a terminal status and closes done. The
// first terminal transition wins; later callers, including a concurrent
// Stop racing a firing, are no-ops.
func (h *handle) setTerminal(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return
	}
	h.status = status
	h.err = err
	h.terminal = true
	close(h.done)
}
