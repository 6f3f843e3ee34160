package store

import "sync"

// exceptionQueue holds UserExceptions awaiting display. Exceptions are
// shown strictly first-in-first-out, one at a time: the dialog callback
// must invoke its continuation to advance the queue, and a continuation
// that is never called stalls the queue indefinitely, by contract.
type exceptionQueue struct {
	mu      sync.Mutex
	pending []*UserException
	showing bool

	dialog UserExceptionDialog
	logger Logger
}

func newExceptionQueue(dialog UserExceptionDialog, logger Logger) *exceptionQueue {
	q := &exceptionQueue{dialog: dialog, logger: logger}
	if q.dialog == nil {
		q.dialog = q.logAndAdvance
	}
	return q
}

func (q *exceptionQueue) push(ex *UserException) {
	q.mu.Lock()
	q.pending = append(q.pending, ex)
	q.mu.Unlock()
	q.drain()
}

func (q *exceptionQueue) drain() {
	q.mu.Lock()
	if q.showing || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.showing = true
	ex := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()

	var once sync.Once
	next := func() {
		once.Do(func() {
			q.mu.Lock()
			q.showing = false
			q.mu.Unlock()
			q.drain()
		})
	}
	q.dialog(ex, next)
}

func (q *exceptionQueue) logAndAdvance(ex *UserException, next func()) {
	q.logger.Warn("user exception", "message", ex.Msg, "reason", ex.Reason)
	next()
}

// len returns the number of exceptions still awaiting display, not counting
// the one currently showing.
func (q *exceptionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *exceptionQueue) currentlyShowing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.showing
}

// PendingExceptions returns the number of UserExceptions queued for display,
// excluding the one currently being shown.
func (s *Store[S]) PendingExceptions() int {
	return s.queue.len()
}

// ShowingException reports whether a UserException is currently being shown
// through the dialog callback.
func (s *Store[S]) ShowingException() bool {
	return s.queue.currentlyShowing()
}
