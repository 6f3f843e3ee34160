package store

import (
	stderrors "errors"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeActionRedispatched = "STORE_ACTION_REDISPATCHED"
	ErrCodeDispatchNotSync    = "STORE_DISPATCH_NOT_SYNC"
	ErrCodeRetryNotAsync      = "STORE_RETRY_NOT_ASYNC"
	ErrCodeWaitAlreadyTrue    = "STORE_WAIT_ALREADY_TRUE"
	ErrCodeWaitTimeout        = "STORE_WAIT_TIMEOUT"
)

// Programmer-misuse conditions. These never go through the error pipeline:
// they are raised directly at the call site that misused the store.
var (
	ErrActionRedispatched = apperrors.New("action instance was already dispatched", apperrors.CategoryConflict).
				WithTextCode(ErrCodeActionRedispatched)
	ErrDispatchNotSync = apperrors.New("action suspended during a synchronous dispatch", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeDispatchNotSync)
	ErrRetryNotAsync = apperrors.New("retried compute phase must be asynchronous", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeRetryNotAsync)
	ErrWaitAlreadyTrue = apperrors.New("wait condition was already true", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeWaitAlreadyTrue)
	ErrWaitTimeout = apperrors.New("wait condition timed out", apperrors.CategoryHandler).
			WithTextCode(ErrCodeWaitTimeout)
)

func storeError(base *apperrors.Error, message string, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func errActionRedispatched(actionType string) error {
	return storeError(ErrActionRedispatched, "", map[string]any{"action": actionType})
}

func errDispatchNotSync(actionType, phase string) error {
	return storeError(ErrDispatchNotSync, "", map[string]any{
		"action": actionType,
		"phase":  phase,
	})
}

func errRetryNotAsync(actionType string) error {
	return storeError(ErrRetryNotAsync, "", map[string]any{"action": actionType})
}

func errWaitAlreadyTrue() error {
	return ErrWaitAlreadyTrue.Clone()
}

func errWaitTimeout(timeout time.Duration) error {
	return storeError(ErrWaitTimeout, "", map[string]any{"timeout": timeout.String()})
}

// IsWaitTimeout reports whether err is the rejection produced when a wait
// primitive exceeded its deadline.
func IsWaitTimeout(err error) bool {
	return errorCode(err) == ErrCodeWaitTimeout
}

// IsStoreException reports whether err is one of the programmer-misuse
// conditions raised by the store itself.
func IsStoreException(err error) bool {
	switch errorCode(err) {
	case ErrCodeActionRedispatched, ErrCodeDispatchNotSync, ErrCodeRetryNotAsync, ErrCodeWaitAlreadyTrue:
		return true
	}
	return false
}

func errorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// UserException is an error meant for end-user display. When one survives
// the error pipeline with its dialog flag set, it is queued and shown
// through the store's dialog callback, strictly FIFO, one at a time. All
// other error values are treated as opaque internal failures.
type UserException struct {
	// Msg is the short, user-readable message.
	Msg string
	// Reason is an optional second line with more detail.
	Reason string

	cause  error
	dialog bool
}

// NewUserException builds a user-facing error that will be queued for
// display.
func NewUserException(msg string) *UserException {
	return &UserException{Msg: msg, dialog: true}
}

func (e *UserException) Error() string {
	if e.Reason != "" {
		return e.Msg + ": " + e.Reason
	}
	return e.Msg
}

func (e *UserException) Unwrap() error { return e.cause }

// WithReason returns a copy carrying an extra detail line.
func (e *UserException) WithReason(reason string) *UserException {
	cp := *e
	cp.Reason = reason
	return &cp
}

// WithCause returns a copy wrapping the underlying error.
func (e *UserException) WithCause(cause error) *UserException {
	cp := *e
	cp.cause = cause
	return &cp
}

// NoDialog returns a copy that is still user-facing but will not be queued
// for display.
func (e *UserException) NoDialog() *UserException {
	cp := *e
	cp.dialog = false
	return &cp
}

// ShouldShowDialog reports whether the exception wants to be queued for
// display.
func (e *UserException) ShouldShowDialog() bool { return e.dialog }

// AsUserException unwraps err looking for a UserException.
func AsUserException(err error) (*UserException, bool) {
	var ue *UserException
	if stderrors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
