package store

// ActionStatus records how far an action got through its dispatch lifecycle.
// Flags are append-only within a single dispatch: once set they are never
// cleared, and no phase is ever revisited.
type ActionStatus struct {
	// IsDispatched is set when the engine accepts the action. An action
	// instance whose IsDispatched flag is already set must never be
	// dispatched again.
	IsDispatched bool

	// HasFinishedBefore is set when the pre-check phase completed without error.
	HasFinishedBefore bool

	// HasFinishedReduce is set when the compute phase completed without error,
	// including the no-change case.
	HasFinishedReduce bool

	// HasFinishedAfter is set when the finalize phase ran. The finalize phase
	// runs unconditionally, so every dispatched action eventually reaches it.
	HasFinishedAfter bool

	// OriginalError is the raw error produced by a lifecycle phase, before the
	// error pipeline touched it. Nil if no phase failed.
	OriginalError error

	// WrappedError is the error after it went through the action's own wrap
	// hook and the store-wide wrap hook. Nil if no phase failed or the error
	// was suppressed by a hook.
	WrappedError error
}

// IsCompleted reports whether the action finished its lifecycle, with or
// without an error.
func (s ActionStatus) IsCompleted() bool {
	return s.HasFinishedAfter
}

// IsCompletedOK reports whether the action finished with no surviving error.
func (s ActionStatus) IsCompletedOK() bool {
	return s.HasFinishedAfter && s.WrappedError == nil
}

// IsCompletedFailed reports whether the action finished carrying an error.
func (s ActionStatus) IsCompletedFailed() bool {
	return s.HasFinishedAfter && s.WrappedError != nil
}
