package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMocksSubstituteAction(t *testing.T) {
	s := newTestStore()

	s.Mocks().Add(ActionType(&addAction{}), func(a Action[testState]) Action[testState] {
		orig := a.(*addAction)
		return &addAction{n: orig.n * 10}
	})

	original := &addAction{n: 1}
	st := awaitStatus(t, s.DispatchAndWait(original))

	assert.Equal(t, 11, s.State().Count)
	assert.True(t, st.IsCompletedOK())
	// the original action was discarded unexecuted
	assert.False(t, original.Status().IsDispatched)
}

func TestMocksDropAction(t *testing.T) {
	s := newTestStore()
	s.Mocks().AddDrop(ActionType(&addAction{}))

	a := &addAction{n: 1}
	st := awaitStatus(t, s.DispatchAndWait(a))

	assert.Equal(t, ActionStatus{}, st)
	assert.Equal(t, 1, s.State().Count)
	assert.Equal(t, int64(0), s.DispatchCount())
}

func TestMocksRemoveAndClear(t *testing.T) {
	s := newTestStore()
	typ := ActionType(&addAction{})

	s.Mocks().AddDrop(typ)
	require.Equal(t, 1, s.Mocks().Len())

	s.Mocks().Remove(typ)
	require.Equal(t, 0, s.Mocks().Len())

	awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))
	assert.Equal(t, 2, s.State().Count)

	s.Mocks().AddDrop(typ).AddDrop(ActionType(&noopAction{}))
	require.Equal(t, 2, s.Mocks().Len())
	s.Mocks().Clear()
	assert.Equal(t, 0, s.Mocks().Len())
}

func TestMocksNilReturnDrops(t *testing.T) {
	s := newTestStore()
	s.Mocks().Add(ActionType(&addAction{}), func(Action[testState]) Action[testState] {
		return nil
	})

	st := awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))
	assert.Equal(t, ActionStatus{}, st)
	assert.Equal(t, 1, s.State().Count)
}

func TestMocksUnregisteredTypePassesThrough(t *testing.T) {
	s := newTestStore()
	s.Mocks().AddDrop(ActionType(&noopAction{}))

	awaitStatus(t, s.DispatchAndWait(&addAction{n: 1}))
	assert.Equal(t, 2, s.State().Count)
}
