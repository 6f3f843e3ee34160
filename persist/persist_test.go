package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "github.com/goliatone/go-store"
)

type appState struct {
	Count int  `json:"count"`
	Ready bool `json:"ready"`
}

type bump struct {
	store.BaseAction[appState]
}

func (a *bump) Reduce(_ context.Context, s appState) store.ReduceResult[appState] {
	return store.NewState(appState{Count: s.Count + 1, Ready: s.Ready})
}

func TestMemoryPersistor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[appState]()

	_, found, err := m.ReadState(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.SaveInitialState(ctx, appState{Count: 1}))
	got, found, err := m.ReadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, appState{Count: 1}, got)

	require.NoError(t, m.Process(ctx, nil, appState{Count: 2}))
	got, _, _ = m.ReadState(ctx)
	assert.Equal(t, appState{Count: 2}, got)
	assert.Equal(t, 1, m.Processed())

	require.NoError(t, m.DeleteState(ctx))
	_, found, err = m.ReadState(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Zero(t, m.Throttle())
	assert.Equal(t, time.Second, NewMemory[appState](WithThrottle(time.Second)).Throttle())
}

func TestStoreForwardsChangesToPersistor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[appState]()
	s := store.New(appState{Count: 1}, store.WithPersistor[appState](m))

	_, err := s.DispatchAndWait(&bump{}).Await(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, found, err := m.ReadState(ctx)
		return err == nil && found && got.Count == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistAndPausePersistor(t *testing.T) {
	ctx := context.Background()
	// a long throttle keeps the write pending until flushed
	m := NewMemory[appState](WithThrottle(time.Hour))
	s := store.New(appState{Count: 1}, store.WithPersistor[appState](m))

	// the very first change writes immediately; wait for it so the flush
	// below is the only writer left
	_, err := s.DispatchAndWait(&bump{}).Await(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Processed() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the second change is throttled and stays pending until flushed
	_, err = s.DispatchAndWait(&bump{}).Await(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PersistAndPausePersistor(ctx))

	got, found, err := m.ReadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, got.Count)

	// paused: further changes are dropped, not queued
	_, err = s.DispatchAndWait(&bump{}).Await(ctx)
	require.NoError(t, err)
	require.NoError(t, s.PersistAndPausePersistor(ctx))
	got, _, _ = m.ReadState(ctx)
	assert.Equal(t, 3, got.Count)
}

func TestLogOutResetsStateAndSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[appState]()
	s := store.New(appState{Count: 5}, store.WithPersistor[appState](m))

	_, err := s.DispatchAndWait(&bump{}).Await(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Processed() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.LogOut(ctx, appState{Count: 1}))

	assert.Equal(t, appState{Count: 1}, s.State())
	got, found, err := m.ReadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, appState{Count: 1}, got)

	// persistence continues from the reset state
	_, err = s.DispatchAndWait(&bump{}).Await(ctx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, _, _ := m.ReadState(ctx)
		return got.Count == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFilePersistor(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	f, err := NewFile[appState](path)
	require.NoError(t, err)

	_, found, err := f.ReadState(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, f.SaveInitialState(ctx, appState{Count: 7, Ready: true}))
	got, found, err := f.ReadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, appState{Count: 7, Ready: true}, got)

	require.NoError(t, f.Process(ctx, nil, appState{Count: 8}))
	got, _, _ = f.ReadState(ctx)
	assert.Equal(t, appState{Count: 8}, got)

	require.NoError(t, f.DeleteState(ctx))
	_, found, err = f.ReadState(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	// deleting a missing snapshot is not an error
	require.NoError(t, f.DeleteState(ctx))
}

func TestFilePersistorCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	f, err := NewFile[appState](path)
	require.NoError(t, err)

	_, _, err = f.ReadState(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode snapshot")
}

func TestFilePersistorRequiresPath(t *testing.T) {
	_, err := NewFile[appState]("")
	require.Error(t, err)
}
