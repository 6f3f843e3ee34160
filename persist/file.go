package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File persists the state as a JSON snapshot on disk. Writes go through a
// temp file and an atomic rename, so a crash mid-write never leaves a
// truncated snapshot behind.
type File[S any] struct {
	mu       sync.Mutex
	path     string
	settings settings
}

// NewFile constructs a file persistor writing to path. The parent directory
// must exist.
func NewFile[S any](path string, opts ...Option) (*File[S], error) {
	if path == "" {
		return nil, errors.New("persist: file path required")
	}
	return &File[S]{path: path, settings: newSettings(opts)}, nil
}

func (f *File[S]) ReadState(_ context.Context) (S, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero S
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("persist: read snapshot: %w", err)
	}

	var state S
	if err := json.Unmarshal(data, &state); err != nil {
		return zero, false, fmt.Errorf("persist: decode snapshot: %w", err)
	}
	return state, true, nil
}

func (f *File[S]) SaveInitialState(ctx context.Context, state S) error {
	return f.Process(ctx, nil, state)
}

func (f *File[S]) DeleteState(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("persist: delete snapshot: %w", err)
	}
	return nil
}

func (f *File[S]) Process(_ context.Context, _ any, newState S) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(newState, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("persist: temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: replace snapshot: %w", err)
	}
	return nil
}

func (f *File[S]) Throttle() time.Duration {
	return f.settings.throttle
}
