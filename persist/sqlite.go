package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLite persists the state as a JSON snapshot in a SQLite table, one row
// per store key. The caller owns the *sql.DB and registers a driver
// (github.com/mattn/go-sqlite3); this type only issues database/sql calls.
type SQLite[S any] struct {
	db       *sql.DB
	table    string
	key      string
	settings settings

	schemaOnce sync.Once
	schemaErr  error
}

// NewSQLite builds a persistor storing snapshots in the given table, keyed
// by key. Empty table and key fall back to "store_snapshots" and "default".
func NewSQLite[S any](db *sql.DB, table, key string, opts ...Option) (*SQLite[S], error) {
	if db == nil {
		return nil, errors.New("persist: sqlite db required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = "store_snapshots"
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "default"
	}
	return &SQLite[S]{db: db, table: table, key: key, settings: newSettings(opts)}, nil
}

func (s *SQLite[S]) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			key TEXT NOT NULL PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.table)
		_, s.schemaErr = s.db.ExecContext(ctx, q)
	})
	return s.schemaErr
}

func (s *SQLite[S]) ReadState(ctx context.Context) (S, bool, error) {
	var zero S
	if err := s.ensureSchema(ctx); err != nil {
		return zero, false, err
	}

	q := fmt.Sprintf(`SELECT state FROM %s WHERE key = ?`, s.table)
	var raw string
	err := s.db.QueryRowContext(ctx, q, s.key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("persist: read snapshot: %w", err)
	}

	var state S
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return zero, false, fmt.Errorf("persist: decode snapshot: %w", err)
	}
	return state, true, nil
}

func (s *SQLite[S]) SaveInitialState(ctx context.Context, state S) error {
	return s.Process(ctx, nil, state)
}

func (s *SQLite[S]) DeleteState(ctx context.Context) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, q, s.key); err != nil {
		return fmt.Errorf("persist: delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLite[S]) Process(ctx context.Context, _ any, newState S) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(newState)
	if err != nil {
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, key, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`, s.table)
	_, err = s.db.ExecContext(ctx, q,
		uuid.NewString(),
		s.key,
		string(data),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("persist: write snapshot: %w", err)
	}
	return nil
}

func (s *SQLite[S]) Throttle() time.Duration {
	return s.settings.throttle
}
