// Package sqlite keeps terminal state in a local SQLite file: one JSON
// document per storage key, the same layout a browser keeps in localStorage.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xenking/pos-terminal/internal/domain/pos"
)

var _ pos.Storage = (*Storage)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

const (
	selectValueSQL = `SELECT value FROM kv WHERE key = ?`
	upsertValueSQL = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
)

// Storage implements pos.Storage for a single key.
type Storage struct {
	db  *sql.DB
	key string
}

// Open creates or opens the database at path. The file is created when
// missing.
func Open(ctx context.Context, path, key string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	// Single writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("preparing %q: %w", path, err)
		}
	}

	if key == "" {
		key = pos.DefaultStorageKey
	}
	return &Storage{db: db, key: key}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns the snapshot stored under the key.
func (s *Storage) Load(ctx context.Context) (*pos.Snapshot, error) {
	var value string
	err := s.db.QueryRowContext(ctx, selectValueSQL, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pos.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", s.key, err)
	}
	return pos.UnmarshalSnapshot([]byte(value))
}

// Save replaces the snapshot stored under the key.
func (s *Storage) Save(ctx context.Context, snap pos.Snapshot) error {
	b, err := pos.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, upsertValueSQL, s.key, string(b), updatedAt); err != nil {
		return fmt.Errorf("saving %q: %w", s.key, err)
	}
	return nil
}
