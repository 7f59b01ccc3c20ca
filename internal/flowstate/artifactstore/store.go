// Package artifactstore is the keyed blob store backing the
// research/design/plan/verification documents the pipeline produces and
// the operator approves. Keys are caller-chosen path-like names such as
// tasks/{task_id}/spec.md or runs/{run_id}/output.log; values are capped
// at MaxArtifactBytes (4 MiB).
package artifactstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/storage/migration"
)

// MaxArtifactBytes is the largest blob Put accepts.
const MaxArtifactBytes = 4 * 1024 * 1024

const schemaVersion = 1

// ErrTooLarge is returned by Put when data exceeds MaxArtifactBytes.
var ErrTooLarge = errors.New("artifactstore: artifact exceeds size limit")

// ErrNotFound is returned by Get when key does not exist.
var ErrNotFound = errors.New("artifactstore: not found")

const createBlobsTable = `
CREATE TABLE IF NOT EXISTS blobs (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at TEXT NOT NULL
)`

// Store is the SQLite-backed blob store. Like the ledger, it opens with
// SetMaxOpenConns(1) — the only writer is this process, and a single
// connection avoids SQLITE_BUSY under the dispatcher's concurrent
// artifact-accept handlers without needing a retry loop.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) a SQLite-backed artifact store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(createBlobsTable); err != nil {
		return fmt.Errorf("artifactstore: create blobs table: %w", err)
	}
	if err := migration.EnsureVersion(s.db, schemaVersion); err != nil {
		return fmt.Errorf("artifactstore: schema version: %w", err)
	}
	return migration.CheckVersion(s.db, schemaVersion)
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put stores data under key, overwriting any existing value for that key.
// The key is not derived from or checked against data's content.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if len(data) > MaxArtifactBytes {
		return fmt.Errorf("artifactstore: put %s: %d bytes: %w", key, len(data), ErrTooLarge)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (key, data, size_bytes, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, size_bytes = excluded.size_bytes, created_at = excluded.created_at
	`, key, data, len(data), now)
	if err != nil {
		return fmt.Errorf("artifactstore: put %s: %w", key, err)
	}
	return nil
}

// Get returns the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifactstore: get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifactstore: get %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key is present without fetching its data.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifactstore: exists %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key if present. It is not an error for key to be absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("artifactstore: delete %s: %w", key, err)
	}
	return nil
}
