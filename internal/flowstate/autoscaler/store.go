// Package autoscaler owns the dispatcher's optional control loop over a
// single cloud GPU pod: spin-up, stay-warm, drain, stop-after-drain,
// drain-timeout, and a daily cost cap, per spec §4.5. It runs only when a
// pod-provider API key is configured.
package autoscaler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
	"github.com/flowstate-dev/flowstate/internal/flowstate/storage/migration"
)

const schemaVersion = 1

const createPodStateTable = `
CREATE TABLE IF NOT EXISTS pod_state (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	pod_id             TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'none',
	last_work_seen     TEXT NOT NULL,
	daily_cost_cents   INTEGER NOT NULL DEFAULT 0,
	day_start          TEXT NOT NULL,
	cost_capped        INTEGER NOT NULL DEFAULT 0,
	drain_requested_at TEXT
)`

// Store persists PodState across dispatcher restarts — a single row, same
// single-writer SQLite idiom as the ledger and artifact store, sized for
// exactly one managed pod per spec §3.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the pod-state database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("autoscaler: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(createPodStateTable); err != nil {
		return fmt.Errorf("autoscaler: create pod_state table: %w", err)
	}
	if err := migration.EnsureVersion(s.db, schemaVersion); err != nil {
		return fmt.Errorf("autoscaler: schema version: %w", err)
	}
	if err := migration.CheckVersion(s.db, schemaVersion); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO pod_state (id, status, last_work_seen, day_start)
		VALUES (1, 'none', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, now, now)
	if err != nil {
		return fmt.Errorf("autoscaler: seed pod_state: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the current pod state.
func (s *Store) Get(ctx context.Context) (*model.PodState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pod_id, status, last_work_seen, daily_cost_cents, day_start, cost_capped, drain_requested_at
		FROM pod_state WHERE id = 1`)
	return scanPodState(row)
}

func scanPodState(row *sql.Row) (*model.PodState, error) {
	var (
		st                                model.PodState
		status                            string
		lastWorkSeen, dayStart            string
		costCapped                        int
		drainRequestedAt                  sql.NullString
	)
	if err := row.Scan(&st.PodID, &status, &lastWorkSeen, &st.DailyCostCents, &dayStart, &costCapped, &drainRequestedAt); err != nil {
		return nil, fmt.Errorf("autoscaler: scan pod state: %w", err)
	}
	st.Status = model.PodStatus(status)
	st.LastWorkSeen, _ = time.Parse(time.RFC3339Nano, lastWorkSeen)
	st.DayStart, _ = time.Parse(time.RFC3339Nano, dayStart)
	st.CostCapped = costCapped != 0
	if drainRequestedAt.Valid {
		v, _ := time.Parse(time.RFC3339Nano, drainRequestedAt.String)
		st.DrainRequestedAt = &v
	}
	return &st, nil
}

// Save persists the full pod state, overwriting the single row.
func (s *Store) Save(ctx context.Context, st *model.PodState) error {
	var drainRequestedAt any
	if st.DrainRequestedAt != nil {
		drainRequestedAt = st.DrainRequestedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pod_state SET
			pod_id = ?, status = ?, last_work_seen = ?, daily_cost_cents = ?,
			day_start = ?, cost_capped = ?, drain_requested_at = ?
		WHERE id = 1
	`,
		st.PodID, string(st.Status), st.LastWorkSeen.Format(time.RFC3339Nano), st.DailyCostCents,
		st.DayStart.Format(time.RFC3339Nano), boolToInt(st.CostCapped), drainRequestedAt,
	)
	if err != nil {
		return fmt.Errorf("autoscaler: save pod state: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
