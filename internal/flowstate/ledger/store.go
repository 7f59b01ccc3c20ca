// Package ledger implements the authoritative state of every run: atomic
// claim, progress update, and terminal completion, plus the task phase-gate
// preconditions that guard enqueue. Backed by SQLite (WAL, single writer)
// by default; see rdbms.go for the multi-writer (Postgres/MySQL) variant
// required for parity testing by spec §9.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
	"github.com/flowstate-dev/flowstate/internal/flowstate/storage/migration"
)

const schemaVersion = 1

const maxProgressMessageBytes = 4 * 1024
const maxErrorMessageBytes = 4 * 1024

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id                       TEXT PRIMARY KEY,
	project_id               TEXT NOT NULL DEFAULT '',
	parent_id                TEXT,
	status                   TEXT NOT NULL DEFAULT 'todo',
	priority                 INTEGER NOT NULL DEFAULT 0,
	sprint_id                TEXT,
	approval_spec            TEXT NOT NULL DEFAULT 'none',
	approval_plan            TEXT NOT NULL DEFAULT 'none',
	approval_research        TEXT NOT NULL DEFAULT 'none',
	approval_verification    TEXT NOT NULL DEFAULT 'none',
	approved_hash_spec       TEXT NOT NULL DEFAULT '',
	approved_hash_plan       TEXT NOT NULL DEFAULT '',
	approved_hash_research   TEXT NOT NULL DEFAULT '',
	approved_hash_verification TEXT NOT NULL DEFAULT '',
	created_at               TEXT NOT NULL,
	updated_at               TEXT NOT NULL
)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL,
	action              TEXT NOT NULL,
	required_capability TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'queued',
	runner_id           TEXT,
	started_at          TEXT,
	finished_at         TEXT,
	exit_code           INTEGER,
	progress_message    TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	pr_url              TEXT NOT NULL DEFAULT '',
	pr_number           INTEGER,
	branch_name         TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL
)`

const createRunsIndex = `CREATE INDEX IF NOT EXISTS idx_runs_status_cap ON runs (status, required_capability, created_at)`
const createRunsTaskIndex = `CREATE INDEX IF NOT EXISTS idx_runs_task ON runs (task_id)`

// Store is the SQLite-backed ledger. All operations are atomic with
// respect to concurrent callers: with SetMaxOpenConns(1) the database/sql
// connection pool itself serializes every transaction onto the single
// writer connection, so each transaction (a plain BeginTx) sees a
// consistent view for its entire claim/transition without a second writer
// ever interleaving — the same guarantee the teacher's jobs/store.go
// documents for its transitionRun helper.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) a SQLite-backed ledger at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
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
	if _, err := s.db.Exec(createTasksTable); err != nil {
		return fmt.Errorf("ledger: create tasks table: %w", err)
	}
	if _, err := s.db.Exec(createRunsTable); err != nil {
		return fmt.Errorf("ledger: create runs table: %w", err)
	}
	if _, err := s.db.Exec(createRunsIndex); err != nil {
		return fmt.Errorf("ledger: create runs index: %w", err)
	}
	if _, err := s.db.Exec(createRunsTaskIndex); err != nil {
		return fmt.Errorf("ledger: create runs task index: %w", err)
	}
	if err := migration.EnsureVersion(s.db, schemaVersion); err != nil {
		return fmt.Errorf("ledger: schema version: %w", err)
	}
	if err := migration.CheckVersion(s.db, schemaVersion); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertTask inserts or fully replaces a task row — used by the owning
// task-tracker component (out of scope per spec §1) to seed ledger state
// for tests and for the CLI's synthetic-task helper.
func (s *Store) UpsertTask(ctx context.Context, t *model.Task) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, project_id, parent_id, status, priority, sprint_id,
			approval_spec, approval_plan, approval_research, approval_verification,
			approved_hash_spec, approved_hash_plan, approved_hash_research, approved_hash_verification,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, parent_id=excluded.parent_id, status=excluded.status,
			priority=excluded.priority, sprint_id=excluded.sprint_id,
			approval_spec=excluded.approval_spec, approval_plan=excluded.approval_plan,
			approval_research=excluded.approval_research, approval_verification=excluded.approval_verification,
			approved_hash_spec=excluded.approved_hash_spec, approved_hash_plan=excluded.approved_hash_plan,
			approved_hash_research=excluded.approved_hash_research, approved_hash_verification=excluded.approved_hash_verification,
			updated_at=excluded.updated_at
	`,
		t.ID, t.ProjectID, nullableString(t.ParentID), string(t.Status), t.Priority, nullableString(t.SprintID),
		string(t.ApprovalSpec), string(t.ApprovalPlan), string(t.ApprovalResearch), string(t.ApprovalVerification),
		t.ApprovedHashSpec, t.ApprovedHashPlan, t.ApprovedHashResearch, t.ApprovedHashVerification,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, parent_id, status, priority, sprint_id,
			approval_spec, approval_plan, approval_research, approval_verification,
			approved_hash_spec, approved_hash_plan, approved_hash_research, approved_hash_verification,
			created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get task: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                                                    model.Task
		status                                               string
		parentID, sprintID                                   sql.NullString
		approvalSpec, approvalPlan, approvalResearch, approvalVerify string
		createdAt, updatedAt                                 string
	)
	if err := row.Scan(
		&t.ID, &t.ProjectID, &parentID, &status, &t.Priority, &sprintID,
		&approvalSpec, &approvalPlan, &approvalResearch, &approvalVerify,
		&t.ApprovedHashSpec, &t.ApprovedHashPlan, &t.ApprovedHashResearch, &t.ApprovedHashVerification,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.ApprovalSpec = model.ApprovalStatus(approvalSpec)
	t.ApprovalPlan = model.ApprovalStatus(approvalPlan)
	t.ApprovalResearch = model.ApprovalStatus(approvalResearch)
	t.ApprovalVerification = model.ApprovalStatus(approvalVerify)
	if parentID.Valid {
		v := parentID.String
		t.ParentID = &v
	}
	if sprintID.Valid {
		v := sprintID.String
		t.SprintID = &v
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		r                                      model.Run
		action, capability, status             string
		runnerID                               sql.NullString
		startedAt, finishedAt                  sql.NullString
		exitCode, prNumber                     sql.NullInt64
		progressMessage, errorMessage          string
		prURL, branchName                      string
		createdAt, updatedAt                   string
	)
	if err := row.Scan(
		&r.ID, &r.TaskID, &action, &capability, &status, &runnerID,
		&startedAt, &finishedAt, &exitCode, &progressMessage, &errorMessage,
		&prURL, &prNumber, &branchName, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	r.Action = model.Action(action)
	r.RequiredCapability = model.Capability(capability)
	r.Status = model.RunStatus(status)
	r.ProgressMessage = progressMessage
	r.ErrorMessage = errorMessage
	r.PRUrl = prURL
	r.BranchName = branchName
	if runnerID.Valid {
		v := runnerID.String
		r.RunnerID = &v
	}
	if startedAt.Valid {
		v, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		r.StartedAt = &v
	}
	if finishedAt.Valid {
		v, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		r.FinishedAt = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if prNumber.Valid {
		v := int(prNumber.Int64)
		r.PRNumber = &v
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func truncate(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max], true
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
