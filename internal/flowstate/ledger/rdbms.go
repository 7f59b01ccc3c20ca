package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

// Dialect selects the SQL variant an RDBMSStore speaks. SQLite's single
// writer connection gives Store (store.go) its serialization for free;
// a real multi-writer RDBMS has no such luxury, so RDBMSStore takes locks
// explicitly with SELECT ... FOR UPDATE SKIP LOCKED instead. Per spec §9
// both must produce the same claim/complete semantics under concurrent
// load — this file exists purely for that parity testing, not because
// Flowstate runs against Postgres/MySQL in production.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

const createTasksTablePostgres = `
CREATE TABLE IF NOT EXISTS tasks (
	id                         TEXT PRIMARY KEY,
	project_id                 TEXT NOT NULL DEFAULT '',
	parent_id                  TEXT,
	status                     TEXT NOT NULL DEFAULT 'todo',
	priority                   INTEGER NOT NULL DEFAULT 0,
	sprint_id                  TEXT,
	approval_spec              TEXT NOT NULL DEFAULT 'none',
	approval_plan              TEXT NOT NULL DEFAULT 'none',
	approval_research          TEXT NOT NULL DEFAULT 'none',
	approval_verification      TEXT NOT NULL DEFAULT 'none',
	approved_hash_spec         TEXT NOT NULL DEFAULT '',
	approved_hash_plan         TEXT NOT NULL DEFAULT '',
	approved_hash_research     TEXT NOT NULL DEFAULT '',
	approved_hash_verification TEXT NOT NULL DEFAULT '',
	created_at                 TIMESTAMPTZ NOT NULL,
	updated_at                 TIMESTAMPTZ NOT NULL
)`

const createRunsTablePostgres = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL,
	action              TEXT NOT NULL,
	required_capability TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'queued',
	runner_id           TEXT,
	started_at          TIMESTAMPTZ,
	finished_at         TIMESTAMPTZ,
	exit_code           INTEGER,
	progress_message    TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	pr_url              TEXT NOT NULL DEFAULT '',
	pr_number           INTEGER,
	branch_name         TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
)`

// Equivalent DDL for MySQL, which lacks TIMESTAMPTZ and uses AUTO naming
// conventions differently; kept separate rather than papered over with a
// lowest-common-denominator type, the same way the teacher keeps its
// SQLite-specific pragmas isolated to Open rather than its query builders.
const createTasksTableMySQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id                         VARCHAR(64) PRIMARY KEY,
	project_id                 VARCHAR(255) NOT NULL DEFAULT '',
	parent_id                  VARCHAR(64),
	status                     VARCHAR(32) NOT NULL DEFAULT 'todo',
	priority                   INT NOT NULL DEFAULT 0,
	sprint_id                  VARCHAR(64),
	approval_spec              VARCHAR(32) NOT NULL DEFAULT 'none',
	approval_plan              VARCHAR(32) NOT NULL DEFAULT 'none',
	approval_research          VARCHAR(32) NOT NULL DEFAULT 'none',
	approval_verification      VARCHAR(32) NOT NULL DEFAULT 'none',
	approved_hash_spec         VARCHAR(128) NOT NULL DEFAULT '',
	approved_hash_plan         VARCHAR(128) NOT NULL DEFAULT '',
	approved_hash_research     VARCHAR(128) NOT NULL DEFAULT '',
	approved_hash_verification VARCHAR(128) NOT NULL DEFAULT '',
	created_at                 DATETIME(6) NOT NULL,
	updated_at                 DATETIME(6) NOT NULL
)`

const createRunsTableMySQL = `
CREATE TABLE IF NOT EXISTS runs (
	id                  VARCHAR(64) PRIMARY KEY,
	task_id             VARCHAR(64) NOT NULL,
	action              VARCHAR(32) NOT NULL,
	required_capability VARCHAR(32) NOT NULL,
	status              VARCHAR(32) NOT NULL DEFAULT 'queued',
	runner_id           VARCHAR(128),
	started_at          DATETIME(6),
	finished_at         DATETIME(6),
	exit_code           INT,
	progress_message    TEXT,
	error_message       TEXT,
	pr_url              VARCHAR(1024) NOT NULL DEFAULT '',
	pr_number           INT,
	branch_name         VARCHAR(255) NOT NULL DEFAULT '',
	created_at          DATETIME(6) NOT NULL,
	updated_at          DATETIME(6) NOT NULL,
	INDEX idx_runs_status_cap (status, required_capability, created_at),
	INDEX idx_runs_task (task_id)
)`

// RDBMSStore is the Postgres/MySQL-backed ledger used for cross-dialect
// claim parity tests. It implements Enqueue, Claim, GetTask and UpsertTask,
// with Claim using SELECT ... FOR UPDATE SKIP LOCKED instead of relying on a
// single pooled connection; progress, completion, salvage and the watchdog
// queries exist only on Store.
type RDBMSStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenRDBMS opens dsn with database/sql using the driver registered for
// dialect ("postgres" via jackc/pgx/v5's stdlib adapter, "mysql" via
// go-sql-driver/mysql) and ensures the schema exists.
func OpenRDBMS(dialect Dialect, dsn string) (*RDBMSStore, error) {
	driverName := map[Dialect]string{
		DialectPostgres: "pgx",
		DialectMySQL:    "mysql",
	}[dialect]
	if driverName == "" {
		return nil, fmt.Errorf("ledger: unknown dialect %q", dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dialect, err)
	}

	s := &RDBMSStore{db: db, dialect: dialect}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RDBMSStore) init() error {
	tasksDDL, runsDDL := createTasksTablePostgres, createRunsTablePostgres
	if s.dialect == DialectMySQL {
		tasksDDL, runsDDL = createTasksTableMySQL, createRunsTableMySQL
	}
	if _, err := s.db.Exec(tasksDDL); err != nil {
		return fmt.Errorf("ledger: create tasks table: %w", err)
	}
	if _, err := s.db.Exec(runsDDL); err != nil {
		return fmt.Errorf("ledger: create runs table: %w", err)
	}
	if s.dialect == DialectPostgres {
		if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_status_cap ON runs (status, required_capability, created_at)`); err != nil {
			return fmt.Errorf("ledger: create runs index: %w", err)
		}
		if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs (task_id)`); err != nil {
			return fmt.Errorf("ledger: create runs task index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *RDBMSStore) Close() error { return s.db.Close() }

// placeholder returns the positional-parameter marker for index i (1-based)
// in the store's dialect: MySQL uses "?", Postgres uses "$1", "$2", ...
func (s *RDBMSStore) placeholder(i int) string {
	if s.dialect == DialectMySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", i)
}

// Enqueue mirrors Store.Enqueue; see store.go/operations.go for the
// phase-gate rationale shared by both backends.
func (s *RDBMSStore) Enqueue(ctx context.Context, taskID string, action model.Action, capability model.Capability) (string, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := phasePrecondition(task, action); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	query := fmt.Sprintf(`
		INSERT INTO runs (id, task_id, action, required_capability, status, created_at, updated_at)
		VALUES (%s, %s, %s, %s, 'queued', %s, %s)
	`, s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6))
	if _, err := s.db.ExecContext(ctx, query, id, taskID, string(action), string(capability), now, now); err != nil {
		return "", fmt.Errorf("ledger: enqueue: %w", err)
	}
	return id, nil
}

// Claim selects and locks the oldest eligible queued run with
// SELECT ... FOR UPDATE SKIP LOCKED so that N concurrent callers each land
// on a distinct row instead of blocking behind one another, then updates it
// to running inside the same transaction. This is the multi-writer
// counterpart to Store.Claim's single-connection serialization.
func (s *RDBMSStore) Claim(ctx context.Context, runnerID string, capability model.Capability, wantBuild bool) (*model.Run, error) {
	caps := capabilitiesAtOrBelow(capability)
	if len(caps) == 0 {
		return nil, fmt.Errorf("ledger: claim: unknown capability %q: %w", capability, ErrPreconditionFailed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: claim: begin: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, 0, len(caps))
	placeholders := make([]string, 0, len(caps))
	for i, c := range caps {
		args = append(args, string(c))
		placeholders = append(placeholders, s.placeholder(i+1))
	}
	inClause := ""
	for i, p := range placeholders {
		if i > 0 {
			inClause += ", "
		}
		inClause += p
	}
	query := fmt.Sprintf(`
		SELECT id FROM runs
		WHERE status = 'queued' AND required_capability IN (%s)
	`, inClause)
	if !wantBuild {
		query += " AND action != 'build'"
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT 1 FOR UPDATE SKIP LOCKED"

	var runID string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoRunAvailable
		}
		return nil, fmt.Errorf("ledger: claim: select candidate: %w", err)
	}

	now := time.Now().UTC()
	updateQuery := fmt.Sprintf(
		`UPDATE runs SET status = 'running', runner_id = %s, started_at = %s, updated_at = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
	)
	if _, err := tx.ExecContext(ctx, updateQuery, runnerID, now, now, runID); err != nil {
		return nil, fmt.Errorf("ledger: claim: update: %w", err)
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, task_id, action, required_capability, status, runner_id,
			started_at, finished_at, exit_code, progress_message, error_message,
			pr_url, pr_number, branch_name, created_at, updated_at
		FROM runs WHERE id = %s`, s.placeholder(1)), runID)
	run, err := scanRunRDBMS(row)
	if err != nil {
		return nil, fmt.Errorf("ledger: claim: reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: claim: commit: %w", err)
	}
	return run, nil
}

// GetTask returns a task by id.
func (s *RDBMSStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, project_id, parent_id, status, priority, sprint_id,
			approval_spec, approval_plan, approval_research, approval_verification,
			approved_hash_spec, approved_hash_plan, approved_hash_research, approved_hash_verification,
			created_at, updated_at
		FROM tasks WHERE id = %s`, s.placeholder(1)), id)
	t, err := scanTaskRDBMS(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger: task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get task: %w", err)
	}
	return t, nil
}

// UpsertTask inserts or replaces a task row using each dialect's native
// upsert syntax (ON CONFLICT for Postgres, ON DUPLICATE KEY for MySQL).
func (s *RDBMSStore) UpsertTask(ctx context.Context, t *model.Task) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	var query string
	if s.dialect == DialectMySQL {
		query = `
			INSERT INTO tasks (
				id, project_id, parent_id, status, priority, sprint_id,
				approval_spec, approval_plan, approval_research, approval_verification,
				approved_hash_spec, approved_hash_plan, approved_hash_research, approved_hash_verification,
				created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON DUPLICATE KEY UPDATE
				project_id=VALUES(project_id), parent_id=VALUES(parent_id), status=VALUES(status),
				priority=VALUES(priority), sprint_id=VALUES(sprint_id),
				approval_spec=VALUES(approval_spec), approval_plan=VALUES(approval_plan),
				approval_research=VALUES(approval_research), approval_verification=VALUES(approval_verification),
				approved_hash_spec=VALUES(approved_hash_spec), approved_hash_plan=VALUES(approved_hash_plan),
				approved_hash_research=VALUES(approved_hash_research), approved_hash_verification=VALUES(approved_hash_verification),
				updated_at=VALUES(updated_at)
		`
	} else {
		query = `
			INSERT INTO tasks (
				id, project_id, parent_id, status, priority, sprint_id,
				approval_spec, approval_plan, approval_research, approval_verification,
				approved_hash_spec, approved_hash_plan, approved_hash_research, approved_hash_verification,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (id) DO UPDATE SET
				project_id=excluded.project_id, parent_id=excluded.parent_id, status=excluded.status,
				priority=excluded.priority, sprint_id=excluded.sprint_id,
				approval_spec=excluded.approval_spec, approval_plan=excluded.approval_plan,
				approval_research=excluded.approval_research, approval_verification=excluded.approval_verification,
				approved_hash_spec=excluded.approved_hash_spec, approved_hash_plan=excluded.approved_hash_plan,
				approved_hash_research=excluded.approved_hash_research, approved_hash_verification=excluded.approved_hash_verification,
				updated_at=excluded.updated_at
		`
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.ProjectID, nullableString(t.ParentID), string(t.Status), t.Priority, nullableString(t.SprintID),
		string(t.ApprovalSpec), string(t.ApprovalPlan), string(t.ApprovalResearch), string(t.ApprovalVerification),
		t.ApprovedHashSpec, t.ApprovedHashPlan, t.ApprovedHashResearch, t.ApprovedHashVerification,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert task: %w", err)
	}
	return nil
}

func scanTaskRDBMS(row rowScanner) (*model.Task, error) {
	var (
		t                                                            model.Task
		status                                                       string
		parentID, sprintID                                           sql.NullString
		approvalSpec, approvalPlan, approvalResearch, approvalVerify string
	)
	if err := row.Scan(
		&t.ID, &t.ProjectID, &parentID, &status, &t.Priority, &sprintID,
		&approvalSpec, &approvalPlan, &approvalResearch, &approvalVerify,
		&t.ApprovedHashSpec, &t.ApprovedHashPlan, &t.ApprovedHashResearch, &t.ApprovedHashVerification,
		&t.CreatedAt, &t.UpdatedAt,
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
	return &t, nil
}

func scanRunRDBMS(row rowScanner) (*model.Run, error) {
	var (
		r                              model.Run
		action, capability, status     string
		runnerID                       sql.NullString
		startedAt, finishedAt          sql.NullTime
		exitCode, prNumber             sql.NullInt64
		progressMessage, errorMessage  string
		prURL, branchName              string
	)
	if err := row.Scan(
		&r.ID, &r.TaskID, &action, &capability, &status, &runnerID,
		&startedAt, &finishedAt, &exitCode, &progressMessage, &errorMessage,
		&prURL, &prNumber, &branchName, &r.CreatedAt, &r.UpdatedAt,
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
		v := startedAt.Time
		r.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
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
	return &r, nil
}
