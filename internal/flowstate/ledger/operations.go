package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

// capabilitiesAtOrBelow returns every capability tier a runner at `cap` may
// serve, per spec §4.2's ordering light < standard < heavy.
func capabilitiesAtOrBelow(cap model.Capability) []model.Capability {
	switch cap {
	case model.CapLight:
		return []model.Capability{model.CapLight}
	case model.CapStandard:
		return []model.Capability{model.CapLight, model.CapStandard}
	case model.CapHeavy:
		return []model.Capability{model.CapLight, model.CapStandard, model.CapHeavy}
	default:
		return nil
	}
}

// phasePrecondition reports whether a task satisfies the gate for the given
// action, per spec §4.1:
//   - build requires spec and plan approved. The recorded approved_hash
//     values are not compared with the current artifact content, here or
//     in the dispatcher's enqueue handler; content lives in the artifact
//     store, which the ledger does not read.
//   - plan requires spec approved.
//   - design and research have no gates.
//   - *_distill requires a prior approved-or-pending artifact to distill
//     from (i.e. that phase's approval status is not "none").
func phasePrecondition(t *model.Task, action model.Action) error {
	switch action {
	case model.ActionBuild:
		if t.ApprovalSpec != model.ApprovalApproved || t.ApprovalPlan != model.ApprovalApproved {
			return fmt.Errorf("build requires spec and plan approved: %w", ErrPreconditionFailed)
		}
	case model.ActionPlan:
		if t.ApprovalSpec != model.ApprovalApproved {
			return fmt.Errorf("plan requires spec approved: %w", ErrPreconditionFailed)
		}
	case model.ActionDesign, model.ActionResearch:
		// no gate
	case model.ActionResearchDistil:
		if t.ApprovalResearch == model.ApprovalNone {
			return fmt.Errorf("research_distill requires a prior research artifact: %w", ErrPreconditionFailed)
		}
	case model.ActionDesignDistil:
		if t.ApprovalSpec == model.ApprovalNone {
			return fmt.Errorf("design_distill requires a prior design artifact: %w", ErrPreconditionFailed)
		}
	case model.ActionPlanDistil:
		if t.ApprovalPlan == model.ApprovalNone {
			return fmt.Errorf("plan_distill requires a prior plan artifact: %w", ErrPreconditionFailed)
		}
	case model.ActionVerifyDistil:
		if t.ApprovalVerification == model.ApprovalNone {
			return fmt.Errorf("verify_distill requires a prior verification artifact: %w", ErrPreconditionFailed)
		}
	default:
		return fmt.Errorf("unknown action %q: %w", action, ErrPreconditionFailed)
	}
	return nil
}

// Enqueue creates a run in `queued` after checking the task's phase
// precondition for the action. Returns the new run id.
func (s *Store) Enqueue(ctx context.Context, taskID string, action model.Action, capability model.Capability) (string, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := phasePrecondition(task, action); err != nil {
		return "", err
	}

	// Fixed-width fractional seconds keep created_at text in chronological
	// order under Claim's ORDER BY; RFC3339Nano trims trailing zeros.
	const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
	now := time.Now().UTC()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, action, required_capability, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)
	`, id, taskID, string(action), string(capability), now.Format(createdAtLayout), now.Format(createdAtLayout))
	if err != nil {
		return "", fmt.Errorf("ledger: enqueue: %w", err)
	}
	return id, nil
}

// Claim selects the oldest queued run whose required_capability is at or
// below the runner's capability tier, excluding build actions when
// wantBuild is false, and atomically transitions it to running. Returns
// ErrNoRunAvailable if no eligible run exists.
//
// Race-freedom: the select-then-conditional-update happens inside one
// transaction on the pool's single connection (SetMaxOpenConns(1)), so a
// second concurrent Claim call blocks for the connection until this one
// commits — mirroring the teacher's BEGIN IMMEDIATE / UPDATE ... WHERE
// status='queued' pattern (jobs/store.go transitionRun) without needing a
// retry loop, since there is no writer to race against mid-transaction.
func (s *Store) Claim(ctx context.Context, runnerID string, capability model.Capability, wantBuild bool) (*model.Run, error) {
	caps := capabilitiesAtOrBelow(capability)
	if len(caps) == 0 {
		return nil, fmt.Errorf("ledger: claim: unknown capability %q: %w", capability, ErrPreconditionFailed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: claim: begin: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, 0, len(caps)+1)
	for _, c := range caps {
		args = append(args, string(c))
	}
	query := fmt.Sprintf(`
		SELECT id FROM runs
		WHERE status = 'queued' AND required_capability IN (%s)
	`, placeholders(len(caps)))
	if !wantBuild {
		query += " AND action != 'build'"
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT 1"

	var runID string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoRunAvailable
		}
		return nil, fmt.Errorf("ledger: claim: select candidate: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = 'running', runner_id = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'
	`, runnerID, now, now, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: claim: update: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Lost the race to another claimer between select and update.
		return nil, ErrNoRunAvailable
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, action, required_capability, status, runner_id,
			started_at, finished_at, exit_code, progress_message, error_message,
			pr_url, pr_number, branch_name, created_at, updated_at
		FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("ledger: claim: reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: claim: commit: %w", err)
	}
	return run, nil
}

// Progress updates progress_message and touches updated_at. Fails if
// runnerID does not match the run's owner or the run is terminal.
func (s *Store) Progress(ctx context.Context, runID, runnerID, message string) error {
	msg, _ := truncate(message, maxProgressMessageBytes)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET progress_message = ?, updated_at = ?
		WHERE id = ? AND runner_id = ? AND status = 'running'
	`, msg, now, runID, runnerID)
	if err != nil {
		return fmt.Errorf("ledger: progress: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.classifyOwnershipFailure(ctx, runID, runnerID)
	}
	return nil
}

// classifyOwnershipFailure distinguishes "no such run" from "wrong owner or
// terminal" so progress/complete callers get an actionable error.
func (s *Store) classifyOwnershipFailure(ctx context.Context, runID, runnerID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.RunnerID == nil || *run.RunnerID != runnerID {
		return fmt.Errorf("ledger: run %s not owned by %s: %w", runID, runnerID, ErrInvalidTransition)
	}
	return fmt.Errorf("ledger: run %s is terminal (%s): %w", runID, run.Status, ErrInvalidTransition)
}

// GetRun returns a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, action, required_capability, status, runner_id,
			started_at, finished_at, exit_code, progress_message, error_message,
			pr_url, pr_number, branch_name, created_at, updated_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger: run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get run: %w", err)
	}
	return run, nil
}

// Complete sets a terminal status and finished_at for the run owned by
// runnerID. Idempotent for the same outcome; a conflicting re-complete
// fails with ErrInvalidTransition.
func (s *Store) Complete(ctx context.Context, runID, runnerID string, outcome model.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("ledger: complete: outcome status %q is not terminal: %w", outcome.Status, ErrInvalidTransition)
	}

	existing, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if existing.Status.IsTerminal() {
		if existing.Status == outcome.Status {
			return nil // idempotent re-complete with the same outcome
		}
		return fmt.Errorf("ledger: run %s already terminal as %s: %w", runID, existing.Status, ErrInvalidTransition)
	}
	if existing.RunnerID == nil || *existing.RunnerID != runnerID {
		return fmt.Errorf("ledger: run %s not owned by %s: %w", runID, runnerID, ErrInvalidTransition)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	errMsg, _ := truncate(outcome.Message, maxErrorMessageBytes)

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, finished_at = ?, updated_at = ?, error_message = ?,
			exit_code = ?, branch_name = ?, pr_url = ?, pr_number = ?
		WHERE id = ? AND runner_id = ? AND status IN ('running', 'salvaging')
	`,
		string(outcome.Status), now, now, errMsg,
		nullableInt(outcome.ExitCode), outcome.BranchName, outcome.PRUrl, nullableInt(outcome.PRNumber),
		runID, runnerID,
	)
	if err != nil {
		return fmt.Errorf("ledger: complete: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("ledger: run %s: concurrent transition: %w", runID, ErrInvalidTransition)
	}
	return nil
}

// MarkSalvaging transitions a run from running to salvaging. No dispatcher
// endpoint calls it; the pipeline's salvage stage runs while the run's
// ledger status stays running.
func (s *Store) MarkSalvaging(ctx context.Context, runID, runnerID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'salvaging', updated_at = ?
		WHERE id = ? AND runner_id = ? AND status = 'running'
	`, now, runID, runnerID)
	if err != nil {
		return fmt.Errorf("ledger: mark salvaging: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.classifyOwnershipFailure(ctx, runID, runnerID)
	}
	return nil
}

// CountQueued returns the total number of queued runs.
func (s *Store) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count queued: %w", err)
	}
	return n, nil
}

// CountQueuedByCapability returns the number of queued runs requiring
// exactly the given capability tier (used by the autoscaler, which only
// cares about `heavy`).
func (s *Store) CountQueuedByCapability(ctx context.Context, capability model.Capability) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = 'queued' AND required_capability = ?`,
		string(capability),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count queued by capability: %w", err)
	}
	return n, nil
}

// StaleRunning returns runs in running or salvaging whose started_at is
// older than threshold, for the watchdog's periodic scan.
func (s *Store) StaleRunning(ctx context.Context, threshold time.Duration, now time.Time) ([]*model.Run, error) {
	cutoff := now.Add(-threshold).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, action, required_capability, status, runner_id,
			started_at, finished_at, exit_code, progress_message, error_message,
			pr_url, pr_number, branch_name, created_at, updated_at
		FROM runs
		WHERE status IN ('running', 'salvaging') AND started_at IS NOT NULL AND started_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("ledger: stale running: %w", err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: stale running: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FailStale transitions a stale run straight to failed, bypassing the
// owner check — this is the watchdog's forced recovery path, invoked when
// the owning runner is presumed dead. logger is used to record the forced
// transition for operators.
func (s *Store) FailStale(ctx context.Context, runID string, logger *zap.Logger) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'failed', finished_at = ?, updated_at = ?, error_message = ?
		WHERE id = ? AND status IN ('running', 'salvaging')
	`, now, now, "watchdog: runner lost", runID)
	if err != nil {
		return fmt.Errorf("ledger: fail stale: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 && logger != nil {
		logger.Warn("watchdog marked run failed", zap.String("run_id", runID))
	}
	return nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
