package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// salvageResult carries what Salvage managed to preserve, folded into the
// final Outcome's BranchName/PRUrl/PRNumber fields.
type salvageResult struct {
	branchName string
	prURL      string
	prNumber   int
}

// salvageStage attempts to preserve a failed or timed-out build's partial
// work, per spec §4.3 Salvage: only for the build action, only if the
// workspace has committable changes, and only as a best-effort fallback —
// a salvage failure falls through to the original failure rather than
// replacing it.
func (p *Pipeline) salvageStage(ctx context.Context, workspaceDir string, in *RunInput) (*salvageResult, error) {
	if in.Action != "build" {
		return nil, nil
	}
	if p.repo == nil {
		return nil, fmt.Errorf("salvage: no repo provider configured")
	}

	hasChanges, err := p.repo.HasChanges(ctx, workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("salvage: check for changes: %w", err)
	}
	if !hasChanges {
		return nil, nil
	}

	branch := BranchName(in.TaskTitle, in.RunID)
	if err := p.repo.CreateBranch(ctx, workspaceDir, branch); err != nil {
		return nil, fmt.Errorf("salvage: create branch: %w", err)
	}
	if err := p.repo.CommitAll(ctx, workspaceDir, fmt.Sprintf("flowstate: salvage run %s", in.RunID)); err != nil {
		return nil, fmt.Errorf("salvage: commit: %w", err)
	}
	if err := p.repo.Push(ctx, workspaceDir, branch); err != nil {
		return nil, fmt.Errorf("salvage: push: %w", err)
	}

	title := fmt.Sprintf("flowstate: salvaged build for %s", in.TaskID)
	body := fmt.Sprintf("Automated salvage of a failed/timed-out build run (%s). Review carefully before merging.", in.RunID)
	url, number, err := p.repo.OpenPR(ctx, p.cfg.RepoURL, branch, p.cfg.BaseBranch, title, body)
	if err != nil {
		return nil, fmt.Errorf("salvage: open PR: %w", err)
	}

	p.logger.Info("salvaged build",
		zap.String("run_id", in.RunID),
		zap.String("branch", branch),
		zap.String("pr_url", url),
	)
	return &salvageResult{branchName: branch, prURL: url, prNumber: number}, nil
}
