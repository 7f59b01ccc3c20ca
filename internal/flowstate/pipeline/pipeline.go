package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pipeline runs one agent invocation through the full run state machine
// described in spec §4.3: Prepare, Preflight, Spawn, Stream, Finalize,
// Salvage (build only, on failure), and Report. The runner pool builds a
// fresh Pipeline for each claimed run.
type Pipeline struct {
	cfg       Config
	backend   Backend
	artifacts ArtifactStore
	repo      RepoProvider
	reporter  Reporter
	logger    *zap.Logger
}

// New builds a Pipeline. repo may be nil for deployments that never run
// the build action (the pipeline only dereferences it inside Prepare,
// Salvage, and when cfg.RepoURL is non-empty).
func New(cfg Config, backend Backend, artifacts ArtifactStore, repo RepoProvider, reporter Reporter, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		backend:   backend,
		artifacts: artifacts,
		repo:      repo,
		reporter:  reporter,
		logger:    logger,
	}
}

// Run executes one full pass of the pipeline for a claimed run and reports
// its outcome to the dispatcher. cancelled is polled during Stream; a
// build run ignores it (spec §4.5/§9: builds run to completion or timeout,
// only light actions honor cooperative cancellation).
func (p *Pipeline) Run(ctx context.Context, in *RunInput, cancelled *atomic.Bool) Outcome {
	timeout := p.cfg.LightTimeout
	if in.Action == "build" {
		timeout = p.cfg.BuildTimeout
	}

	workspaceDir, err := prepareStage(ctx, p.cfg, p.repo, in.RunID)
	if err != nil {
		return p.reportAndReturn(ctx, in, Outcome{Status: OutcomeFailed, Message: err.Error()})
	}
	defer removeWorkspace(workspaceDir)

	if err := preflightStage(ctx, p.backend, p.cfg.RequiredEnvVars); err != nil {
		return p.reportAndReturn(ctx, in, Outcome{Status: OutcomeFailed, Message: err.Error()})
	}

	promptText := assemblePrompt(in)
	result, err := p.spawnAndStream(ctx, workspaceDir, promptText, in, timeout, cancelled)
	if err != nil {
		return p.reportAndReturn(ctx, in, Outcome{Status: OutcomeFailed, Message: err.Error()})
	}

	outcome := classifyResult(result)

	if outcome.Status == OutcomeCompleted {
		if err := p.finalizeStage(ctx, workspaceDir, in, result.combinedOutput, promptText); err != nil {
			outcome = Outcome{Status: OutcomeFailed, Message: fmt.Sprintf("finalize: %v", err)}
		}
	} else {
		// Best-effort: keep the prompt and output log around even on
		// failure so a human can see what the agent actually did.
		_ = p.artifacts.Put(ctx, RunPromptKey(in.RunID), []byte(promptText))
		_ = p.artifacts.Put(ctx, RunOutputKey(in.RunID), result.combinedOutput)

		if in.Action == "build" {
			salvage, serr := p.salvageStage(ctx, workspaceDir, in)
			if serr != nil {
				p.logger.Warn("salvage failed", zap.String("run_id", in.RunID), zap.Error(serr))
			} else if salvage != nil {
				outcome.BranchName = salvage.branchName
				outcome.PRUrl = salvage.prURL
				n := salvage.prNumber
				outcome.PRNumber = &n
			}
		}
	}

	return p.reportAndReturn(ctx, in, outcome)
}

func classifyResult(result *spawnResult) Outcome {
	exitCode := result.exitCode
	switch {
	case result.cancelled:
		return Outcome{Status: OutcomeCancelled, Message: "run cancelled", ExitCode: &exitCode}
	case result.timedOut:
		return Outcome{Status: OutcomeTimedOut, Message: "run exceeded its timeout", ExitCode: &exitCode}
	case result.spawnErr != nil:
		return Outcome{Status: OutcomeFailed, Message: result.spawnErr.Error(), ExitCode: &exitCode}
	case result.exitCode != 0:
		return Outcome{Status: OutcomeFailed, Message: fmt.Sprintf("agent exited %d: %s", result.exitCode, result.stderrTail), ExitCode: &exitCode}
	default:
		return Outcome{Status: OutcomeCompleted, Message: "ok", ExitCode: &exitCode}
	}
}

func (p *Pipeline) reportAndReturn(ctx context.Context, in *RunInput, outcome Outcome) Outcome {
	if p.reporter != nil {
		if err := p.reporter.Complete(ctx, in.RunID, outcome); err != nil {
			p.logger.Error("report complete failed", zap.String("run_id", in.RunID), zap.Error(err))
		}
	}
	return outcome
}
