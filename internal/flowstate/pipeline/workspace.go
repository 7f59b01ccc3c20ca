package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// prepareStage creates a fresh workspace directory under cfg.WorkspaceRoot
// keyed by run id and clones the project repo into it, per spec §4.3
// Prepare. Returns the workspace directory on success.
func prepareStage(ctx context.Context, cfg Config, repo RepoProvider, runID string) (string, error) {
	dir := filepath.Join(cfg.WorkspaceRoot, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create dir: %w", err)
	}

	if cfg.RepoURL == "" {
		// No repo configured (e.g. research/design/plan actions that
		// don't need a checkout) — the workspace is still created so
		// Spawn always has a working directory to run in.
		return dir, nil
	}

	if err := repo.Clone(ctx, cfg.RepoURL, cfg.RepoAuthToken, cfg.BaseBranch, dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("workspace: %w", err)
	}
	return dir, nil
}

// preflightStage verifies the agent CLI is present and runnable and that
// every required provider credential is set in the environment, per spec
// §4.3 Preflight.
func preflightStage(ctx context.Context, backend Backend, requiredEnvVars []string) error {
	if err := backend.VersionProbe(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	for _, name := range requiredEnvVars {
		if os.Getenv(name) == "" {
			return fmt.Errorf("preflight: required credential %s is not set", name)
		}
	}
	return nil
}

// removeWorkspace deletes a run's workspace directory, per spec §4.3
// Report: "Remove the workspace."
func removeWorkspace(dir string) {
	if dir == "" {
		return
	}
	os.RemoveAll(dir)
}
