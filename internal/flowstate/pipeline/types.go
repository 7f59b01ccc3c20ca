// Package pipeline implements the per-run state machine executed inside a
// worker: Prepare → Preflight → Spawn → Stream → Finalize → Salvage? →
// Report, per spec §4.3. It depends only on small interfaces for the
// agent backend, the artifact store, the repo provider, and reporting
// back to the dispatcher — each variant (claude-cli, gemini-cli,
// opencode; SQLite-backed artifact store; git-over-HTTPS repo provider)
// plugs in behind these, the "polymorphism over agent backends" design
// note in spec §9.
package pipeline

import (
	"context"
	"time"
)

// escalationLevel names the two steps of signal escalation: a graceful
// SIGTERM first, then SIGKILL after the grace period.
type escalationLevel int

const (
	escalationTerm escalationLevel = iota
	escalationKill
)

// Backend is the capability set a pipeline needs from an agent CLI:
// confirm it is present and runnable, decide what of the current
// environment to forward to it, and build the command that spawns it
// against a prompt file. Concrete variants: claude-cli, gemini-cli,
// opencode (backend.go).
type Backend interface {
	// Name identifies the backend for logging and RunnerInfo.BackendName.
	Name() string

	// VersionProbe verifies the CLI is present on PATH and runs, per the
	// Preflight stage.
	VersionProbe(ctx context.Context) error

	// FilterEnv returns the subset of the process environment (as
	// "KEY=VALUE" strings) that should be forwarded to the child,
	// implementing spec §4.3's "environment inheriting a filtered set of
	// provider variables only."
	FilterEnv(environ []string) []string

	// Command returns the argv (program + args) that spawns the backend
	// against the prompt file at promptPath, and whether the prompt
	// should additionally be fed on stdin (some backends read a file
	// path argument; others expect the prompt piped in).
	Command(promptPath string) (argv []string, feedStdin bool)
}

// RepoProvider is the external collaborator spec §6 names for git
// operations: clone, branch, commit, push, and PR creation. The git-backed
// default implementation lives in repoprovider.go.
type RepoProvider interface {
	Clone(ctx context.Context, url, token, baseBranch, intoDir string) error
	CreateBranch(ctx context.Context, dir, name string) error
	CommitAll(ctx context.Context, dir, message string) error
	Push(ctx context.Context, dir, branch string) error
	OpenPR(ctx context.Context, repoURL, branch, base, title, body string) (prURL string, prNumber int, err error)
	HasChanges(ctx context.Context, dir string) (bool, error)
}

// ArtifactStore is the subset of artifactstore.Store the pipeline needs:
// put/get/exists over an arbitrary text key, per spec §6.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Reporter is how the pipeline talks back to the dispatcher: progress
// heartbeats and the final outcome. The runner's HTTP client implements
// this against the real worker↔dispatcher protocol (spec §6); tests use
// an in-memory fake.
type Reporter interface {
	Progress(ctx context.Context, runID, message string) error
	Complete(ctx context.Context, runID string, outcome Outcome) error
}

// Outcome mirrors model.Outcome — kept local to this package so pipeline
// has no import-time dependency on the ledger's storage concerns, only on
// the shapes spec §3/§4.3 define.
type Outcome struct {
	Status     string
	Message    string
	ExitCode   *int
	BranchName string
	PRUrl      string
	PRNumber   *int
}

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeCancelled = "cancelled"
)

// Config holds the pipeline's tunables, sourced from config.RunnerConfig
// and config.ServerConfig at the call site.
type Config struct {
	WorkspaceRoot    string
	KillGracePeriod  time.Duration
	ProgressInterval time.Duration
	MaxOutputBytes   int

	RepoURL       string
	RepoAuthToken string
	BaseBranch    string

	LightTimeout time.Duration
	BuildTimeout time.Duration

	// RequiredEnvVars lists provider-credential environment variables
	// Preflight must find set and non-empty (spec §4.3: "verify any
	// provider-specific credential is available in the environment").
	RequiredEnvVars []string
}

// Artifacts carries the task's current per-phase document content, read
// from the artifact store before Spawn so the prompt can be assembled.
type Artifacts struct {
	Spec         string
	Plan         string
	Research     string
	Verification string
}

// RunInput is everything the pipeline needs about the run and its task to
// execute one pass of the state machine.
type RunInput struct {
	RunID              string
	TaskID             string
	TaskTitle          string
	Action             string
	RequiredCapability string
	Artifacts          Artifacts
}

// ArtifactKey returns the canonical artifact-store key for a task artifact,
// per spec §6: tasks/{task_id}/{artifact}.md.
func ArtifactKey(taskID, artifact string) string {
	return "tasks/" + taskID + "/" + artifact + ".md"
}

// RunOutputKey returns the canonical key for a run's captured output log.
func RunOutputKey(runID string) string {
	return "runs/" + runID + "/output.log"
}

// RunPromptKey returns the canonical key for a run's assembled prompt.
func RunPromptKey(runID string) string {
	return "runs/" + runID + "/prompt.md"
}
