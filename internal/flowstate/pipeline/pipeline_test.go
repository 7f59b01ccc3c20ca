package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBackend struct {
	name       string
	argv       []string
	feedStdin  bool
	probeErr   error
	filterKept []string
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) VersionProbe(ctx context.Context) error { return f.probeErr }
func (f *fakeBackend) FilterEnv(environ []string) []string    { return f.filterKept }
func (f *fakeBackend) Command(promptPath string) ([]string, bool) {
	argv := append([]string(nil), f.argv...)
	return argv, f.feedStdin
}

type fakeArtifactStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{data: make(map[string][]byte)}
}

func (s *fakeArtifactStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeArtifactStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func (s *fakeArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok, nil
}

type fakeRepoProvider struct {
	hasChanges bool
	openPRURL  string
	openPRNum  int
	failAt     string
}

func (f *fakeRepoProvider) Clone(ctx context.Context, url, token, baseBranch, intoDir string) error {
	if f.failAt == "clone" {
		return errors.New("clone failed")
	}
	return nil
}
func (f *fakeRepoProvider) CreateBranch(ctx context.Context, dir, name string) error {
	if f.failAt == "branch" {
		return errors.New("branch failed")
	}
	return nil
}
func (f *fakeRepoProvider) CommitAll(ctx context.Context, dir, message string) error { return nil }
func (f *fakeRepoProvider) Push(ctx context.Context, dir, branch string) error       { return nil }
func (f *fakeRepoProvider) OpenPR(ctx context.Context, repoURL, branch, base, title, body string) (string, int, error) {
	if f.failAt == "pr" {
		return "", 0, errors.New("pr failed")
	}
	return f.openPRURL, f.openPRNum, nil
}
func (f *fakeRepoProvider) HasChanges(ctx context.Context, dir string) (bool, error) {
	return f.hasChanges, nil
}

type fakeReporter struct {
	mu        sync.Mutex
	progress  []string
	completed *Outcome
}

func (r *fakeReporter) Progress(ctx context.Context, runID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, message)
	return nil
}

func (r *fakeReporter) Complete(ctx context.Context, runID string, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := outcome
	r.completed = &o
	return nil
}

func TestPipelineRunFailsPreflightWhenCredentialMissing(t *testing.T) {
	t.Setenv("FLOWSTATE_TEST_MISSING_CRED", "")

	cfg := Config{
		WorkspaceRoot:    t.TempDir(),
		KillGracePeriod:  time.Second,
		ProgressInterval: time.Hour,
		MaxOutputBytes:   4096,
		LightTimeout:     5 * time.Second,
		BuildTimeout:     5 * time.Second,
		RequiredEnvVars:  []string{"FLOWSTATE_TEST_MISSING_CRED"},
	}
	backend := &fakeBackend{name: "fake", argv: []string{"true"}}
	artifacts := newFakeArtifactStore()
	reporter := &fakeReporter{}

	p := New(cfg, backend, artifacts, nil, reporter, nil)
	in := &RunInput{RunID: "run-1", TaskID: "task-1", Action: "research"}

	outcome := p.Run(context.Background(), in, nil)
	if outcome.Status != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s (%s)", outcome.Status, outcome.Message)
	}
	if reporter.completed == nil || reporter.completed.Status != OutcomeFailed {
		t.Fatal("expected reporter.Complete to have been called with a failed outcome")
	}
}

func TestPipelineRunCompletesAndPersistsArtifact(t *testing.T) {
	workspaceRoot := t.TempDir()
	cfg := Config{
		WorkspaceRoot:    workspaceRoot,
		KillGracePeriod:  time.Second,
		ProgressInterval: time.Hour,
		MaxOutputBytes:   4096,
		LightTimeout:     5 * time.Second,
		BuildTimeout:     5 * time.Second,
	}

	// fakeBackend spawns a real shell command that writes the produced
	// artifact file the prompt instructs it to, exercising Spawn, Stream,
	// and Finalize end to end without depending on a real agent CLI.
	in := &RunInput{RunID: "run-2", TaskID: "task-2", Action: "research", TaskTitle: "investigate flaky test"}

	script := "mkdir -p .flowstate && printf 'findings' > .flowstate/research.md"
	backend := &fakeBackend{name: "fake", argv: []string{"/bin/sh", "-c", script}}
	artifacts := newFakeArtifactStore()
	reporter := &fakeReporter{}

	p := New(cfg, backend, artifacts, nil, reporter, nil)
	outcome := p.Run(context.Background(), in, nil)

	if outcome.Status != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s (%s)", outcome.Status, outcome.Message)
	}

	stored, err := artifacts.Get(context.Background(), ArtifactKey("task-2", ArtifactResearch))
	if err != nil {
		t.Fatalf("expected research artifact to be persisted: %v", err)
	}
	if string(stored) != "findings" {
		t.Fatalf("unexpected artifact content: %q", stored)
	}

	if _, err := artifacts.Get(context.Background(), RunOutputKey("run-2")); err != nil {
		t.Fatalf("expected run output log to be persisted: %v", err)
	}

	if _, err := os.Stat(workspaceRoot + "/run-2"); err == nil {
		t.Fatal("expected workspace to be removed after Report")
	}
}

func TestPipelineRunFailsAndAttemptsSalvageForBuild(t *testing.T) {
	cfg := Config{
		WorkspaceRoot:    t.TempDir(),
		KillGracePeriod:  time.Second,
		ProgressInterval: time.Hour,
		MaxOutputBytes:   4096,
		LightTimeout:     5 * time.Second,
		BuildTimeout:     5 * time.Second,
		RepoURL:          "https://example.com/org/repo.git",
		BaseBranch:       "main",
	}
	in := &RunInput{RunID: "run-3", TaskID: "task-3", Action: "build", TaskTitle: "add retry logic"}

	backend := &fakeBackend{name: "fake", argv: []string{"/bin/sh", "-c", "exit 1"}}
	artifacts := newFakeArtifactStore()
	repo := &fakeRepoProvider{hasChanges: true, openPRURL: "https://example.com/org/repo/pull/7", openPRNum: 7}
	reporter := &fakeReporter{}

	p := New(cfg, backend, artifacts, repo, reporter, nil)
	outcome := p.Run(context.Background(), in, nil)

	if outcome.Status != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", outcome.Status)
	}
	if outcome.PRUrl != "https://example.com/org/repo/pull/7" {
		t.Fatalf("expected salvage to attach PR url, got %q", outcome.PRUrl)
	}
	if outcome.PRNumber == nil || *outcome.PRNumber != 7 {
		t.Fatal("expected salvage to attach PR number")
	}
}

func TestPipelineRunCancelledForLightAction(t *testing.T) {
	cfg := Config{
		WorkspaceRoot:    t.TempDir(),
		KillGracePeriod:  200 * time.Millisecond,
		ProgressInterval: time.Hour,
		MaxOutputBytes:   4096,
		LightTimeout:     10 * time.Second,
		BuildTimeout:     10 * time.Second,
	}
	in := &RunInput{RunID: "run-4", TaskID: "task-4", Action: "research"}

	backend := &fakeBackend{name: "fake", argv: []string{"/bin/sh", "-c", "sleep 30"}}
	artifacts := newFakeArtifactStore()
	reporter := &fakeReporter{}

	p := New(cfg, backend, artifacts, nil, reporter, nil)

	var cancelled atomic.Bool
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancelled.Store(true)
	}()

	start := time.Now()
	outcome := p.Run(context.Background(), in, &cancelled)
	elapsed := time.Since(start)

	if outcome.Status != OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %s", outcome.Status)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("expected cancellation to cut the run short, took %s", elapsed)
	}
}

func TestInjectTokenRewritesHTTPSOnly(t *testing.T) {
	cases := []struct {
		url, token, want string
	}{
		{"https://github.com/org/repo.git", "abc123", "https://abc123@github.com/org/repo.git"},
		{"https://github.com/org/repo.git", "", "https://github.com/org/repo.git"},
		{"git@github.com:org/repo.git", "abc123", "git@github.com:org/repo.git"},
	}
	for _, c := range cases {
		got := InjectToken(c.url, c.token)
		if got != c.want {
			t.Errorf("InjectToken(%q, %q) = %q, want %q", c.url, c.token, got, c.want)
		}
	}
}

func TestExtractVerificationCommands(t *testing.T) {
	plan := "## Steps\n\n```bash\ngo test ./...\n```\n\n- make lint\n- not a command, just prose\n"
	got := ExtractVerificationCommands(plan)
	if len(got) != 2 {
		t.Fatalf("expected 2 commands, got %v", got)
	}
	if got[0] != "go test ./..." || got[1] != "make lint" {
		t.Fatalf("unexpected commands: %v", got)
	}
}

func TestBranchNameSlugifiesTitle(t *testing.T) {
	name := BranchName("Fix the Flaky Retry Test!!", "01234567-89ab-cdef-0123-456789abcdef")
	want := "flowstate/fix-the-flaky-retry-test-01234567"
	if name != want {
		t.Fatalf("BranchName() = %q, want %q", name, want)
	}
}
