package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/config"
	"github.com/flowstate-dev/flowstate/internal/flowstate/pipeline"
	"github.com/flowstate-dev/flowstate/internal/flowstate/protocol"
)

// fakeDispatcher is a minimal in-memory stand-in for the real dispatcher,
// just enough of the worker↔dispatcher protocol for Pool.Run to drive a
// single run end to end: one claimable run, then nothing.
type fakeDispatcher struct {
	mu         sync.Mutex
	claimed    bool
	completed  []protocol.CompleteRequest
	registers  int
	lastStatus string
	drainAfter int
}

func (f *fakeDispatcher) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/register", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		f.registers++
		f.lastStatus = req.Status
		n := f.registers
		drainAfter := f.drainAfter
		f.mu.Unlock()

		resp := protocol.RegisterResponse{}
		if drainAfter > 0 && n >= drainAfter {
			drain := true
			resp.PendingConfig = &protocol.PendingConfig{Drain: &drain}
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/v1/claim", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		already := f.claimed
		f.claimed = true
		f.mu.Unlock()

		resp := protocol.ClaimResponse{}
		if !already {
			resp.Run = &protocol.ClaimedRun{ID: "run-1", TaskID: "t1", Action: "research", RequiredCapability: "light"}
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /api/v1/progress", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.ProgressResponse{OK: true})
	})
	mux.HandleFunc("POST /api/v1/complete", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.CompleteRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.completed = append(f.completed, req)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(protocol.CompleteResponse{OK: true})
	})
	mux.HandleFunc("GET /api/v1/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("PUT /api/v1/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	return mux
}

func (f *fakeDispatcher) completions() []protocol.CompleteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.CompleteRequest(nil), f.completed...)
}

// exitCodeBackend is a pipeline.Backend whose agent CLI is a real
// subprocess exiting with a fixed code — "true" or "false" — exercising
// the pipeline's actual os/exec path end to end rather than a fake.
type exitCodeBackend struct {
	name string
	bin  string
}

func (b *exitCodeBackend) Name() string                           { return b.name }
func (b *exitCodeBackend) VersionProbe(ctx context.Context) error { _, err := exec.LookPath(b.bin); return err }
func (b *exitCodeBackend) FilterEnv(environ []string) []string    { return nil }
func (b *exitCodeBackend) Command(promptPath string) ([]string, bool) {
	return []string{b.bin}, false
}

func newTestPool(t *testing.T, fd *fakeDispatcher, cfg config.RunnerConfig) *Pool {
	t.Helper()
	srv := httptest.NewServer(fd.handler())
	t.Cleanup(srv.Close)

	cfg.ServerURL = srv.URL
	cfg.RunnerID = "r1"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxBuilds == 0 {
		cfg.MaxBuilds = 1
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	cfg.WorkspaceRoot = t.TempDir()

	client := NewClient(cfg.ServerURL, cfg.APIKey, cfg.RunnerID)
	backend := &exitCodeBackend{name: "exit-true", bin: "true"}
	pipelineCfg := pipeline.Config{
		WorkspaceRoot:    cfg.WorkspaceRoot,
		KillGracePeriod:  time.Second,
		ProgressInterval: time.Hour,
		MaxOutputBytes:   4096,
		LightTimeout:     5 * time.Second,
		BuildTimeout:     5 * time.Second,
	}
	return NewPool(cfg, client, backend, pipelineCfg, nil, zap.NewNop())
}

func TestPoolClaimsAndCompletesOneRun(t *testing.T) {
	fd := &fakeDispatcher{}
	pool := newTestPool(t, fd, config.RunnerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if len(fd.completions()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the run to complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	completions := fd.completions()
	if completions[0].RunID != "run-1" {
		t.Fatalf("expected completion for run-1, got %+v", completions[0])
	}
	if completions[0].Outcome.Status != pipeline.OutcomeCompleted {
		t.Fatalf("expected a completed outcome for the `true` backend, got %+v", completions[0].Outcome)
	}

	cancel()
	<-done
}

func TestPoolDrainsAndExitsOnPendingConfig(t *testing.T) {
	fd := &fakeDispatcher{drainAfter: 1}
	pool := newTestPool(t, fd, config.RunnerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("pool.Run returned an error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("pool did not drain and exit after the dispatcher requested it")
	}
}

func TestPoolBeginDrainSkipsBuildRuns(t *testing.T) {
	pool := newTestPool(t, &fakeDispatcher{}, config.RunnerConfig{})

	buildCancelled := &atomic.Bool{}
	otherCancelled := &atomic.Bool{}
	pool.mu.Lock()
	pool.tracked["build-run"] = &trackedRun{taskID: "t1", action: "build", cancelled: buildCancelled}
	pool.tracked["research-run"] = &trackedRun{taskID: "t2", action: "research", cancelled: otherCancelled}
	pool.mu.Unlock()
	pool.wg.Add(2)
	defer func() {
		pool.wg.Done()
		pool.wg.Done()
	}()

	go pool.beginDrain()
	time.Sleep(20 * time.Millisecond)

	if buildCancelled.Load() {
		t.Fatalf("build runs must not be cancelled on drain")
	}
	if !otherCancelled.Load() {
		t.Fatalf("non-build runs must be cancelled on drain")
	}
}
