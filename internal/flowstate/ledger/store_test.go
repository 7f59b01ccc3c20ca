package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "ledger.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTask(t *testing.T, s *Store, mutate func(*model.Task)) *model.Task {
	t.Helper()
	task := &model.Task{
		ProjectID: "proj-1",
		Status:    model.TaskTodo,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := s.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("upsert task: %v", err)
	}
	return task
}

func TestEnqueuePhaseGates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("research has no gate", func(t *testing.T) {
		task := seedTask(t, s, nil)
		if _, err := s.Enqueue(ctx, task.ID, model.ActionResearch, model.CapLight); err != nil {
			t.Fatalf("enqueue research: %v", err)
		}
	})

	t.Run("plan requires approved spec", func(t *testing.T) {
		task := seedTask(t, s, nil)
		if _, err := s.Enqueue(ctx, task.ID, model.ActionPlan, model.CapStandard); !IsPreconditionFailed(err) {
			t.Fatalf("expected precondition failure, got %v", err)
		}
		task.ApprovalSpec = model.ApprovalApproved
		if err := s.UpsertTask(ctx, task); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := s.Enqueue(ctx, task.ID, model.ActionPlan, model.CapStandard); err != nil {
			t.Fatalf("enqueue plan after approval: %v", err)
		}
	})

	t.Run("build requires spec and plan approved", func(t *testing.T) {
		task := seedTask(t, s, func(tk *model.Task) {
			tk.ApprovalSpec = model.ApprovalApproved
		})
		if _, err := s.Enqueue(ctx, task.ID, model.ActionBuild, model.CapHeavy); !IsPreconditionFailed(err) {
			t.Fatalf("expected precondition failure with only spec approved, got %v", err)
		}
		task.ApprovalPlan = model.ApprovalApproved
		if err := s.UpsertTask(ctx, task); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := s.Enqueue(ctx, task.ID, model.ActionBuild, model.CapHeavy); err != nil {
			t.Fatalf("enqueue build after both approved: %v", err)
		}
	})
}

func TestClaimRespectsCapabilityAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	lightID, err := s.Enqueue(ctx, task.ID, model.ActionResearch, model.CapLight)
	if err != nil {
		t.Fatalf("enqueue light: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.Enqueue(ctx, task.ID, model.ActionDesign, model.CapHeavy); err != nil {
		t.Fatalf("enqueue heavy: %v", err)
	}

	run, err := s.Claim(ctx, "runner-1", model.CapLight, true)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run.ID != lightID {
		t.Fatalf("expected to claim the light run %s first, got %s", lightID, run.ID)
	}

	if _, err := s.Claim(ctx, "runner-1", model.CapLight, true); !IsNoRunAvailable(err) {
		t.Fatalf("expected ErrNoRunAvailable for a light runner against the remaining heavy run, got %v", err)
	}

	run2, err := s.Claim(ctx, "runner-2", model.CapHeavy, true)
	if err != nil {
		t.Fatalf("claim heavy: %v", err)
	}
	if run2.RunnerID == nil || *run2.RunnerID != "runner-2" {
		t.Fatalf("expected runner-2 to own the claimed run")
	}
}

func TestClaimExcludesBuildWhenNotWanted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, func(tk *model.Task) {
		tk.ApprovalSpec = model.ApprovalApproved
		tk.ApprovalPlan = model.ApprovalApproved
	})

	if _, err := s.Enqueue(ctx, task.ID, model.ActionBuild, model.CapHeavy); err != nil {
		t.Fatalf("enqueue build: %v", err)
	}

	if _, err := s.Claim(ctx, "runner-1", model.CapHeavy, false); !IsNoRunAvailable(err) {
		t.Fatalf("expected ErrNoRunAvailable when wantBuild=false, got %v", err)
	}
	if _, err := s.Claim(ctx, "runner-1", model.CapHeavy, true); err != nil {
		t.Fatalf("claim with wantBuild=true: %v", err)
	}
}

// TestClaimIsRaceFree enqueues N runs and fires K concurrent claimers at
// them, asserting every run is claimed by exactly one caller — the
// property spec §8 calls out explicitly.
func TestClaimIsRaceFree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	const numRuns = 40
	const numClaimers = 8
	for i := 0; i < numRuns; i++ {
		if _, err := s.Enqueue(ctx, task.ID, model.ActionResearch, model.CapLight); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		claims = make(map[string]string)
	)
	for i := 0; i < numClaimers; i++ {
		wg.Add(1)
		runnerID := "runner-" + time.Now().Add(time.Duration(i)).String()
		go func(runnerID string) {
			defer wg.Done()
			for {
				run, err := s.Claim(ctx, runnerID, model.CapLight, true)
				if IsNoRunAvailable(err) {
					return
				}
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				if prev, ok := claims[run.ID]; ok {
					t.Errorf("run %s claimed twice: by %s and %s", run.ID, prev, runnerID)
				}
				claims[run.ID] = runnerID
				mu.Unlock()
			}
		}(runnerID)
	}
	wg.Wait()

	if len(claims) != numRuns {
		t.Fatalf("expected %d runs claimed exactly once, got %d", numRuns, len(claims))
	}
}

func TestProgressRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)
	runID, _ := s.Enqueue(ctx, task.ID, model.ActionResearch, model.CapLight)
	if _, err := s.Claim(ctx, "runner-1", model.CapLight, true); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.Progress(ctx, runID, "runner-2", "hi"); !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition for wrong owner, got %v", err)
	}
	if err := s.Progress(ctx, runID, "runner-1", "working"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.ProgressMessage != "working" {
		t.Fatalf("expected progress message to be set, got %q", run.ProgressMessage)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)
	runID, _ := s.Enqueue(ctx, task.ID, model.ActionResearch, model.CapLight)
	if _, err := s.Claim(ctx, "runner-1", model.CapLight, true); err != nil {
		t.Fatalf("claim: %v", err)
	}

	outcome := model.Outcome{Status: model.RunCompleted, Message: "done"}
	if err := s.Complete(ctx, runID, "runner-1", outcome); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Repeated identical completion is a no-op success.
	if err := s.Complete(ctx, runID, "runner-1", outcome); err != nil {
		t.Fatalf("idempotent complete: %v", err)
	}
	// A conflicting re-complete is rejected.
	if err := s.Complete(ctx, runID, "runner-1", model.Outcome{Status: model.RunFailed}); !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition for conflicting re-complete, got %v", err)
	}
}

func TestCountQueuedByCapability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, func(tk *model.Task) {
		tk.ApprovalSpec = model.ApprovalApproved
		tk.ApprovalPlan = model.ApprovalApproved
	})

	if _, err := s.Enqueue(ctx, task.ID, model.ActionResearch, model.CapLight); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, task.ID, model.ActionBuild, model.CapHeavy); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	n, err := s.CountQueued(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 queued, got %d err=%v", n, err)
	}
	n, err = s.CountQueuedByCapability(ctx, model.CapHeavy)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 heavy queued, got %d err=%v", n, err)
	}
}

func TestStaleRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)
	runID, _ := s.Enqueue(ctx, task.ID, model.ActionResearch, model.CapLight)
	if _, err := s.Claim(ctx, "runner-1", model.CapLight, true); err != nil {
		t.Fatalf("claim: %v", err)
	}

	now := time.Now().UTC()
	stale, err := s.StaleRunning(ctx, time.Millisecond, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("stale running: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != runID {
		t.Fatalf("expected the running run to be reported stale, got %v", stale)
	}

	fresh, err := s.StaleRunning(ctx, time.Hour, now)
	if err != nil {
		t.Fatalf("stale running: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no stale runs within the threshold, got %v", fresh)
	}
}
