package fleet

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

func TestRegisterAndGet(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("r1", "ephemeral-pod", model.CapHeavy, 5*time.Second, 4, 1, 0, 0, model.RunnerActive)

	r, ok := m.Get("r1")
	if !ok {
		t.Fatalf("expected runner to be registered")
	}
	if r.Capability != model.CapHeavy || r.MaxConcurrent != 4 {
		t.Fatalf("unexpected runner info: %+v", r)
	}
	if r.Status != model.RunnerActive {
		t.Fatalf("expected active status, got %s", r.Status)
	}
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	m := NewManager(zap.NewNop())
	if err := m.Heartbeat("ghost", 0, 0); err == nil {
		t.Fatalf("expected error for unknown runner")
	}
}

func TestPendingConfigDeliveredOnce(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("r1", "laptop", model.CapLight, time.Second, 1, 0, 0, 0, model.RunnerActive)

	drain := true
	if err := m.SetPendingConfig("r1", &model.PendingConfig{Drain: &drain}); err != nil {
		t.Fatalf("set pending config: %v", err)
	}

	cfg := m.TakePendingConfig("r1")
	if cfg == nil || cfg.Drain == nil || !*cfg.Drain {
		t.Fatalf("expected drain config to be delivered, got %+v", cfg)
	}
	if again := m.TakePendingConfig("r1"); again != nil {
		t.Fatalf("expected pending config to be cleared after delivery, got %+v", again)
	}

	// Delivering the drain directive must not itself flip the runner to
	// drained — it stays active until it reports drained itself.
	r, _ := m.Get("r1")
	if r.Status != model.RunnerActive {
		t.Fatalf("expected runner to remain active right after delivery, got %s", r.Status)
	}
}

func TestRunnerReachesDrainedOnlyViaSelfReportedStatus(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("r1", "laptop", model.CapLight, time.Second, 1, 0, 1, 0, model.RunnerActive)

	drain := true
	if err := m.SetPendingConfig("r1", &model.PendingConfig{Drain: &drain}); err != nil {
		t.Fatalf("set pending config: %v", err)
	}
	m.TakePendingConfig("r1")

	r, _ := m.Get("r1")
	if r.Status != model.RunnerActive {
		t.Fatalf("expected runner still active with a run in flight, got %s", r.Status)
	}

	// The runner finishes its in-flight run and reports drained on its next
	// register call; only then does the fleet's view flip.
	m.Register("r1", "laptop", model.CapLight, time.Second, 1, 0, 0, 0, model.RunnerDrained)

	r, _ = m.Get("r1")
	if r.Status != model.RunnerDrained {
		t.Fatalf("expected runner marked drained after self-reporting it, got %s", r.Status)
	}
}

func TestMarkOfflineEvictsStaleRunners(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("r1", "host", model.CapLight, time.Second, 1, 0, 0, 0, model.RunnerActive)
	m.runners["r1"].LastSeen = time.Now().UTC().Add(-time.Hour)

	evicted := m.MarkOffline(time.Minute)
	if len(evicted) != 1 || evicted[0] != "r1" {
		t.Fatalf("expected r1 evicted, got %v", evicted)
	}
	if _, ok := m.Get("r1"); ok {
		t.Fatalf("expected r1 to be removed from the fleet")
	}
}

func TestTotalCapacityRespectsCapabilityTier(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register("light-1", "h1", model.CapLight, time.Second, 3, 0, 0, 0, model.RunnerActive)
	m.Register("heavy-1", "h2", model.CapHeavy, time.Second, 2, 1, 0, 0, model.RunnerActive)

	if got := m.TotalCapacity(model.CapLight); got != 5 {
		t.Fatalf("expected light capacity 5 (both runners qualify), got %d", got)
	}
	if got := m.TotalCapacity(model.CapHeavy); got != 2 {
		t.Fatalf("expected heavy capacity 2 (only heavy-1 qualifies), got %d", got)
	}
}
