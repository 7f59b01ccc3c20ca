package watchdog

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

type fakeLedger struct {
	stale  map[time.Duration][]*model.Run
	failed []string
}

func (f *fakeLedger) StaleRunning(ctx context.Context, threshold time.Duration, now time.Time) ([]*model.Run, error) {
	return f.stale[threshold], nil
}

func (f *fakeLedger) FailStale(ctx context.Context, runID string, logger *zap.Logger) error {
	f.failed = append(f.failed, runID)
	return nil
}

func TestScanOnceFailsLightRunPastItsOwnThreshold(t *testing.T) {
	lightTimeout := 10 * time.Minute
	buildTimeout := 20 * time.Minute

	ledger := &fakeLedger{stale: map[time.Duration][]*model.Run{
		2 * lightTimeout: {{ID: "run-light", Action: model.ActionResearch}},
	}}

	w := New(ledger, time.Hour, lightTimeout, buildTimeout, zap.NewNop())
	w.scanOnce(context.Background())

	if len(ledger.failed) != 1 || ledger.failed[0] != "run-light" {
		t.Fatalf("expected run-light to be failed, got %v", ledger.failed)
	}
}

func TestScanOnceFailsBuildRunOnlyAtItsOwnThreshold(t *testing.T) {
	lightTimeout := 10 * time.Minute
	buildTimeout := 20 * time.Minute

	ledger := &fakeLedger{stale: map[time.Duration][]*model.Run{
		2 * lightTimeout: {{ID: "run-build", Action: model.ActionBuild}},
		2 * buildTimeout: {{ID: "run-build", Action: model.ActionBuild}},
	}}

	w := New(ledger, time.Hour, lightTimeout, buildTimeout, zap.NewNop())
	w.scanOnce(context.Background())

	if len(ledger.failed) != 1 || ledger.failed[0] != "run-build" {
		t.Fatalf("expected run-build to be failed exactly once at its own threshold, got %v", ledger.failed)
	}
}

func TestScanOnceLeavesFreshRunsAlone(t *testing.T) {
	lightTimeout := 10 * time.Minute
	buildTimeout := 20 * time.Minute

	ledger := &fakeLedger{stale: map[time.Duration][]*model.Run{}}

	w := New(ledger, time.Hour, lightTimeout, buildTimeout, zap.NewNop())
	w.scanOnce(context.Background())

	if len(ledger.failed) != 0 {
		t.Fatalf("expected no runs failed, got %v", ledger.failed)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ledger := &fakeLedger{stale: map[time.Duration][]*model.Run{}}
	w := New(ledger, time.Millisecond, time.Minute, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watchdog did not stop after context cancellation")
	}
}
