package autoscaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

type fakeQueue struct {
	depth int64
}

func (f *fakeQueue) CountQueuedByCapability(ctx context.Context, capability model.Capability) (int64, error) {
	return f.depth, nil
}

type fakeFleet struct {
	mu      sync.Mutex
	runners map[string]*model.RunnerInfo
	pending map[string]*model.PendingConfig
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{runners: map[string]*model.RunnerInfo{}, pending: map[string]*model.PendingConfig{}}
}

func (f *fakeFleet) Get(id string) (*model.RunnerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[id]
	return r, ok
}

func (f *fakeFleet) SetPendingConfig(id string, cfg *model.PendingConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[id] = cfg
	return nil
}

type fakeProvider struct {
	mu             sync.Mutex
	createCalls    int
	startCalls     int
	stopCalls      int
	statusOnCreate string
	costCentsSince int64
}

func (p *fakeProvider) Create(ctx context.Context, req CreateRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	return "pod-1", nil
}

func (p *fakeProvider) Start(ctx context.Context, podID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	return nil
}

func (p *fakeProvider) Stop(ctx context.Context, podID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return nil
}

func (p *fakeProvider) Get(ctx context.Context, podID string) (PodStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.statusOnCreate
	if status == "" {
		status = "running"
	}
	return PodStatusReport{Status: status, CostCentsSince: p.costCentsSince}, nil
}

func newTestController(t *testing.T, cfg Config, provider *fakeProvider, queue *fakeQueue, fleet *fakeFleet) *Controller {
	t.Helper()
	store, err := Open(t.TempDir()+"/pod.db", zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(cfg, store, provider, queue, fleet, zap.NewNop())
}

func TestTickSpinsUpOnQueueThreshold(t *testing.T) {
	provider := &fakeProvider{}
	queue := &fakeQueue{depth: 3}
	fleet := newFakeFleet()
	c := newTestController(t, Config{QueueThreshold: 1, IdleTimeout: time.Hour, DrainTimeout: time.Hour}, provider, queue, fleet)

	c.tick(context.Background())

	if provider.createCalls != 1 {
		t.Fatalf("expected the pod to be created, got %d calls", provider.createCalls)
	}
	st, err := c.store.Get(context.Background())
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.Status != model.PodRunning {
		t.Fatalf("expected pod running after spin-up, got %s", st.Status)
	}
}

func TestTickDoesNotSpinUpBelowThreshold(t *testing.T) {
	provider := &fakeProvider{}
	queue := &fakeQueue{depth: 0}
	fleet := newFakeFleet()
	c := newTestController(t, Config{QueueThreshold: 1, IdleTimeout: time.Hour, DrainTimeout: time.Hour}, provider, queue, fleet)

	c.tick(context.Background())

	if provider.createCalls != 0 {
		t.Fatalf("expected no pod creation with nothing queued, got %d calls", provider.createCalls)
	}
}

func TestTickDrainsAfterIdleTimeout(t *testing.T) {
	provider := &fakeProvider{}
	queue := &fakeQueue{depth: 0}
	fleet := newFakeFleet()
	c := newTestController(t, Config{QueueThreshold: 1, IdleTimeout: time.Millisecond, DrainTimeout: time.Hour}, provider, queue, fleet)

	ctx := context.Background()
	st, err := c.store.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	st.Status = model.PodRunning
	st.PodID = "pod-1"
	st.LastWorkSeen = time.Now().UTC().Add(-time.Hour)
	if err := c.store.Save(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}

	c.tick(ctx)

	st, err = c.store.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.Status != model.PodDraining {
		t.Fatalf("expected pod draining, got %s", st.Status)
	}
	if fleet.pending[RunnerIDForPod()] == nil || fleet.pending[RunnerIDForPod()].Drain == nil || !*fleet.pending[RunnerIDForPod()].Drain {
		t.Fatalf("expected the gpu runner to have a drain pending config staged")
	}
}

func TestTickStopsAfterRunnerDrained(t *testing.T) {
	provider := &fakeProvider{}
	queue := &fakeQueue{depth: 0}
	fleet := newFakeFleet()
	fleet.runners[RunnerIDForPod()] = &model.RunnerInfo{ID: RunnerIDForPod(), Status: model.RunnerDrained}
	c := newTestController(t, Config{QueueThreshold: 1, IdleTimeout: time.Hour, DrainTimeout: time.Hour}, provider, queue, fleet)

	ctx := context.Background()
	st, err := c.store.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	st.Status = model.PodDraining
	st.PodID = "pod-1"
	now := time.Now().UTC()
	st.DrainRequestedAt = &now
	if err := c.store.Save(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}

	c.tick(ctx)

	if provider.stopCalls != 1 {
		t.Fatalf("expected the pod to be stopped, got %d calls", provider.stopCalls)
	}
	st, err = c.store.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.Status != model.PodStopped {
		t.Fatalf("expected pod stopped, got %s", st.Status)
	}
}

func TestTickForceStopsAfterDrainTimeout(t *testing.T) {
	provider := &fakeProvider{}
	queue := &fakeQueue{depth: 0}
	fleet := newFakeFleet()
	c := newTestController(t, Config{QueueThreshold: 1, IdleTimeout: time.Hour, DrainTimeout: time.Millisecond}, provider, queue, fleet)

	ctx := context.Background()
	st, err := c.store.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	st.Status = model.PodDraining
	st.PodID = "pod-1"
	old := time.Now().UTC().Add(-time.Hour)
	st.DrainRequestedAt = &old
	if err := c.store.Save(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}

	c.tick(ctx)

	if provider.stopCalls != 1 {
		t.Fatalf("expected a force-stop after drain timeout, got %d stop calls", provider.stopCalls)
	}
}

func TestApplyCostCapDrainsRunningPodOnceOverBudget(t *testing.T) {
	provider := &fakeProvider{costCentsSince: 1000}
	queue := &fakeQueue{depth: 0}
	fleet := newFakeFleet()
	c := newTestController(t, Config{
		QueueThreshold: 1, IdleTimeout: time.Hour, DrainTimeout: time.Hour, MaxDailySpendCents: 500,
	}, provider, queue, fleet)

	ctx := context.Background()
	st, err := c.store.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	st.Status = model.PodRunning
	st.PodID = "pod-1"
	st.LastWorkSeen = time.Now().UTC()
	if err := c.store.Save(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}

	c.tick(ctx)

	st, err = c.store.Get(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !st.CostCapped {
		t.Fatalf("expected the pod state to be marked cost-capped")
	}
	if st.Status != model.PodDraining {
		t.Fatalf("expected cost cap to trigger a drain, got %s", st.Status)
	}
}

func TestResetCostCapAtDayBoundary(t *testing.T) {
	c := &Controller{}
	st := &model.PodState{
		DayStart:       time.Now().UTC().Add(-48 * time.Hour),
		DailyCostCents: 900,
		CostCapped:     true,
	}
	c.resetCostCapAtDayBoundary(st, time.Now().UTC())

	if st.DailyCostCents != 0 || st.CostCapped {
		t.Fatalf("expected daily cost and cap to reset across a day boundary, got %+v", st)
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	provider := &fakeProvider{}
	queue := &fakeQueue{depth: 0}
	fleet := newFakeFleet()
	c := newTestController(t, Config{ScanInterval: time.Hour, QueueThreshold: 1, IdleTimeout: time.Hour, DrainTimeout: time.Hour}, provider, queue, fleet)

	ctx := context.Background()
	c.Start(ctx)
	c.Start(ctx) // must be a no-op, not a second ticker/goroutine
	c.Stop()
	c.Stop() // must be a no-op
}
