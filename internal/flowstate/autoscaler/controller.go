package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

// QueueCounter is the subset of the ledger the autoscaler needs: the
// queue depth for heavy-capability work (spec §4.5 rule 1).
type QueueCounter interface {
	CountQueuedByCapability(ctx context.Context, capability model.Capability) (int64, error)
}

// FleetView is the subset of the dispatcher's fleet manager the autoscaler
// needs: find the runner riding the managed pod and stage its drain.
type FleetView interface {
	Get(id string) (*model.RunnerInfo, bool)
	SetPendingConfig(id string, cfg *model.PendingConfig) error
}

// Config holds the autoscaler's tunables, sourced from config.ServerConfig.
type Config struct {
	ScanInterval       time.Duration
	QueueThreshold     int64
	SpindownThreshold  int64
	IdleTimeout        time.Duration
	DrainTimeout       time.Duration
	MaxDailySpendCents int64

	// Pod template and injected environment, per spec §4.5 rule 2.
	Template      string
	GPUType       string
	GPUCount      int
	NetworkVolume string
	ServerURL     string
	RunnerAPIKey  string
	Capability    string
	Backend       string
	MaxConcurrent int
	MaxBuilds     int
	LocalModel    string
	MeshAuthKey   string
}

// Controller runs the single-threaded GPU pod reconciliation loop
// described in spec §4.5. It re-reads PodState from the store every tick
// rather than caching across ticks, so every decision is idempotent with
// respect to provider state even across a dispatcher restart.
//
// Loop shape grounded on the teacher's job scheduler
// (internal/controlplane/jobs/scheduler.go Start/runOnce/ticker lifecycle),
// generalized from "dispatch a job to a target" to "reconcile one pod's
// desired state."
type Controller struct {
	cfg      Config
	store    *Store
	provider PodProvider
	queue    QueueCounter
	fleet    FleetView
	logger   *zap.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Controller. It is only started when a pod-provider API key
// is configured (dispatcher.New gates construction on
// config.ServerConfig.AutoscalerEnabled, which the env loader sets from
// that key).
func New(cfg Config, store *Store, provider PodProvider, queue QueueCounter, fleet FleetView, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, store: store, provider: provider, queue: queue, fleet: fleet, logger: logger}
}

// managedPodRunnerID is the runner id the controller's single managed pod
// always registers under (spec §3: exactly one managed pod at a time, so a
// constant id is sufficient — unlike a pod id, it is known before the pod
// exists and can be baked into its environment at create time).
const managedPodRunnerID = "gpu-pod-managed"

// RunnerIDForPod returns the runner id the managed pod is expected to
// register under, injected into its environment on create so the
// controller knows which fleet entry to drain.
func RunnerIDForPod() string {
	return managedPodRunnerID
}

// Start begins the scan loop. Safe to call once; a second call is a no-op.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.ticker != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.ticker = time.NewTicker(c.cfg.ScanInterval)
	ticker := c.ticker
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.tick(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.tick(loopCtx)
			}
		}
	}()
}

// Stop halts the scan loop and waits for the in-flight tick to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.ticker == nil {
		c.mu.Unlock()
		return
	}
	c.ticker.Stop()
	c.ticker = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) tick(ctx context.Context) {
	st, err := c.store.Get(ctx)
	if err != nil {
		c.logger.Error("autoscaler: read pod state failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	c.resetCostCapAtDayBoundary(st, now)

	queue, err := c.queue.CountQueuedByCapability(ctx, model.CapHeavy)
	if err != nil {
		c.logger.Error("autoscaler: count queued heavy work failed", zap.Error(err))
		return
	}

	switch {
	case c.shouldSpinUp(st, queue):
		c.spinUp(ctx, st, now)
	case st.Status == model.PodRunning && queue > 0:
		st.LastWorkSeen = now
		c.save(ctx, st)
	case c.shouldDrain(st, queue, now):
		c.drain(ctx, st, now)
	case c.shouldStopAfterDrain(st):
		c.stopAfterDrain(ctx, st, now)
	case c.shouldForceStopAfterDrainTimeout(st, now):
		c.logger.Warn("autoscaler: drain timed out, force-stopping pod", zap.String("pod_id", st.PodID))
		c.stopAfterDrain(ctx, st, now)
	}

	c.applyCostCap(ctx, st, now)
}

func (c *Controller) shouldSpinUp(st *model.PodState, queue int64) bool {
	return queue >= c.cfg.QueueThreshold &&
		(st.Status == model.PodNone || st.Status == model.PodStopped) &&
		!st.CostCapped
}

func (c *Controller) shouldDrain(st *model.PodState, queue int64, now time.Time) bool {
	return st.Status == model.PodRunning &&
		queue <= c.cfg.SpindownThreshold &&
		now.Sub(st.LastWorkSeen) > c.cfg.IdleTimeout
}

func (c *Controller) shouldStopAfterDrain(st *model.PodState) bool {
	if st.Status != model.PodDraining {
		return false
	}
	runner, ok := c.fleet.Get(RunnerIDForPod())
	return ok && runner.Status == model.RunnerDrained
}

func (c *Controller) shouldForceStopAfterDrainTimeout(st *model.PodState, now time.Time) bool {
	return st.Status == model.PodDraining && st.DrainRequestedAt != nil &&
		now.Sub(*st.DrainRequestedAt) > c.cfg.DrainTimeout
}

func (c *Controller) spinUp(ctx context.Context, st *model.PodState, now time.Time) {
	var podID string
	var err error
	if st.PodID == "" {
		podID, err = c.provider.Create(ctx, c.buildCreateRequest())
		if err != nil {
			c.logger.Error("autoscaler: create pod failed", zap.Error(err))
			return
		}
		st.PodID = podID
	} else {
		podID = st.PodID
		if err = c.provider.Start(ctx, podID); err != nil {
			c.logger.Error("autoscaler: start pod failed", zap.String("pod_id", podID), zap.Error(err))
			return
		}
	}

	st.Status = model.PodStarting
	st.LastWorkSeen = now
	c.save(ctx, st)

	report, err := c.provider.Get(ctx, podID)
	if err != nil {
		c.logger.Warn("autoscaler: status poll after spin-up failed", zap.Error(err))
		return
	}
	if report.Status == "running" {
		st.Status = model.PodRunning
		c.save(ctx, st)
	}
	c.logger.Info("autoscaler: pod spinning up", zap.String("pod_id", podID))
}

func (c *Controller) buildCreateRequest() CreateRequest {
	env := map[string]string{
		"FLOWSTATE_RUNNER_ID":      RunnerIDForPod(),
		"FLOWSTATE_SERVER_URL":     c.cfg.ServerURL,
		"FLOWSTATE_API_KEY":        c.cfg.RunnerAPIKey,
		"FLOWSTATE_CAPABILITY":     c.cfg.Capability,
		"FLOWSTATE_BACKEND":        c.cfg.Backend,
		"FLOWSTATE_MAX_CONCURRENT": fmt.Sprintf("%d", c.cfg.MaxConcurrent),
		"FLOWSTATE_MAX_BUILDS":     fmt.Sprintf("%d", c.cfg.MaxBuilds),
	}
	if c.cfg.LocalModel != "" {
		env["FLOWSTATE_LOCAL_MODEL"] = c.cfg.LocalModel
	}
	if c.cfg.MeshAuthKey != "" {
		env["FLOWSTATE_MESH_AUTH_KEY"] = c.cfg.MeshAuthKey
	}
	return CreateRequest{
		Template:      c.cfg.Template,
		GPUType:       c.cfg.GPUType,
		GPUCount:      c.cfg.GPUCount,
		NetworkVolume: c.cfg.NetworkVolume,
		Env:           env,
	}
}

func (c *Controller) drain(ctx context.Context, st *model.PodState, now time.Time) {
	runnerID := RunnerIDForPod()
	drain := true
	if err := c.fleet.SetPendingConfig(runnerID, &model.PendingConfig{Drain: &drain}); err != nil {
		c.logger.Warn("autoscaler: could not stage drain for gpu runner", zap.String("runner_id", runnerID), zap.Error(err))
	}
	st.Status = model.PodDraining
	st.DrainRequestedAt = &now
	c.save(ctx, st)
	c.logger.Info("autoscaler: draining pod", zap.String("pod_id", st.PodID))
}

func (c *Controller) stopAfterDrain(ctx context.Context, st *model.PodState, now time.Time) {
	if err := c.provider.Stop(ctx, st.PodID); err != nil {
		c.logger.Error("autoscaler: stop pod failed", zap.String("pod_id", st.PodID), zap.Error(err))
		return
	}
	st.Status = model.PodStopped
	st.DrainRequestedAt = nil
	c.save(ctx, st)
	c.logger.Info("autoscaler: pod stopped", zap.String("pod_id", st.PodID))
}

// applyCostCap accumulates provider-reported cost into the daily total and
// triggers a drain once the cap is exceeded (spec §4.5 rule 7).
func (c *Controller) applyCostCap(ctx context.Context, st *model.PodState, now time.Time) {
	if st.PodID == "" || c.cfg.MaxDailySpendCents <= 0 {
		return
	}
	report, err := c.provider.Get(ctx, st.PodID)
	if err != nil {
		return
	}
	if report.CostCentsSince > 0 {
		st.DailyCostCents += report.CostCentsSince
		c.save(ctx, st)
	}
	if !st.CostCapped && st.DailyCostCents > c.cfg.MaxDailySpendCents {
		st.CostCapped = true
		c.save(ctx, st)
		c.logger.Warn("autoscaler: daily spend cap exceeded, draining", zap.Int64("daily_cost_cents", st.DailyCostCents))
		if st.Status == model.PodRunning {
			c.drain(ctx, st, now)
		}
	}
}

func (c *Controller) resetCostCapAtDayBoundary(st *model.PodState, now time.Time) {
	if !isSameUTCDay(st.DayStart, now) {
		st.DayStart = now
		st.DailyCostCents = 0
		st.CostCapped = false
	}
}

func (c *Controller) save(ctx context.Context, st *model.PodState) {
	if err := c.store.Save(ctx, st); err != nil {
		c.logger.Error("autoscaler: save pod state failed", zap.Error(err))
	}
}
