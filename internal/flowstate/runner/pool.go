package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/config"
	"github.com/flowstate-dev/flowstate/internal/flowstate/pipeline"
	"github.com/flowstate-dev/flowstate/internal/flowstate/protocol"
)

// trackedRun is the RunTracker entry spec §4.4 names: everything the pool
// needs to know about a run it has claimed and spawned, without going back
// to the dispatcher.
type trackedRun struct {
	taskID    string
	action    string
	startedAt time.Time
	cancelled *atomic.Bool
}

// Pool is the worker-side cooperative scheduler: it registers, claims up to
// its available capacity, spawns each claimed run through the pipeline
// concurrently, and drains cleanly on request or on SIGINT/SIGTERM. Loop
// shape grounded on the teacher's job scheduler ticker lifecycle
// (internal/controlplane/jobs/scheduler.go), generalized from "dispatch one
// job" to "claim and spawn up to N concurrent runs per cycle."
type Pool struct {
	cfg         config.RunnerConfig
	client      *Client
	backend     pipeline.Backend
	pipelineCfg pipeline.Config
	repo        pipeline.RepoProvider
	logger      *zap.Logger

	mu      sync.Mutex
	tracked map[string]*trackedRun
	wg      sync.WaitGroup

	pollInterval atomic.Int64 // nanoseconds; hot-reloadable per pending_config
	draining     atomic.Bool
}

// NewPool builds a worker pool for one backend. repo may be nil for
// deployments that never claim build actions.
func NewPool(cfg config.RunnerConfig, client *Client, backend pipeline.Backend, pipelineCfg pipeline.Config, repo pipeline.RepoProvider, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:         cfg,
		client:      client,
		backend:     backend,
		pipelineCfg: pipelineCfg,
		repo:        repo,
		logger:      logger,
		tracked:     make(map[string]*trackedRun),
	}
	p.pollInterval.Store(int64(cfg.PollInterval))
	return p
}

// Run executes the worker loop described in spec §4.4 until ctx is
// cancelled (SIGINT/SIGTERM follows the same drain path) or the pool
// finishes draining on its own.
func (p *Pool) Run(ctx context.Context) error {
	for {
		activeTotal, activeBuilds := p.snapshot()
		draining := p.draining.Load()

		status := "active"
		if draining && activeTotal == 0 {
			status = "drained"
		}

		pending, err := p.client.Register(ctx, protocol.RegisterRequest{
			RunnerID:      p.cfg.RunnerID,
			Backend:       p.backend.Name(),
			Capability:    p.cfg.Capability,
			PollInterval:  time.Duration(p.pollInterval.Load()).Milliseconds(),
			MaxConcurrent: p.cfg.MaxConcurrent,
			MaxBuilds:     p.cfg.MaxBuilds,
			ActiveCount:   activeTotal,
			ActiveBuilds:  activeBuilds,
			Status:        status,
		})
		if err != nil {
			p.logger.Error("register failed", zap.Error(err))
		} else {
			p.applyPendingConfig(pending)
		}

		if status == "drained" {
			p.logger.Info("worker drained, exiting")
			return nil
		}

		if !p.draining.Load() {
			p.claimUpTo(ctx, p.cfg.MaxConcurrent-activeTotal)
		}

		select {
		case <-ctx.Done():
			p.beginDrain()
			p.reportDrainedFinal()
			return nil
		case <-time.After(time.Duration(p.pollInterval.Load())):
		}
	}
}

// reportDrainedFinal sends the last heartbeat after shutdown, using a fresh
// context since the one driving the worker loop is already cancelled.
func (p *Pool) reportDrainedFinal() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	activeTotal, activeBuilds := p.snapshot()
	_, err := p.client.Register(ctx, protocol.RegisterRequest{
		RunnerID:      p.cfg.RunnerID,
		Backend:       p.backend.Name(),
		Capability:    p.cfg.Capability,
		PollInterval:  time.Duration(p.pollInterval.Load()).Milliseconds(),
		MaxConcurrent: p.cfg.MaxConcurrent,
		MaxBuilds:     p.cfg.MaxBuilds,
		ActiveCount:   activeTotal,
		ActiveBuilds:  activeBuilds,
		Status:        "drained",
	})
	if err != nil {
		p.logger.Warn("final drained heartbeat failed", zap.Error(err))
	}
	p.logger.Info("worker drained, exiting")
}

func (p *Pool) snapshot() (activeTotal, activeBuilds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	activeTotal = len(p.tracked)
	for _, r := range p.tracked {
		if r.action == "build" {
			activeBuilds++
		}
	}
	return
}

func (p *Pool) applyPendingConfig(pending *protocol.PendingConfig) {
	if pending == nil {
		return
	}
	if pending.PollIntervalMs != nil {
		p.pollInterval.Store(int64(time.Duration(*pending.PollIntervalMs) * time.Millisecond))
	}
	if pending.Drain != nil && *pending.Drain {
		p.draining.Store(true)
		p.logger.Info("drain requested by dispatcher")
	}
}

func (p *Pool) claimUpTo(ctx context.Context, available int) {
	for i := 0; i < available; i++ {
		resp, err := p.client.Claim(ctx)
		if err != nil {
			p.logger.Error("claim failed", zap.Error(err))
			return
		}
		p.applyPendingConfig(resp.PendingConfig)
		if resp.Run == nil {
			return // nothing eligible right now
		}
		p.spawn(ctx, resp.Run)
		if p.draining.Load() {
			return
		}
	}
}

func (p *Pool) spawn(ctx context.Context, run *protocol.ClaimedRun) {
	cancelled := &atomic.Bool{}
	p.mu.Lock()
	p.tracked[run.ID] = &trackedRun{
		taskID:    run.TaskID,
		action:    run.Action,
		startedAt: time.Now().UTC(),
		cancelled: cancelled,
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.tracked, run.ID)
			p.mu.Unlock()
		}()

		pl := pipeline.New(p.pipelineCfg, p.backend, &remoteArtifacts{client: p.client}, p.repo, p.client, p.logger.Named("pipeline"))
		in := p.buildRunInput(ctx, run)
		pl.Run(ctx, in, cancelled)
	}()
}

func (p *Pool) buildRunInput(ctx context.Context, run *protocol.ClaimedRun) *pipeline.RunInput {
	in := &pipeline.RunInput{
		RunID:              run.ID,
		TaskID:             run.TaskID,
		TaskTitle:          run.TaskID,
		Action:             run.Action,
		RequiredCapability: run.RequiredCapability,
	}
	in.Artifacts.Spec = p.fetchArtifact(ctx, pipeline.ArtifactKey(run.TaskID, pipeline.ArtifactSpec))
	in.Artifacts.Plan = p.fetchArtifact(ctx, pipeline.ArtifactKey(run.TaskID, pipeline.ArtifactPlan))
	in.Artifacts.Research = p.fetchArtifact(ctx, pipeline.ArtifactKey(run.TaskID, pipeline.ArtifactResearch))
	in.Artifacts.Verification = p.fetchArtifact(ctx, pipeline.ArtifactKey(run.TaskID, pipeline.ArtifactVerification))
	return in
}

func (p *Pool) fetchArtifact(ctx context.Context, key string) string {
	data, found, err := p.client.GetArtifact(ctx, key)
	if err != nil {
		p.logger.Warn("fetch artifact failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	if !found {
		return ""
	}
	return string(data)
}

// beginDrain is entered once the context is cancelled (SIGINT/SIGTERM).
// Non-build runs are signalled to cancel cooperatively; build runs run to
// completion or their own timeout, per spec §5's cancellation policy. After
// shutdown_timeout elapses with runs still active, the underlying pipeline's
// own SIGTERM→SIGKILL escalation (driven by the cancellation flag) takes
// over via the per-run context passed to Command.
func (p *Pool) beginDrain() {
	if !p.draining.CompareAndSwap(false, true) {
		p.waitOutShutdown()
		return
	}
	p.logger.Info("shutdown requested, draining in-flight runs")

	p.mu.Lock()
	for _, r := range p.tracked {
		if r.action != "build" {
			r.cancelled.Store(true)
		}
	}
	p.mu.Unlock()

	p.waitOutShutdown()
}

func (p *Pool) waitOutShutdown() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("shutdown timeout elapsed with runs still active")
	}
}
