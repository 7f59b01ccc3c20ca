// Package watchdog runs the dispatcher's periodic stale-run scan: any run
// stuck in running or salvaging past its action-class threshold is
// force-transitioned to failed, releasing the ownership its dead runner
// never cleared. Grounded on the teacher's offlineChecker goroutine
// (internal/controlplane/server/server.go: 30s ticker calling
// fleetMgr.MarkOffline), the same shape applied to runs instead of probes.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
)

// Ledger is the subset of the ledger store the watchdog needs.
type Ledger interface {
	StaleRunning(ctx context.Context, threshold time.Duration, now time.Time) ([]*model.Run, error)
	FailStale(ctx context.Context, runID string, logger *zap.Logger) error
}

// Watchdog periodically scans for abandoned runs. The threshold applied
// per run is 2x the action's own timeout (light or build), per spec §4.2.
type Watchdog struct {
	ledger       Ledger
	interval     time.Duration
	lightTimeout time.Duration
	buildTimeout time.Duration
	logger       *zap.Logger
}

// New builds a Watchdog.
func New(ledger Ledger, interval, lightTimeout, buildTimeout time.Duration, logger *zap.Logger) *Watchdog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		ledger:       ledger,
		interval:     interval,
		lightTimeout: lightTimeout,
		buildTimeout: buildTimeout,
		logger:       logger,
	}
}

// Run executes the scan loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

// scanOnce checks both timeout classes, since a single "threshold"
// parameter to StaleRunning would either miss slow builds or flag light
// actions too late.
func (w *Watchdog) scanOnce(ctx context.Context) {
	w.sweep(ctx, 2*w.lightTimeout)
	w.sweep(ctx, 2*w.buildTimeout)
}

func (w *Watchdog) sweep(ctx context.Context, threshold time.Duration) {
	now := time.Now().UTC()
	stale, err := w.ledger.StaleRunning(ctx, threshold, now)
	if err != nil {
		w.logger.Error("watchdog: scan failed", zap.Error(err))
		return
	}
	for _, run := range stale {
		if !staleForThreshold(run, w.lightTimeout, w.buildTimeout, threshold) {
			continue
		}
		if err := w.ledger.FailStale(ctx, run.ID, w.logger); err != nil {
			w.logger.Error("watchdog: fail stale run failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}

// staleForThreshold re-checks that the run's own action class is the one
// this sweep's threshold corresponds to, since StaleRunning(threshold) was
// called against the coarser of the two cutoffs and may return runs whose
// own 2x-timeout hasn't actually elapsed yet.
func staleForThreshold(run *model.Run, lightTimeout, buildTimeout, threshold time.Duration) bool {
	ownTimeout := lightTimeout
	if run.Action == model.ActionBuild {
		ownTimeout = buildTimeout
	}
	return 2*ownTimeout <= threshold
}
