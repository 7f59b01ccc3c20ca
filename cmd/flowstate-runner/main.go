// Command flowstate-runner is the worker half of Flowstate: it registers
// with the dispatcher, claims eligible runs up to its capacity, and drives
// each through the pipeline state machine against a configured agent
// backend, per spec §4.4.
//
// Lifecycle grounded on the teacher's cmd/control-plane/main.go: zap
// production logger, signal.NotifyContext for SIGINT/SIGTERM, the
// cancelled context itself driving the pool's drain path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowstate-dev/flowstate/internal/flowstate/config"
	"github.com/flowstate-dev/flowstate/internal/flowstate/pipeline"
	"github.com/flowstate-dev/flowstate/internal/flowstate/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// progressInterval sets how often the pipeline sends a progress heartbeat
// to the dispatcher while a backend is streaming output.
const progressInterval = 10 * time.Second

func main() {
	cfg, err := config.LoadRunnerConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowstate-runner: config:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowstate-runner: logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.RunnerID == "" {
		hostname, _ := os.Hostname()
		cfg.RunnerID = "runner-" + hostname
	}

	backend, err := pipeline.ByName(cfg.Backend)
	if err != nil {
		logger.Fatal("failed to resolve backend", zap.Error(err))
	}
	if err := backend.VersionProbe(context.Background()); err != nil {
		logger.Warn("backend version probe failed at startup, will retry per run", zap.Error(err))
	}

	client := runner.NewClient(cfg.ServerURL, cfg.APIKey, cfg.RunnerID)

	pipelineCfg := pipeline.Config{
		WorkspaceRoot:    cfg.WorkspaceRoot,
		KillGracePeriod:  cfg.KillGracePeriod,
		ProgressInterval: progressInterval,
		MaxOutputBytes:   cfg.MaxOutputBytes,
		RepoURL:          cfg.RepoURL,
		RepoAuthToken:    cfg.RepoAuthToken,
		BaseBranch:       cfg.BaseBranch,
		LightTimeout:     cfg.LightTimeout,
		BuildTimeout:     cfg.BuildTimeout,
		RequiredEnvVars:  cfg.RequiredEnvVars,
	}

	var repo pipeline.RepoProvider
	if cfg.RepoURL != "" {
		repo = &pipeline.GitRepoProvider{}
	}

	pool := runner.NewPool(cfg, client, backend, pipelineCfg, repo, logger.Named("pool"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("flowstate-runner starting",
		zap.String("version", version),
		zap.String("runner_id", cfg.RunnerID),
		zap.String("backend", backend.Name()),
		zap.String("capability", cfg.Capability),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Int("max_builds", cfg.MaxBuilds),
	)

	if err := pool.Run(ctx); err != nil {
		logger.Fatal("runner pool exited with error", zap.Error(err))
	}
	logger.Info("flowstate-runner stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
