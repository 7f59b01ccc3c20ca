// Command flowstate-server runs the dispatcher: the worker↔dispatcher HTTP
// protocol, the fleet/admin read model, and the watchdog and autoscaler
// background loops, all in one process.
//
// Lifecycle grounded on the teacher's cmd/control-plane/main.go:
// zap.NewProduction logger, signal.NotifyContext for SIGINT/SIGTERM,
// bounded-timeout graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flowstate-dev/flowstate/internal/flowstate/config"
	"github.com/flowstate-dev/flowstate/internal/flowstate/dispatcher"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowstate-server: config:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowstate-server: logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dispatcher.Version, dispatcher.Commit, dispatcher.Date = version, commit, date

	srv, err := dispatcher.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build dispatcher", zap.Error(err))
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("flowstate-server starting", zap.String("version", version), zap.String("data_dir", cfg.DataDir))

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("dispatcher exited with error", zap.Error(err))
	}
	logger.Info("flowstate-server stopped")
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
