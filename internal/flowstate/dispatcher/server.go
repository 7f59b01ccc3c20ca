// Package dispatcher serves the worker↔dispatcher protocol (register,
// claim, progress, complete), the fleet/admin read model, and the
// watchdog and autoscaler background loops that live in the same process,
// per spec §4.2. HTTP-level details (routing, auth framing) are the only
// transport concerns in scope here — everything else delegates straight
// to the ledger and fleet manager.
//
// Grounded on internal/controlplane/server/server.go: the store-init
// step (with no in-memory fallback — a store that fails to open is
// returned as an error), the Run(ctx) goroutine
// lifecycle, and graceful shutdown via http.Server.Shutdown; route table
// shape follows cmd/control-plane/main.go's net/http 1.22+ pattern mux.
package dispatcher

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/artifactstore"
	"github.com/flowstate-dev/flowstate/internal/flowstate/autoscaler"
	"github.com/flowstate-dev/flowstate/internal/flowstate/config"
	"github.com/flowstate-dev/flowstate/internal/flowstate/fleet"
	"github.com/flowstate-dev/flowstate/internal/flowstate/ledger"
	"github.com/flowstate-dev/flowstate/internal/flowstate/metrics"
	"github.com/flowstate-dev/flowstate/internal/flowstate/watchdog"
)

// Server assembles the ledger, fleet manager, artifact store, metrics, and
// the watchdog/autoscaler background loops behind one HTTP surface.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	ledger     *ledger.Store
	artifacts  *artifactstore.Store
	fleetMgr   *fleet.Manager
	metrics    *metrics.Collector
	authn      *Authenticator
	watchdog   *watchdog.Watchdog
	autoscaler *autoscaler.Controller
	podStore   *autoscaler.Store

	httpServer *http.Server
}

// New builds a fully-wired Server from config. Every SQLite store (ledger,
// artifacts, and pod state when the autoscaler is enabled) lives under
// cfg.DataDir; callers must call Close when done.
func New(cfg config.ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	ledgerStore, err := ledger.Open(filepath.Join(cfg.DataDir, "ledger.db"), logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	artifactStore, err := artifactstore.Open(filepath.Join(cfg.DataDir, "artifacts.db"), logger.Named("artifacts"))
	if err != nil {
		ledgerStore.Close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		ledger:    ledgerStore,
		artifacts: artifactStore,
		fleetMgr:  fleet.NewManager(logger.Named("fleet")),
		metrics:   metrics.New(),
		authn:     NewAuthenticator(cfg.RunnerAPIKey),
	}

	s.watchdog = watchdog.New(s.ledger, cfg.WatchdogInterval, cfg.LightTimeout, cfg.BuildTimeout, logger.Named("watchdog"))

	if cfg.AutoscalerEnabled {
		if err := s.initAutoscaler(); err != nil {
			s.Close()
			return nil, err
		}
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) initAutoscaler() error {
	store, err := autoscaler.Open(filepath.Join(s.cfg.DataDir, "pod.db"), s.logger.Named("autoscaler"))
	if err != nil {
		return err
	}
	s.podStore = store
	provider := autoscaler.NewHTTPPodProvider(s.cfg.PodProviderBaseURL, s.cfg.PodProviderAPIKey)
	s.autoscaler = autoscaler.New(autoscaler.Config{
		ScanInterval:       s.cfg.ScanInterval,
		QueueThreshold:     s.cfg.QueueThreshold,
		SpindownThreshold:  s.cfg.SpindownThreshold,
		IdleTimeout:        s.cfg.IdleTimeout,
		DrainTimeout:       s.cfg.DrainTimeout,
		MaxDailySpendCents: s.cfg.MaxDailySpendCents,
		Template:           s.cfg.PodTemplate,
		GPUType:            s.cfg.PodGPUType,
		GPUCount:           s.cfg.PodGPUCount,
		NetworkVolume:      s.cfg.PodNetworkVolume,
		ServerURL:          s.cfg.TailnetServerURL,
		RunnerAPIKey:       s.cfg.RunnerAPIKey,
		Capability:         "heavy",
		Backend:            s.cfg.PodBackend,
		MaxConcurrent:      s.cfg.PodMaxConcurrent,
		MaxBuilds:          s.cfg.PodMaxBuilds,
		LocalModel:         s.cfg.PodLocalModel,
		MeshAuthKey:        s.cfg.MeshAuthKey,
	}, s.podStore, provider, s.ledger, s.fleetMgr, s.logger.Named("autoscaler"))
	return nil
}

// Run starts the HTTP server and background loops, blocking until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.watchdog.Run(ctx)
	if s.autoscaler != nil {
		s.autoscaler.Start(ctx)
	}

	s.logger.Info("starting dispatcher", zap.String("addr", s.cfg.ListenAddr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("dispatcher shutting down...")
	if s.autoscaler != nil {
		s.autoscaler.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases every resource New opened.
func (s *Server) Close() {
	if s.ledger != nil {
		s.ledger.Close()
	}
	if s.artifacts != nil {
		s.artifacts.Close()
	}
	if s.podStore != nil {
		s.podStore.Close()
	}
}
