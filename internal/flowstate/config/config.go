// Package config loads dispatcher and runner configuration from
// environment variables, the same env-first idiom the teacher's
// controlplane config package uses, adapted to Flowstate's two binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the dispatcher process (cmd/flowstate-server).
type ServerConfig struct {
	ListenAddr string
	DataDir    string

	WatchdogInterval   time.Duration
	LightTimeout       time.Duration
	BuildTimeout       time.Duration
	ProgressInterval   time.Duration
	MaxArtifactBytes   int64

	PodProviderAPIKey  string
	PodProviderBaseURL string
	AutoscalerEnabled  bool
	ScanInterval       time.Duration
	QueueThreshold     int64
	SpindownThreshold  int64
	IdleTimeout        time.Duration
	DrainTimeout       time.Duration
	MaxDailySpendCents int64

	// Injected into the managed pod's environment on spin-up, per spec
	// §4.5 rule 2.
	PodTemplate      string
	PodGPUType       string
	PodGPUCount      int
	PodNetworkVolume string
	PodBackend       string
	PodMaxConcurrent int
	PodMaxBuilds     int
	PodLocalModel    string
	TailnetServerURL string
	MeshAuthKey      string

	// RunnerAPIKey authenticates worker↔dispatcher protocol calls. Empty
	// disables authentication (local/dev use).
	RunnerAPIKey string

	LogLevel string
}

// DefaultServerConfig returns the out-of-the-box dispatcher configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:         ":8080",
		DataDir:            "./data",
		WatchdogInterval:   30 * time.Second,
		LightTimeout:       900 * time.Second,
		BuildTimeout:       1800 * time.Second,
		ProgressInterval:   10 * time.Second,
		MaxArtifactBytes:   4 * 1024 * 1024,
		AutoscalerEnabled:  false,
		ScanInterval:       30 * time.Second,
		QueueThreshold:     1,
		SpindownThreshold:  0,
		IdleTimeout:        5 * time.Minute,
		DrainTimeout:       10 * time.Minute,
		MaxDailySpendCents: 0,
		PodProviderBaseURL: "https://api.runpod.io/v2",
		PodTemplate:        "flowstate-gpu-runner",
		PodGPUType:         "A100",
		PodGPUCount:        1,
		PodBackend:         "claude-code",
		PodMaxConcurrent:   1,
		PodMaxBuilds:       1,
		TailnetServerURL:   "http://flowstate-dispatcher.internal:8080",
		LogLevel:           "info",
	}
}

// LoadServerConfigFromEnv overlays environment variables onto the default
// server configuration. Unset variables leave the default untouched.
func LoadServerConfigFromEnv() (ServerConfig, error) {
	cfg := DefaultServerConfig()

	if v := os.Getenv("FLOWSTATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWSTATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := durationEnv("FLOWSTATE_WATCHDOG_INTERVAL", &cfg.WatchdogInterval); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_LIGHT_TIMEOUT", &cfg.LightTimeout); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_BUILD_TIMEOUT", &cfg.BuildTimeout); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_PROGRESS_INTERVAL", &cfg.ProgressInterval); err != nil {
		return cfg, err
	}
	if err := int64Env("FLOWSTATE_MAX_ARTIFACT_BYTES", &cfg.MaxArtifactBytes); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FLOWSTATE_POD_PROVIDER_API_KEY"); v != "" {
		cfg.PodProviderAPIKey = v
		cfg.AutoscalerEnabled = true
	}
	if v := os.Getenv("FLOWSTATE_POD_PROVIDER_BASE_URL"); v != "" {
		cfg.PodProviderBaseURL = v
	}
	if v := os.Getenv("FLOWSTATE_POD_TEMPLATE"); v != "" {
		cfg.PodTemplate = v
	}
	if v := os.Getenv("FLOWSTATE_POD_GPU_TYPE"); v != "" {
		cfg.PodGPUType = v
	}
	if err := intEnv("FLOWSTATE_POD_GPU_COUNT", &cfg.PodGPUCount); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FLOWSTATE_POD_NETWORK_VOLUME"); v != "" {
		cfg.PodNetworkVolume = v
	}
	if v := os.Getenv("FLOWSTATE_POD_BACKEND"); v != "" {
		cfg.PodBackend = v
	}
	if err := intEnv("FLOWSTATE_POD_MAX_CONCURRENT", &cfg.PodMaxConcurrent); err != nil {
		return cfg, err
	}
	if err := intEnv("FLOWSTATE_POD_MAX_BUILDS", &cfg.PodMaxBuilds); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FLOWSTATE_POD_LOCAL_MODEL"); v != "" {
		cfg.PodLocalModel = v
	}
	if v := os.Getenv("FLOWSTATE_TAILNET_SERVER_URL"); v != "" {
		cfg.TailnetServerURL = v
	}
	if v := os.Getenv("FLOWSTATE_MESH_AUTH_KEY"); v != "" {
		cfg.MeshAuthKey = v
	}
	if v := os.Getenv("FLOWSTATE_AUTH_KEY"); v != "" {
		cfg.RunnerAPIKey = v
	}
	if err := durationEnv("FLOWSTATE_SCAN_INTERVAL", &cfg.ScanInterval); err != nil {
		return cfg, err
	}
	if err := int64Env("FLOWSTATE_QUEUE_THRESHOLD", &cfg.QueueThreshold); err != nil {
		return cfg, err
	}
	if err := int64Env("FLOWSTATE_SPINDOWN_THRESHOLD", &cfg.SpindownThreshold); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_IDLE_TIMEOUT", &cfg.IdleTimeout); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_DRAIN_TIMEOUT", &cfg.DrainTimeout); err != nil {
		return cfg, err
	}
	if err := int64Env("FLOWSTATE_MAX_DAILY_SPEND_CENTS", &cfg.MaxDailySpendCents); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

// RunnerConfig configures the runner process (cmd/flowstate-runner).
type RunnerConfig struct {
	ServerURL     string
	RunnerID      string
	APIKey        string
	Backend       string
	Capability    string
	PollInterval  time.Duration
	MaxConcurrent int
	MaxBuilds     int
	ShutdownTimeout time.Duration
	KillGracePeriod time.Duration
	WorkspaceRoot string
	MaxOutputBytes int
	LogLevel      string

	// Fed into pipeline.Config at startup. LightTimeout/BuildTimeout
	// mirror the dispatcher's own watchdog thresholds so a worker
	// enforces the same per-run deadline locally instead of running
	// unbounded until the dispatcher's stale sweep catches it.
	LightTimeout    time.Duration
	BuildTimeout    time.Duration
	RepoURL         string
	RepoAuthToken   string
	BaseBranch      string
	RequiredEnvVars []string
}

// DefaultRunnerConfig returns the out-of-the-box runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ServerURL:       "http://127.0.0.1:8080",
		Backend:         "claude-code",
		Capability:      "standard",
		PollInterval:    5 * time.Second,
		MaxConcurrent:   2,
		MaxBuilds:       1,
		ShutdownTimeout: 30 * time.Second,
		KillGracePeriod: 10 * time.Second,
		WorkspaceRoot:   "./workspaces",
		MaxOutputBytes:  1 * 1024 * 1024,
		LogLevel:        "info",
		LightTimeout:    900 * time.Second,
		BuildTimeout:    1800 * time.Second,
	}
}

// LoadRunnerConfigFromEnv overlays environment variables onto the default
// runner configuration, then validates the invariants spec'd for startup:
// max_concurrent >= 1, max_builds >= 1, max_builds <= max_concurrent.
func LoadRunnerConfigFromEnv() (RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	if v := os.Getenv("FLOWSTATE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("FLOWSTATE_RUNNER_ID"); v != "" {
		cfg.RunnerID = v
	}
	if v := os.Getenv("FLOWSTATE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("FLOWSTATE_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("FLOWSTATE_CAPABILITY"); v != "" {
		cfg.Capability = v
	}
	if err := durationEnv("FLOWSTATE_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return cfg, err
	}
	if err := intEnv("FLOWSTATE_MAX_CONCURRENT", &cfg.MaxConcurrent); err != nil {
		return cfg, err
	}
	if err := intEnv("FLOWSTATE_MAX_BUILDS", &cfg.MaxBuilds); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_KILL_GRACE_PERIOD", &cfg.KillGracePeriod); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FLOWSTATE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if err := intEnv("FLOWSTATE_MAX_OUTPUT_BYTES", &cfg.MaxOutputBytes); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if err := durationEnv("FLOWSTATE_LIGHT_TIMEOUT", &cfg.LightTimeout); err != nil {
		return cfg, err
	}
	if err := durationEnv("FLOWSTATE_BUILD_TIMEOUT", &cfg.BuildTimeout); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FLOWSTATE_REPO_URL"); v != "" {
		cfg.RepoURL = v
	}
	if v := os.Getenv("FLOWSTATE_REPO_AUTH_TOKEN"); v != "" {
		cfg.RepoAuthToken = v
	}
	if v := os.Getenv("FLOWSTATE_BASE_BRANCH"); v != "" {
		cfg.BaseBranch = v
	}
	if v := os.Getenv("FLOWSTATE_REQUIRED_ENV_VARS"); v != "" {
		cfg.RequiredEnvVars = strings.Split(v, ",")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants from the runner pool design.
func (c RunnerConfig) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.MaxBuilds < 1 {
		return fmt.Errorf("config: max_builds must be >= 1, got %d", c.MaxBuilds)
	}
	if c.MaxBuilds > c.MaxConcurrent {
		return fmt.Errorf("config: max_builds (%d) must be <= max_concurrent (%d)", c.MaxBuilds, c.MaxConcurrent)
	}
	return nil
}

func durationEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func intEnv(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func int64Env(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}
