// Package protocol defines the wire shapes exchanged between a runner and
// the dispatcher: register, claim, progress, and complete. The transport
// is JSON over HTTP, but every payload here is transport-agnostic — it
// only carries the semantics spec'd for the worker↔dispatcher protocol.
package protocol

import "time"

// RegisterRequest is sent by a runner on startup and piggybacked on every
// subsequent poll.
type RegisterRequest struct {
	RunnerID      string `json:"runner_id"`
	Backend       string `json:"backend"`
	Capability    string `json:"capability"`
	PollInterval  int64  `json:"poll_interval_ms"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxBuilds     int    `json:"max_builds"`
	ActiveCount   int    `json:"active_count"`
	ActiveBuilds  int    `json:"active_builds"`
	Status        string `json:"status"`
}

// RegisterResponse carries any configuration the dispatcher wants applied.
type RegisterResponse struct {
	PendingConfig *PendingConfig `json:"pending_config,omitempty"`
}

// PendingConfig mirrors model.PendingConfig over the wire.
type PendingConfig struct {
	PollIntervalMs *int64 `json:"poll_interval_ms,omitempty"`
	Drain          *bool  `json:"drain,omitempty"`
}

// ClaimRequest asks the dispatcher for the next eligible run.
type ClaimRequest struct {
	RunnerID string `json:"runner_id"`
}

// ClaimResponse carries a run, or none if Run is nil — the "204-equivalent
// empty result" the dispatcher returns when nothing is eligible.
type ClaimResponse struct {
	Run           *ClaimedRun    `json:"run,omitempty"`
	PendingConfig *PendingConfig `json:"pending_config,omitempty"`
}

// ClaimedRun is the subset of run fields a worker needs to execute the
// pipeline.
type ClaimedRun struct {
	ID                 string `json:"id"`
	TaskID             string `json:"task_id"`
	Action             string `json:"action"`
	RequiredCapability string `json:"required_capability"`
}

// ProgressRequest reports a heartbeat/progress update for an in-flight run.
type ProgressRequest struct {
	RunID    string `json:"run_id"`
	RunnerID string `json:"runner_id"`
	Message  string `json:"message"`
}

// ProgressResponse is an empty acknowledgement.
type ProgressResponse struct {
	OK bool `json:"ok"`
}

// CompleteRequest reports the terminal outcome of a run.
type CompleteRequest struct {
	RunID    string  `json:"run_id"`
	RunnerID string  `json:"runner_id"`
	Outcome  Outcome `json:"outcome"`
}

// Outcome mirrors model.Outcome over the wire.
type Outcome struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	PRUrl      string `json:"pr_url,omitempty"`
	PRNumber   *int   `json:"pr_number,omitempty"`
}

// CompleteResponse is an empty acknowledgement.
type CompleteResponse struct {
	OK bool `json:"ok"`
}

// FleetView is the dispatcher's read-only snapshot for admin UIs and the
// autoscaler.
type FleetView struct {
	Runners    []RunnerSnapshot `json:"runners"`
	QueueDepth int64            `json:"queue_depth"`
	PodStatus  string           `json:"pod_status"`
}

// RunnerSnapshot is one runner's externally visible state.
type RunnerSnapshot struct {
	ID            string    `json:"id"`
	Backend       string    `json:"backend"`
	Capability    string    `json:"capability"`
	Status        string    `json:"status"`
	ActiveCount   int       `json:"active_count"`
	ActiveBuilds  int       `json:"active_builds"`
	MaxConcurrent int       `json:"max_concurrent"`
	MaxBuilds     int       `json:"max_builds"`
	LastSeen      time.Time `json:"last_seen"`
	Healthy       bool      `json:"healthy"`
}

// SetPendingConfigRequest is the admin-facing request to stage a config
// change for a runner.
type SetPendingConfigRequest struct {
	RunnerID string        `json:"runner_id"`
	Config   PendingConfig `json:"config"`
}
