package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/artifactstore"
	"github.com/flowstate-dev/flowstate/internal/flowstate/ledger"
	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
	"github.com/flowstate-dev/flowstate/internal/flowstate/protocol"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// ── Worker↔dispatcher protocol ──────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed register request")
		return
	}
	if req.RunnerID == "" {
		writeJSONError(w, http.StatusBadRequest, "runner_id is required")
		return
	}

	s.fleetMgr.Register(
		req.RunnerID, req.Backend, model.Capability(req.Capability),
		time.Duration(req.PollInterval)*time.Millisecond,
		req.MaxConcurrent, req.MaxBuilds, req.ActiveCount, req.ActiveBuilds,
		model.RunnerStatus(req.Status),
	)
	s.refreshFleetMetrics()

	pending := s.fleetMgr.TakePendingConfig(req.RunnerID)
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{
		PendingConfig: toWirePendingConfig(pending),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req protocol.ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed claim request")
		return
	}

	runner, ok := s.fleetMgr.Get(req.RunnerID)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "runner has not registered")
		return
	}
	pending := s.fleetMgr.TakePendingConfig(req.RunnerID)

	wantBuild := runner.ActiveBuilds < runner.MaxBuilds
	run, err := s.ledger.Claim(r.Context(), req.RunnerID, runner.Capability, wantBuild)
	switch {
	case errors.Is(err, ledger.ErrNoRunAvailable):
		s.metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		writeJSON(w, http.StatusOK, protocol.ClaimResponse{PendingConfig: toWirePendingConfig(pending)})
		return
	case err != nil:
		s.metrics.ClaimsTotal.WithLabelValues("rejected").Inc()
		s.logger.Error("claim failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "claim failed")
		return
	}

	s.metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	writeJSON(w, http.StatusOK, protocol.ClaimResponse{
		Run: &protocol.ClaimedRun{
			ID:                 run.ID,
			TaskID:             run.TaskID,
			Action:             string(run.Action),
			RequiredCapability: string(run.RequiredCapability),
		},
		PendingConfig: toWirePendingConfig(pending),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req protocol.ProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed progress request")
		return
	}
	err := s.ledger.Progress(r.Context(), req.RunID, req.RunnerID, req.Message)
	if s.writeLedgerError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, protocol.ProgressResponse{OK: true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req protocol.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed complete request")
		return
	}

	run, err := s.ledger.GetRun(r.Context(), req.RunID)
	if s.writeLedgerError(w, err) {
		return
	}

	outcome := model.Outcome{
		Status:     model.RunStatus(req.Outcome.Status),
		Message:    req.Outcome.Message,
		ExitCode:   req.Outcome.ExitCode,
		BranchName: req.Outcome.BranchName,
		PRUrl:      req.Outcome.PRUrl,
		PRNumber:   req.Outcome.PRNumber,
	}
	if err := s.ledger.Complete(r.Context(), req.RunID, req.RunnerID, outcome); s.writeLedgerError(w, err) {
		return
	}

	s.metrics.RunsTotal.WithLabelValues(string(run.Action), string(outcome.Status)).Inc()
	if run.StartedAt != nil {
		s.metrics.RunDuration.WithLabelValues(string(run.Action)).Observe(time.Since(*run.StartedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, protocol.CompleteResponse{OK: true})
}

// ── Fleet/admin read model ───────────────────────────────────────────────

func (s *Server) handleFleetView(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	runners := s.fleetMgr.List()
	snapshots := make([]protocol.RunnerSnapshot, 0, len(runners))
	for _, rn := range runners {
		snapshots = append(snapshots, protocol.RunnerSnapshot{
			ID:            rn.ID,
			Backend:       rn.BackendName,
			Capability:    string(rn.Capability),
			Status:        string(rn.Status),
			ActiveCount:   rn.ActiveCount,
			ActiveBuilds:  rn.ActiveBuilds,
			MaxConcurrent: rn.MaxConcurrent,
			MaxBuilds:     rn.MaxBuilds,
			LastSeen:      rn.LastSeen,
			Healthy:       rn.Healthy(now),
		})
	}

	queueDepth, err := s.ledger.CountQueued(r.Context())
	if err != nil {
		s.logger.Error("fleet view: count queued failed", zap.Error(err))
	}

	podStatus := string(model.PodNone)
	if s.podStore != nil {
		if st, err := s.podStore.Get(r.Context()); err == nil {
			podStatus = string(st.Status)
		}
	}

	writeJSON(w, http.StatusOK, protocol.FleetView{
		Runners:    snapshots,
		QueueDepth: queueDepth,
		PodStatus:  podStatus,
	})
}

func (s *Server) handleSetPendingConfig(w http.ResponseWriter, r *http.Request) {
	var req protocol.SetPendingConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed pending-config request")
		return
	}
	cfg := &model.PendingConfig{Drain: req.Config.Drain}
	if req.Config.PollIntervalMs != nil {
		d := time.Duration(*req.Config.PollIntervalMs) * time.Millisecond
		cfg.PollInterval = &d
	}
	if err := s.fleetMgr.SetPendingConfig(req.RunnerID, cfg); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── Task/run administration ──────────────────────────────────────────────

func (s *Server) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if err := decodeJSON(r, &t); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed task")
		return
	}
	if err := s.ledger.UpsertTask(r.Context(), &t); err != nil {
		s.logger.Error("upsert task failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "upsert task failed")
		return
	}
	writeJSON(w, http.StatusOK, &t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ledger.GetTask(r.Context(), r.PathValue("id"))
	if s.writeLedgerError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type enqueueRunRequest struct {
	Action     string `json:"action"`
	Capability string `json:"capability"`
}

func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	var req enqueueRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed enqueue request")
		return
	}
	runID, err := s.ledger.Enqueue(r.Context(), r.PathValue("id"), model.Action(req.Action), model.Capability(req.Capability))
	if s.writeLedgerError(w, err) {
		return
	}
	s.refreshQueueMetrics(r.Context())
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ledger.GetRun(r.Context(), r.PathValue("id"))
	if s.writeLedgerError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ── Artifacts ─────────────────────────────────────────────────────────────

func (s *Server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "artifact key is required")
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxArtifactBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "artifact exceeds size limit")
		return
	}
	if err := s.artifacts.Put(r.Context(), key, data); err != nil {
		if errors.Is(err, artifactstore.ErrTooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "artifact exceeds size limit")
			return
		}
		s.logger.Error("put artifact failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "put artifact failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	data, err := s.artifacts.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, artifactstore.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.logger.Error("get artifact failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "get artifact failed")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ── shared helpers ────────────────────────────────────────────────────────

// writeLedgerError maps a ledger sentinel error to its HTTP status and
// writes the response, returning true if it did (i.e. err != nil).
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	switch {
	case ledger.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case ledger.IsPreconditionFailed(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case ledger.IsInvalidTransition(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("ledger operation failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
	return true
}

func (s *Server) refreshFleetMetrics() {
	counts := s.fleetMgr.Count()
	for status, n := range counts {
		s.metrics.FleetRunners.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (s *Server) refreshQueueMetrics(ctx context.Context) {
	for _, cap := range []model.Capability{model.CapLight, model.CapStandard, model.CapHeavy} {
		n, err := s.ledger.CountQueuedByCapability(ctx, cap)
		if err != nil {
			s.logger.Error("refresh queue metrics failed", zap.Error(err))
			return
		}
		s.metrics.QueueDepth.WithLabelValues(string(cap)).Set(float64(n))
	}
}

func toWirePendingConfig(p *model.PendingConfig) *protocol.PendingConfig {
	if p.IsEmpty() {
		return nil
	}
	out := &protocol.PendingConfig{Drain: p.Drain}
	if p.PollInterval != nil {
		ms := p.PollInterval.Milliseconds()
		out.PollIntervalMs = &ms
	}
	return out
}
