package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/flowstate-dev/flowstate/internal/flowstate/config"
	"github.com/flowstate-dev/flowstate/internal/flowstate/model"
	"github.com/flowstate-dev/flowstate/internal/flowstate/protocol"
)

var ctxBg = context.Background()

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.DataDir = t.TempDir()
	cfg.MaxArtifactBytes = 1024
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	t.Cleanup(s.Close)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{Handler: mux}
	return s
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body, out any) int {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if out != nil && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("unmarshal response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code
}

func TestRegisterClaimProgressComplete(t *testing.T) {
	s := newTestServer(t)
	mux := s.httpServer.Handler

	if err := s.ledger.UpsertTask(ctxBg, &model.Task{ID: "t1"}); err != nil {
		t.Fatalf("upsert task: %v", err)
	}
	if _, err := s.ledger.Enqueue(ctxBg, "t1", model.ActionResearch, model.CapLight); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var regResp protocol.RegisterResponse
	code := doJSON(t, mux, http.MethodPost, "/api/v1/register", protocol.RegisterRequest{
		RunnerID: "r1", Backend: "claude-cli", Capability: "light",
		MaxConcurrent: 2, MaxBuilds: 1, Status: "active",
	}, &regResp)
	if code != http.StatusOK {
		t.Fatalf("register: status %d", code)
	}

	var claimResp protocol.ClaimResponse
	code = doJSON(t, mux, http.MethodPost, "/api/v1/claim", protocol.ClaimRequest{RunnerID: "r1"}, &claimResp)
	if code != http.StatusOK {
		t.Fatalf("claim: status %d", code)
	}
	if claimResp.Run == nil {
		t.Fatalf("expected a claimed run")
	}
	runID := claimResp.Run.ID

	var progResp protocol.ProgressResponse
	code = doJSON(t, mux, http.MethodPost, "/api/v1/progress", protocol.ProgressRequest{
		RunID: runID, RunnerID: "r1", Message: "working",
	}, &progResp)
	if code != http.StatusOK || !progResp.OK {
		t.Fatalf("progress: status %d ok=%v", code, progResp.OK)
	}

	var compResp protocol.CompleteResponse
	code = doJSON(t, mux, http.MethodPost, "/api/v1/complete", protocol.CompleteRequest{
		RunID: runID, RunnerID: "r1",
		Outcome: protocol.Outcome{Status: "completed"},
	}, &compResp)
	if code != http.StatusOK || !compResp.OK {
		t.Fatalf("complete: status %d ok=%v", code, compResp.OK)
	}

	var run model.Run
	code = doJSON(t, mux, http.MethodGet, "/api/v1/runs/"+runID, nil, &run)
	if code != http.StatusOK {
		t.Fatalf("get run: status %d", code)
	}
	if run.Status != model.RunCompleted {
		t.Fatalf("expected run completed, got %s", run.Status)
	}
}

func TestClaimWithNothingQueuedReturnsEmptyRun(t *testing.T) {
	s := newTestServer(t)
	mux := s.httpServer.Handler

	doJSON(t, mux, http.MethodPost, "/api/v1/register", protocol.RegisterRequest{
		RunnerID: "r1", Backend: "claude-cli", Capability: "light",
		MaxConcurrent: 1, MaxBuilds: 1, Status: "active",
	}, nil)

	var claimResp protocol.ClaimResponse
	code := doJSON(t, mux, http.MethodPost, "/api/v1/claim", protocol.ClaimRequest{RunnerID: "r1"}, &claimResp)
	if code != http.StatusOK {
		t.Fatalf("claim: status %d", code)
	}
	if claimResp.Run != nil {
		t.Fatalf("expected no run to be claimable, got %+v", claimResp.Run)
	}
}

func TestClaimUnregisteredRunnerRejected(t *testing.T) {
	s := newTestServer(t)
	mux := s.httpServer.Handler

	var claimResp protocol.ClaimResponse
	code := doJSON(t, mux, http.MethodPost, "/api/v1/claim", protocol.ClaimRequest{RunnerID: "ghost"}, &claimResp)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unregistered runner, got %d", code)
	}
}

func TestArtifactPutGetRoundTrip(t *testing.T) {
	s := newTestServer(t)
	mux := s.httpServer.Handler

	r := httptest.NewRequest(http.MethodPut, "/api/v1/artifacts/tasks/t1/spec.md", bytes.NewReader([]byte("# spec")))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("put artifact: status %d body %s", w.Code, w.Body.String())
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/tasks/t1/spec.md", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("get artifact: status %d", w.Code)
	}
	if w.Body.String() != "# spec" {
		t.Fatalf("unexpected artifact body: %q", w.Body.String())
	}
}

func TestArtifactGetMissingReturns404(t *testing.T) {
	s := newTestServer(t)
	mux := s.httpServer.Handler

	r := httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/tasks/missing/spec.md", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestArtifactPutTooLargeRejected(t *testing.T) {
	s := newTestServer(t)
	mux := s.httpServer.Handler

	big := bytes.Repeat([]byte("x"), int(s.cfg.MaxArtifactBytes)+1)
	r := httptest.NewRequest(http.MethodPut, "/api/v1/artifacts/tasks/t1/spec.md", bytes.NewReader(big))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestAuthnMiddlewareRejectsMissingKey(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.DataDir = t.TempDir()
	cfg.RunnerAPIKey = "secret"
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	t.Cleanup(s.Close)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/register", bytes.NewReader([]byte(`{"runner_id":"r1"}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/v1/register", bytes.NewReader([]byte(`{"runner_id":"r1"}`)))
	r.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with the right key, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected /healthz to stay exempt from auth, got %d", w.Code)
	}
}

func TestSetPendingConfigUnknownRunner(t *testing.T) {
	s := newTestServer(t)
	mux := s.httpServer.Handler

	drain := true
	code := doJSON(t, mux, http.MethodPost, "/api/v1/fleet/pending-config", protocol.SetPendingConfigRequest{
		RunnerID: "ghost",
		Config:   protocol.PendingConfig{Drain: &drain},
	}, nil)
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown runner, got %d", code)
	}
}
