package dispatcher

import "net/http"

// registerRoutes wires the worker↔dispatcher protocol, the fleet/admin read
// model, task/run administration, artifact access, and the standard
// health/version/metrics endpoints behind the shared-key middleware.
// Route shape follows cmd/control-plane's net/http 1.22+ pattern mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Worker↔dispatcher protocol.
	mux.HandleFunc("POST /api/v1/register", s.authn.Middleware(http.HandlerFunc(s.handleRegister)).ServeHTTP)
	mux.HandleFunc("POST /api/v1/claim", s.authn.Middleware(http.HandlerFunc(s.handleClaim)).ServeHTTP)
	mux.HandleFunc("POST /api/v1/progress", s.authn.Middleware(http.HandlerFunc(s.handleProgress)).ServeHTTP)
	mux.HandleFunc("POST /api/v1/complete", s.authn.Middleware(http.HandlerFunc(s.handleComplete)).ServeHTTP)

	// Fleet/admin read model.
	mux.HandleFunc("GET /api/v1/fleet", s.authn.Middleware(http.HandlerFunc(s.handleFleetView)).ServeHTTP)
	mux.HandleFunc("POST /api/v1/fleet/pending-config", s.authn.Middleware(http.HandlerFunc(s.handleSetPendingConfig)).ServeHTTP)

	// Task/run administration. The task-tracker itself is out of scope per
	// spec §1; these exist so an operator or test harness can seed ledger
	// state and enqueue runs without reaching into the SQLite file directly.
	mux.HandleFunc("POST /api/v1/tasks", s.authn.Middleware(http.HandlerFunc(s.handleUpsertTask)).ServeHTTP)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.authn.Middleware(http.HandlerFunc(s.handleGetTask)).ServeHTTP)
	mux.HandleFunc("POST /api/v1/tasks/{id}/runs", s.authn.Middleware(http.HandlerFunc(s.handleEnqueueRun)).ServeHTTP)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.authn.Middleware(http.HandlerFunc(s.handleGetRun)).ServeHTTP)

	// Artifacts. The key wildcard carries the store's full key, e.g.
	// tasks/{task_id}/{artifact}.md or runs/{run_id}/output.log.
	mux.HandleFunc("PUT /api/v1/artifacts/{key...}", s.authn.Middleware(http.HandlerFunc(s.handlePutArtifact)).ServeHTTP)
	mux.HandleFunc("GET /api/v1/artifacts/{key...}", s.authn.Middleware(http.HandlerFunc(s.handleGetArtifact)).ServeHTTP)
}
