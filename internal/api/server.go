// Package api exposes the analysis workflow over HTTP.
//
// Every route except /healthz and /metrics requires a bearer token; the
// token subject is the user that owns sessions, credits and history.
package api

import (
	"net/http"

	"github.com/BTreeMap/CopyPilot/internal/auth"
	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/metrics"
	"github.com/BTreeMap/CopyPilot/internal/store"
	"github.com/BTreeMap/CopyPilot/internal/workflow"
)

// Default history page sizes.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Dependencies holds what the HTTP handlers serve.
type Dependencies struct {
	Registry *workflow.Registry
	Ledger   credits.Ledger
	History  store.AnalysisRepo
	Metrics  *metrics.Metrics
	Verifier *auth.Verifier
	Auth     auth.MiddlewareConfig
}

// Server routes HTTP requests to the workflow registry.
type Server struct {
	registry *workflow.Registry
	ledger   credits.Ledger
	history  store.AnalysisRepo
	metrics  *metrics.Metrics
	verifier *auth.Verifier
	authCfg  auth.MiddlewareConfig
}

// NewServer creates a server over deps.
func NewServer(deps Dependencies) *Server {
	authCfg := deps.Auth
	if authCfg.PublicPaths == nil {
		authCfg.PublicPaths = map[string]bool{"/healthz": true, "/metrics": true}
	}
	return &Server{
		registry: deps.Registry,
		ledger:   deps.Ledger,
		history:  deps.History,
		metrics:  deps.Metrics,
		verifier: deps.Verifier,
		authCfg:  authCfg,
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /analysis/sessions", s.openSessionHandler)
	mux.HandleFunc("GET /analysis/sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /analysis/sessions/{id}", s.closeSessionHandler)
	mux.HandleFunc("PUT /analysis/sessions/{id}/input", s.inputHandler)
	mux.HandleFunc("POST /analysis/sessions/{id}/submit", s.submitHandler)
	mux.HandleFunc("POST /analysis/sessions/{id}/refine", s.refineHandler)
	mux.HandleFunc("POST /analysis/sessions/{id}/reset", s.resetHandler)
	mux.HandleFunc("POST /analysis/sessions/{id}/retry", s.retryHandler)
	mux.HandleFunc("POST /analysis/sessions/{id}/back", s.backHandler)
	mux.HandleFunc("POST /analysis/sessions/{id}/create-project", s.createProjectHandler)
	mux.HandleFunc("GET /analysis/sessions/{id}/export", s.exportHandler)

	mux.HandleFunc("GET /analysis/history", s.historyHandler)
	mux.HandleFunc("GET /credits/balance", s.balanceHandler)

	return auth.Middleware(s.verifier, s.authCfg, mux)
}
