// Package api provides HTTP handlers for CopyPilot endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/CopyPilot/internal/auth"
	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/workflow"
)

type openSessionRequest struct {
	ClientSession string `json:"client_session"`
}

type redirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", map[string]int{"sessions": s.registry.Len()}))
}

// userFromRequest returns the authenticated user or writes a 401.
func userFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthenticated"))
		return "", false
	}
	return userID, true
}

// sessionFromRequest resolves the {id} path value for the calling user.
func (s *Server) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*workflow.Orchestrator, bool) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return nil, false
	}
	id := r.PathValue("id")
	o, err := s.registry.Get(id, userID)
	if err != nil {
		slog.Debug("Server.sessionFromRequest: session not found", "sessionID", id, "userID", userID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return nil, false
	}
	return o, true
}

func (s *Server) openSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.openSessionHandler: processing open request", "method", r.Method, "path", r.URL.Path)
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.openSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	o, err := s.registry.Open(r.Context(), userID, req.ClientSession)
	if err != nil {
		slog.Error("Server.openSessionHandler: failed to open session", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to open session"))
		return
	}
	slog.Info("Server.openSessionHandler: session opened", "sessionID", o.ID(), "userID", userID)
	writeJSONResponse(w, http.StatusCreated, models.Success(o.View()))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(o.View()))
}

func (s *Server) closeSessionHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	o.Close()
	slog.Info("Server.closeSessionHandler: session closed", "sessionID", o.ID())
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session closed", nil))
}

func (s *Server) inputHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	var req models.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.inputHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	v, err := o.SetInput(req)
	writeAction(w, "input", v, err)
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	v, err := o.Submit(r.Context())
	writeAction(w, "submit", v, err)
}

func (s *Server) refineHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	v, err := o.Refine(r.Context())
	writeAction(w, "refine", v, err)
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	v, err := o.Reset()
	writeAction(w, "reset", v, err)
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	v, err := o.Retry(r.Context())
	writeAction(w, "retry", v, err)
}

func (s *Server) backHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	v, err := o.Back()
	writeAction(w, "back", v, err)
}

func (s *Server) createProjectHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	redirect, err := o.CreateProject(r.Context())
	if err != nil {
		slog.Warn("Server.createProjectHandler: create project rejected", "sessionID", o.ID(), "error", err)
		writeViewError(w, err, o.View())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(redirectResponse{RedirectURL: redirect}))
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	o, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = workflow.FormatJSON
	}
	data, contentType, err := o.Export(format)
	if err != nil {
		slog.Debug("Server.exportHandler: export rejected", "sessionID", o.ID(), "format", format, "error", err)
		writeJSONResponse(w, statusFor(err), models.Error(err.Error()))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.exportHandler: failed to write export", "error", err)
	}
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeJSONResponse(w, http.StatusOK, models.Success([]models.AnalysisRecord{}))
		return
	}
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, MaxHistoryLimit)
	}
	records, err := s.history.ListAnalyses(userID, limit)
	if err != nil {
		slog.Error("Server.historyHandler: failed to list analyses", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch history"))
		return
	}
	if records == nil {
		records = []models.AnalysisRecord{}
	}
	slog.Debug("Server.historyHandler: history fetched", "userID", userID, "count", len(records))
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		slog.Error("Server.balanceHandler: credit service unavailable", "userID", userID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, credits.ErrServiceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSONResponse(w, status, models.Error("Credit service unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(balance))
}

// writeAction writes the outcome of a workflow action.
func writeAction(w http.ResponseWriter, action string, v workflow.View, err error) {
	if err != nil {
		slog.Debug("Server.writeAction: action rejected", "action", action, "sessionID", v.SessionID, "state", v.State, "error", err)
		writeViewError(w, err, v)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(v))
}
