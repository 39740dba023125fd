// Package api provides HTTP response utilities for CopyPilot.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CopyPilot/internal/analysis"
	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/refine"
	"github.com/BTreeMap/CopyPilot/internal/workflow"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusFor maps workflow and service errors to HTTP status codes.
func statusFor(err error) int {
	var failed *analysis.AnalysisFailedError
	switch {
	case errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, workflow.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusGone
	case errors.Is(err, workflow.ErrBusy), errors.Is(err, workflow.ErrInvalidAction):
		return http.StatusConflict
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, credits.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &failed), errors.Is(err, refine.ErrRefinementFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeViewError writes err with the session view as the result.
func writeViewError(w http.ResponseWriter, err error, view workflow.View) {
	status := statusFor(err)
	msg := err.Error()
	if view.Error != "" {
		msg = view.Error
	}
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	if view.SessionID == "" {
		writeJSONResponse(w, status, models.Error(msg))
		return
	}
	writeJSONResponse(w, status, models.ErrorWithResult(msg, view))
}
