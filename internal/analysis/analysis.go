// Package analysis is the boundary to the remote ad-copy analysis service.
//
// An Analyzer turns an AnalysisRequest into an AnalysisResult or an
// *AnalysisFailedError. Telemetry and notifications are best effort and never
// affect the caller.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// Telemetry event names.
const (
	EventAnalysisCompleted = "analysis_completed"
	EventAnalysisRefined   = "analysis_refined"
	EventAnalysisFailed    = "analysis_failed"
	EventCheckpointSaved   = "checkpoint_saved"
)

// Analyzer runs one analysis. Implementations do not retry.
type Analyzer interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error)
}

// Notifier delivers an integration event.
type Notifier interface {
	Notify(ctx context.Context, event string, payload json.RawMessage) error
}

// AnalysisFailedError carries the reason shown to the user verbatim.
type AnalysisFailedError struct {
	Reason string
	Err    error
}

func (e *AnalysisFailedError) Error() string {
	return "analysis failed: " + e.Reason
}

func (e *AnalysisFailedError) Unwrap() error {
	return e.Err
}

// Failed wraps err as an *AnalysisFailedError with the given reason.
func Failed(reason string, err error) *AnalysisFailedError {
	return &AnalysisFailedError{Reason: reason, Err: err}
}

// FailureReason returns the user-facing reason of err. Errors that are not
// an *AnalysisFailedError fall back to their message.
func FailureReason(err error) string {
	var afe *AnalysisFailedError
	if errors.As(err, &afe) {
		return afe.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// NotifierChain fans one event out to several notifiers.
type NotifierChain []Notifier

// Notify delivers to every notifier. It fails only when all of them fail,
// so a retry does not repeat deliveries that already went through.
func (c NotifierChain) Notify(ctx context.Context, event string, payload json.RawMessage) error {
	if len(c) == 0 {
		return nil
	}
	var errs []error
	for _, n := range c {
		if err := n.Notify(ctx, event, payload); err != nil {
			slog.Warn("NotifierChain.Notify: notifier failed", "event", event, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(c) {
		return errors.Join(errs...)
	}
	return nil
}
