package analysis

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/CopyPilot/internal/metrics"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/store"
)

// EventPayload is the body of analysis telemetry events.
type EventPayload struct {
	AnalysisID       string          `json:"analysisId,omitempty"`
	UserID           string          `json:"userId"`
	ProjectID        string          `json:"projectId,omitempty"`
	Platform         models.Platform `json:"platform,omitempty"`
	Score            int             `json:"score,omitempty"`
	ImprovementCount int             `json:"improvementCount,omitempty"`
	Reason           string          `json:"reason,omitempty"`
}

// NewEventPayload describes a result for telemetry.
func NewEventPayload(userID string, req models.AnalysisRequest, res models.AnalysisResult) EventPayload {
	return EventPayload{
		AnalysisID:       res.AnalysisID,
		UserID:           userID,
		ProjectID:        req.ProjectID,
		Platform:         req.Platform,
		Score:            res.Score,
		ImprovementCount: res.ImprovementCount,
	}
}

// Telemetry queues events in the outbox for asynchronous delivery. It never
// returns errors; a nil *Telemetry drops everything.
type Telemetry struct {
	outbox  store.OutboxRepo
	metrics *metrics.Metrics
}

// NewTelemetry creates a telemetry sink over the outbox.
func NewTelemetry(outbox store.OutboxRepo, m *metrics.Metrics) *Telemetry {
	return &Telemetry{outbox: outbox, metrics: m}
}

// SendTelemetry enqueues event with payload. Failures are logged and swallowed.
func (t *Telemetry) SendTelemetry(ctx context.Context, userID, event string, payload interface{}) {
	if t == nil || t.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Telemetry.SendTelemetry: marshal failed", "event", event, "userID", userID, "error", err)
		t.metrics.Telemetry(metrics.OutcomeFailed)
		return
	}
	id, err := t.outbox.EnqueueOutboxMessage(userID, event, string(data), "")
	if err != nil {
		slog.Warn("Telemetry.SendTelemetry: enqueue failed", "event", event, "userID", userID, "error", err)
		t.metrics.Telemetry(metrics.OutcomeFailed)
		return
	}
	t.metrics.Telemetry(metrics.OutcomeOK)
	slog.Debug("Telemetry.SendTelemetry: event queued", "event", event, "userID", userID, "id", id)
}

// DeliverTo returns an outbox send function that hands each message to n.
func DeliverTo(n Notifier) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var payload json.RawMessage
		if msg.PayloadJSON != "" {
			payload = json.RawMessage(msg.PayloadJSON)
		}
		return n.Notify(ctx, msg.Kind, payload)
	}
}
