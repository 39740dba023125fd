// Package notify delivers integration events over SMS using the Twilio API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageAPI is the part of the Twilio REST API used for sending.
type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the SMS notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	To         []string
}

// Option defines a configuration option for the SMS notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithRecipients sets the phone numbers that receive notifications.
func WithRecipients(to ...string) Option {
	return func(o *Opts) { o.To = append(o.To, to...) }
}

// SMSNotifier sends a short text for every integration event.
type SMSNotifier struct {
	api  messageAPI
	from string
	to   []string
}

// NewSMSNotifier creates a Twilio-backed notifier. Credentials fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewSMSNotifier(opts ...Option) (*SMSNotifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("SMSNotifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"recipients", len(cfg.To))

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("at least one recipient must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSNotifier{api: client.Api, from: cfg.From, to: cfg.To}, nil
}

// Notify texts every recipient. It fails if any send fails.
func (n *SMSNotifier) Notify(ctx context.Context, event string, payload json.RawMessage) error {
	body := FormatEvent(event, payload)
	for _, to := range n.to {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(n.from)
		params.SetBody(body)

		if _, err := n.api.CreateMessage(params); err != nil {
			slog.Error("SMSNotifier.Notify: send failed", "to", to, "event", event, "error", err)
			return fmt.Errorf("failed to send %s notification to %s: %w", event, to, err)
		}
		slog.Debug("SMSNotifier.Notify: message sent", "to", to, "event", event)
	}
	return nil
}

// FormatEvent renders an event as a one-line message.
func FormatEvent(event string, payload json.RawMessage) string {
	var fields struct {
		AnalysisID       string `json:"analysisId"`
		Score            int    `json:"score"`
		ImprovementCount int    `json:"improvementCount"`
		Reason           string `json:"reason"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			slog.Debug("notify.FormatEvent: payload not decodable", "event", event, "error", err)
		}
	}

	parts := []string{"CopyPilot: " + strings.ReplaceAll(event, "_", " ")}
	if fields.Score > 0 {
		parts = append(parts, fmt.Sprintf("score %d", fields.Score))
	}
	if fields.ImprovementCount > 0 {
		parts = append(parts, fmt.Sprintf("pass %d", fields.ImprovementCount))
	}
	if fields.Reason != "" {
		parts = append(parts, fields.Reason)
	}
	if fields.AnalysisID != "" {
		parts = append(parts, "("+fields.AnalysisID+")")
	}
	return strings.Join(parts, ", ")
}
