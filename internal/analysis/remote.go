package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/util"
)

// DefaultNotifyTimeout bounds a single notify call.
const DefaultNotifyTimeout = 10 * time.Second

// Compile-time checks that RemoteService implements Analyzer and Notifier.
var (
	_ Analyzer = (*RemoteService)(nil)
	_ Notifier = (*RemoteService)(nil)
)

// Opts holds configuration for RemoteService.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option defines a configuration option for RemoteService.
type Option func(*Opts)

// WithBaseURL sets the analysis service base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// RemoteService is the HTTP client of the analysis service.
type RemoteService struct {
	baseURL string
	http    *http.Client
}

// NewRemoteService creates a client for the analysis service. The client
// itself has no timeout; callers bound Analyze with their context.
func NewRemoteService(opts ...Option) (*RemoteService, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("analysis service base URL must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &RemoteService{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: cfg.HTTPClient}, nil
}

type analyzeRequest struct {
	AdCopyText     string          `json:"adCopyText"`
	Platform       models.Platform `json:"platform"`
	TargetAudience string          `json:"targetAudience,omitempty"`
	Industry       string          `json:"industry,omitempty"`
	BrandVoice     string          `json:"brandVoice,omitempty"`
	ProjectID      string          `json:"projectId,omitempty"`
}

type analyzeResponse struct {
	Score           *int     `json:"score"`
	ImprovedCopy    string   `json:"improvedCopy"`
	KeyImprovements []string `json:"keyImprovements"`
	AnalysisID      string   `json:"analysisId"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type notifyRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Analyze posts the request to {base}/analyze.
func (s *RemoteService) Analyze(ctx context.Context, req models.AnalysisRequest) (models.AnalysisResult, error) {
	slog.Debug("RemoteService.Analyze: sending request", "platform", req.Platform, "projectID", req.ProjectID)
	body, err := json.Marshal(analyzeRequest{
		AdCopyText:     req.AdCopyText,
		Platform:       req.Platform,
		TargetAudience: req.TargetAudience,
		Industry:       req.Industry,
		BrandVoice:     req.BrandVoice,
		ProjectID:      req.ProjectID,
	})
	if err != nil {
		return models.AnalysisResult{}, Failed("could not encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return models.AnalysisResult{}, Failed("could not build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		slog.Error("RemoteService.Analyze: request failed", "error", err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.AnalysisResult{}, Failed("analysis timed out", err)
		}
		return models.AnalysisResult{}, Failed("analysis service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.AnalysisResult{}, Failed("could not read analysis response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := remoteReason(resp.StatusCode, raw)
		slog.Error("RemoteService.Analyze: service returned error", "status", resp.StatusCode, "reason", reason)
		return models.AnalysisResult{}, Failed(reason, fmt.Errorf("status %d", resp.StatusCode))
	}

	var ar analyzeResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return models.AnalysisResult{}, Failed("analysis service returned an invalid response", err)
	}
	return resultFromResponse(ar, raw)
}

func resultFromResponse(ar analyzeResponse, raw []byte) (models.AnalysisResult, error) {
	if ar.Score == nil {
		return models.AnalysisResult{}, Failed("analysis service returned no score", nil)
	}
	if *ar.Score < 0 || *ar.Score > 100 {
		return models.AnalysisResult{}, Failed(fmt.Sprintf("analysis service returned score %d outside 0-100", *ar.Score), nil)
	}
	id := ar.AnalysisID
	if id == "" {
		id = util.GenerateAnalysisID()
	}
	return models.AnalysisResult{
		AnalysisID:      id,
		Score:           *ar.Score,
		ImprovedCopy:    ar.ImprovedCopy,
		KeyImprovements: []string{},
		Suggestions:     ar.KeyImprovements,
		RawPayload:      json.RawMessage(raw),
	}, nil
}

func remoteReason(status int, body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Error != "" {
			return er.Error
		}
		if er.Message != "" {
			return er.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return text
	}
	return fmt.Sprintf("analysis service returned %d %s", status, http.StatusText(status))
}

// Notify posts an integration event to {base}/integrations/notify.
func (s *RemoteService) Notify(ctx context.Context, event string, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultNotifyTimeout)
	defer cancel()

	body, err := json.Marshal(notifyRequest{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/integrations/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s failed: %w", event, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s failed: status %d", event, resp.StatusCode)
	}
	slog.Debug("RemoteService.Notify: event delivered", "event", event)
	return nil
}
