package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// DefaultRemoteTimeout bounds a single call to the accounting service.
const DefaultRemoteTimeout = 10 * time.Second

// Compile-time check that RemoteLedger implements Ledger.
var _ Ledger = (*RemoteLedger)(nil)

// RemoteOpts holds configuration for RemoteLedger.
type RemoteOpts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// RemoteOption configures a RemoteLedger.
type RemoteOption func(*RemoteOpts)

// WithBaseURL sets the accounting service base URL.
func WithBaseURL(u string) RemoteOption {
	return func(o *RemoteOpts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(o *RemoteOpts) { o.HTTPClient = c }
}

// RemoteLedger talks to an external credit accounting service.
type RemoteLedger struct {
	baseURL string
	http    *http.Client
}

// NewRemoteLedger creates a ledger client for the accounting service.
func NewRemoteLedger(opts ...RemoteOption) (*RemoteLedger, error) {
	var cfg RemoteOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("credit service base URL must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRemoteTimeout}
	}
	return &RemoteLedger{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: cfg.HTTPClient}, nil
}

type remoteBalance struct {
	UserID           string           `json:"userId"`
	Available        int              `json:"available"`
	MonthlyAllowance models.Allowance `json:"monthlyAllowance"`
}

type remoteConsumeRequest struct {
	UserID        string               `json:"userId"`
	OperationKind models.OperationKind `json:"operationKind"`
	Quantity      int                  `json:"quantity"`
	ReferenceID   string               `json:"referenceId,omitempty"`
}

type remoteConsumeResponse struct {
	Success   bool `json:"success"`
	Remaining int  `json:"remaining"`
}

// GetBalance fetches the balance from the accounting service.
func (l *RemoteLedger) GetBalance(ctx context.Context, userID string) (models.CreditBalance, error) {
	slog.Debug("RemoteLedger.GetBalance: fetching balance", "userID", userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/balance/"+url.PathEscape(userID), nil)
	if err != nil {
		return models.CreditBalance{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		slog.Error("RemoteLedger.GetBalance: request failed", "userID", userID, "error", err)
		return models.CreditBalance{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("RemoteLedger.GetBalance: unexpected status", "userID", userID, "status", resp.StatusCode)
		return models.CreditBalance{}, fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rb remoteBalance
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return models.CreditBalance{}, fmt.Errorf("%w: invalid balance payload: %v", ErrServiceUnavailable, err)
	}
	if rb.Available < 0 {
		return models.CreditBalance{}, fmt.Errorf("%w: negative balance %d", ErrServiceUnavailable, rb.Available)
	}
	if rb.UserID == "" {
		rb.UserID = userID
	}
	return models.CreditBalance{UserID: rb.UserID, Available: rb.Available, MonthlyAllowance: rb.MonthlyAllowance}, nil
}

// Consume asks the accounting service to charge the operation.
func (l *RemoteLedger) Consume(ctx context.Context, userID string, kind models.OperationKind, quantity int, referenceID string) (models.ConsumeResult, error) {
	if quantity <= 0 {
		quantity = 1
	}
	payload, err := json.Marshal(remoteConsumeRequest{UserID: userID, OperationKind: kind, Quantity: quantity, ReferenceID: referenceID})
	if err != nil {
		return models.ConsumeResult{}, fmt.Errorf("%w: %v", ErrCreditConsumeFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/consume", bytes.NewReader(payload))
	if err != nil {
		return models.ConsumeResult{}, fmt.Errorf("%w: %v", ErrCreditConsumeFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		slog.Error("RemoteLedger.Consume: request failed", "userID", userID, "kind", kind, "error", err)
		return models.ConsumeResult{}, fmt.Errorf("%w: %v", ErrCreditConsumeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return models.ConsumeResult{}, fmt.Errorf("%w: %w", ErrCreditConsumeFailed, ErrInsufficientCredits)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.ConsumeResult{}, fmt.Errorf("%w: status %d", ErrCreditConsumeFailed, resp.StatusCode)
	}

	var cr remoteConsumeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return models.ConsumeResult{}, fmt.Errorf("%w: invalid consume payload: %v", ErrCreditConsumeFailed, err)
	}
	result := models.ConsumeResult{Success: cr.Success, Remaining: cr.Remaining}
	if !cr.Success {
		slog.Warn("RemoteLedger.Consume: service declined charge", "userID", userID, "kind", kind, "remaining", cr.Remaining)
		return result, fmt.Errorf("%w: %w", ErrCreditConsumeFailed, ErrInsufficientCredits)
	}
	slog.Debug("RemoteLedger.Consume: charged", "userID", userID, "kind", kind, "remaining", cr.Remaining)
	return result, nil
}
