// Package projects validates project associations against the Projects service.
package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// ErrNotFound is returned when the project does not exist (yet).
var ErrNotFound = errors.New("project not found")

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = 5 * time.Second

// Lookup fetches a project by ID.
type Lookup interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
}

// Opts holds configuration for the Projects client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Projects client.
type Option func(*Opts)

// WithBaseURL sets the Projects service base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a read-only client of the Projects service.
type Client struct {
	baseURL string
	http    *http.Client
}

// Compile-time check that Client implements Lookup.
var _ Lookup = (*Client)(nil)

// NewClient creates a Projects client.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("projects service base URL must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: cfg.HTTPClient}, nil
}

// GetProject returns the project or ErrNotFound on 404.
func (c *Client) GetProject(ctx context.Context, id string) (models.Project, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/projects/"+url.PathEscape(id), nil)
	if err != nil {
		return models.Project{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return models.Project{}, fmt.Errorf("project lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Project{}, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return models.Project{}, fmt.Errorf("project lookup failed: status %d", resp.StatusCode)
	}
	var p models.Project
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return models.Project{}, fmt.Errorf("invalid project payload: %w", err)
	}
	if p.ID == "" {
		p.ID = id
	}
	slog.Debug("projects.Client.GetProject: found", "projectID", p.ID)
	return p, nil
}
