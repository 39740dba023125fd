package projects

import (
	"context"
	"log/slog"
	"time"
)

// Retry defaults for Resolver.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
)

// ResolverOpts holds configuration for Resolver.
type ResolverOpts struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*ResolverOpts)

// WithMaxAttempts sets the number of lookups before giving up.
func WithMaxAttempts(n int) ResolverOption {
	return func(o *ResolverOpts) { o.MaxAttempts = n }
}

// WithBaseDelay sets the first backoff delay; later delays double.
func WithBaseDelay(d time.Duration) ResolverOption {
	return func(o *ResolverOpts) { o.BaseDelay = d }
}

// Resolver validates a restored project ID with bounded retry. A project
// that is missing or unreachable after the last attempt is dropped.
type Resolver struct {
	lookup      Lookup
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a Resolver over lookup.
func NewResolver(lookup Lookup, opts ...ResolverOption) *Resolver {
	cfg := ResolverOpts{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Resolver{lookup: lookup, maxAttempts: cfg.MaxAttempts, baseDelay: cfg.BaseDelay, sleep: sleepContext}
}

// Resolve returns id if the project resolves within the attempt budget, or
// "" on give-up. An empty id resolves to "" without any lookup.
func (r *Resolver) Resolve(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}
	delay := r.baseDelay
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		p, err := r.lookup.GetProject(ctx, id)
		if err == nil {
			slog.Debug("Resolver.Resolve: project resolved", "projectID", id, "name", p.Name, "attempt", attempt)
			return id
		}
		slog.Warn("Resolver.Resolve: lookup failed", "projectID", id, "attempt", attempt, "error", err)
		if attempt == r.maxAttempts {
			break
		}
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
		delay *= 2
	}
	slog.Info("Resolver.Resolve: clearing unresolved project", "projectID", id, "attempts", r.maxAttempts)
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
