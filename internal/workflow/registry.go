package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown sessions and for sessions owned
// by another user.
var ErrSessionNotFound = errors.New("session not found")

// Registry keeps the live orchestrators by session ID.
type Registry struct {
	deps Dependencies
	opts []Option

	mu       sync.RWMutex
	sessions map[string]*Orchestrator
}

// NewRegistry creates a registry that mounts sessions with deps and opts.
func NewRegistry(deps Dependencies, opts ...Option) *Registry {
	return &Registry{
		deps:     deps,
		opts:     opts,
		sessions: make(map[string]*Orchestrator),
	}
}

// Open mounts a new session for userID. clientSession keys the checkpoint
// storage; a fresh one is generated when empty.
func (r *Registry) Open(ctx context.Context, userID, clientSession string) (*Orchestrator, error) {
	if clientSession == "" {
		clientSession = uuid.NewString()
	}
	id := uuid.NewString()
	o, err := Mount(ctx, r.deps, id, clientSession, userID, r.opts...)
	if err != nil {
		return nil, err
	}
	o.onClose = func() { r.remove(id) }

	r.mu.Lock()
	r.sessions[id] = o
	r.mu.Unlock()
	slog.Info("Registry.Open: session opened", "sessionID", id, "userID", userID)
	return o, nil
}

// Get returns the session id if it belongs to userID.
func (r *Registry) Get(id, userID string) (*Orchestrator, error) {
	r.mu.RLock()
	o, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || o.UserID() != userID {
		return nil, ErrSessionNotFound
	}
	o.touch(time.Now())
	return o, nil
}

// Close unmounts the session id of userID.
func (r *Registry) Close(id, userID string) error {
	o, err := r.Get(id, userID)
	if err != nil {
		return err
	}
	o.Close()
	return nil
}

// CloseAll unmounts every session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	open := make([]*Orchestrator, 0, len(r.sessions))
	for _, o := range r.sessions {
		open = append(open, o)
	}
	r.mu.RUnlock()
	for _, o := range open {
		o.Close()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions that have been idle past their timeout at now and
// returns how many were closed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	var expired []*Orchestrator
	for _, o := range r.sessions {
		if o.idleExpired(now) {
			expired = append(expired, o)
		}
	}
	r.mu.RUnlock()
	for _, o := range expired {
		o.Close()
	}
	if len(expired) > 0 {
		slog.Info("Registry.Sweep: closed idle sessions", "count", len(expired), "remaining", r.Len())
	}
	return len(expired)
}

// Run sweeps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
