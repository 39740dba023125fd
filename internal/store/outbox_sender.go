// Package store provides the OutboxSender for delivering queued telemetry.
package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultOutboxMaxAttempts bounds delivery attempts of one telemetry event.
const DefaultOutboxMaxAttempts = 5

// OutboxSendFunc is the callback that performs the actual delivery.
// It receives the outbox message and should return an error if delivery failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to deliver them.
// Messages that keep failing are dropped after maxAttempts; telemetry is best-effort.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and delivers one batch of due messages.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: delivering event", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			if msg.Attempts+1 >= s.maxAttempts {
				slog.Warn("OutboxSender.Poll: giving up on event", "id", msg.ID, "kind", msg.Kind, "attempts", msg.Attempts+1, "error", err)
				if err := s.repo.DropOutboxMessage(msg.ID, err.Error()); err != nil {
					slog.Error("OutboxSender.Poll: drop message error", "id", msg.ID, "error", err)
				}
				continue
			}
			slog.Warn("OutboxSender.Poll: delivery failed", "id", msg.ID, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), now.Add(backoff)); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.Poll: event delivered", "id", msg.ID, "userID", msg.UserID)
	}
}
