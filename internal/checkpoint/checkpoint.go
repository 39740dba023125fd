// Package checkpoint keeps typed workflow input across a navigation away
// from the analysis flow.
//
// A snapshot is stored under fixed session keys scoped to one user and one
// client session, and is single use: the first ConsumeIfPresent after a Save
// returns it and deletes it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/CopyPilot/internal/flow"
	"github.com/BTreeMap/CopyPilot/internal/models"
)

// ErrNotReturning is returned by Save for a snapshot without ReturnToWorkflow.
var ErrNotReturning = errors.New("checkpoint snapshot must be marked for return")

// Checkpoint stores snapshots through a flow.StateManager, keyed by owner and
// client session.
type Checkpoint struct {
	sm flow.StateManager
	mu sync.Mutex
}

// New creates a Checkpoint over sm.
func New(sm flow.StateManager) *Checkpoint {
	return &Checkpoint{sm: sm}
}

// storageKey scopes a client session to its owner, so two users sharing a
// client session string never see each other's snapshot.
func storageKey(userID, clientSession string) string {
	return userID + ":" + clientSession
}

// Save persists snap for the client session of userID and returns once the
// write is durable. Only snapshots with ReturnToWorkflow set can be saved;
// anything else is rejected with ErrNotReturning.
func (c *Checkpoint) Save(ctx context.Context, userID, clientSession string, snap models.CheckpointSnapshot) error {
	if userID == "" || clientSession == "" {
		return fmt.Errorf("user ID and client session must be provided")
	}
	if !snap.ReturnToWorkflow {
		return ErrNotReturning
	}
	key := storageKey(userID, clientSession)

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sm.SetStateDataBatch(ctx, key, models.FlowTypeAnalysisCheckpoint, map[models.DataKey]string{
		models.DataKeyReturnToAnalysis:  models.ReturnToAnalysisSentinel,
		models.DataKeySelectedProjectID: snap.SelectedProjectID,
		models.DataKeyAnalysisAdCopy:    snap.AdCopyText,
		models.DataKeyAnalysisPlatform:  string(snap.Platform),
	})
	if err != nil {
		slog.Error("Checkpoint.Save: write failed", "key", key, "error", err)
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	slog.Info("Checkpoint.Save: snapshot stored", "key", key, "platform", snap.Platform, "projectID", snap.SelectedProjectID)
	return nil
}

// ConsumeIfPresent returns the snapshot userID stored for clientSession and
// deletes it. It returns nil when nothing was saved or the restore flag is
// not set.
func (c *Checkpoint) ConsumeIfPresent(ctx context.Context, userID, clientSession string) (*models.CheckpointSnapshot, error) {
	key := storageKey(userID, clientSession)
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.sm.GetFlowState(ctx, key, models.FlowTypeAnalysisCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if state == nil || state.StateData[models.DataKeyReturnToAnalysis] != models.ReturnToAnalysisSentinel {
		slog.Debug("Checkpoint.ConsumeIfPresent: nothing to restore", "key", key)
		return nil, nil
	}

	snap := &models.CheckpointSnapshot{
		AdCopyText:        state.StateData[models.DataKeyAnalysisAdCopy],
		Platform:          models.Platform(state.StateData[models.DataKeyAnalysisPlatform]),
		SelectedProjectID: state.StateData[models.DataKeySelectedProjectID],
		ReturnToWorkflow:  true,
	}
	if err := c.sm.ResetState(ctx, key, models.FlowTypeAnalysisCheckpoint); err != nil {
		return nil, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	slog.Info("Checkpoint.ConsumeIfPresent: snapshot restored", "key", key, "platform", snap.Platform, "projectID", snap.SelectedProjectID)
	return snap, nil
}
