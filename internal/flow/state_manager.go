// Package flow provides concrete implementations of state management.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/store"
)

// Compile-time check that StoreBasedStateManager implements StateManager.
var _ StateManager = (*StoreBasedStateManager)(nil)

// StoreBasedStateManager implements StateManager using a FlowStateRepo backend.
type StoreBasedStateManager struct {
	store store.FlowStateRepo
}

// NewStoreBasedStateManager creates a new StateManager backed by a FlowStateRepo.
func NewStoreBasedStateManager(st store.FlowStateRepo) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// GetCurrentState retrieves the current state for a session in a flow.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, sessionKey string, flowType models.FlowType) (models.StateType, error) {
	slog.Debug("StateManager GetCurrentState", "sessionKey", sessionKey, "flowType", flowType)

	flowState, err := sm.store.GetFlowState(sessionKey, string(flowType))
	if err != nil {
		slog.Error("StateManager GetCurrentState error", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return "", err
	}

	if flowState == nil {
		slog.Debug("StateManager GetCurrentState not found", "sessionKey", sessionKey, "flowType", flowType)
		return "", nil
	}

	slog.Debug("StateManager GetCurrentState found", "sessionKey", sessionKey, "flowType", flowType, "state", flowState.CurrentState)
	return flowState.CurrentState, nil
}

// SetCurrentState updates the current state for a session in a flow.
func (sm *StoreBasedStateManager) SetCurrentState(ctx context.Context, sessionKey string, flowType models.FlowType, state models.StateType) error {
	slog.Debug("StateManager SetCurrentState", "sessionKey", sessionKey, "flowType", flowType, "state", state)

	// Get existing state or create new one
	flowState, err := sm.store.GetFlowState(sessionKey, string(flowType))
	if err != nil {
		slog.Error("StateManager SetCurrentState get error", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return err
	}

	now := time.Now()
	if flowState == nil {
		// Create new flow state
		flowState = &models.FlowState{
			SessionKey:   sessionKey,
			FlowType:     flowType,
			CurrentState: state,
			StateData:    make(map[models.DataKey]string),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	} else {
		// Update existing flow state
		flowState.CurrentState = state
		flowState.UpdatedAt = now
	}

	err = sm.store.SaveFlowState(*flowState)
	if err != nil {
		slog.Error("StateManager SetCurrentState save error", "error", err, "sessionKey", sessionKey, "flowType", flowType, "state", state)
		return err
	}

	slog.Debug("StateManager SetCurrentState succeeded", "sessionKey", sessionKey, "flowType", flowType, "state", state)
	return nil
}

// GetStateData retrieves additional data associated with the session's state.
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, sessionKey string, flowType models.FlowType, key models.DataKey) (string, error) {
	slog.Debug("StateManager GetStateData", "sessionKey", sessionKey, "flowType", flowType, "key", key)

	flowState, err := sm.store.GetFlowState(sessionKey, string(flowType))
	if err != nil {
		slog.Error("StateManager GetStateData error", "error", err, "sessionKey", sessionKey, "flowType", flowType, "key", key)
		return "", err
	}

	if flowState == nil || flowState.StateData == nil {
		slog.Debug("StateManager GetStateData not found", "sessionKey", sessionKey, "flowType", flowType, "key", key)
		return "", nil
	}

	value, exists := flowState.StateData[key]
	if !exists {
		slog.Debug("StateManager GetStateData key not found", "sessionKey", sessionKey, "flowType", flowType, "key", key)
		return "", nil
	}

	slog.Debug("StateManager GetStateData found", "sessionKey", sessionKey, "flowType", flowType, "key", key)
	return value, nil
}

// SetStateData stores additional data associated with the session's state.
func (sm *StoreBasedStateManager) SetStateData(ctx context.Context, sessionKey string, flowType models.FlowType, key models.DataKey, value string) error {
	slog.Debug("StateManager SetStateData", "sessionKey", sessionKey, "flowType", flowType, "key", key)

	// Get existing state or create new one
	flowState, err := sm.store.GetFlowState(sessionKey, string(flowType))
	if err != nil {
		slog.Error("StateManager SetStateData get error", "error", err, "sessionKey", sessionKey, "flowType", flowType, "key", key)
		return err
	}

	now := time.Now()
	if flowState == nil {
		// Create new flow state with empty current state
		flowState = &models.FlowState{
			SessionKey:   sessionKey,
			FlowType:     flowType,
			CurrentState: "",
			StateData:    map[models.DataKey]string{key: value},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	} else {
		// Update existing flow state
		if flowState.StateData == nil {
			flowState.StateData = make(map[models.DataKey]string)
		}
		flowState.StateData[key] = value
		flowState.UpdatedAt = now
	}

	err = sm.store.SaveFlowState(*flowState)
	if err != nil {
		slog.Error("StateManager SetStateData save error", "error", err, "sessionKey", sessionKey, "flowType", flowType, "key", key)
		return err
	}

	slog.Debug("StateManager SetStateData succeeded", "sessionKey", sessionKey, "flowType", flowType, "key", key)
	return nil
}

// SetStateDataBatch stores several values for the session in one save.
func (sm *StoreBasedStateManager) SetStateDataBatch(ctx context.Context, sessionKey string, flowType models.FlowType, values map[models.DataKey]string) error {
	slog.Debug("StateManager SetStateDataBatch", "sessionKey", sessionKey, "flowType", flowType, "keys", len(values))

	flowState, err := sm.store.GetFlowState(sessionKey, string(flowType))
	if err != nil {
		slog.Error("StateManager SetStateDataBatch get error", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return err
	}

	now := time.Now()
	if flowState == nil {
		flowState = &models.FlowState{
			SessionKey: sessionKey,
			FlowType:   flowType,
			StateData:  make(map[models.DataKey]string, len(values)),
			CreatedAt:  now,
		}
	}
	if flowState.StateData == nil {
		flowState.StateData = make(map[models.DataKey]string, len(values))
	}
	for k, v := range values {
		flowState.StateData[k] = v
	}
	flowState.UpdatedAt = now

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager SetStateDataBatch save error", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return err
	}
	return nil
}

// GetFlowState returns the stored flow state, or nil if there is none.
func (sm *StoreBasedStateManager) GetFlowState(ctx context.Context, sessionKey string, flowType models.FlowType) (*models.FlowState, error) {
	flowState, err := sm.store.GetFlowState(sessionKey, string(flowType))
	if err != nil {
		slog.Error("StateManager GetFlowState error", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return nil, err
	}
	return flowState, nil
}

// TransitionState transitions from one state to another.
func (sm *StoreBasedStateManager) TransitionState(ctx context.Context, sessionKey string, flowType models.FlowType, fromState, toState models.StateType) error {
	slog.Debug("StateManager TransitionState", "sessionKey", sessionKey, "flowType", flowType, "from", fromState, "to", toState)

	// Verify current state matches expected fromState
	currentState, err := sm.GetCurrentState(ctx, sessionKey, flowType)
	if err != nil {
		slog.Error("StateManager TransitionState get current state error", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return err
	}

	if currentState != fromState {
		err := fmt.Errorf("invalid state transition: expected %s, current is %s", fromState, currentState)
		slog.Error("StateManager TransitionState invalid transition", "error", err, "sessionKey", sessionKey, "flowType", flowType, "expected", fromState, "current", currentState)
		return err
	}

	// Perform transition
	err = sm.SetCurrentState(ctx, sessionKey, flowType, toState)
	if err != nil {
		slog.Error("StateManager TransitionState set state error", "error", err, "sessionKey", sessionKey, "flowType", flowType, "to", toState)
		return err
	}

	slog.Info("StateManager TransitionState succeeded", "sessionKey", sessionKey, "flowType", flowType, "from", fromState, "to", toState)
	return nil
}

// ResetState removes all state data for a session in a flow.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, sessionKey string, flowType models.FlowType) error {
	slog.Debug("StateManager ResetState", "sessionKey", sessionKey, "flowType", flowType)

	err := sm.store.DeleteFlowState(sessionKey, string(flowType))
	if err != nil {
		slog.Error("StateManager ResetState error", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return err
	}

	slog.Info("StateManager ResetState succeeded", "sessionKey", sessionKey, "flowType", flowType)
	return nil
}
