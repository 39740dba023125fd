// Package flow defines state management for per-session stateful flows.
package flow

import (
	"context"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// StateManager defines the interface for managing flow state.
type StateManager interface {
	// GetCurrentState retrieves the current state for a session in a flow
	GetCurrentState(ctx context.Context, sessionKey string, flowType models.FlowType) (models.StateType, error)

	// SetCurrentState updates the current state for a session in a flow
	SetCurrentState(ctx context.Context, sessionKey string, flowType models.FlowType, state models.StateType) error

	// GetStateData retrieves additional data associated with the session's state
	GetStateData(ctx context.Context, sessionKey string, flowType models.FlowType, key models.DataKey) (string, error)

	// SetStateData stores additional data associated with the session's state
	SetStateData(ctx context.Context, sessionKey string, flowType models.FlowType, key models.DataKey, value string) error

	// SetStateDataBatch stores several values in a single write
	SetStateDataBatch(ctx context.Context, sessionKey string, flowType models.FlowType, values map[models.DataKey]string) error

	// GetFlowState returns the whole flow state, or nil when none exists
	GetFlowState(ctx context.Context, sessionKey string, flowType models.FlowType) (*models.FlowState, error)

	// TransitionState transitions from one state to another
	TransitionState(ctx context.Context, sessionKey string, flowType models.FlowType, fromState, toState models.StateType) error

	// ResetState removes all state data for a session in a flow
	ResetState(ctx context.Context, sessionKey string, flowType models.FlowType) error
}
