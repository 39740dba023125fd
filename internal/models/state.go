// Package models defines state management structures for CopyPilot flows.
package models

import "time"

// FlowState represents the persisted state of one session in a flow.
type FlowState struct {
	SessionKey   string             `json:"session_key"`
	FlowType     FlowType           `json:"flow_type"`
	CurrentState StateType          `json:"current_state"`
	StateData    map[DataKey]string `json:"state_data,omitempty"` // Additional state-specific data
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
