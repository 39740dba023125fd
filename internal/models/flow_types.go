// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific type of persisted flow
type FlowType string

// StateType represents a specific state within a flow
type StateType string

// DataKey represents a key for storing state-specific data
type DataKey string

// Flow type constants.
const (
	// FlowTypeAnalysisCheckpoint holds the session storage of the analysis page.
	FlowTypeAnalysisCheckpoint FlowType = "analysis_checkpoint"
)

// Workflow state tags.
const (
	StateInput       StateType = "INPUT"
	StateCreditCheck StateType = "CREDIT_CHECK"
	StateAnalyzing   StateType = "ANALYZING"
	StateResults     StateType = "RESULTS"
	StateRefining    StateType = "REFINING"
	StateError       StateType = "ERROR"
)

// IsInFlight reports whether the state is waiting on a remote call.
func (s StateType) IsInFlight() bool {
	return s == StateCreditCheck || s == StateAnalyzing || s == StateRefining
}

// Session storage keys. Values are plain strings.
const (
	DataKeyReturnToAnalysis  DataKey = "returnToAnalysis"
	DataKeySelectedProjectID DataKey = "selectedProjectId"
	DataKeyAnalysisAdCopy    DataKey = "analysisAdCopy"
	DataKeyAnalysisPlatform  DataKey = "analysisPlatform"
)

// ReturnToAnalysisSentinel is the returnToAnalysis value that triggers restoration.
const ReturnToAnalysisSentinel = "true"
