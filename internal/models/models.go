// Package models defines the core data structures for CopyPilot.
//
// It includes the analysis request/result types, credit balances and the API
// response envelope, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Platform identifies the ad network the copy is written for.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformGoogle    Platform = "google"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTikTok    Platform = "tiktok"
	PlatformTwitter   Platform = "twitter"
)

// IsValidPlatform checks if the given platform is supported.
func IsValidPlatform(p Platform) bool {
	switch p {
	case PlatformFacebook, PlatformInstagram, PlatformGoogle, PlatformLinkedIn, PlatformTikTok, PlatformTwitter:
		return true
	default:
		return false
	}
}

// OperationKind names a gated operation with a credit price.
type OperationKind string

const (
	// OperationFullAnalysis is the complete analysis with an improved rewrite.
	OperationFullAnalysis OperationKind = "FULL_ANALYSIS"
	// OperationBasicAnalysis is the score-only analysis.
	OperationBasicAnalysis OperationKind = "BASIC_ANALYSIS"
)

// Validation constants for input validation
const (
	// DefaultMinAdCopyLength is the shortest ad copy accepted for submission.
	DefaultMinAdCopyLength = 10
	// MaxAdCopyLength defines the maximum allowed length for ad copy text
	MaxAdCopyLength = 5000
	// MaxImprovements is the number of refinement passes a result can receive.
	MaxImprovements = 4
	// MaxRefinedScore is the ceiling a refinement pass may raise a score to.
	MaxRefinedScore = 95
)

// Error variables for better error handling and testability
var (
	ErrPlatformRequired = errors.New("platform must be selected")
	ErrInvalidPlatform  = errors.New("invalid platform")
	ErrAdCopyTooShort   = errors.New("ad copy is too short")
	ErrAdCopyTooLong    = errors.New("ad copy exceeds maximum length")
)

// AnalysisRequest is the user input submitted for one analysis attempt.
type AnalysisRequest struct {
	AdCopyText     string   `json:"ad_copy_text"`
	Platform       Platform `json:"platform"`
	TargetAudience string   `json:"target_audience,omitempty"`
	Industry       string   `json:"industry,omitempty"`
	BrandVoice     string   `json:"brand_voice,omitempty"`
	ProjectID      string   `json:"project_id,omitempty"`
}

// Validate checks that the request can be submitted. minLength is the
// minimum trimmed ad copy length.
func (r *AnalysisRequest) Validate(minLength int) error {
	if r.Platform == "" {
		return ErrPlatformRequired
	}
	if !IsValidPlatform(r.Platform) {
		return ErrInvalidPlatform
	}
	text := strings.TrimSpace(r.AdCopyText)
	if utf8.RuneCountInString(text) < minLength {
		return ErrAdCopyTooShort
	}
	if utf8.RuneCountInString(r.AdCopyText) > MaxAdCopyLength {
		return ErrAdCopyTooLong
	}
	return nil
}

// AnalysisResult is the structured outcome of an analysis, updated in place
// only by refinement passes.
type AnalysisResult struct {
	AnalysisID       string          `json:"analysis_id"`
	Score            int             `json:"score"`
	ImprovedCopy     string          `json:"improved_copy"`
	KeyImprovements  []string        `json:"key_improvements"`
	ImprovementCount int             `json:"improvement_count"`
	Suggestions      []string        `json:"suggestions,omitempty"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
}

// Clone returns a deep copy so callers can derive a new result without
// touching the one on display.
func (r AnalysisResult) Clone() AnalysisResult {
	out := r
	out.KeyImprovements = append(make([]string, 0, len(r.KeyImprovements)), r.KeyImprovements...)
	if r.Suggestions != nil {
		out.Suggestions = append([]string(nil), r.Suggestions...)
	}
	if r.RawPayload != nil {
		out.RawPayload = append(json.RawMessage(nil), r.RawPayload...)
	}
	return out
}

// UnlimitedAllowance is the MonthlyAllowance value of unlimited plans.
const UnlimitedAllowance Allowance = -1

// Allowance is a monthly credit allowance. It encodes as the string
// "unlimited" for unlimited plans and as a number otherwise.
type Allowance int

// IsUnlimited reports whether the allowance waives all costs.
func (a Allowance) IsUnlimited() bool {
	return a == UnlimitedAllowance
}

// MarshalJSON implements json.Marshaler.
func (a Allowance) MarshalJSON() ([]byte, error) {
	if a.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return json.Marshal(int(a))
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Allowance) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if strings.EqualFold(s, "unlimited") {
			*a = UnlimitedAllowance
			return nil
		}
		return fmt.Errorf("invalid allowance %q", s)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid allowance: %w", err)
	}
	if n < 0 {
		*a = UnlimitedAllowance
		return nil
	}
	*a = Allowance(n)
	return nil
}

// CreditBalance is a user's spendable credit at the time it was fetched.
type CreditBalance struct {
	UserID           string    `json:"user_id"`
	Available        int       `json:"available"`
	MonthlyAllowance Allowance `json:"monthly_allowance"`
}

// ConsumeResult reports the outcome of a credit consumption.
type ConsumeResult struct {
	Success   bool `json:"success"`
	Remaining int  `json:"remaining"`
}

// Project is the externally managed project an analysis can belong to.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CheckpointSnapshot is the in-progress input preserved across a navigation
// away from the analysis workflow.
type CheckpointSnapshot struct {
	AdCopyText        string   `json:"ad_copy_text"`
	Platform          Platform `json:"platform"`
	SelectedProjectID string   `json:"selected_project_id,omitempty"`
	ReturnToWorkflow  bool     `json:"return_to_workflow"`
}

// AnalysisRecord is a stored analysis kept for history display.
type AnalysisRecord struct {
	AnalysisID       string    `json:"analysis_id"`
	UserID           string    `json:"user_id"`
	ProjectID        string    `json:"project_id,omitempty"`
	Platform         Platform  `json:"platform"`
	AdCopyText       string    `json:"ad_copy_text"`
	Score            int       `json:"score"`
	ImprovementCount int       `json:"improvement_count"`
	ResultJSON       string    `json:"result_json"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ErrorWithResult creates an error API response that still carries data,
// used when a failure leaves displayable workflow state behind.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithResult(result).
		Build()
}
