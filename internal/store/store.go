// Package store provides storage backends for CopyPilot.
//
// It includes an in-memory store for tests and local runs, plus SQLite and
// PostgreSQL backends for session state, credit accounts, analysis history
// and the telemetry outbox.
package store

import (
	"errors"
	"strings"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// Error variables returned by every backend.
var (
	// ErrInsufficientBalance is returned when a consumption would drive a
	// balance below zero. Nothing is written in that case.
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	// ErrAccountNotFound is returned when a credit account does not exist.
	ErrAccountNotFound = errors.New("credit account not found")
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// FlowStateRepo persists per-session flow state.
type FlowStateRepo interface {
	SaveFlowState(state models.FlowState) error
	// GetFlowState returns nil, nil when no state exists.
	GetFlowState(sessionKey, flowType string) (*models.FlowState, error)
	DeleteFlowState(sessionKey, flowType string) error
}

// AnalysisRepo persists analysis results for history display.
type AnalysisRepo interface {
	// SaveAnalysis inserts or replaces the record with the same AnalysisID.
	SaveAnalysis(rec models.AnalysisRecord) error
	// ListAnalyses returns the most recent analyses of a user, newest first.
	ListAnalyses(userID string, limit int) ([]models.AnalysisRecord, error)
}

// Store is the full persistence surface used by CopyPilot.
type Store interface {
	FlowStateRepo
	CreditRepo
	AnalysisRepo
	OutboxRepo
	Close() error
}

// Open returns the backend selected by the configured DSN. An empty DSN
// selects the in-memory store.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
