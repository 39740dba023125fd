// Package store provides storage backends for CopyPilot.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CopyPilot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

// SaveFlowState stores or updates flow state for a session.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	query := `
		INSERT INTO flow_states (session_key, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_key, flow_type)
		DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`

	var stateDataJSON []byte
	var err error
	if len(state.StateData) > 0 {
		stateDataJSON, err = json.Marshal(state.StateData)
		if err != nil {
			slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "sessionKey", state.SessionKey)
			return err
		}
	}

	_, err = s.db.Exec(query, state.SessionKey, state.FlowType, state.CurrentState,
		stateDataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "sessionKey", state.SessionKey, "flowType", state.FlowType)
		return err
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "sessionKey", state.SessionKey, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a session.
func (s *PostgresStore) GetFlowState(sessionKey, flowType string) (*models.FlowState, error) {
	query := `SELECT session_key, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE session_key = $1 AND flow_type = $2`

	var state models.FlowState
	var stateDataJSON []byte

	err := s.db.QueryRow(query, sessionKey, flowType).Scan(
		&state.SessionKey, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return nil, err
	}

	state.StateData = make(map[models.DataKey]string)
	if len(stateDataJSON) > 0 {
		if err := json.Unmarshal(stateDataJSON, &state.StateData); err != nil {
			slog.Error("PostgresStore GetFlowState JSON unmarshal failed", "error", err, "sessionKey", sessionKey)
			// Continue with empty map rather than failing
			state.StateData = make(map[models.DataKey]string)
		}
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a session.
func (s *PostgresStore) DeleteFlowState(sessionKey, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE session_key = $1 AND flow_type = $2`, sessionKey, flowType)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return err
	}
	slog.Debug("PostgresStore DeleteFlowState succeeded", "sessionKey", sessionKey, "flowType", flowType)
	return nil
}

// GetCreditAccount retrieves a credit account.
func (s *PostgresStore) GetCreditAccount(userID string) (*CreditAccount, error) {
	var a CreditAccount
	err := s.db.QueryRow(
		`SELECT user_id, available, monthly_allowance, created_at, updated_at FROM credit_accounts WHERE user_id = $1`,
		userID,
	).Scan(&a.UserID, &a.Available, &a.MonthlyAllowance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credit account failed: %w", err)
	}
	return &a, nil
}

// EnsureCreditAccount creates the account if missing and returns it.
func (s *PostgresStore) EnsureCreditAccount(userID string, monthlyAllowance int) (*CreditAccount, error) {
	now := time.Now()
	initial := monthlyAllowance
	if initial < 0 {
		initial = 0
	}
	_, err := s.db.Exec(
		`INSERT INTO credit_accounts (user_id, available, monthly_allowance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4) ON CONFLICT (user_id) DO NOTHING`,
		userID, initial, monthlyAllowance, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure credit account failed: %w", err)
	}
	return s.GetCreditAccount(userID)
}

// ConsumeCredits locks the account row, checks the balance and records the
// ledger entry in one serializable transaction.
func (s *PostgresStore) ConsumeCredits(userID string, amount int, referenceID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin consume failed: %w", err)
	}
	defer tx.Rollback()

	var available int
	err = tx.QueryRow(`SELECT available FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance failed: %w", err)
	}

	if referenceID != "" {
		var existing int64
		err := tx.QueryRow(`SELECT id FROM credit_ledger WHERE user_id = $1 AND reference_id = $2`, userID, referenceID).Scan(&existing)
		if err == nil {
			slog.Debug("PostgresStore.ConsumeCredits: reference already consumed", "userID", userID, "referenceID", referenceID)
			return available, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("reference check failed: %w", err)
		}
	}

	if available < amount {
		return available, ErrInsufficientBalance
	}
	remaining := available - amount
	now := time.Now()
	if _, err := tx.Exec(`UPDATE credit_accounts SET available = $1, updated_at = $2 WHERE user_id = $3`, remaining, now, userID); err != nil {
		return 0, fmt.Errorf("consume credits failed: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO credit_ledger (user_id, amount, reference_id, balance_after, created_at) VALUES ($1, $2, $3, $4, $5)`,
		userID, -amount, nilIfEmpty(referenceID), remaining, now,
	); err != nil {
		return 0, fmt.Errorf("record ledger entry failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit consume failed: %w", err)
	}
	slog.Debug("PostgresStore.ConsumeCredits succeeded", "userID", userID, "amount", amount, "remaining", remaining)
	return remaining, nil
}

// GrantCredits adds amount to a balance and records the ledger entry.
func (s *PostgresStore) GrantCredits(userID string, amount int, referenceID string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must be non-negative, got %d", amount)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin grant failed: %w", err)
	}
	defer tx.Rollback()

	var available int
	err = tx.QueryRow(
		`UPDATE credit_accounts SET available = available + $1, updated_at = $2 WHERE user_id = $3 RETURNING available`,
		amount, time.Now(), userID,
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("grant credits failed: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO credit_ledger (user_id, amount, reference_id, balance_after, created_at) VALUES ($1, $2, $3, $4, $5)`,
		userID, amount, nilIfEmpty(referenceID), available, time.Now(),
	); err != nil {
		return 0, fmt.Errorf("record ledger entry failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit grant failed: %w", err)
	}
	return available, nil
}

// ListCreditEntries returns the ledger of a user, newest first.
func (s *PostgresStore) ListCreditEntries(userID string, limit int) ([]CreditEntry, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(
		`SELECT `+creditEntryColumns+` FROM credit_ledger WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("list credit entries failed: %w", err)
	}
	defer rows.Close()

	var entries []CreditEntry
	for rows.Next() {
		e, err := scanCreditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveAnalysis inserts or updates an analysis record, keeping its creation time.
func (s *PostgresStore) SaveAnalysis(rec models.AnalysisRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO analyses (`+analysisColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (analysis_id) DO UPDATE SET
			score = EXCLUDED.score,
			improvement_count = EXCLUDED.improvement_count,
			result_json = EXCLUDED.result_json,
			updated_at = EXCLUDED.updated_at`,
		rec.AnalysisID, rec.UserID, nilIfEmpty(rec.ProjectID), rec.Platform, rec.AdCopyText,
		rec.Score, rec.ImprovementCount, rec.ResultJSON, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveAnalysis failed", "error", err, "analysisID", rec.AnalysisID)
		return fmt.Errorf("failed to save analysis %s: %w", rec.AnalysisID, err)
	}
	return nil
}

// ListAnalyses returns the most recent analyses of a user.
func (s *PostgresStore) ListAnalyses(userID string, limit int) ([]models.AnalysisRecord, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(
		`SELECT `+analysisColumns+` FROM analyses WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var out []models.AnalysisRecord
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis rows: %w", err)
	}
	return out, nil
}
