// Package store provides storage backends for CopyPilot.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CopyPilot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes credit updates.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// SaveFlowState stores or updates flow state for a session.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	query := `
		INSERT OR REPLACE INTO flow_states (session_key, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	var stateDataJSON string
	if len(state.StateData) > 0 {
		jsonBytes, err := json.Marshal(state.StateData)
		if err != nil {
			slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "sessionKey", state.SessionKey)
			return err
		}
		stateDataJSON = string(jsonBytes)
	}

	_, err := s.db.Exec(query, state.SessionKey, state.FlowType, state.CurrentState,
		stateDataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "sessionKey", state.SessionKey, "flowType", state.FlowType)
		return err
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "sessionKey", state.SessionKey, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a session.
func (s *SQLiteStore) GetFlowState(sessionKey, flowType string) (*models.FlowState, error) {
	query := `SELECT session_key, flow_type, current_state, state_data, created_at, updated_at
			  FROM flow_states WHERE session_key = ? AND flow_type = ?`

	var state models.FlowState
	var stateDataJSON sql.NullString

	err := s.db.QueryRow(query, sessionKey, flowType).Scan(
		&state.SessionKey, &state.FlowType, &state.CurrentState,
		&stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return nil, err
	}

	state.StateData = make(map[models.DataKey]string)
	if stateDataJSON.String != "" {
		if err := json.Unmarshal([]byte(stateDataJSON.String), &state.StateData); err != nil {
			slog.Error("SQLiteStore GetFlowState JSON unmarshal failed", "error", err, "sessionKey", sessionKey)
			// Continue with empty map rather than failing
			state.StateData = make(map[models.DataKey]string)
		}
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a session.
func (s *SQLiteStore) DeleteFlowState(sessionKey, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE session_key = ? AND flow_type = ?`, sessionKey, flowType)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "sessionKey", sessionKey, "flowType", flowType)
		return err
	}
	slog.Debug("SQLiteStore DeleteFlowState succeeded", "sessionKey", sessionKey, "flowType", flowType)
	return nil
}

// GetCreditAccount retrieves a credit account.
func (s *SQLiteStore) GetCreditAccount(userID string) (*CreditAccount, error) {
	var a CreditAccount
	err := s.db.QueryRow(
		`SELECT user_id, available, monthly_allowance, created_at, updated_at FROM credit_accounts WHERE user_id = ?`,
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
func (s *SQLiteStore) EnsureCreditAccount(userID string, monthlyAllowance int) (*CreditAccount, error) {
	now := time.Now()
	initial := monthlyAllowance
	if initial < 0 {
		initial = 0
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO credit_accounts (user_id, available, monthly_allowance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		userID, initial, monthlyAllowance, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure credit account failed: %w", err)
	}
	return s.GetCreditAccount(userID)
}

// ConsumeCredits subtracts amount in one transaction and records the ledger entry.
func (s *SQLiteStore) ConsumeCredits(userID string, amount int, referenceID string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin consume failed: %w", err)
	}
	defer tx.Rollback()

	var available int
	err = tx.QueryRow(`SELECT available FROM credit_accounts WHERE user_id = ?`, userID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance failed: %w", err)
	}

	if referenceID != "" {
		var existing int64
		err := tx.QueryRow(`SELECT id FROM credit_ledger WHERE user_id = ? AND reference_id = ?`, userID, referenceID).Scan(&existing)
		if err == nil {
			slog.Debug("SQLiteStore.ConsumeCredits: reference already consumed", "userID", userID, "referenceID", referenceID)
			return available, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("reference check failed: %w", err)
		}
	}

	res, err := tx.Exec(
		`UPDATE credit_accounts SET available = available - ?, updated_at = ? WHERE user_id = ? AND available >= ?`,
		amount, time.Now(), userID, amount,
	)
	if err != nil {
		return 0, fmt.Errorf("consume credits failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return available, ErrInsufficientBalance
	}

	remaining := available - amount
	if _, err := tx.Exec(
		`INSERT INTO credit_ledger (user_id, amount, reference_id, balance_after, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, -amount, nilIfEmpty(referenceID), remaining, time.Now(),
	); err != nil {
		return 0, fmt.Errorf("record ledger entry failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit consume failed: %w", err)
	}
	slog.Debug("SQLiteStore.ConsumeCredits succeeded", "userID", userID, "amount", amount, "remaining", remaining)
	return remaining, nil
}

// GrantCredits adds amount to a balance and records the ledger entry.
func (s *SQLiteStore) GrantCredits(userID string, amount int, referenceID string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must be non-negative, got %d", amount)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin grant failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE credit_accounts SET available = available + ?, updated_at = ? WHERE user_id = ?`, amount, time.Now(), userID)
	if err != nil {
		return 0, fmt.Errorf("grant credits failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrAccountNotFound
	}
	var available int
	if err := tx.QueryRow(`SELECT available FROM credit_accounts WHERE user_id = ?`, userID).Scan(&available); err != nil {
		return 0, fmt.Errorf("read balance failed: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO credit_ledger (user_id, amount, reference_id, balance_after, created_at) VALUES (?, ?, ?, ?, ?)`,
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
func (s *SQLiteStore) ListCreditEntries(userID string, limit int) ([]CreditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+creditEntryColumns+` FROM credit_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
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
func (s *SQLiteStore) SaveAnalysis(rec models.AnalysisRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO analyses (`+analysisColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (analysis_id) DO UPDATE SET
			score = excluded.score,
			improvement_count = excluded.improvement_count,
			result_json = excluded.result_json,
			updated_at = excluded.updated_at`,
		rec.AnalysisID, rec.UserID, nilIfEmpty(rec.ProjectID), rec.Platform, rec.AdCopyText,
		rec.Score, rec.ImprovementCount, rec.ResultJSON, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveAnalysis failed", "error", err, "analysisID", rec.AnalysisID)
		return fmt.Errorf("failed to save analysis %s: %w", rec.AnalysisID, err)
	}
	return nil
}

// ListAnalyses returns the most recent analyses of a user.
func (s *SQLiteStore) ListAnalyses(userID string, limit int) ([]models.AnalysisRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+analysisColumns+` FROM analyses WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
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
