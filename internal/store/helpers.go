package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const outboxColumns = `id, user_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage selected with outboxColumns.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.UserID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

const analysisColumns = `analysis_id, user_id, project_id, platform, ad_copy_text, score, improvement_count, result_json, created_at, updated_at`

// scanAnalysis scans an AnalysisRecord selected with analysisColumns.
func scanAnalysis(row rowScanner) (models.AnalysisRecord, error) {
	var a models.AnalysisRecord
	var projectID sql.NullString
	err := row.Scan(&a.AnalysisID, &a.UserID, &projectID, &a.Platform, &a.AdCopyText,
		&a.Score, &a.ImprovementCount, &a.ResultJSON, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, fmt.Errorf("scan analysis failed: %w", err)
	}
	a.ProjectID = projectID.String
	return a, nil
}

const creditEntryColumns = `id, user_id, amount, reference_id, balance_after, created_at`

// scanCreditEntry scans a CreditEntry selected with creditEntryColumns.
func scanCreditEntry(row rowScanner) (CreditEntry, error) {
	var e CreditEntry
	var ref sql.NullString
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &ref, &e.BalanceAfter, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan credit entry failed: %w", err)
	}
	e.ReferenceID = ref.String
	return e, nil
}
