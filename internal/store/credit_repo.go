// Package store provides the CreditRepo interface and model for local credit accounting.
package store

import (
	"time"
)

// CreditAccount is the persisted credit state of a user.
type CreditAccount struct {
	UserID           string    `json:"user_id"`
	Available        int       `json:"available"`
	MonthlyAllowance int       `json:"monthly_allowance"` // negative means unlimited
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreditEntry is one row of the append-only credit ledger.
type CreditEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Amount       int       `json:"amount"` // negative for consumption
	ReferenceID  string    `json:"reference_id"`
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreditRepo defines the interface for credit account persistence.
type CreditRepo interface {
	// GetCreditAccount returns nil, nil when the account does not exist.
	GetCreditAccount(userID string) (*CreditAccount, error)

	// EnsureCreditAccount creates the account with the allowance as its
	// initial balance if it does not exist, and returns it either way.
	EnsureCreditAccount(userID string, monthlyAllowance int) (*CreditAccount, error)

	// ConsumeCredits atomically subtracts amount and records a ledger entry
	// keyed by referenceID. It returns ErrInsufficientBalance without writing
	// anything if the balance would go negative. A referenceID that was
	// already consumed is not charged again; the current balance is returned.
	ConsumeCredits(userID string, amount int, referenceID string) (int, error)

	// GrantCredits adds amount to the balance and records a ledger entry.
	GrantCredits(userID string, amount int, referenceID string) (int, error)

	// ListCreditEntries returns the ledger of a user, newest first.
	ListCreditEntries(userID string, limit int) ([]CreditEntry, error)
}
