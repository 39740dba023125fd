package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/store"
)

// DefaultMonthlyAllowance is the balance a new account starts with.
const DefaultMonthlyAllowance = 5

// Compile-time check that StoreLedger implements Ledger.
var _ Ledger = (*StoreLedger)(nil)

// StoreLedger keeps credit accounts in the local Store.
type StoreLedger struct {
	repo             store.CreditRepo
	costs            CostTable
	defaultAllowance int
}

// StoreLedgerOpts holds configuration for StoreLedger.
type StoreLedgerOpts struct {
	Costs            CostTable
	DefaultAllowance int
}

// StoreLedgerOption configures a StoreLedger.
type StoreLedgerOption func(*StoreLedgerOpts)

// WithCostTable sets the price list used to charge operations.
func WithCostTable(costs CostTable) StoreLedgerOption {
	return func(o *StoreLedgerOpts) { o.Costs = costs }
}

// WithDefaultAllowance sets the allowance of auto-provisioned accounts.
// A negative value provisions unlimited accounts.
func WithDefaultAllowance(allowance int) StoreLedgerOption {
	return func(o *StoreLedgerOpts) { o.DefaultAllowance = allowance }
}

// NewStoreLedger creates a ledger on top of a CreditRepo.
func NewStoreLedger(repo store.CreditRepo, opts ...StoreLedgerOption) *StoreLedger {
	cfg := StoreLedgerOpts{Costs: DefaultCostTable(), DefaultAllowance: DefaultMonthlyAllowance}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StoreLedger{repo: repo, costs: cfg.Costs, defaultAllowance: cfg.DefaultAllowance}
}

// GetBalance returns the account balance, provisioning the account on first use.
func (l *StoreLedger) GetBalance(ctx context.Context, userID string) (models.CreditBalance, error) {
	slog.Debug("StoreLedger.GetBalance: fetching balance", "userID", userID)
	acct, err := l.repo.EnsureCreditAccount(userID, l.defaultAllowance)
	if err != nil {
		slog.Error("StoreLedger.GetBalance: account lookup failed", "userID", userID, "error", err)
		return models.CreditBalance{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return balanceFromAccount(acct), nil
}

// Consume charges the operation against the stored balance.
func (l *StoreLedger) Consume(ctx context.Context, userID string, kind models.OperationKind, quantity int, referenceID string) (models.ConsumeResult, error) {
	if quantity <= 0 {
		quantity = 1
	}
	cost, err := l.costs.Cost(kind)
	if err != nil {
		return models.ConsumeResult{}, fmt.Errorf("%w: %w", ErrCreditConsumeFailed, err)
	}

	acct, err := l.repo.GetCreditAccount(userID)
	if err != nil {
		return models.ConsumeResult{}, fmt.Errorf("%w: %v", ErrCreditConsumeFailed, err)
	}
	if acct == nil {
		return models.ConsumeResult{}, fmt.Errorf("%w: %w", ErrCreditConsumeFailed, store.ErrAccountNotFound)
	}
	if cost == CostWaived || acct.MonthlyAllowance < 0 {
		slog.Debug("StoreLedger.Consume: charge skipped", "userID", userID, "kind", kind, "waived", cost == CostWaived)
		return models.ConsumeResult{Success: true, Remaining: acct.Available}, nil
	}

	remaining, err := l.repo.ConsumeCredits(userID, cost*quantity, referenceID)
	if errors.Is(err, store.ErrInsufficientBalance) {
		slog.Warn("StoreLedger.Consume: balance too low", "userID", userID, "kind", kind, "available", remaining)
		return models.ConsumeResult{Success: false, Remaining: remaining}, fmt.Errorf("%w: %w", ErrCreditConsumeFailed, ErrInsufficientCredits)
	}
	if err != nil {
		slog.Error("StoreLedger.Consume: consume failed", "userID", userID, "kind", kind, "error", err)
		return models.ConsumeResult{}, fmt.Errorf("%w: %v", ErrCreditConsumeFailed, err)
	}
	slog.Debug("StoreLedger.Consume: charged", "userID", userID, "kind", kind, "amount", cost*quantity, "remaining", remaining)
	return models.ConsumeResult{Success: true, Remaining: remaining}, nil
}

func balanceFromAccount(acct *store.CreditAccount) models.CreditBalance {
	allowance := models.Allowance(acct.MonthlyAllowance)
	if acct.MonthlyAllowance < 0 {
		allowance = models.UnlimitedAllowance
	}
	return models.CreditBalance{
		UserID:           acct.UserID,
		Available:        acct.Available,
		MonthlyAllowance: allowance,
	}
}
