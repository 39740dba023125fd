// Package credits gates analysis operations behind a consumable credit balance.
//
// A Ledger answers balance queries and performs consumption after the gated
// operation has already succeeded. Balances are never cached: callers fetch a
// fresh balance before each gated operation.
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/CopyPilot/internal/models"
)

var (
	// ErrServiceUnavailable is returned when the accounting backend cannot be
	// reached. Callers must not proceed as if the plan were unlimited.
	ErrServiceUnavailable = errors.New("credit service unavailable")
	// ErrInsufficientCredits is returned when the balance cannot cover an operation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrCreditConsumeFailed is returned when post-delivery consumption fails.
	ErrCreditConsumeFailed = errors.New("credit consumption failed")
	// ErrUnknownOperation is returned for an operation kind missing from the cost table.
	ErrUnknownOperation = errors.New("unknown operation kind")
)

// CostWaived marks an operation whose cost is waived.
const CostWaived = -1

// Ledger is the credit accounting boundary used by the workflow.
type Ledger interface {
	// GetBalance returns the current balance, or an error wrapping
	// ErrServiceUnavailable when the backend cannot be reached.
	GetBalance(ctx context.Context, userID string) (models.CreditBalance, error)

	// Consume charges quantity units of kind. referenceID makes the charge
	// idempotent when non-empty. Failures wrap ErrCreditConsumeFailed.
	Consume(ctx context.Context, userID string, kind models.OperationKind, quantity int, referenceID string) (models.ConsumeResult, error)
}

// CostTable maps operation kinds to their credit price. It is immutable once built.
type CostTable struct {
	costs map[models.OperationKind]int
}

// NewCostTable builds a cost table from the given prices. A price of
// CostWaived marks the operation as free.
func NewCostTable(costs map[models.OperationKind]int) CostTable {
	c := make(map[models.OperationKind]int, len(costs))
	for k, v := range costs {
		c[k] = v
	}
	return CostTable{costs: c}
}

// DefaultCostTable returns the standard prices: one credit per analysis.
func DefaultCostTable() CostTable {
	return NewCostTable(map[models.OperationKind]int{
		models.OperationFullAnalysis:  1,
		models.OperationBasicAnalysis: 1,
	})
}

// Cost returns the price of kind.
func (t CostTable) Cost(kind models.OperationKind) (int, error) {
	cost, ok := t.costs[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownOperation, kind)
	}
	return cost, nil
}

// IsWaived reports whether kind costs nothing.
func (t CostTable) IsWaived(kind models.OperationKind) bool {
	cost, err := t.Cost(kind)
	return err == nil && cost == CostWaived
}

// CanAfford reports whether balance covers one unit of kind: the plan is
// unlimited, the cost is waived, or the available credits reach the cost.
// Unknown operations are never affordable.
func (t CostTable) CanAfford(balance models.CreditBalance, kind models.OperationKind) bool {
	cost, err := t.Cost(kind)
	if err != nil {
		return false
	}
	if balance.MonthlyAllowance.IsUnlimited() || cost == CostWaived {
		return true
	}
	return balance.Available >= cost
}

// IsZero reports whether the table was never built.
func (t CostTable) IsZero() bool {
	return t.costs == nil
}
