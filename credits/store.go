package credits

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store persists the ledger. AppendTransaction must be atomic with respect to
// the balance: it reads the balance row, rejects the write when the result
// would be negative and allowNegative is false, and otherwise appends tx and
// advances the balance in one step. A concurrent writer surfaces as a
// stale-write conflict.
type Store interface {
	AppendTransaction(ctx context.Context, tx *Transaction, allowNegative bool) error
	GetTransactionByKey(ctx context.Context, tenantID, key string) (*Transaction, error)
	CreditBalance(ctx context.Context, tenantID string) (*Balance, error)
	// SumTransactions recomputes the balance from the transaction log.
	SumTransactions(ctx context.Context, tenantID string) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, tenantID string, opts ListOpts) ([]*Transaction, error)
}

type ListOpts struct {
	Type   Type
	Limit  int
	Offset int
}
