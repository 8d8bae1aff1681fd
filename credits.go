package entitle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/id"
)

// Grant adds credits to a tenant. amount must be positive. WithType selects
// a purchase instead of a grant.
func (e *Engine) Grant(ctx context.Context, tenantID string, amount decimal.Decimal, opts ...credits.Option) (*credits.Transaction, error) {
	o := credits.Apply(opts...)
	if o.Type == "" {
		o.Type = credits.TypeGrant
	}
	if o.Type.Sign() < 0 {
		return nil, ValidationError{Field: "type", Message: fmt.Sprintf("%s does not add credits", o.Type)}
	}
	tx, err := e.appendCredits(ctx, tenantID, amount, o, "", true)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitCreditsGranted(ctx, tx)
	return tx, nil
}

// Debit consumes credits for a usage event. It fails with
// ErrInsufficientCredits when the balance cannot cover amount, unless the
// AllowNegative option is given. The debit is idempotent per usage reference.
func (e *Engine) Debit(ctx context.Context, tenantID string, amount decimal.Decimal, usageRef string, opts ...credits.Option) (*credits.Transaction, error) {
	o := credits.Apply(opts...)
	o.Type = credits.TypeDebit
	if o.IdempotencyKey == "" && usageRef != "" {
		o.IdempotencyKey = "debit:" + usageRef
	}
	tx, err := e.appendCredits(ctx, tenantID, amount, o, usageRef, o.AllowNegative)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitCreditsDebited(ctx, tx)
	return tx, nil
}

// Expire removes unused credits. It never takes the balance below zero.
func (e *Engine) Expire(ctx context.Context, tenantID string, amount decimal.Decimal, opts ...credits.Option) (*credits.Transaction, error) {
	o := credits.Apply(opts...)
	o.Type = credits.TypeExpiry
	tx, err := e.appendCredits(ctx, tenantID, amount, o, "", false)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitCreditsDebited(ctx, tx)
	return tx, nil
}

// Balance returns the tenant's credit balance. Tenants without transactions
// have a zero balance.
func (e *Engine) Balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	b, err := e.store.CreditBalance(ctx, tenantID)
	if IsNotFound(err) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.Amount, nil
}

// Transactions lists the tenant's ledger, newest first.
func (e *Engine) Transactions(ctx context.Context, tenantID string, opts credits.ListOpts) ([]*credits.Transaction, error) {
	return e.store.ListTransactions(ctx, tenantID, opts)
}

// Reconcile recomputes the balance from the transaction log and reports
// ErrBalanceDrift when it differs from the stored balance.
func (e *Engine) Reconcile(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	balance, err := e.Balance(ctx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	sum, err := e.store.SumTransactions(ctx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	if !balance.Equal(sum) {
		e.logger.Error("credit balance drift",
			"tenant_id", tenantID,
			"balance", balance.String(),
			"sum", sum.String(),
		)
		return sum, fmt.Errorf("%w: %s: balance %s, transactions %s", ErrBalanceDrift, tenantID, balance, sum)
	}
	return sum, nil
}

// appendCredits writes one signed transaction. A replayed idempotency key
// returns the original transaction instead of writing again.
func (e *Engine) appendCredits(ctx context.Context, tenantID string, amount decimal.Decimal, o credits.Options, ref string, allowNegative bool) (*credits.Transaction, error) {
	if tenantID == "" {
		return nil, ValidationError{Field: "tenant_id", Message: "required"}
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	if o.IdempotencyKey != "" {
		existing, err := e.store.GetTransactionByKey(ctx, tenantID, o.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}

	tx := &credits.Transaction{
		ID:             id.NewCreditTxID(),
		TenantID:       tenantID,
		Amount:         amount.Mul(decimal.NewFromInt(int64(o.Type.Sign()))),
		Type:           o.Type,
		Reason:         o.Reason,
		ReferenceID:    ref,
		IdempotencyKey: o.IdempotencyKey,
		ExpiresAt:      o.ExpiresAt,
		CreatedAt:      e.now(),
	}

	err := e.retry(ctx, func() error {
		return e.store.AppendTransaction(ctx, tx, allowNegative)
	})
	if errors.Is(err, ErrAlreadyExists) && o.IdempotencyKey != "" {
		// Lost a race with a replay of the same key.
		return e.store.GetTransactionByKey(ctx, tenantID, o.IdempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("entitle: %s credits for %s: %w", o.Type, tenantID, err)
	}

	e.logger.Debug("credit transaction",
		"tenant_id", tenantID,
		"type", string(tx.Type),
		"amount", tx.Amount.String(),
		"balance_after", tx.BalanceAfter.String(),
	)
	return tx, nil
}
