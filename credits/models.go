// Package credits models the prepaid credits ledger. The balance of a tenant
// is always the signed sum of its transactions.
package credits

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/id"
)

type Type string

const (
	TypeGrant    Type = "grant"
	TypePurchase Type = "purchase"
	TypeDebit    Type = "debit"
	TypeExpiry   Type = "expiry"
)

// Sign is +1 for types that add credits and -1 for types that consume them.
func (t Type) Sign() int {
	switch t {
	case TypeDebit, TypeExpiry:
		return -1
	default:
		return 1
	}
}

type Transaction struct {
	ID       id.CreditTxID   `json:"id"`
	TenantID string          `json:"tenant_id"`
	Amount   decimal.Decimal `json:"amount"`
	Type     Type            `json:"type"`
	Reason   string          `json:"reason,omitempty"`
	// ReferenceID points at the usage event a debit paid for.
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Balance is the materialised running total for a tenant.
type Balance struct {
	TenantID  string          `json:"tenant_id"`
	Amount    decimal.Decimal `json:"amount"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ──────────────────────────────────────────────────
// Transaction options
// ──────────────────────────────────────────────────

// Options collects per-call settings for grants and debits.
type Options struct {
	Type           Type
	IdempotencyKey string
	ExpiresAt      *time.Time
	AllowNegative  bool
	Reason         string
}

type Option func(*Options)

// WithType records a grant as a purchase or another positive type.
func WithType(t Type) Option { return func(o *Options) { o.Type = t } }

func WithIdempotencyKey(k string) Option { return func(o *Options) { o.IdempotencyKey = k } }

func WithExpiry(at time.Time) Option { return func(o *Options) { o.ExpiresAt = &at } }

func WithReason(r string) Option { return func(o *Options) { o.Reason = r } }

// AllowNegative lets a debit take the balance below zero.
func AllowNegative() Option { return func(o *Options) { o.AllowNegative = true } }

// Apply folds opts over the zero Options.
func Apply(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
