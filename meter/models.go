package meter

import (
	"time"

	"github.com/xraph/entitle/id"
)

// Record is one metered usage event.
type Record struct {
	ID             id.UsageEventID `json:"id"`
	TenantID       string          `json:"tenant_id"`
	UsageType      string          `json:"usage_type"`
	Quantity       int64           `json:"quantity"`
	Timestamp      time.Time       `json:"timestamp"`
	IdempotencyKey string          `json:"idempotency_key"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
}

// Period returns the billing period the record was accounted to.
func (r *Record) Period() Period { return Period{Start: r.PeriodStart, End: r.PeriodEnd} }

// Receipt acknowledges a Record call. Duplicate is set when the idempotency
// key had already been accepted; the call still succeeds.
type Receipt struct {
	ID             id.UsageEventID `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Period         Period          `json:"period"`
	Duplicate      bool            `json:"duplicate"`
}

// Summary aggregates usage for (tenant, usage type, period).
type Summary struct {
	TenantID  string `json:"tenant_id"`
	UsageType string `json:"usage_type"`
	Period    Period `json:"period"`
	Quantity  int64  `json:"quantity"`
	Flushed   int64  `json:"flushed"`
	Pending   int64  `json:"pending"`
	Limit     *int64 `json:"limit,omitempty"`
}

// PercentUsed is Quantity as a percentage of Limit, or 0 when unlimited.
func (s *Summary) PercentUsed() float64 {
	if s.Limit == nil || *s.Limit == 0 {
		return 0
	}
	return float64(s.Quantity) / float64(*s.Limit) * 100
}
