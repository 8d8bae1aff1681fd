// Package entitlement holds the result types of an entitlement check.
package entitlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/plan"
)

type Outcome string

const (
	Allow            Outcome = "allow"
	Deny             Outcome = "deny"
	AllowWithOverage Outcome = "allow_with_overage"
)

// Decision is the answer to a check. Every check yields one; failures are
// folded into a Deny (or a fail-open Allow) carrying the cause in Err.
type Decision struct {
	TenantID  string      `json:"tenant_id"`
	Key       string      `json:"key"`
	Outcome   Outcome     `json:"outcome"`
	Reason    string      `json:"reason,omitempty"`
	Err       error       `json:"-"`
	Source    plan.Source `json:"source,omitempty"`
	Requested int64       `json:"requested"`

	// Limit checks only.
	Used      int64           `json:"used,omitempty"`
	Limit     *int64          `json:"limit,omitempty"`
	Remaining int64           `json:"remaining,omitempty"`
	Overage   int64           `json:"overage,omitempty"`
	Cost      decimal.Decimal `json:"cost"`
	UsageRef  string          `json:"usage_ref,omitempty"`
	Warned    bool            `json:"warned,omitempty"`
	Alerted   bool            `json:"alerted,omitempty"`

	// FailOpen is set when the decision came from a failure policy rather
	// than from resolved entitlements.
	FailOpen bool   `json:"fail_open,omitempty"`
	ETag     string `json:"etag,omitempty"`
}

// Allowed reports whether the operation may proceed.
func (d *Decision) Allowed() bool {
	return d.Outcome == Allow || d.Outcome == AllowWithOverage
}

// PercentUsed reports projected usage as a percentage of the cap.
func (d *Decision) PercentUsed() float64 {
	if d.Limit == nil || *d.Limit == 0 {
		return 0
	}
	return float64(d.Used+d.Requested) / float64(*d.Limit) * 100
}

type AlertKind string

const (
	AlertWarning  AlertKind = "limit_warning"
	AlertOverage  AlertKind = "overage"
	AlertExceeded AlertKind = "limit_exceeded"
)

// Alert is delivered to the alerting sink, fire-and-forget.
type Alert struct {
	Kind      AlertKind       `json:"kind"`
	TenantID  string          `json:"tenant_id"`
	Key       string          `json:"key"`
	Used      int64           `json:"used"`
	Requested int64           `json:"requested"`
	Limit     int64           `json:"limit"`
	Threshold int64           `json:"threshold,omitempty"`
	Cost      decimal.Decimal `json:"cost"`
	At        time.Time       `json:"at"`
}
