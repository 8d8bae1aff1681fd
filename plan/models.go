package plan

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

// Plan is the mutable head of a plan. Its terms live in immutable Versions;
// CurrentVersionID points at the one new assignments receive.
type Plan struct {
	types.Entity
	types.Versioned
	ID               id.PlanID         `json:"id"`
	Slug             string            `json:"slug"`
	Name             string            `json:"name"`
	Tier             string            `json:"tier"`
	TierRank         int               `json:"tier_rank"`
	Status           Status            `json:"status"`
	CurrentVersionID id.PlanVersionID  `json:"current_version_id"`
	CurrentVersion   int               `json:"current_version"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Version is a published, immutable set of plan terms.
type Version struct {
	ID            id.PlanVersionID        `json:"id"`
	PlanID        id.PlanID               `json:"plan_id"`
	Number        int                     `json:"number"`
	Features      map[string]FeatureValue `json:"features"`
	Limits        map[string]LimitConfig  `json:"limits"`
	EffectiveFrom time.Time               `json:"effective_from"`
	PublishedAt   time.Time               `json:"published_at"`
}

// Snapshot pairs a plan with one of its versions.
type Snapshot struct {
	Plan    *Plan    `json:"plan"`
	Version *Version `json:"version"`
}

// Assignment pins a tenant to a specific plan version. A tenant keeps the
// pinned terms until it is explicitly migrated.
type Assignment struct {
	types.Entity
	types.Versioned
	ID            id.AssignmentID  `json:"id"`
	TenantID      string           `json:"tenant_id"`
	PlanID        id.PlanID        `json:"plan_id"`
	VersionID     id.PlanVersionID `json:"version_id"`
	BillingAnchor time.Time        `json:"billing_anchor"`
}

// Override replaces a single entitlement key for one tenant. Exactly one of
// Feature and Limit is set.
type Override struct {
	types.Entity
	types.Versioned
	ID       id.OverrideID `json:"id"`
	TenantID string        `json:"tenant_id"`
	Key      string        `json:"key"`
	Feature  *FeatureValue `json:"feature,omitempty"`
	Limit    *LimitConfig  `json:"limit,omitempty"`
}

// Set stores v as the override value, clearing the other kind.
func (o *Override) Set(v OverrideValue) {
	o.Feature, o.Limit = nil, nil
	switch val := v.(type) {
	case FeatureValue:
		o.Feature = &val
	case LimitConfig:
		o.Limit = &val
	}
}

// Value returns the override's value.
func (o *Override) Value() OverrideValue {
	if o.Limit != nil {
		return *o.Limit
	}
	if o.Feature != nil {
		return *o.Feature
	}
	return nil
}

// Defaults is the global default tier every tenant inherits.
type Defaults struct {
	Features map[string]FeatureValue `json:"features"`
	Limits   map[string]LimitConfig  `json:"limits"`
}

// OverrideValue is either a FeatureValue or a LimitConfig.
type OverrideValue interface {
	overrideValue()
}

// ──────────────────────────────────────────────────
// Features
// ──────────────────────────────────────────────────

type FeatureKind string

const (
	KindBool   FeatureKind = "bool"
	KindNumber FeatureKind = "number"
	KindEnum   FeatureKind = "enum"
)

// EnumNone disables an enum-valued feature.
const EnumNone = "none"

// FailurePolicy decides a check when the config cannot be resolved.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "fail_open"
	FailClosed FailurePolicy = "fail_closed"
)

type FeatureValue struct {
	Kind          FeatureKind   `json:"kind"`
	Bool          bool          `json:"bool,omitempty"`
	Number        int64         `json:"number,omitempty"`
	Enum          string        `json:"enum,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
}

func (FeatureValue) overrideValue() {}

func Bool(v bool) FeatureValue    { return FeatureValue{Kind: KindBool, Bool: v} }
func Number(n int64) FeatureValue { return FeatureValue{Kind: KindNumber, Number: n} }
func Enum(s string) FeatureValue  { return FeatureValue{Kind: KindEnum, Enum: s} }

// Critical marks the feature fail-closed.
func (f FeatureValue) Critical() FeatureValue {
	f.FailurePolicy = FailClosed
	return f
}

// Policy returns the effective failure policy. Features fail open by default.
func (f FeatureValue) Policy() FailurePolicy {
	if f.FailurePolicy == "" {
		return FailOpen
	}
	return f.FailurePolicy
}

// Permits reports whether the feature allows a request of size qty.
func (f FeatureValue) Permits(qty int64) bool {
	switch f.Kind {
	case KindBool:
		return f.Bool
	case KindNumber:
		return qty <= f.Number
	case KindEnum:
		return f.Enum != "" && f.Enum != EnumNone
	default:
		return false
	}
}

func (f FeatureValue) Validate() error {
	switch f.Kind {
	case KindBool, KindNumber, KindEnum:
	default:
		return fmt.Errorf("unknown feature kind %q", f.Kind)
	}
	return validatePolicy(f.FailurePolicy)
}

// ──────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────

type ResetPeriod string

const (
	ResetDaily      ResetPeriod = "daily"
	ResetMonthly    ResetPeriod = "monthly"
	ResetYearly     ResetPeriod = "yearly"
	ResetRolling30d ResetPeriod = "rolling_30d"
	ResetNever      ResetPeriod = "never"
)

type OveragePolicy string

const (
	OverageBlock          OveragePolicy = "block"
	OverageBill           OveragePolicy = "bill"
	OverageAllowWithAlert OveragePolicy = "allow_with_alert"
)

// DefaultWarnThreshold is used when a capped limit sets no threshold.
const DefaultWarnThreshold = 0.9

// LimitConfig describes a metered resource.
type LimitConfig struct {
	Unit string `json:"unit,omitempty"`
	// HardCap nil means unlimited.
	HardCap *int64 `json:"hard_cap"`
	// WarnThreshold is a fraction of HardCap in (0, 1]. Zero selects DefaultWarnThreshold.
	WarnThreshold float64       `json:"warn_threshold,omitempty"`
	ResetPeriod   ResetPeriod   `json:"reset_period"`
	OveragePolicy OveragePolicy `json:"overage_policy"`
	// OverageRate is the credit cost of one unit above the cap.
	OverageRate          decimal.Decimal `json:"overage_rate"`
	AllowNegativeCredits bool            `json:"allow_negative_credits,omitempty"`
	FailurePolicy        FailurePolicy   `json:"failure_policy,omitempty"`
}

func (LimitConfig) overrideValue() {}

// Cap returns a pointer suitable for LimitConfig.HardCap. Negative values mean unlimited.
func Cap(n int64) *int64 {
	if n < 0 {
		return nil
	}
	return &n
}

func (l LimitConfig) Unlimited() bool { return l.HardCap == nil }

// Policy returns the effective failure policy. Limits fail closed by default.
func (l LimitConfig) Policy() FailurePolicy {
	if l.FailurePolicy == "" {
		return FailClosed
	}
	return l.FailurePolicy
}

// Period returns the reset period, monthly when unset.
func (l LimitConfig) Period() ResetPeriod {
	if l.ResetPeriod == "" {
		return ResetMonthly
	}
	return l.ResetPeriod
}

// Overage returns the overage policy, block when unset.
func (l LimitConfig) Overage() OveragePolicy {
	if l.OveragePolicy == "" {
		return OverageBlock
	}
	return l.OveragePolicy
}

// WarnAt is the usage level at which a soft warning fires, or 0 when unlimited.
func (l LimitConfig) WarnAt() int64 {
	if l.HardCap == nil {
		return 0
	}
	th := l.WarnThreshold
	if th <= 0 {
		th = DefaultWarnThreshold
	}
	return int64(math.Ceil(float64(*l.HardCap) * th))
}

func (l LimitConfig) Validate() error {
	if l.HardCap != nil && *l.HardCap < 0 {
		return errors.New("hard cap must not be negative")
	}
	if l.WarnThreshold < 0 || l.WarnThreshold > 1 {
		return fmt.Errorf("warn threshold %v outside [0, 1]", l.WarnThreshold)
	}
	switch l.Period() {
	case ResetDaily, ResetMonthly, ResetYearly, ResetRolling30d, ResetNever:
	default:
		return fmt.Errorf("unknown reset period %q", l.ResetPeriod)
	}
	switch l.Overage() {
	case OverageBlock, OverageAllowWithAlert:
	case OverageBill:
		if l.OverageRate.IsNegative() {
			return errors.New("overage rate must not be negative")
		}
	default:
		return fmt.Errorf("unknown overage policy %q", l.OveragePolicy)
	}
	return validatePolicy(l.FailurePolicy)
}

func validatePolicy(p FailurePolicy) error {
	switch p {
	case "", FailOpen, FailClosed:
		return nil
	default:
		return fmt.Errorf("unknown failure policy %q", p)
	}
}

// ValidateTerms checks a feature/limit set before it is published.
// A key may be a feature or a limit, not both.
func ValidateTerms(features map[string]FeatureValue, limits map[string]LimitConfig) error {
	var errs []error
	for k, f := range features {
		if _, dup := limits[k]; dup {
			errs = append(errs, fmt.Errorf("%s: defined as both feature and limit", k))
		}
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	for k, l := range limits {
		if err := l.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
