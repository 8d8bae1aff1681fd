package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// ==================== Catalog models ====================

type planModel struct {
	grove.BaseModel `grove:"table:entitle_plans"`

	ID               string            `grove:"id,pk"              bson:"_id"`
	Slug             string            `grove:"slug"               bson:"slug"`
	Name             string            `grove:"name"               bson:"name"`
	Tier             string            `grove:"tier"               bson:"tier"`
	TierRank         int               `grove:"tier_rank"          bson:"tier_rank"`
	Status           string            `grove:"status"             bson:"status"`
	CurrentVersionID string            `grove:"current_version_id" bson:"current_version_id"`
	CurrentVersion   int               `grove:"current_version"    bson:"current_version"`
	Metadata         map[string]string `grove:"metadata"           bson:"metadata,omitempty"`
	Revision         int64             `grove:"revision"           bson:"revision"`
	CreatedAt        time.Time         `grove:"created_at"         bson:"created_at"`
	UpdatedAt        time.Time         `grove:"updated_at"         bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:               p.ID.String(),
		Slug:             p.Slug,
		Name:             p.Name,
		Tier:             p.Tier,
		TierRank:         p.TierRank,
		Status:           string(p.Status),
		CurrentVersionID: p.CurrentVersionID.String(),
		CurrentVersion:   p.CurrentVersion,
		Metadata:         p.Metadata,
		Revision:         p.Revision,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse plan id: %w", err)
	}
	versionID, err := id.ParsePlanVersionID(m.CurrentVersionID)
	if err != nil {
		return nil, fmt.Errorf("parse plan version id: %w", err)
	}
	return &plan.Plan{
		Entity:           types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Versioned:        types.Versioned{Revision: m.Revision},
		ID:               planID,
		Slug:             m.Slug,
		Name:             m.Name,
		Tier:             m.Tier,
		TierRank:         m.TierRank,
		Status:           plan.Status(m.Status),
		CurrentVersionID: versionID,
		CurrentVersion:   m.CurrentVersion,
		Metadata:         m.Metadata,
	}, nil
}

// featureModel and limitModel are the embedded document shapes of the
// plan terms. Decimal rates are stored as strings.
type featureModel struct {
	Kind          string `bson:"kind"`
	Bool          bool   `bson:"bool,omitempty"`
	Number        int64  `bson:"number,omitempty"`
	Enum          string `bson:"enum,omitempty"`
	FailurePolicy string `bson:"failure_policy,omitempty"`
}

type limitModel struct {
	Unit                 string  `bson:"unit,omitempty"`
	HardCap              *int64  `bson:"hard_cap"`
	WarnThreshold        float64 `bson:"warn_threshold,omitempty"`
	ResetPeriod          string  `bson:"reset_period"`
	OveragePolicy        string  `bson:"overage_policy"`
	OverageRate          string  `bson:"overage_rate"`
	AllowNegativeCredits bool    `bson:"allow_negative_credits,omitempty"`
	FailurePolicy        string  `bson:"failure_policy,omitempty"`
}

func toFeatureModel(f plan.FeatureValue) featureModel {
	return featureModel{
		Kind:          string(f.Kind),
		Bool:          f.Bool,
		Number:        f.Number,
		Enum:          f.Enum,
		FailurePolicy: string(f.FailurePolicy),
	}
}

func fromFeatureModel(m featureModel) plan.FeatureValue {
	return plan.FeatureValue{
		Kind:          plan.FeatureKind(m.Kind),
		Bool:          m.Bool,
		Number:        m.Number,
		Enum:          m.Enum,
		FailurePolicy: plan.FailurePolicy(m.FailurePolicy),
	}
}

func toLimitModel(l plan.LimitConfig) limitModel {
	return limitModel{
		Unit:                 l.Unit,
		HardCap:              l.HardCap,
		WarnThreshold:        l.WarnThreshold,
		ResetPeriod:          string(l.ResetPeriod),
		OveragePolicy:        string(l.OveragePolicy),
		OverageRate:          l.OverageRate.String(),
		AllowNegativeCredits: l.AllowNegativeCredits,
		FailurePolicy:        string(l.FailurePolicy),
	}
}

func fromLimitModel(m limitModel) (plan.LimitConfig, error) {
	rate := decimal.Zero
	if m.OverageRate != "" {
		var err error
		if rate, err = decimal.NewFromString(m.OverageRate); err != nil {
			return plan.LimitConfig{}, fmt.Errorf("parse overage rate: %w", err)
		}
	}
	return plan.LimitConfig{
		Unit:                 m.Unit,
		HardCap:              m.HardCap,
		WarnThreshold:        m.WarnThreshold,
		ResetPeriod:          plan.ResetPeriod(m.ResetPeriod),
		OveragePolicy:        plan.OveragePolicy(m.OveragePolicy),
		OverageRate:          rate,
		AllowNegativeCredits: m.AllowNegativeCredits,
		FailurePolicy:        plan.FailurePolicy(m.FailurePolicy),
	}, nil
}

type versionModel struct {
	grove.BaseModel `grove:"table:entitle_plan_versions"`

	ID            string                  `grove:"id,pk"          bson:"_id"`
	PlanID        string                  `grove:"plan_id"        bson:"plan_id"`
	Number        int                     `grove:"number"         bson:"number"`
	Features      map[string]featureModel `grove:"features"       bson:"features"`
	Limits        map[string]limitModel   `grove:"limits"         bson:"limits"`
	EffectiveFrom time.Time               `grove:"effective_from" bson:"effective_from"`
	PublishedAt   time.Time               `grove:"published_at"   bson:"published_at"`
}

func toVersionModel(v *plan.Version) *versionModel {
	m := &versionModel{
		ID:            v.ID.String(),
		PlanID:        v.PlanID.String(),
		Number:        v.Number,
		Features:      make(map[string]featureModel, len(v.Features)),
		Limits:        make(map[string]limitModel, len(v.Limits)),
		EffectiveFrom: v.EffectiveFrom,
		PublishedAt:   v.PublishedAt,
	}
	for k, f := range v.Features {
		m.Features[k] = toFeatureModel(f)
	}
	for k, l := range v.Limits {
		m.Limits[k] = toLimitModel(l)
	}
	return m
}

func fromVersionModel(m *versionModel) (*plan.Version, error) {
	versionID, err := id.ParsePlanVersionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse plan version id: %w", err)
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, fmt.Errorf("parse plan id: %w", err)
	}
	v := &plan.Version{
		ID:            versionID,
		PlanID:        planID,
		Number:        m.Number,
		Features:      make(map[string]plan.FeatureValue, len(m.Features)),
		Limits:        make(map[string]plan.LimitConfig, len(m.Limits)),
		EffectiveFrom: m.EffectiveFrom,
		PublishedAt:   m.PublishedAt,
	}
	for k, f := range m.Features {
		v.Features[k] = fromFeatureModel(f)
	}
	for k, l := range m.Limits {
		if v.Limits[k], err = fromLimitModel(l); err != nil {
			return nil, fmt.Errorf("limit %s: %w", k, err)
		}
	}
	return v, nil
}

type assignmentModel struct {
	grove.BaseModel `grove:"table:entitle_assignments"`

	TenantID      string    `grove:"tenant_id,pk"   bson:"_id"`
	ID            string    `grove:"id"             bson:"assignment_id"`
	PlanID        string    `grove:"plan_id"        bson:"plan_id"`
	VersionID     string    `grove:"version_id"     bson:"version_id"`
	BillingAnchor time.Time `grove:"billing_anchor" bson:"billing_anchor"`
	Revision      int64     `grove:"revision"       bson:"revision"`
	CreatedAt     time.Time `grove:"created_at"     bson:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at"     bson:"updated_at"`
}

func toAssignmentModel(a *plan.Assignment) *assignmentModel {
	return &assignmentModel{
		TenantID:      a.TenantID,
		ID:            a.ID.String(),
		PlanID:        a.PlanID.String(),
		VersionID:     a.VersionID.String(),
		BillingAnchor: a.BillingAnchor,
		Revision:      a.Revision,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func fromAssignmentModel(m *assignmentModel) (*plan.Assignment, error) {
	asgID, err := id.ParseAssignmentID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse assignment id: %w", err)
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, fmt.Errorf("parse plan id: %w", err)
	}
	versionID, err := id.ParsePlanVersionID(m.VersionID)
	if err != nil {
		return nil, fmt.Errorf("parse plan version id: %w", err)
	}
	return &plan.Assignment{
		Entity:        types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Versioned:     types.Versioned{Revision: m.Revision},
		ID:            asgID,
		TenantID:      m.TenantID,
		PlanID:        planID,
		VersionID:     versionID,
		BillingAnchor: m.BillingAnchor,
	}, nil
}

type overrideModel struct {
	grove.BaseModel `grove:"table:entitle_overrides"`

	DocID     string        `grove:"id,pk"      bson:"_id"`
	OverID    string        `grove:"override_id" bson:"override_id"`
	TenantID  string        `grove:"tenant_id"  bson:"tenant_id"`
	Key       string        `grove:"key"        bson:"key"`
	Feature   *featureModel `grove:"feature"    bson:"feature,omitempty"`
	Limit     *limitModel   `grove:"limit"      bson:"limit,omitempty"`
	Revision  int64         `grove:"revision"   bson:"revision"`
	CreatedAt time.Time     `grove:"created_at" bson:"created_at"`
	UpdatedAt time.Time     `grove:"updated_at" bson:"updated_at"`
}

// overrideDocID keys an override document by tenant and entitlement key.
func overrideDocID(tenantID, key string) string { return tenantID + "/" + key }

func toOverrideModel(o *plan.Override) *overrideModel {
	m := &overrideModel{
		DocID:     overrideDocID(o.TenantID, o.Key),
		OverID:    o.ID.String(),
		TenantID:  o.TenantID,
		Key:       o.Key,
		Revision:  o.Revision,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.Feature != nil {
		f := toFeatureModel(*o.Feature)
		m.Feature = &f
	}
	if o.Limit != nil {
		l := toLimitModel(*o.Limit)
		m.Limit = &l
	}
	return m
}

func fromOverrideModel(m *overrideModel) (*plan.Override, error) {
	ovrID, err := id.ParseOverrideID(m.OverID)
	if err != nil {
		return nil, fmt.Errorf("parse override id: %w", err)
	}
	o := &plan.Override{
		Entity:    types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Versioned: types.Versioned{Revision: m.Revision},
		ID:        ovrID,
		TenantID:  m.TenantID,
		Key:       m.Key,
	}
	if m.Feature != nil {
		f := fromFeatureModel(*m.Feature)
		o.Feature = &f
	}
	if m.Limit != nil {
		l, err := fromLimitModel(*m.Limit)
		if err != nil {
			return nil, err
		}
		o.Limit = &l
	}
	return o, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:entitle_subscriptions"`

	ID                 string     `grove:"id,pk"                bson:"_id"`
	ExternalID         string     `grove:"external_id"          bson:"external_id"`
	TenantID           string     `grove:"tenant_id"            bson:"tenant_id"`
	PlanID             string     `grove:"plan_id"              bson:"plan_id"`
	Status             string     `grove:"status"               bson:"status"`
	CurrentPeriodStart time.Time  `grove:"current_period_start" bson:"current_period_start"`
	CurrentPeriodEnd   time.Time  `grove:"current_period_end"   bson:"current_period_end"`
	CanceledAt         *time.Time `grove:"canceled_at"          bson:"canceled_at,omitempty"`
	LastEventID        string     `grove:"last_event_id"        bson:"last_event_id"`
	LastEventAt        time.Time  `grove:"last_event_at"        bson:"last_event_at"`
	Revision           int64      `grove:"revision"             bson:"revision"`
	CreatedAt          time.Time  `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"           bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	planID := ""
	if !s.PlanID.IsNil() {
		planID = s.PlanID.String()
	}
	return &subscriptionModel{
		ID:                 s.ID.String(),
		ExternalID:         s.ExternalID,
		TenantID:           s.TenantID,
		PlanID:             planID,
		Status:             string(s.Status),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CanceledAt:         s.CanceledAt,
		LastEventID:        s.LastEventID,
		LastEventAt:        s.LastEventAt,
		Revision:           s.Revision,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription id: %w", err)
	}
	var planID id.PlanID
	if m.PlanID != "" {
		if planID, err = id.ParsePlanID(m.PlanID); err != nil {
			return nil, fmt.Errorf("parse plan id: %w", err)
		}
	}
	return &subscription.Subscription{
		Entity:             types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Versioned:          types.Versioned{Revision: m.Revision},
		ID:                 subID,
		ExternalID:         m.ExternalID,
		TenantID:           m.TenantID,
		PlanID:             planID,
		Status:             subscription.Status(m.Status),
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		CanceledAt:         m.CanceledAt,
		LastEventID:        m.LastEventID,
		LastEventAt:        m.LastEventAt,
	}, nil
}

type processedEventModel struct {
	grove.BaseModel `grove:"table:entitle_processed_events"`

	EventID     string    `grove:"event_id,pk"  bson:"_id"`
	ProcessedAt time.Time `grove:"processed_at" bson:"processed_at"`
}

// ==================== Usage models ====================

type usageKeyModel struct {
	grove.BaseModel `grove:"table:entitle_usage_keys"`

	DocID          string    `grove:"id,pk"           bson:"_id"`
	TenantID       string    `grove:"tenant_id"       bson:"tenant_id"`
	UsageType      string    `grove:"usage_type"      bson:"usage_type"`
	IdempotencyKey string    `grove:"idempotency_key" bson:"idempotency_key"`
	ClaimedAt      time.Time `grove:"claimed_at"      bson:"claimed_at"`
}

type usageCounterModel struct {
	grove.BaseModel `grove:"table:entitle_usage_counters"`

	DocID       string    `grove:"id,pk"        bson:"_id"`
	TenantID    string    `grove:"tenant_id"    bson:"tenant_id"`
	UsageType   string    `grove:"usage_type"   bson:"usage_type"`
	PeriodStart time.Time `grove:"period_start" bson:"period_start"`
	Quantity    int64     `grove:"quantity"     bson:"quantity"`
	UpdatedAt   time.Time `grove:"updated_at"   bson:"updated_at"`
}

func usageKeyDocID(tenantID, usageType, key string) string {
	return tenantID + "/" + usageType + "/" + key
}

func usageCounterDocID(tenantID, usageType string, periodStart time.Time) string {
	return fmt.Sprintf("%s/%s/%d", tenantID, usageType, periodStart.UTC().Unix())
}

// ==================== Credits models ====================

type balanceModel struct {
	grove.BaseModel `grove:"table:entitle_credit_balances"`

	TenantID  string    `grove:"tenant_id,pk" bson:"_id"`
	Amount    string    `grove:"amount"       bson:"amount"`
	Revision  int64     `grove:"revision"     bson:"revision"`
	UpdatedAt time.Time `grove:"updated_at"   bson:"updated_at"`
}

type transactionModel struct {
	grove.BaseModel `grove:"table:entitle_credit_transactions"`

	ID             string     `grove:"id,pk"           bson:"_id"`
	TenantID       string     `grove:"tenant_id"       bson:"tenant_id"`
	Amount         string     `grove:"amount"          bson:"amount"`
	Type           string     `grove:"type"            bson:"type"`
	Reason         string     `grove:"reason"          bson:"reason,omitempty"`
	ReferenceID    string     `grove:"reference_id"    bson:"reference_id,omitempty"`
	IdempotencyKey string     `grove:"idempotency_key" bson:"idempotency_key"`
	BalanceAfter   string     `grove:"balance_after"   bson:"balance_after"`
	ExpiresAt      *time.Time `grove:"expires_at"      bson:"expires_at,omitempty"`
	CreatedAt      time.Time  `grove:"created_at"      bson:"created_at"`
}

func toTransactionModel(tx *credits.Transaction) *transactionModel {
	return &transactionModel{
		ID:             tx.ID.String(),
		TenantID:       tx.TenantID,
		Amount:         tx.Amount.String(),
		Type:           string(tx.Type),
		Reason:         tx.Reason,
		ReferenceID:    tx.ReferenceID,
		IdempotencyKey: tx.IdempotencyKey,
		BalanceAfter:   tx.BalanceAfter.String(),
		ExpiresAt:      tx.ExpiresAt,
		CreatedAt:      tx.CreatedAt,
	}
}

func fromTransactionModel(m *transactionModel) (*credits.Transaction, error) {
	txID, err := id.ParseCreditTxID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse credit tx id: %w", err)
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	after, err := decimal.NewFromString(m.BalanceAfter)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &credits.Transaction{
		ID:             txID,
		TenantID:       m.TenantID,
		Amount:         amount,
		Type:           credits.Type(m.Type),
		Reason:         m.Reason,
		ReferenceID:    m.ReferenceID,
		IdempotencyKey: m.IdempotencyKey,
		BalanceAfter:   after,
		ExpiresAt:      m.ExpiresAt,
		CreatedAt:      m.CreatedAt,
	}, nil
}
