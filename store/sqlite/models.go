package sqlite

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// JSON columns are TEXT in SQLite; the converters marshal them explicitly.

type planModel struct {
	grove.BaseModel `grove:"table:entitle_plans"`

	ID               string    `grove:"id,pk"`
	Slug             string    `grove:"slug"`
	Name             string    `grove:"name"`
	Tier             string    `grove:"tier"`
	TierRank         int       `grove:"tier_rank"`
	Status           string    `grove:"status"`
	CurrentVersionID string    `grove:"current_version_id"`
	CurrentVersion   int       `grove:"current_version"`
	Metadata         string    `grove:"metadata"`
	Revision         int64     `grove:"revision"`
	CreatedAt        time.Time `grove:"created_at"`
	UpdatedAt        time.Time `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) (*planModel, error) {
	meta, err := marshalText(p.Metadata)
	if err != nil {
		return nil, err
	}
	return &planModel{
		ID:               p.ID.String(),
		Slug:             p.Slug,
		Name:             p.Name,
		Tier:             p.Tier,
		TierRank:         p.TierRank,
		Status:           string(p.Status),
		CurrentVersionID: p.CurrentVersionID.String(),
		CurrentVersion:   p.CurrentVersion,
		Metadata:         meta,
		Revision:         p.Revision,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}, nil
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}
	versionID, err := id.ParsePlanVersionID(m.CurrentVersionID)
	if err != nil {
		return nil, err
	}
	p := &plan.Plan{
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
	}
	if err := unmarshalText(m.Metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return p, nil
}

type versionModel struct {
	grove.BaseModel `grove:"table:entitle_plan_versions"`

	ID            string    `grove:"id,pk"`
	PlanID        string    `grove:"plan_id"`
	Number        int       `grove:"number"`
	Features      string    `grove:"features"`
	Limits        string    `grove:"limits"`
	EffectiveFrom time.Time `grove:"effective_from"`
	PublishedAt   time.Time `grove:"published_at"`
}

func toVersionModel(v *plan.Version) (*versionModel, error) {
	features, err := marshalText(v.Features)
	if err != nil {
		return nil, err
	}
	limits, err := marshalText(v.Limits)
	if err != nil {
		return nil, err
	}
	return &versionModel{
		ID:            v.ID.String(),
		PlanID:        v.PlanID.String(),
		Number:        v.Number,
		Features:      features,
		Limits:        limits,
		EffectiveFrom: v.EffectiveFrom,
		PublishedAt:   v.PublishedAt,
	}, nil
}

func fromVersionModel(m *versionModel) (*plan.Version, error) {
	versionID, err := id.ParsePlanVersionID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}
	v := &plan.Version{
		ID:            versionID,
		PlanID:        planID,
		Number:        m.Number,
		EffectiveFrom: m.EffectiveFrom,
		PublishedAt:   m.PublishedAt,
	}
	if err := unmarshalText(m.Features, &v.Features); err != nil {
		return nil, err
	}
	if err := unmarshalText(m.Limits, &v.Limits); err != nil {
		return nil, err
	}
	return v, nil
}

type assignmentModel struct {
	grove.BaseModel `grove:"table:entitle_assignments"`

	TenantID      string    `grove:"tenant_id,pk"`
	ID            string    `grove:"id"`
	PlanID        string    `grove:"plan_id"`
	VersionID     string    `grove:"version_id"`
	BillingAnchor time.Time `grove:"billing_anchor"`
	Revision      int64     `grove:"revision"`
	CreatedAt     time.Time `grove:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at"`
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
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}
	versionID, err := id.ParsePlanVersionID(m.VersionID)
	if err != nil {
		return nil, err
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

	TenantID  string    `grove:"tenant_id,pk"`
	Key       string    `grove:"key,pk"`
	ID        string    `grove:"id"`
	Value     string    `grove:"value"`
	Revision  int64     `grove:"revision"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

type overrideValue struct {
	Feature *plan.FeatureValue `json:"feature,omitempty"`
	Limit   *plan.LimitConfig  `json:"limit,omitempty"`
}

func toOverrideModel(o *plan.Override) (*overrideModel, error) {
	value, err := marshalText(overrideValue{Feature: o.Feature, Limit: o.Limit})
	if err != nil {
		return nil, err
	}
	return &overrideModel{
		TenantID:  o.TenantID,
		Key:       o.Key,
		ID:        o.ID.String(),
		Value:     value,
		Revision:  o.Revision,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

func fromOverrideModel(m *overrideModel) (*plan.Override, error) {
	ovrID, err := id.ParseOverrideID(m.ID)
	if err != nil {
		return nil, err
	}
	var v overrideValue
	if err := unmarshalText(m.Value, &v); err != nil {
		return nil, err
	}
	return &plan.Override{
		Entity:    types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		Versioned: types.Versioned{Revision: m.Revision},
		ID:        ovrID,
		TenantID:  m.TenantID,
		Key:       m.Key,
		Feature:   v.Feature,
		Limit:     v.Limit,
	}, nil
}

type subscriptionModel struct {
	grove.BaseModel `grove:"table:entitle_subscriptions"`

	ID                 string     `grove:"id,pk"`
	ExternalID         string     `grove:"external_id"`
	TenantID           string     `grove:"tenant_id"`
	PlanID             string     `grove:"plan_id"`
	Status             string     `grove:"status"`
	CurrentPeriodStart time.Time  `grove:"current_period_start"`
	CurrentPeriodEnd   time.Time  `grove:"current_period_end"`
	CanceledAt         *time.Time `grove:"canceled_at"`
	LastEventID        string     `grove:"last_event_id"`
	LastEventAt        time.Time  `grove:"last_event_at"`
	Revision           int64      `grove:"revision"`
	CreatedAt          time.Time  `grove:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"`
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
		return nil, err
	}
	var planID id.PlanID
	if m.PlanID != "" {
		if planID, err = id.ParsePlanID(m.PlanID); err != nil {
			return nil, err
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

	EventID     string    `grove:"event_id,pk"`
	ProcessedAt time.Time `grove:"processed_at"`
}

type usageKeyModel struct {
	grove.BaseModel `grove:"table:entitle_usage_keys"`

	TenantID       string    `grove:"tenant_id,pk"`
	UsageType      string    `grove:"usage_type,pk"`
	IdempotencyKey string    `grove:"idempotency_key,pk"`
	ClaimedAt      time.Time `grove:"claimed_at"`
}

type usageCounterModel struct {
	grove.BaseModel `grove:"table:entitle_usage_counters"`

	TenantID    string    `grove:"tenant_id,pk"`
	UsageType   string    `grove:"usage_type,pk"`
	PeriodStart time.Time `grove:"period_start,pk"`
	Quantity    int64     `grove:"quantity"`
	UpdatedAt   time.Time `grove:"updated_at"`
}

type balanceModel struct {
	grove.BaseModel `grove:"table:entitle_credit_balances"`

	TenantID  string          `grove:"tenant_id,pk"`
	Amount    decimal.Decimal `grove:"amount"`
	Revision  int64           `grove:"revision"`
	UpdatedAt time.Time       `grove:"updated_at"`
}

type transactionModel struct {
	grove.BaseModel `grove:"table:entitle_credit_transactions"`

	ID             string          `grove:"id,pk"`
	TenantID       string          `grove:"tenant_id"`
	Amount         decimal.Decimal `grove:"amount"`
	Type           string          `grove:"type"`
	Reason         string          `grove:"reason"`
	ReferenceID    string          `grove:"reference_id"`
	IdempotencyKey string          `grove:"idempotency_key"`
	BalanceAfter   decimal.Decimal `grove:"balance_after"`
	ExpiresAt      *time.Time      `grove:"expires_at"`
	CreatedAt      time.Time       `grove:"created_at"`
}

func toTransactionModel(tx *credits.Transaction) *transactionModel {
	return &transactionModel{
		ID:             tx.ID.String(),
		TenantID:       tx.TenantID,
		Amount:         tx.Amount,
		Type:           string(tx.Type),
		Reason:         tx.Reason,
		ReferenceID:    tx.ReferenceID,
		IdempotencyKey: tx.IdempotencyKey,
		BalanceAfter:   tx.BalanceAfter,
		ExpiresAt:      tx.ExpiresAt,
		CreatedAt:      tx.CreatedAt,
	}
}

func fromTransactionModel(m *transactionModel) (*credits.Transaction, error) {
	txID, err := id.ParseCreditTxID(m.ID)
	if err != nil {
		return nil, err
	}
	return &credits.Transaction{
		ID:             txID,
		TenantID:       m.TenantID,
		Amount:         m.Amount,
		Type:           credits.Type(m.Type),
		Reason:         m.Reason,
		ReferenceID:    m.ReferenceID,
		IdempotencyKey: m.IdempotencyKey,
		BalanceAfter:   m.BalanceAfter,
		ExpiresAt:      m.ExpiresAt,
		CreatedAt:      m.CreatedAt,
	}, nil
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalText(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
