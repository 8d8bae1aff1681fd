package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

// ──────────────────────────────────────────────────
// Plans and versions
// ──────────────────────────────────────────────────

// CreatePlan stores p with its first version built from the given terms.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan, features map[string]plan.FeatureValue, limits map[string]plan.LimitConfig) (*plan.Snapshot, error) {
	if p == nil || p.Slug == "" {
		return nil, ValidationError{Field: "slug", Message: "required"}
	}
	if err := plan.ValidateTerms(features, limits); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTerms, err)
	}

	// Checked before any row is written so a duplicate leaves no orphan version.
	switch _, err := e.store.GetPlanBySlug(ctx, p.Slug); {
	case err == nil:
		return nil, fmt.Errorf("%w: plan %s", ErrAlreadyExists, p.Slug)
	case !IsNotFound(err):
		return nil, fmt.Errorf("entitle: create plan: %w", err)
	}

	now := e.now()
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	if p.Status == "" {
		p.Status = plan.StatusActive
	}
	p.Entity = types.NewEntity(now)

	v := newVersion(p.ID, 1, features, limits, now)
	if err := e.store.CreateVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("entitle: create version: %w", err)
	}

	p.CurrentVersionID = v.ID
	p.CurrentVersion = v.Number
	if err := e.store.CreatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("entitle: create plan: %w", err)
	}

	e.plugins.EmitPlanPublished(ctx, p, v)
	e.logger.Info("plan created", "plan_id", p.ID.String(), "slug", p.Slug)

	return &plan.Snapshot{Plan: p, Version: v}, nil
}

// PublishVersion appends a new immutable version and moves the plan's
// current pointer to it. Existing assignments keep their pinned version.
func (e *Engine) PublishVersion(ctx context.Context, planID id.PlanID, features map[string]plan.FeatureValue, limits map[string]plan.LimitConfig) (*plan.Version, error) {
	if err := plan.ValidateTerms(features, limits); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTerms, err)
	}

	var (
		published *plan.Version
		head      *plan.Plan
	)
	err := e.retry(ctx, func() error {
		p, err := e.store.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		versions, err := e.store.ListVersions(ctx, planID)
		if err != nil {
			return err
		}
		// Numbering continues past versions orphaned by a failed publish.
		next := p.CurrentVersion + 1
		for _, v := range versions {
			if v.Number >= next {
				next = v.Number + 1
			}
		}

		v := newVersion(planID, next, features, limits, e.now())
		if err := e.store.CreateVersion(ctx, v); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return ErrStaleWriteConflict
			}
			return err
		}
		if err := e.store.UpdatePlanPointer(ctx, planID, v.ID, v.Number, p.Revision); err != nil {
			return err
		}

		p.CurrentVersionID, p.CurrentVersion = v.ID, v.Number
		p.Revision++
		published, head = v, p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("entitle: publish version of %s: %w", planID, err)
	}

	e.plugins.EmitPlanPublished(ctx, head, published)
	e.logger.Info("plan version published",
		"plan_id", planID.String(),
		"version", published.Number,
	)
	return published, nil
}

// GetPlan returns a plan with one of its versions. version 0 selects the
// current version.
func (e *Engine) GetPlan(ctx context.Context, planID id.PlanID, version int) (*plan.Snapshot, error) {
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return e.snapshotOf(ctx, p, version)
}

// GetPlanBySlug is GetPlan keyed by slug.
func (e *Engine) GetPlanBySlug(ctx context.Context, slug string, version int) (*plan.Snapshot, error) {
	p, err := e.store.GetPlanBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return e.snapshotOf(ctx, p, version)
}

func (e *Engine) snapshotOf(ctx context.Context, p *plan.Plan, version int) (*plan.Snapshot, error) {
	var (
		v   *plan.Version
		err error
	)
	if version == 0 {
		v, err = e.store.GetVersion(ctx, p.CurrentVersionID)
	} else {
		v, err = e.store.GetVersionByNumber(ctx, p.ID, version)
	}
	if err != nil {
		return nil, err
	}
	return &plan.Snapshot{Plan: p, Version: v}, nil
}

// ListPlans lists plan heads.
func (e *Engine) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	return e.store.ListPlans(ctx, opts)
}

// ListVersions lists a plan's published versions.
func (e *Engine) ListVersions(ctx context.Context, planID id.PlanID) ([]*plan.Version, error) {
	return e.store.ListVersions(ctx, planID)
}

func newVersion(planID id.PlanID, number int, features map[string]plan.FeatureValue, limits map[string]plan.LimitConfig, now time.Time) *plan.Version {
	if features == nil {
		features = map[string]plan.FeatureValue{}
	}
	if limits == nil {
		limits = map[string]plan.LimitConfig{}
	}
	return &plan.Version{
		ID:            id.NewPlanVersionID(),
		PlanID:        planID,
		Number:        number,
		Features:      features,
		Limits:        limits,
		EffectiveFrom: now,
		PublishedAt:   now,
	}
}

// ──────────────────────────────────────────────────
// Assignments
// ──────────────────────────────────────────────────

// AssignPlan pins the tenant to the plan's current version. A zero anchor
// keeps the existing billing anchor, or starts one now.
func (e *Engine) AssignPlan(ctx context.Context, tenantID string, planID id.PlanID, anchor time.Time) (*plan.Assignment, error) {
	if tenantID == "" {
		return nil, ValidationError{Field: "tenant_id", Message: "required"}
	}
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return e.pin(ctx, tenantID, p.ID, p.CurrentVersionID, anchor)
}

// MigrateTenant moves a tenant to a specific version, typically a newer
// version of the plan it is grandfathered on.
func (e *Engine) MigrateTenant(ctx context.Context, tenantID string, versionID id.PlanVersionID) (*plan.Assignment, error) {
	if tenantID == "" {
		return nil, ValidationError{Field: "tenant_id", Message: "required"}
	}
	v, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return e.pin(ctx, tenantID, v.PlanID, v.ID, time.Time{})
}

// GetAssignment returns the tenant's assignment or ErrNoAssignment.
func (e *Engine) GetAssignment(ctx context.Context, tenantID string) (*plan.Assignment, error) {
	return e.store.GetAssignment(ctx, tenantID)
}

// Unassign drops the tenant back to the default tier.
func (e *Engine) Unassign(ctx context.Context, tenantID string) error {
	if err := e.store.DeleteAssignment(ctx, tenantID); err != nil && !IsNotFound(err) {
		return err
	}
	e.invalidateQuietly(ctx, tenantID)
	return nil
}

// pin writes the assignment with optimistic concurrency and invalidates the
// tenant's cached config.
func (e *Engine) pin(ctx context.Context, tenantID string, planID id.PlanID, versionID id.PlanVersionID, anchor time.Time) (*plan.Assignment, error) {
	var saved *plan.Assignment
	err := e.retry(ctx, func() error {
		now := e.now()
		a, err := e.store.GetAssignment(ctx, tenantID)
		var expected int64
		switch {
		case IsNotFound(err):
			a = &plan.Assignment{
				Entity:        types.NewEntity(now),
				ID:            id.NewAssignmentID(),
				TenantID:      tenantID,
				BillingAnchor: now,
			}
		case err != nil:
			return err
		default:
			expected = a.Revision
			a.Touch(now)
		}
		if !anchor.IsZero() {
			a.BillingAnchor = anchor
		}
		a.PlanID, a.VersionID = planID, versionID

		if err := e.store.SaveAssignment(ctx, a, expected); err != nil {
			return err
		}
		a.Revision = expected + 1
		saved = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("entitle: assign %s: %w", tenantID, err)
	}

	e.invalidateQuietly(ctx, tenantID)
	e.logger.Info("plan assigned",
		"tenant_id", tenantID,
		"plan_id", planID.String(),
		"version_id", versionID.String(),
	)
	return saved, nil
}

// ──────────────────────────────────────────────────
// Overrides
// ──────────────────────────────────────────────────

// SetOverride replaces one entitlement key for a tenant. The override wins
// over the assigned plan and the defaults, even when it grants less.
func (e *Engine) SetOverride(ctx context.Context, tenantID, key string, value plan.OverrideValue) (*plan.Override, error) {
	if tenantID == "" || key == "" {
		return nil, ValidationError{Field: "tenant_id/key", Message: "required"}
	}
	if err := validateOverride(value); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTerms, key, err)
	}

	var saved *plan.Override
	err := e.retry(ctx, func() error {
		now := e.now()
		existing, err := e.store.ListOverrides(ctx, tenantID)
		if err != nil {
			return err
		}
		o := &plan.Override{
			Entity:   types.NewEntity(now),
			ID:       id.NewOverrideID(),
			TenantID: tenantID,
			Key:      key,
		}
		var expected int64
		for _, cur := range existing {
			if cur.Key == key {
				o = cur
				expected = cur.Revision
				o.Touch(now)
				break
			}
		}
		o.Set(value)

		if err := e.store.SaveOverride(ctx, o, expected); err != nil {
			return err
		}
		o.Revision = expected + 1
		saved = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("entitle: set override %s/%s: %w", tenantID, key, err)
	}

	e.invalidateQuietly(ctx, tenantID)
	e.plugins.EmitOverrideChanged(ctx, tenantID, key, saved)
	return saved, nil
}

// ClearOverride removes a tenant override.
func (e *Engine) ClearOverride(ctx context.Context, tenantID, key string) error {
	if err := e.store.DeleteOverride(ctx, tenantID, key); err != nil {
		return err
	}
	e.invalidateQuietly(ctx, tenantID)
	e.plugins.EmitOverrideChanged(ctx, tenantID, key, nil)
	return nil
}

// ListOverrides returns the tenant's overrides.
func (e *Engine) ListOverrides(ctx context.Context, tenantID string) ([]*plan.Override, error) {
	return e.store.ListOverrides(ctx, tenantID)
}

func validateOverride(v plan.OverrideValue) error {
	switch val := v.(type) {
	case plan.FeatureValue:
		return val.Validate()
	case plan.LimitConfig:
		return val.Validate()
	default:
		return errors.New("override value must be a feature or a limit")
	}
}
