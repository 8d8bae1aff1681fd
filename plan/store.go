package plan

import (
	"context"

	"github.com/xraph/entitle/id"
)

// Store is the plan catalog. Writes that take an expectedRevision are
// conditional: 0 inserts, any other value updates only if the stored
// revision still matches, otherwise the store returns a stale-write conflict.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*Plan, error)
	ListPlans(ctx context.Context, opts ListOpts) ([]*Plan, error)
	// UpdatePlanPointer moves the current-version pointer.
	UpdatePlanPointer(ctx context.Context, planID id.PlanID, versionID id.PlanVersionID, number int, expectedRevision int64) error

	// Versions are insert-only.
	CreateVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, versionID id.PlanVersionID) (*Version, error)
	GetVersionByNumber(ctx context.Context, planID id.PlanID, number int) (*Version, error)
	ListVersions(ctx context.Context, planID id.PlanID) ([]*Version, error)

	GetAssignment(ctx context.Context, tenantID string) (*Assignment, error)
	SaveAssignment(ctx context.Context, a *Assignment, expectedRevision int64) error
	DeleteAssignment(ctx context.Context, tenantID string) error

	ListOverrides(ctx context.Context, tenantID string) ([]*Override, error)
	SaveOverride(ctx context.Context, o *Override, expectedRevision int64) error
	DeleteOverride(ctx context.Context, tenantID, key string) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
