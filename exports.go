package entitle

import (
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

// Re-export common types so callers of Check need not import the subpackages.

type (
	// ID is the identifier type for all entities.
	ID = id.ID

	Decision       = entitlement.Decision
	ResolvedConfig = plan.ResolvedConfig
	Entity         = types.Entity
)

// Outcomes re-exported from the entitlement package.
const (
	Allow            = entitlement.Allow
	Deny             = entitlement.Deny
	AllowWithOverage = entitlement.AllowWithOverage
)
