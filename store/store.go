// Package store defines the unified persistence interface. Backends live in
// the memory, postgres, sqlite and mongo subpackages.
package store

import (
	"context"

	"github.com/xraph/entitle/credits"
	"github.com/xraph/entitle/meter"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

// Store is the unified storage interface. It composes the per-domain stores;
// their method names are disjoint.
type Store interface {
	plan.Store
	subscription.Store
	meter.Store
	credits.Store

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
