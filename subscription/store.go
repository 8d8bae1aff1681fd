package subscription

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

type Store interface {
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string, opts ListOpts) ([]*Subscription, error)
	// SaveSubscription inserts when expectedRevision is 0 and otherwise
	// updates only if the stored revision matches.
	SaveSubscription(ctx context.Context, s *Subscription, expectedRevision int64) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
