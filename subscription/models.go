package subscription

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusPaused   Status = "paused"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

var validTransitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusCanceled, StatusExpired},
	StatusActive:   {StatusPastDue, StatusCanceled, StatusPaused},
	StatusPastDue:  {StatusActive, StatusCanceled},
	StatusPaused:   {StatusActive, StatusCanceled},
	StatusCanceled: {},
	StatusExpired:  {},
}

// CanTransition reports whether an event may move a subscription from one
// status to another. Repeating the current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// Initial reports whether a subscription may be created in this status.
func (s Status) Initial() bool {
	return s == StatusTrialing || s == StatusActive
}

// Entitled reports whether the status keeps the tenant on its paid plan.
// A paused subscription keeps its assignment so resume restores it.
func (s Status) Entitled() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusPaused:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Subscription mirrors an external billing-provider subscription.
type Subscription struct {
	types.Entity
	types.Versioned
	ID                 id.SubscriptionID `json:"id"`
	ExternalID         string            `json:"external_id"`
	TenantID           string            `json:"tenant_id"`
	PlanID             id.PlanID         `json:"plan_id"`
	Status             Status            `json:"status"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	CanceledAt         *time.Time        `json:"canceled_at,omitempty"`
	LastEventID        string            `json:"last_event_id,omitempty"`
	LastEventAt        time.Time         `json:"last_event_at"`
}

// Event is an external lifecycle event. ID must be stable across redeliveries.
type Event struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	Status         Status    `json:"status"`
	PlanID         id.PlanID `json:"plan_id,omitempty"`
	// PlanSlug is used when the provider only knows the plan by slug.
	PlanSlug    string    `json:"plan_slug,omitempty"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// HasPlan reports whether the event names a plan.
func (e *Event) HasPlan() bool { return !e.PlanID.IsNil() || e.PlanSlug != "" }
