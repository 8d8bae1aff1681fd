package audithook

// Action constants for audit events.
const (
	// Catalog actions
	ActionPlanPublished   = "plan.published"
	ActionOverrideSet     = "override.set"
	ActionOverrideCleared = "override.cleared"

	// Subscription actions
	ActionSubscriptionChanged  = "subscription.changed"
	ActionSubscriptionCanceled = "subscription.canceled"

	// Credits actions
	ActionCreditsGranted = "credits.granted"
	ActionCreditsDebited = "credits.debited"

	// Entitlement actions
	ActionEntitlementDenied = "entitlement.denied"
	ActionFailOpen          = "entitlement.fail_open"
	ActionLimitWarning      = "limit.warning"
	ActionOverage           = "limit.overage"
	ActionLimitExceeded     = "limit.exceeded"
	ActionRateLimited       = "rate_limit.throttled"

	// Usage actions
	ActionDuplicateUsage = "usage.duplicate"
)

// Resource constants for audit events.
const (
	ResourcePlan         = "plan"
	ResourceOverride     = "override"
	ResourceSubscription = "subscription"
	ResourceCredits      = "credits"
	ResourceEntitlement  = "entitlement"
	ResourceUsage        = "usage"
)

// Category constants for audit events.
const (
	CategoryCatalog      = "catalog"
	CategorySubscription = "subscription"
	CategoryBilling      = "billing"
	CategoryUsage        = "usage"
	CategoryAccess       = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
