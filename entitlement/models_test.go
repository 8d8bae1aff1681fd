package entitlement_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
)

func TestDecisionAllowed(t *testing.T) {
	assert.True(t, (&entitlement.Decision{Outcome: entitlement.Allow}).Allowed())
	assert.True(t, (&entitlement.Decision{Outcome: entitlement.AllowWithOverage}).Allowed())
	assert.False(t, (&entitlement.Decision{Outcome: entitlement.Deny}).Allowed())
}

func TestDecisionPercentUsed(t *testing.T) {
	d := &entitlement.Decision{Used: 995, Requested: 10, Limit: plan.Cap(1000)}
	assert.InDelta(t, 100.5, d.PercentUsed(), 0.0001)
	assert.Zero(t, (&entitlement.Decision{Used: 5}).PercentUsed())
}
