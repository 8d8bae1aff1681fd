package credits_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/entitle/credits"
)

func TestTypeSign(t *testing.T) {
	assert.Equal(t, 1, credits.TypeGrant.Sign())
	assert.Equal(t, 1, credits.TypePurchase.Sign())
	assert.Equal(t, -1, credits.TypeDebit.Sign())
	assert.Equal(t, -1, credits.TypeExpiry.Sign())
}

func TestApplyOptions(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	o := credits.Apply(
		credits.WithType(credits.TypePurchase),
		credits.WithIdempotencyKey("order-42"),
		credits.WithExpiry(exp),
		credits.WithReason("top-up"),
		credits.AllowNegative(),
	)
	assert.Equal(t, credits.TypePurchase, o.Type)
	assert.Equal(t, "order-42", o.IdempotencyKey)
	assert.Equal(t, exp, *o.ExpiresAt)
	assert.Equal(t, "top-up", o.Reason)
	assert.True(t, o.AllowNegative)

	assert.Equal(t, credits.Options{}, credits.Apply())
}
