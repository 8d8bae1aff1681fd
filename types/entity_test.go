package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/entitle/types"
)

func TestEntityTouch(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	e := types.NewEntity(t0)
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.Equal(t, e.CreatedAt, e.UpdatedAt)

	e.Touch(t0.Add(time.Hour))
	assert.Equal(t, time.Hour, e.UpdatedAt.Sub(e.CreatedAt))
}

func TestClock(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	c := types.Clock(func() time.Time { return fixed })
	assert.Equal(t, fixed, c.Now())

	var nilClock types.Clock
	assert.WithinDuration(t, time.Now(), nilClock.Now(), time.Second)
}
