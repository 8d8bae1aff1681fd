// Package types provides small value types shared by the domain packages.
package types

import "time"

// Entity carries creation and modification timestamps. Domain models embed it.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity stamps both timestamps with now (UTC).
func NewEntity(now time.Time) Entity {
	now = now.UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch moves UpdatedAt to now.
func (e *Entity) Touch(now time.Time) {
	e.UpdatedAt = now.UTC()
}

// Versioned is embedded by rows guarded with optimistic concurrency.
// Revision starts at 1 on insert and grows by one on every conditional update.
type Versioned struct {
	Revision int64 `json:"revision"`
}

// Matches reports whether the stored revision equals expected.
func (v Versioned) Matches(expected int64) bool { return v.Revision == expected }

// Clock returns the current time. Components accept one so tests can drive time.
type Clock func() time.Time

// Now returns c() or time.Now when c is nil.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
