package meter

import (
	"time"

	"github.com/xraph/entitle/plan"
)

// Period is a half-open billing window [Start, End). A zero End is unbounded.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Contains(t time.Time) bool {
	if t.Before(p.Start) {
		return false
	}
	return p.End.IsZero() || t.Before(p.End)
}

const rollingWindow = 30 * 24 * time.Hour

// PeriodFor returns the period containing at for a tenant billed from anchor.
// Monthly and yearly periods start on the anchor's day, clamped to the month
// length (an anchor on the 31st starts February's period on the 28th or 29th).
// A zero anchor behaves like calendar billing from midnight UTC on the 1st.
func PeriodFor(anchor time.Time, reset plan.ResetPeriod, at time.Time) Period {
	if anchor.IsZero() {
		anchor = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	anchor, at = anchor.UTC(), at.UTC()

	switch reset {
	case plan.ResetDaily:
		start := onDay(at.Year(), at.Month(), at.Day(), anchor)
		if start.After(at) {
			start = start.AddDate(0, 0, -1)
		}
		return Period{Start: start, End: start.AddDate(0, 0, 1)}

	case plan.ResetYearly:
		y := at.Year()
		start := clamped(y, anchor.Month(), anchor)
		if start.After(at) {
			y--
			start = clamped(y, anchor.Month(), anchor)
		}
		return Period{Start: start, End: clamped(y+1, anchor.Month(), anchor)}

	case plan.ResetRolling30d:
		n := at.Sub(anchor) / rollingWindow
		if at.Before(anchor) && at.Sub(anchor)%rollingWindow != 0 {
			n--
		}
		start := anchor.Add(n * rollingWindow)
		return Period{Start: start, End: start.Add(rollingWindow)}

	case plan.ResetNever:
		return Period{Start: anchor}

	default: // monthly
		y, m := at.Year(), at.Month()
		start := clamped(y, m, anchor)
		if start.After(at) {
			y, m = addMonths(y, m, -1)
			start = clamped(y, m, anchor)
		}
		ny, nm := addMonths(y, m, 1)
		return Period{Start: start, End: clamped(ny, nm, anchor)}
	}
}

// clamped returns the anchor's day and time of day in year y, month m,
// clamping the day to the month length.
func clamped(y int, m time.Month, anchor time.Time) time.Time {
	d := anchor.Day()
	if last := daysIn(y, m); d > last {
		d = last
	}
	return onDay(y, m, d, anchor)
}

func onDay(y int, m time.Month, d int, anchor time.Time) time.Time {
	return time.Date(y, m, d, anchor.Hour(), anchor.Minute(), anchor.Second(), 0, time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonths(y int, m time.Month, n int) (int, time.Month) {
	t := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return t.Year(), t.Month()
}
