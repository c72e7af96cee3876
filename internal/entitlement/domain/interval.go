package domain

import (
	"fmt"
	"time"
)

// Interval is a reset or expiry cadence.
type Interval string

const (
	IntervalNone       Interval = ""
	IntervalMinute     Interval = "minute"
	IntervalHour       Interval = "hour"
	IntervalDay        Interval = "day"
	IntervalWeek       Interval = "week"
	IntervalMonth      Interval = "month"
	IntervalQuarter    Interval = "quarter"
	IntervalSemiAnnual Interval = "semi_annual"
	IntervalYear       Interval = "year"
)

func ParseInterval(raw string) (Interval, error) {
	switch i := Interval(raw); i {
	case IntervalNone, IntervalMinute, IntervalHour, IntervalDay, IntervalWeek,
		IntervalMonth, IntervalQuarter, IntervalSemiAnnual, IntervalYear:
		return i, nil
	case "lifetime":
		return IntervalNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, raw)
	}
}

// Add returns the boundary count intervals after t. Month-based intervals
// keep t's day of month, clamped to the last day of shorter months.
func (i Interval) Add(t time.Time, count int) time.Time {
	if count <= 0 {
		count = 1
	}
	switch i {
	case IntervalMinute:
		return t.Add(time.Duration(count) * time.Minute)
	case IntervalHour:
		return t.Add(time.Duration(count) * time.Hour)
	case IntervalDay:
		return t.AddDate(0, 0, count)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count)
	case IntervalMonth, IntervalQuarter, IntervalSemiAnnual, IntervalYear:
		return addMonths(t, i.months()*count)
	default:
		return t
	}
}

// Next returns the first boundary after t of the schedule that starts at
// anchor and repeats every count intervals. Each boundary is computed from
// the anchor, so a schedule anchored on the 31st comes back to the 31st
// after a short month.
func (i Interval) Next(anchor time.Time, count int, t time.Time) time.Time {
	if !i.Resets() {
		return anchor
	}
	if count <= 0 {
		count = 1
	}
	n := i.elapsed(anchor, t)/count - 1
	if n < 1 {
		n = 1
	}
	for {
		next := i.Add(anchor, n*count)
		if next.After(t) {
			return next
		}
		n++
	}
}

// elapsed approximates how many whole intervals lie between from and to.
func (i Interval) elapsed(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	switch i {
	case IntervalMinute:
		return int(to.Sub(from) / time.Minute)
	case IntervalHour:
		return int(to.Sub(from) / time.Hour)
	case IntervalDay:
		return int(to.Sub(from) / (24 * time.Hour))
	case IntervalWeek:
		return int(to.Sub(from) / (7 * 24 * time.Hour))
	}
	fy, fm, _ := from.Date()
	ty, tm, _ := to.Date()
	return ((ty-fy)*12 + int(tm-fm)) / i.months()
}

func (i Interval) months() int {
	switch i {
	case IntervalQuarter:
		return 3
	case IntervalSemiAnnual:
		return 6
	case IntervalYear:
		return 12
	default:
		return 1
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// Resets reports whether balances on this cadence are ever re-granted.
func (i Interval) Resets() bool {
	return i != IntervalNone
}
