package countdown

import (
	"fmt"
	"time"
)

// Breakdown is a span split into whole units. Every field is non-negative.
type Breakdown struct {
	Days    int64 `json:"days"`
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
}

// IsZero reports whether every component is zero.
func (b Breakdown) IsZero() bool {
	return b == Breakdown{}
}

// Between splits [start, end] into days, hours, minutes and seconds.
//
// Days are calendar days in start's location, so a day spanning a DST change
// still counts as one. Each finer unit is measured from start plus the units
// already consumed; nothing is re-derived from end. A reversed span (start
// after end) yields the zero Breakdown.
func Between(start, end time.Time) Breakdown {
	if start.After(end) {
		return Breakdown{}
	}

	days := wholeDays(start, end)
	cursor := start.AddDate(0, 0, days)

	hours := end.Sub(cursor) / time.Hour
	cursor = cursor.Add(hours * time.Hour)

	minutes := end.Sub(cursor) / time.Minute
	cursor = cursor.Add(minutes * time.Minute)

	seconds := end.Sub(cursor) / time.Second

	return Breakdown{
		Days:    int64(days),
		Hours:   int64(hours),
		Minutes: int64(minutes),
		Seconds: int64(seconds),
	}
}

// wholeDays counts calendar days d such that start+d <= end.
func wholeDays(start, end time.Time) int {
	n := int(end.Sub(start) / (24 * time.Hour))
	for n > 0 && start.AddDate(0, 0, n).After(end) {
		n--
	}
	for !start.AddDate(0, 0, n+1).After(end) {
		n++
	}
	return n
}

// HoursMinutes formats the sub-day remainder of [start, end] as "{h}h {m}m".
//
// Hours are taken from the total minute count modulo one day, so this is not
// always equal to Between(start, end).Hours when a DST change falls inside the
// span.
func HoursMinutes(start, end time.Time) string {
	if start.After(end) {
		return "0h 0m"
	}
	total := int64(end.Sub(start) / time.Minute)
	hours := (total % (24 * 60)) / 60
	minutes := total % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// coarsest renders the largest non-zero unit of [start, end].
func coarsest(start, end time.Time) string {
	b := Between(start, end)
	switch {
	case b.Days > 0:
		return fmt.Sprintf("%d days", b.Days)
	case b.Hours > 0:
		return fmt.Sprintf("%d hours", b.Hours)
	default:
		return fmt.Sprintf("%d minutes", b.Minutes)
	}
}
