package milestone

import (
	"fmt"
	"time"
)

// Kind names a remaining-time threshold that is notified at most once per event.
type Kind string

const (
	ThirtyDays Kind = "THIRTY_DAYS"
	SevenDays  Kind = "SEVEN_DAYS"
	OneDay     Kind = "ONE_DAY"
	OneHour    Kind = "ONE_HOUR"
	Imminent   Kind = "IMMINENT"
)

// Kinds lists every milestone from coarsest to finest.
var Kinds = []Kind{ThirtyDays, SevenDays, OneDay, OneHour, Imminent}

var labels = map[Kind]string{
	ThirtyDays: "30 Days",
	SevenDays:  "1 Week",
	OneDay:     "1 Day",
	OneHour:    "1 Hour",
	Imminent:   "It's Time!",
}

// Label is the short canonical text handed to notifiers.
func (k Kind) Label() string {
	if l, ok := labels[k]; ok {
		return l
	}
	return string(k)
}

// ParseKind validates a stored kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := labels[k]; !ok {
		return "", fmt.Errorf("unknown milestone kind %q", s)
	}
	return k, nil
}

const day = 24 * time.Hour

// Window is the half-open remaining-time range [Min, Max) in which a kind is
// detected. Detection uses a range rather than an exact instant because passes
// run on an imprecise periodic schedule.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Contains reports whether diff lies in the window.
func (w Window) Contains(diff time.Duration) bool {
	return diff >= w.Min && diff < w.Max
}

// Width is Max - Min.
func (w Window) Width() time.Duration {
	return w.Max - w.Min
}

// DefaultWindows are the detection windows expressed on whole units of the
// remaining time:
//
//	THIRTY_DAYS  floor(days)    == 30
//	SEVEN_DAYS   floor(days)    == 7
//	ONE_DAY      floor(hours)   in [23, 24]
//	ONE_HOUR     floor(minutes) in [55, 65]
//	IMMINENT     floor(minutes) <  5, not yet reached
func DefaultWindows() map[Kind]Window {
	return map[Kind]Window{
		ThirtyDays: {Min: 30 * day, Max: 31 * day},
		SevenDays:  {Min: 7 * day, Max: 8 * day},
		OneDay:     {Min: 23 * time.Hour, Max: 25 * time.Hour},
		OneHour:    {Min: 55 * time.Minute, Max: 66 * time.Minute},
		Imminent:   {Min: time.Nanosecond, Max: 5 * time.Minute},
	}
}

// WindowsForInterval returns DefaultWindows with every window that is
// narrower than interval widened so two consecutive passes interval apart
// cannot both miss it. Windows grow toward the event (Min moves down) and
// never overlap the next finer kind. IMMINENT is bounded by the event itself
// and keeps its default width.
func WindowsForInterval(interval time.Duration) map[Kind]Window {
	ws := DefaultWindows()
	if interval <= 0 {
		return ws
	}
	for i, k := range Kinds {
		w := ws[k]
		if w.Width() >= interval {
			continue
		}
		floor := time.Nanosecond
		if i+1 < len(Kinds) {
			floor = ws[Kinds[i+1]].Max
		}
		w.Min = max(w.Max-interval, floor)
		ws[k] = w
	}
	return ws
}
