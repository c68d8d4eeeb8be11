package countdown

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"countdown/internal/model"
)

// ErrMalformedRecurrence is returned when an event carries a recurrence value
// the projector does not understand.
var ErrMalformedRecurrence = errors.New("malformed recurrence")

// Fixed-length periods are expanded with rrule.
var frequencies = map[model.Recurrence]rrule.Frequency{
	model.RecurrenceDaily:  rrule.DAILY,
	model.RecurrenceWeekly: rrule.WEEKLY,
}

// Calendar periods step from the previous occurrence, clamped to month end.
var monthSteps = map[model.Recurrence]int{
	model.RecurrenceMonthly: 1,
	model.RecurrenceYearly:  12,
}

// EffectiveTarget returns the instant ev counts toward at now.
//
//   - Count-up and non-recurring events count toward their stored target.
//   - A recurring target that is still in the future is returned unchanged.
//   - An elapsed recurring target is advanced period by period to the first
//     occurrence strictly after now.
//
// Monthly and yearly periods are added to the previous occurrence and clamped
// to the last day of shorter months, so the day of month can only move down:
// Jan 31 -> Feb 28 -> Mar 28, and a Feb 29 target stays on Feb 28 afterwards.
// All-day events project from local midnight. Occurrences are computed in
// loc, so wall-clock time survives DST changes.
func EffectiveTarget(ev model.Event, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	target := ev.Target(loc)
	if ev.IsCountUp || ev.Recurrence == model.RecurrenceNone || ev.Recurrence == "" {
		return target, nil
	}

	freq, fixed := frequencies[ev.Recurrence]
	months, calendar := monthSteps[ev.Recurrence]
	if !fixed && !calendar {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedRecurrence, ev.Recurrence)
	}
	if target.After(now) {
		return target, nil
	}

	anchor := target
	if ev.IsAllDay {
		y, m, d := target.Date()
		anchor = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}

	if calendar {
		next := anchor
		for !next.After(now) {
			next = addMonthsClamped(next, months)
		}
		return next, nil
	}

	// rrule works on whole seconds; carry the sub-second part separately.
	dtstart := anchor.Truncate(time.Second)
	frac := anchor.Sub(dtstart)

	r, err := rrule.NewRRule(rrule.ROption{Freq: freq, Dtstart: dtstart})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedRecurrence, err)
	}

	next := r.After(now.Add(-frac), false)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no occurrence after %s", ErrMalformedRecurrence, now.Format(time.RFC3339))
	}
	return next.Add(frac).In(loc), nil
}

// addMonthsClamped moves t forward by n months, keeping the wall-clock time
// and using the last day of the target month when t's day does not exist there.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	return time.Date(first.Year(), first.Month(), min(d, last),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
