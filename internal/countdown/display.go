package countdown

import (
	"strconv"
	"time"

	"countdown/internal/model"
)

// LabelDone is shown for a countdown whose effective target has passed.
const LabelDone = "Done"

// View bundles every derived value presentation code asks for. All fields
// come from one projection at one instant, so they always agree.
type View struct {
	EffectiveTarget time.Time `json:"effective_target"`
	Breakdown       Breakdown `json:"breakdown"`
	DaysOnly        string    `json:"days_only"`
	HoursMinutes    string    `json:"hours_minutes"`
	Label           string    `json:"label"`
}

// Describe projects ev at now and derives its display values.
func Describe(ev model.Event, now time.Time, loc *time.Location) (View, error) {
	target, err := EffectiveTarget(ev, now, loc)
	if err != nil {
		return View{}, err
	}
	// Day arithmetic happens in the display location.
	now = now.In(target.Location())

	start, end := orient(ev, target, now)
	b := Between(start, end)

	return View{
		EffectiveTarget: target,
		Breakdown:       b,
		DaysOnly:        strconv.FormatInt(b.Days, 10),
		HoursMinutes:    HoursMinutes(start, end),
		Label:           label(ev, target, now),
	}, nil
}

// BreakdownFor returns the canonical breakdown of ev at now: time elapsed
// since the effective target for count-up events, time remaining otherwise.
func BreakdownFor(ev model.Event, now time.Time, loc *time.Location) (Breakdown, error) {
	v, err := Describe(ev, now, loc)
	return v.Breakdown, err
}

// DaysOnly returns the days component of BreakdownFor as a string.
func DaysOnly(ev model.Event, now time.Time, loc *time.Location) (string, error) {
	v, err := Describe(ev, now, loc)
	return v.DaysOnly, err
}

// HoursMinutesFor returns the "{h}h {m}m" sub-day remainder of ev at now.
func HoursMinutesFor(ev model.Event, now time.Time, loc *time.Location) (string, error) {
	v, err := Describe(ev, now, loc)
	return v.HoursMinutes, err
}

// Label returns the short human string for ev at now, e.g. "12 days",
// "3 hours since", "Starts in 5 minutes" or "Done".
func Label(ev model.Event, now time.Time, loc *time.Location) (string, error) {
	v, err := Describe(ev, now, loc)
	return v.Label, err
}

func orient(ev model.Event, target, now time.Time) (start, end time.Time) {
	if ev.IsCountUp {
		return target, now
	}
	return now, target
}

func label(ev model.Event, target, now time.Time) string {
	if ev.IsCountUp {
		if now.Before(target) {
			return "Starts in " + coarsest(now, target)
		}
		return coarsest(target, now) + " since"
	}
	if now.After(target) {
		return LabelDone
	}
	return coarsest(now, target)
}
