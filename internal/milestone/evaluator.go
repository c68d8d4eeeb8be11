package milestone

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"countdown/internal/countdown"
	appLog "countdown/internal/log"
	"countdown/internal/model"
)

// Notification is one (event, milestone) pair that has just been crossed.
type Notification struct {
	Event model.Event
	Kind  Kind
}

// Urgent is the not-yet-reached countdown with the soonest effective target.
type Urgent struct {
	Event  model.Event
	Target time.Time
}

// Skipped records an event left out of a pass because it could not be projected.
type Skipped struct {
	EventID int64
	Err     error
}

// Result is the outcome of one evaluation pass.
type Result struct {
	// Notifications are ordered by event id, then coarsest kind first.
	// Their flags are already committed.
	Notifications []Notification
	// MostUrgent is nil when no countdown is pending.
	MostUrgent *Urgent
	// Pending holds every not-yet-reached countdown, soonest first.
	Pending []Urgent
	Skipped []Skipped
}

// Evaluator turns a snapshot of events into milestone notifications.
//
// An Evaluator holds no per-pass state; all memory of earlier passes lives in
// its FlagStore. Passes must not overlap: two concurrent passes over the same
// FlagStore can both observe a flag as unfired.
type Evaluator struct {
	flags   FlagStore
	loc     *time.Location
	windows map[Kind]Window
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithWindows replaces the detection windows.
func WithWindows(ws map[Kind]Window) Option {
	return func(e *Evaluator) {
		e.windows = ws
	}
}

// WithPollInterval widens narrow windows for passes scheduled every interval.
func WithPollInterval(interval time.Duration) Option {
	return WithWindows(WindowsForInterval(interval))
}

// NewEvaluator creates an Evaluator. loc is the zone recurrence is projected
// in; nil means time.Local.
func NewEvaluator(flags FlagStore, loc *time.Location, opts ...Option) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	e := &Evaluator{
		flags:   flags,
		loc:     loc,
		windows: DefaultWindows(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one pass over events at now.
//
// Count-up events and countdowns already past their effective target never
// notify. An event whose recurrence cannot be projected is skipped without
// touching its flags; the rest of the batch proceeds.
//
// Newly crossed milestones are committed to the FlagStore before Evaluate
// returns them. If that commit fails, no notifications are returned and the
// same milestones are detected again on the next pass.
func (e *Evaluator) Evaluate(ctx context.Context, events []model.Event, now time.Time) (Result, error) {
	fired, err := e.flags.FiredFlags(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading milestone flags: %w", err)
	}
	if fired == nil {
		fired = make(map[FlagKey]bool)
	}

	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b model.Event) int {
		return cmp.Compare(a.ID, b.ID)
	})

	var (
		res     Result
		pending []FlagKey
	)

	for _, ev := range ordered {
		if ev.IsCountUp {
			continue
		}

		target, err := countdown.EffectiveTarget(ev, now, e.loc)
		if err != nil {
			appLog.Warn("milestone: skipping event", "event_id", ev.ID, "err", err)
			res.Skipped = append(res.Skipped, Skipped{EventID: ev.ID, Err: err})
			continue
		}

		diff := target.Sub(now)
		if diff < 0 {
			continue
		}

		res.Pending = append(res.Pending, Urgent{Event: ev, Target: target})
		if res.MostUrgent == nil || target.Before(res.MostUrgent.Target) {
			res.MostUrgent = &Urgent{Event: ev, Target: target}
		}

		for _, kind := range Kinds {
			w, ok := e.windows[kind]
			if !ok || !w.Contains(diff) {
				continue
			}
			key := FlagKey{EventID: ev.ID, Kind: kind}
			if fired[key] {
				continue
			}
			fired[key] = true
			pending = append(pending, key)
			res.Notifications = append(res.Notifications, Notification{Event: ev, Kind: kind})
		}
	}

	// Events are in id order, so equal targets keep the lower id first.
	slices.SortStableFunc(res.Pending, func(a, b Urgent) int {
		return a.Target.Compare(b.Target)
	})

	if len(pending) > 0 {
		if err := e.flags.MarkFired(ctx, pending); err != nil {
			res.Notifications = nil
			return res, fmt.Errorf("committing milestone flags: %w", err)
		}
	}

	for _, n := range res.Notifications {
		appLog.Debug("milestone crossed", "event_id", n.Event.ID, "kind", n.Kind)
	}
	return res, nil
}

// MostUrgent returns the pending countdown with the soonest effective target
// at now, without reading or writing any flags. It picks the same event as
// the MostUrgent field of an Evaluate pass at the same instant.
func MostUrgent(events []model.Event, now time.Time, loc *time.Location) *Urgent {
	if loc == nil {
		loc = time.Local
	}
	var best *Urgent
	for _, ev := range events {
		if ev.IsCountUp {
			continue
		}
		target, err := countdown.EffectiveTarget(ev, now, loc)
		if err != nil || target.Before(now) {
			continue
		}
		if best == nil || target.Before(best.Target) ||
			(target.Equal(best.Target) && ev.ID < best.Event.ID) {
			best = &Urgent{Event: ev, Target: target}
		}
	}
	return best
}
