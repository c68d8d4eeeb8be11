// Package worker runs evaluation passes and schedules them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"countdown/internal/clock"
	"countdown/internal/countdown"
	appLog "countdown/internal/log"
	"countdown/internal/milestone"
	"countdown/internal/model"
	"countdown/internal/notify"
)

// ErrPassInFlight is returned by RunPass while another pass is running.
var ErrPassInFlight = errors.New("evaluation pass already in flight")

// EventSource lists every stored event.
type EventSource interface {
	AllEvents(ctx context.Context) ([]model.Event, error)
}

// Report summarizes one pass.
type Report struct {
	ID         string
	At         time.Time
	Events     int
	Notified   int
	Failed     int
	Skipped    []milestone.Skipped
	MostUrgent *milestone.Urgent
	// Pending lists every not-yet-reached countdown, soonest first.
	Pending []milestone.Urgent
}

// Runner executes evaluation passes one at a time.
type Runner struct {
	running sync.Mutex

	events   EventSource
	eval     *milestone.Evaluator
	notifier notify.Notifier
	clock    clock.Clock
	loc      *time.Location

	lastMu sync.RWMutex
	last   *Report
}

func NewRunner(events EventSource, eval *milestone.Evaluator, n notify.Notifier, clk clock.Clock, loc *time.Location) *Runner {
	if clk == nil {
		clk = clock.System()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		events:   events,
		eval:     eval,
		notifier: n,
		clock:    clk,
		loc:      loc,
	}
}

// RunPass loads all events, evaluates them, and hands each new milestone and
// the most-urgent status to the notifier.
//
// Notifier failures are logged and not retried: the milestone flag is
// already committed. If another pass is running, RunPass returns
// ErrPassInFlight immediately.
func (r *Runner) RunPass(ctx context.Context) (Report, error) {
	if !r.running.TryLock() {
		return Report{}, ErrPassInFlight
	}
	defer r.running.Unlock()

	rep := Report{ID: uuid.NewString(), At: r.clock.Now()}

	events, err := r.events.AllEvents(ctx)
	if err != nil {
		return rep, fmt.Errorf("loading events: %w", err)
	}
	rep.Events = len(events)

	res, err := r.eval.Evaluate(ctx, events, rep.At)
	if err != nil {
		appLog.Error("evaluation pass failed", err, "pass", rep.ID)
		return rep, err
	}
	rep.Skipped = res.Skipped
	rep.MostUrgent = res.MostUrgent
	rep.Pending = res.Pending

	for _, n := range res.Notifications {
		alert := notify.Alert{PassID: rep.ID, Event: n.Event, Kind: n.Kind}
		if err := r.notifier.NotifyMilestone(ctx, alert); err != nil {
			rep.Failed++
			appLog.Error("milestone dispatch failed", err, "pass", rep.ID, "event_id", n.Event.ID, "kind", n.Kind)
			continue
		}
		rep.Notified++
	}

	if err := r.notifier.UpdateStatus(ctx, r.status(rep)); err != nil {
		appLog.Error("status update failed", err, "pass", rep.ID)
	}

	r.lastMu.Lock()
	r.last = &rep
	r.lastMu.Unlock()

	appLog.Info("evaluation pass done",
		"pass", rep.ID,
		"events", rep.Events,
		"notified", rep.Notified,
		"failed", rep.Failed,
		"skipped", len(rep.Skipped),
	)
	return rep, nil
}

func (r *Runner) status(rep Report) notify.Status {
	st := notify.Status{PassID: rep.ID}
	if rep.MostUrgent == nil {
		return st
	}
	ev := rep.MostUrgent.Event
	label, err := countdown.Label(ev, rep.At, r.loc)
	if err != nil {
		// Unreachable for an event that was just projected.
		label = countdown.LabelDone
	}
	st.Event = &ev
	st.Target = rep.MostUrgent.Target
	st.Label = label
	return st
}

// Last returns the report of the most recent successful pass.
func (r *Runner) Last() (Report, bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}
