// Package notify delivers milestone alerts and the most-urgent status line.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "countdown/internal/log"
	"countdown/internal/milestone"
	"countdown/internal/model"
)

// Alert is one milestone crossing.
type Alert struct {
	PassID string
	Event  model.Event
	Kind   milestone.Kind
}

// Title is the alert headline.
func (a Alert) Title() string {
	return "Countdown Alert: " + a.Event.Title
}

// Text is the alert body.
func (a Alert) Text() string {
	return fmt.Sprintf("%s remaining for %s", a.Kind.Label(), a.Event.Title)
}

// Status is the persistent "most urgent countdown" line. Event is nil when
// nothing is pending and any displayed status should be cleared.
type Status struct {
	PassID string
	Event  *model.Event
	Target time.Time
	Label  string
}

// Notifier is the sink for a pass's side effects. Implementations must be
// safe for concurrent use.
type Notifier interface {
	NotifyMilestone(ctx context.Context, a Alert) error
	UpdateStatus(ctx context.Context, s Status) error
}

// LogNotifier writes alerts and status changes to the application log.
type LogNotifier struct{}

func (LogNotifier) NotifyMilestone(_ context.Context, a Alert) error {
	appLog.Info(a.Title(), "text", a.Text(), "event_id", a.Event.ID, "kind", a.Kind, "pass", a.PassID)
	return nil
}

func (LogNotifier) UpdateStatus(_ context.Context, s Status) error {
	if s.Event == nil {
		appLog.Info("status cleared", "pass", s.PassID)
		return nil
	}
	appLog.Info("status", "title", s.Event.Title, "remaining", s.Label, "pass", s.PassID)
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyMilestone(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyMilestone(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) UpdateStatus(ctx context.Context, s Status) error {
	var errs []error
	for _, n := range m {
		if err := n.UpdateStatus(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every Alert and Status it receives in memory.
type Recorder struct {
	mu       sync.Mutex
	alerts   []Alert
	statuses []Status
}

func (r *Recorder) NotifyMilestone(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *Recorder) UpdateStatus(_ context.Context, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	return nil
}

// Alerts returns a copy of the recorded alerts in arrival order.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// LastStatus returns the most recent status, if any.
func (r *Recorder) LastStatus() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return Status{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}
