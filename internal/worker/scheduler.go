package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "countdown/internal/log"
	"countdown/internal/milestone"
)

// imminentLead is how long before a target the extra wake-up pass runs. It
// sits inside the IMMINENT window.
const imminentLead = 2 * time.Minute

// Housekeeper removes state that no longer belongs to any event.
type Housekeeper interface {
	PruneOrphanFlags(ctx context.Context) (int64, error)
}

// Schedule holds the cron specs of the recurring jobs.
type Schedule struct {
	Evaluate     string
	Midnight     string
	Housekeeping string
}

// Scheduler drives a Runner from cron entries. Each entry skips a firing
// while its previous run is still going. It also arms a one-off wake-up just
// before the most urgent target when the next evaluate entry would come too
// late for the IMMINENT window.
type Scheduler struct {
	cron     *cron.Cron
	runner   *Runner
	keeper   Housekeeper
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	wake *time.Timer
}

// NewScheduler parses every spec in sched and registers the jobs. Nothing
// runs until Start.
func NewScheduler(runner *Runner, keeper Housekeeper, sched Schedule, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	interval, err := IntervalOf(sched.Evaluate, loc)
	if err != nil {
		return nil, err
	}

	logger := appLog.CronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     c,
		runner:   runner,
		keeper:   keeper,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}

	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"evaluate", sched.Evaluate, func() { s.pass("evaluate") }},
		{"midnight", sched.Midnight, func() { s.pass("midnight") }},
		{"housekeeping", sched.Housekeeping, s.housekeeping},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			cancel()
			return nil, fmt.Errorf("%s schedule %q: %w", j.name, j.spec, err)
		}
		appLog.Info("scheduled job", "job", j.name, "spec", j.spec)
	}
	return s, nil
}

// Interval is the gap assumed between evaluate passes.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron and any armed wake-up, then waits for running jobs
// until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.wake != nil {
		s.wake.Stop()
		s.wake = nil
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) pass(trigger string) {
	rep, err := s.runner.RunPass(s.ctx)
	if errors.Is(err, ErrPassInFlight) {
		appLog.Debug("pass skipped, another is running", "trigger", trigger)
		return
	}
	if err != nil {
		appLog.Error("scheduled pass failed", err, "trigger", trigger)
		return
	}
	s.armImminent(rep)
}

func (s *Scheduler) housekeeping() {
	n, err := s.keeper.PruneOrphanFlags(s.ctx)
	if err != nil {
		appLog.Error("housekeeping failed", err)
		return
	}
	appLog.Info("housekeeping done", "pruned_flags", n)
}

func (s *Scheduler) armImminent(rep Report) {
	next, delay, ok := nextWake(rep.At, rep.Pending, s.interval)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wake != nil {
		s.wake.Stop()
	}
	s.wake = time.AfterFunc(delay, func() { s.pass("imminent") })
	appLog.Debug("armed imminent wake-up", "event_id", next.Event.ID, "in", delay)
}

// nextWake picks the soonest pending countdown that needs an extra pass before
// the next scheduled one. Targets already inside the lead are skipped: the pass
// that just ran covered them, and the wake-up pass arms the following target.
func nextWake(now time.Time, pending []milestone.Urgent, interval time.Duration) (milestone.Urgent, time.Duration, bool) {
	for _, u := range pending {
		if delay, ok := imminentDelay(now, u.Target, interval); ok {
			return u, delay, true
		}
	}
	return milestone.Urgent{}, 0, false
}

// imminentDelay reports how long after now to run an extra pass for a target,
// or false when the regular schedule reaches the IMMINENT window in time.
func imminentDelay(now, target time.Time, interval time.Duration) (time.Duration, bool) {
	wakeAt := target.Add(-imminentLead)
	delay := wakeAt.Sub(now)
	if delay <= 0 || delay >= interval {
		return 0, false
	}
	return delay, true
}

// IntervalOf returns the longest gap between consecutive activations of a cron
// spec over its next few firings.
func IntervalOf(spec string, loc *time.Location) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("evaluate schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}
	// A fixed reference keeps the result independent of the wall clock.
	t := sched.Next(time.Date(2001, time.January, 1, 0, 0, 0, 0, loc))
	var longest time.Duration
	for range 8 {
		next := sched.Next(t)
		longest = max(longest, next.Sub(t))
		t = next
	}
	return longest, nil
}
