package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"countdown/internal/clock"
	"countdown/internal/milestone"
	"countdown/internal/model"
	"countdown/internal/notify"
)

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type staticEvents []model.Event

func (s staticEvents) AllEvents(context.Context) ([]model.Event, error) {
	return s, nil
}

type brokenEvents struct{}

func (brokenEvents) AllEvents(context.Context) ([]model.Event, error) {
	return nil, errors.New("db locked")
}

type refusingNotifier struct {
	notify.Recorder
}

func (*refusingNotifier) NotifyMilestone(context.Context, notify.Alert) error {
	return errors.New("push service down")
}

func countdownIn(id int64, title string, d time.Duration) model.Event {
	return model.Event{
		ID:         id,
		Title:      title,
		TargetDate: base.Add(d).UnixMilli(),
		Recurrence: model.RecurrenceNone,
	}
}

func newRunner(events EventSource, n notify.Notifier, flags milestone.FlagStore) (*Runner, *clock.Fixed) {
	clk := clock.NewFixed(base)
	eval := milestone.NewEvaluator(flags, time.UTC, milestone.WithPollInterval(15*time.Minute))
	return NewRunner(events, eval, n, clk, time.UTC), clk
}

func TestRunPassDispatchesOnce(t *testing.T) {
	events := staticEvents{
		countdownIn(1, "Flight", 24*time.Hour),
		countdownIn(2, "Exam", 30*24*time.Hour+time.Hour),
		countdownIn(3, "Past", -time.Hour),
	}
	rec := &notify.Recorder{}
	r, clk := newRunner(events, rec, milestone.NewMemoryFlags())

	rep, err := r.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if rep.ID == "" {
		t.Error("Expected a pass id")
	}
	if rep.Events != 3 || rep.Notified != 2 {
		t.Errorf("Expected 3 events and 2 notified, got %+v", rep)
	}

	alerts := rec.Alerts()
	if len(alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Event.ID != 1 || alerts[0].Kind != milestone.OneDay {
		t.Errorf("Expected ONE_DAY for event 1 first, got %+v", alerts[0])
	}
	if alerts[1].Event.ID != 2 || alerts[1].Kind != milestone.ThirtyDays {
		t.Errorf("Expected THIRTY_DAYS for event 2, got %+v", alerts[1])
	}
	if alerts[0].PassID != rep.ID {
		t.Errorf("Expected alerts tagged with pass %s, got %s", rep.ID, alerts[0].PassID)
	}

	st, ok := rec.LastStatus()
	if !ok || st.Event == nil || st.Event.ID != 1 {
		t.Fatalf("Expected status for event 1, got %+v", st)
	}
	if st.Label != "1 days" {
		t.Errorf("Expected label %q, got %q", "1 days", st.Label)
	}

	clk.Advance(15 * time.Minute)
	if _, err := r.RunPass(context.Background()); err != nil {
		t.Fatalf("second RunPass failed: %v", err)
	}
	if got := len(rec.Alerts()); got != 2 {
		t.Errorf("Expected no new alerts, got %d total", got)
	}

	last, ok := r.Last()
	if !ok || !last.At.Equal(base.Add(15*time.Minute)) {
		t.Errorf("Expected last report at second pass, got %+v", last)
	}
}

func TestRunPassClearsStatusWithoutPendingEvents(t *testing.T) {
	events := staticEvents{
		{ID: 1, Title: "Sober", TargetDate: base.Add(-time.Hour).UnixMilli(), IsCountUp: true, Recurrence: model.RecurrenceNone},
	}
	rec := &notify.Recorder{}
	r, _ := newRunner(events, rec, milestone.NewMemoryFlags())

	if _, err := r.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	st, ok := rec.LastStatus()
	if !ok || st.Event != nil {
		t.Errorf("Expected a cleared status, got %+v", st)
	}
}

func TestRunPassInFlight(t *testing.T) {
	r, _ := newRunner(staticEvents{}, &notify.Recorder{}, milestone.NewMemoryFlags())

	r.running.Lock()
	_, err := r.RunPass(context.Background())
	r.running.Unlock()

	if !errors.Is(err, ErrPassInFlight) {
		t.Errorf("Expected ErrPassInFlight, got %v", err)
	}
	if _, err := r.RunPass(context.Background()); err != nil {
		t.Errorf("Expected pass to run once free, got %v", err)
	}
}

func TestDispatchFailureIsNotRetried(t *testing.T) {
	events := staticEvents{countdownIn(1, "Flight", time.Hour)}
	flags := milestone.NewMemoryFlags()
	n := &refusingNotifier{}
	r, _ := newRunner(events, n, flags)

	rep, err := r.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if rep.Failed != 1 || rep.Notified != 0 {
		t.Errorf("Expected 1 failed dispatch, got %+v", rep)
	}

	fired, _ := flags.FiredFlags(context.Background())
	if !fired[milestone.FlagKey{EventID: 1, Kind: milestone.OneHour}] {
		t.Error("Expected ONE_HOUR flag committed despite failed dispatch")
	}
	if _, ok := n.LastStatus(); !ok {
		t.Error("Expected status update to still happen")
	}
}

func TestRunPassLoadError(t *testing.T) {
	r, _ := newRunner(brokenEvents{}, &notify.Recorder{}, milestone.NewMemoryFlags())
	if _, err := r.RunPass(context.Background()); err == nil {
		t.Error("Expected load error")
	}
	if _, ok := r.Last(); ok {
		t.Error("Expected no recorded report after a failed pass")
	}
}

func TestImminentDelay(t *testing.T) {
	interval := 15 * time.Minute
	tests := []struct {
		name   string
		until  time.Duration
		want   time.Duration
		wantOK bool
	}{
		{"next pass reaches window", 30 * time.Minute, 0, false},
		{"gap would skip window", 10 * time.Minute, 8 * time.Minute, true},
		{"just outside interval", interval + imminentLead, 0, false},
		{"already in window", 90 * time.Second, 0, false},
		{"passed", -time.Minute, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := imminentDelay(base, base.Add(tt.until), interval)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("imminentDelay(%s) = %s, %v; want %s, %v", tt.until, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNextWake(t *testing.T) {
	interval := 15 * time.Minute
	first := milestone.Urgent{Event: countdownIn(1, "A", 10*time.Minute), Target: base.Add(10 * time.Minute)}
	second := milestone.Urgent{Event: countdownIn(2, "B", 13*time.Minute), Target: base.Add(13 * time.Minute)}
	pending := []milestone.Urgent{first, second}

	tests := []struct {
		name      string
		at        time.Duration
		pending   []milestone.Urgent
		wantID    int64
		wantDelay time.Duration
		wantOK    bool
	}{
		{"soonest target first", 0, pending, 1, 8 * time.Minute, true},
		{"wake-up pass moves to the next target", 8 * time.Minute, pending, 2, 3 * time.Minute, true},
		{"every target inside the lead", 12 * time.Minute, pending, 0, 0, false},
		{"nothing pending", 0, nil, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, delay, ok := nextWake(base.Add(tt.at), tt.pending, interval)
			if ok != tt.wantOK || delay != tt.wantDelay || got.Event.ID != tt.wantID {
				t.Errorf("nextWake(+%s) = %d, %s, %v; want %d, %s, %v",
					tt.at, got.Event.ID, delay, ok, tt.wantID, tt.wantDelay, tt.wantOK)
			}
		})
	}
}

func TestImminentWakeUpsCoverCloseTargets(t *testing.T) {
	// Scheduled passes run at base and base+15m; both targets fall between them.
	events := staticEvents{
		countdownIn(1, "Standup", 10*time.Minute),
		countdownIn(2, "Review", 13*time.Minute),
	}
	rec := &notify.Recorder{}
	r, clk := newRunner(events, rec, milestone.NewMemoryFlags())
	interval := 15 * time.Minute

	rep, err := r.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(rep.Pending) != 2 || rep.Pending[0].Event.ID != 1 {
		t.Fatalf("Expected both events pending, soonest first, got %+v", rep.Pending)
	}

	for _, wantID := range []int64{1, 2} {
		next, delay, ok := nextWake(rep.At, rep.Pending, interval)
		if !ok || next.Event.ID != wantID {
			t.Fatalf("Expected a wake-up for event %d at %s, got %d, %v", wantID, rep.At, next.Event.ID, ok)
		}
		clk.Set(rep.At.Add(delay))
		if rep, err = r.RunPass(context.Background()); err != nil {
			t.Fatalf("wake-up RunPass failed: %v", err)
		}
	}

	imminent := map[int64]bool{}
	for _, a := range rec.Alerts() {
		if a.Kind == milestone.Imminent {
			imminent[a.Event.ID] = true
		}
	}
	if !imminent[1] || !imminent[2] {
		t.Errorf("Expected IMMINENT for both events, got %v", imminent)
	}
	if _, _, ok := nextWake(rep.At, rep.Pending, interval); ok {
		t.Error("Expected no further wake-up once both alerts fired")
	}
}

func TestIntervalOf(t *testing.T) {
	tests := map[string]time.Duration{
		"*/15 * * * *": 15 * time.Minute,
		"0 0 * * *":    24 * time.Hour,
		"0,50 * * * *": 50 * time.Minute,
		"@every 5m":    5 * time.Minute,
	}
	for spec, want := range tests {
		got, err := IntervalOf(spec, time.UTC)
		if err != nil {
			t.Errorf("IntervalOf(%q) failed: %v", spec, err)
			continue
		}
		if got != want {
			t.Errorf("IntervalOf(%q) = %s, want %s", spec, got, want)
		}
	}
	if _, err := IntervalOf("every quarter hour", time.UTC); err == nil {
		t.Error("Expected parse error")
	}
}

type countingKeeper struct{ calls int }

func (k *countingKeeper) PruneOrphanFlags(context.Context) (int64, error) {
	k.calls++
	return 0, nil
}

func TestNewSchedulerValidatesSpecs(t *testing.T) {
	r, _ := newRunner(staticEvents{}, &notify.Recorder{}, milestone.NewMemoryFlags())
	keeper := &countingKeeper{}

	if _, err := NewScheduler(r, keeper, Schedule{Evaluate: "*/15 * * * *", Midnight: "61 0 * * *"}, time.UTC); err == nil {
		t.Error("Expected error for bad midnight spec")
	}

	s, err := NewScheduler(r, keeper, Schedule{
		Evaluate:     "*/15 * * * *",
		Midnight:     "0 0 * * *",
		Housekeeping: "30 3 * * *",
	}, time.UTC)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if s.Interval() != 15*time.Minute {
		t.Errorf("Expected 15m interval, got %s", s.Interval())
	}
	if got := len(s.cron.Entries()); got != 3 {
		t.Errorf("Expected 3 cron entries, got %d", got)
	}

	s.housekeeping()
	if keeper.calls != 1 {
		t.Errorf("Expected housekeeping to prune once, got %d", keeper.calls)
	}

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestSchedulerArmsImminentWakeUp(t *testing.T) {
	r, _ := newRunner(staticEvents{}, &notify.Recorder{}, milestone.NewMemoryFlags())
	s, err := NewScheduler(r, &countingKeeper{}, Schedule{Evaluate: "*/15 * * * *"}, time.UTC)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	ev := countdownIn(1, "Call", 10*time.Minute)
	s.armImminent(Report{At: base, Pending: []milestone.Urgent{{Event: ev, Target: base.Add(10 * time.Minute)}}})

	s.mu.Lock()
	armed := s.wake != nil
	s.mu.Unlock()
	if !armed {
		t.Error("Expected a wake-up timer")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wake != nil {
		t.Error("Expected Stop to clear the wake-up timer")
	}
}
