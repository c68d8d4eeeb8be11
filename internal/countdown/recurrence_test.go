package countdown

import (
	"errors"
	"testing"
	"time"

	"countdown/internal/model"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func event(target time.Time, rec model.Recurrence) model.Event {
	return model.Event{
		ID:         1,
		Title:      "Test",
		TargetDate: target.UnixMilli(),
		Recurrence: rec,
	}
}

func TestEffectiveTargetNonRecurringIsUnchanged(t *testing.T) {
	target := at(2025, time.March, 5, 9, 0)
	for _, now := range []time.Time{
		at(2025, time.March, 1, 0, 0),
		target,
		at(2026, time.January, 1, 0, 0),
	} {
		got, err := EffectiveTarget(event(target, model.RecurrenceNone), now, time.UTC)
		if err != nil {
			t.Fatalf("EffectiveTarget failed: %v", err)
		}
		if !got.Equal(target) {
			t.Errorf("now=%s: expected %s, got %s", now, target, got)
		}
	}
}

func TestEffectiveTargetCountUpIgnoresRecurrence(t *testing.T) {
	target := at(2025, time.March, 5, 9, 0)
	ev := event(target, model.RecurrenceDaily)
	ev.IsCountUp = true

	got, err := EffectiveTarget(ev, at(2025, time.June, 1, 0, 0), time.UTC)
	if err != nil {
		t.Fatalf("EffectiveTarget failed: %v", err)
	}
	if !got.Equal(target) {
		t.Errorf("Expected %s, got %s", target, got)
	}
}

func TestEffectiveTargetFutureRecurringIsNotAdvanced(t *testing.T) {
	target := at(2025, time.March, 20, 9, 0)
	got, err := EffectiveTarget(event(target, model.RecurrenceWeekly), at(2025, time.March, 10, 0, 0), time.UTC)
	if err != nil {
		t.Fatalf("EffectiveTarget failed: %v", err)
	}
	if !got.Equal(target) {
		t.Errorf("Expected %s, got %s", target, got)
	}
}

func TestEffectiveTargetDailyWithinOneDayOfNow(t *testing.T) {
	now := at(2025, time.March, 10, 12, 0)
	for n := 1; n <= 40; n++ {
		target := now.AddDate(0, 0, -n).Add(-3 * time.Hour)
		got, err := EffectiveTarget(event(target, model.RecurrenceDaily), now, time.UTC)
		if err != nil {
			t.Fatalf("EffectiveTarget failed: %v", err)
		}
		if !got.After(now) || got.After(now.Add(24*time.Hour)) {
			t.Errorf("n=%d: expected (now, now+1d], got %s", n, got)
		}
	}
}

func TestEffectiveTargetProjection(t *testing.T) {
	tests := []struct {
		name   string
		target time.Time
		rec    model.Recurrence
		now    time.Time
		want   time.Time
	}{
		{
			name:   "daily keeps time of day",
			target: at(2025, time.March, 5, 9, 0),
			rec:    model.RecurrenceDaily,
			now:    at(2025, time.March, 10, 12, 0),
			want:   at(2025, time.March, 11, 9, 0),
		},
		{
			name:   "candidate equal to now is not strictly after",
			target: at(2025, time.March, 8, 12, 0),
			rec:    model.RecurrenceDaily,
			now:    at(2025, time.March, 10, 12, 0),
			want:   at(2025, time.March, 11, 12, 0),
		},
		{
			name:   "weekly",
			target: at(2025, time.March, 3, 8, 0),
			rec:    model.RecurrenceWeekly,
			now:    at(2025, time.March, 10, 9, 0),
			want:   at(2025, time.March, 17, 8, 0),
		},
		{
			name:   "monthly clamps Jan 31 to Feb 28",
			target: at(2025, time.January, 31, 10, 0),
			rec:    model.RecurrenceMonthly,
			now:    at(2025, time.February, 10, 0, 0),
			want:   at(2025, time.February, 28, 10, 0),
		},
		{
			name:   "monthly clamps Jan 31 to Feb 29 in leap year",
			target: at(2024, time.January, 31, 10, 0),
			rec:    model.RecurrenceMonthly,
			now:    at(2024, time.February, 10, 0, 0),
			want:   at(2024, time.February, 29, 10, 0),
		},
		{
			name:   "monthly keeps the clamped day after a short month",
			target: at(2025, time.January, 31, 10, 0),
			rec:    model.RecurrenceMonthly,
			now:    at(2025, time.March, 1, 0, 0),
			want:   at(2025, time.March, 28, 10, 0),
		},
		{
			name:   "monthly day 31 through 30-day months",
			target: at(2025, time.March, 31, 10, 0),
			rec:    model.RecurrenceMonthly,
			now:    at(2025, time.May, 1, 0, 0),
			want:   at(2025, time.May, 30, 10, 0),
		},
		{
			name:   "monthly ordinary day",
			target: at(2024, time.November, 15, 7, 30),
			rec:    model.RecurrenceMonthly,
			now:    at(2025, time.March, 20, 0, 0),
			want:   at(2025, time.April, 15, 7, 30),
		},
		{
			name:   "monthly day 30 in February",
			target: at(2025, time.January, 30, 10, 0),
			rec:    model.RecurrenceMonthly,
			now:    at(2025, time.February, 1, 0, 0),
			want:   at(2025, time.February, 28, 10, 0),
		},
		{
			name:   "yearly Feb 29 folds to Feb 28",
			target: at(2024, time.February, 29, 18, 0),
			rec:    model.RecurrenceYearly,
			now:    at(2024, time.March, 1, 0, 0),
			want:   at(2025, time.February, 28, 18, 0),
		},
		{
			name:   "yearly Feb 29 stays on Feb 28 in later leap years",
			target: at(2024, time.February, 29, 18, 0),
			rec:    model.RecurrenceYearly,
			now:    at(2027, time.March, 1, 0, 0),
			want:   at(2028, time.February, 28, 18, 0),
		},
		{
			name:   "yearly ordinary date",
			target: at(2020, time.July, 4, 0, 0),
			rec:    model.RecurrenceYearly,
			now:    at(2025, time.July, 5, 0, 0),
			want:   at(2026, time.July, 4, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EffectiveTarget(event(tt.target, tt.rec), tt.now, time.UTC)
			if err != nil {
				t.Fatalf("EffectiveTarget failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEffectiveTargetAllDayProjectsFromMidnight(t *testing.T) {
	ev := event(at(2025, time.March, 5, 15, 0), model.RecurrenceDaily)
	ev.IsAllDay = true

	got, err := EffectiveTarget(ev, at(2025, time.March, 10, 12, 0), time.UTC)
	if err != nil {
		t.Fatalf("EffectiveTarget failed: %v", err)
	}
	want := at(2025, time.March, 11, 0, 0)
	if !got.Equal(want) {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestEffectiveTargetKeepsMilliseconds(t *testing.T) {
	target := at(2025, time.March, 5, 9, 0).Add(750 * time.Millisecond)
	now := at(2025, time.March, 6, 9, 0).Add(500 * time.Millisecond)

	got, err := EffectiveTarget(event(target, model.RecurrenceDaily), now, time.UTC)
	if err != nil {
		t.Fatalf("EffectiveTarget failed: %v", err)
	}
	// 09:00:00.750 on the 6th is still after now.
	want := at(2025, time.March, 6, 9, 0).Add(750 * time.Millisecond)
	if !got.Equal(want) {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestAddMonthsClamped(t *testing.T) {
	tests := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{at(2025, time.January, 31, 10, 0), 1, at(2025, time.February, 28, 10, 0)},
		{at(2024, time.January, 31, 10, 0), 1, at(2024, time.February, 29, 10, 0)},
		{at(2025, time.February, 28, 10, 0), 1, at(2025, time.March, 28, 10, 0)},
		{at(2025, time.December, 31, 23, 59), 1, at(2026, time.January, 31, 23, 59)},
		{at(2024, time.February, 29, 18, 0), 12, at(2025, time.February, 28, 18, 0)},
		{at(2025, time.August, 31, 0, 0), 13, at(2026, time.September, 30, 0, 0)},
	}
	for _, tt := range tests {
		if got := addMonthsClamped(tt.in, tt.n); !got.Equal(tt.want) {
			t.Errorf("addMonthsClamped(%s, %d) = %s, want %s", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestEffectiveTargetMonthlyDriftIsSticky(t *testing.T) {
	ev := event(at(2025, time.January, 31, 10, 0), model.RecurrenceMonthly)
	want := []time.Time{
		at(2025, time.February, 28, 10, 0),
		at(2025, time.March, 28, 10, 0),
		at(2025, time.April, 28, 10, 0),
	}
	now := at(2025, time.February, 1, 0, 0)
	for _, w := range want {
		got, err := EffectiveTarget(ev, now, time.UTC)
		if err != nil {
			t.Fatalf("EffectiveTarget failed: %v", err)
		}
		if !got.Equal(w) {
			t.Errorf("now=%s: expected %s, got %s", now, w, got)
		}
		now = got
	}
}

func TestEffectiveTargetMalformedRecurrence(t *testing.T) {
	_, err := EffectiveTarget(event(at(2025, time.March, 5, 9, 0), "FORTNIGHTLY"), at(2025, time.March, 10, 0, 0), time.UTC)
	if !errors.Is(err, ErrMalformedRecurrence) {
		t.Fatalf("Expected ErrMalformedRecurrence, got %v", err)
	}
}
