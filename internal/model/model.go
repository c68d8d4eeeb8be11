package model

import (
	"fmt"
	"strings"
	"time"
)

// Recurrence is the repeat rule of a countdown. It is stored and exported as
// its literal name.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "NONE"
	RecurrenceDaily   Recurrence = "DAILY"
	RecurrenceWeekly  Recurrence = "WEEKLY"
	RecurrenceMonthly Recurrence = "MONTHLY"
	RecurrenceYearly  Recurrence = "YEARLY"
)

// Recurrences lists every supported value in display order.
var Recurrences = []Recurrence{
	RecurrenceNone,
	RecurrenceDaily,
	RecurrenceWeekly,
	RecurrenceMonthly,
	RecurrenceYearly,
}

// Valid reports whether r is one of the supported values.
func (r Recurrence) Valid() bool {
	for _, v := range Recurrences {
		if r == v {
			return true
		}
	}
	return false
}

// ParseRecurrence converts a user supplied string into a Recurrence.
// An empty string means NONE.
func ParseRecurrence(s string) (Recurrence, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return RecurrenceNone, nil
	}
	r := Recurrence(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown recurrence %q", s)
	}
	return r, nil
}

// Event is a user-defined countdown (or count-up) target.
//
// The engine treats Event as an immutable snapshot for the duration of a
// single evaluation pass. ID zero means "not yet assigned by the store".
type Event struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`

	// TargetDate is the nominal target in epoch milliseconds.
	TargetDate int64 `json:"targetDate"`

	// IsAllDay and IncludeTime are presentation hints. IsAllDay also makes
	// recurrence projection ignore the time of day.
	IsAllDay    bool `json:"isAllDay"`
	IncludeTime bool `json:"includeTime"`

	// IsCountUp counts time elapsed since the target instead of time
	// remaining until it. Recurrence only applies when IsCountUp is false.
	IsCountUp  bool       `json:"isCountUp"`
	Recurrence Recurrence `json:"recurrence"`

	// Color is an ARGB value.
	Color int32 `json:"color"`
	// Notes is empty when the user left no notes.
	Notes    string `json:"notes"`
	IsPinned bool   `json:"isPinned"`

	// CreatedAt is epoch milliseconds, used for display ordering only.
	CreatedAt int64 `json:"createdAt"`
}

// Target returns TargetDate as an instant in loc.
func (e Event) Target(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(e.TargetDate).In(loc)
}

// Validate checks the invariants a stored event must satisfy.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("title is empty")
	}
	if !e.Recurrence.Valid() {
		return fmt.Errorf("unknown recurrence %q", e.Recurrence)
	}
	return nil
}
