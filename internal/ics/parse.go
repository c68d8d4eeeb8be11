// Package ics turns iCalendar payloads into countdown drafts.
package ics

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "countdown/internal/log"
	"countdown/internal/model"
)

// DefaultColor is the ARGB color given to imported countdowns (0xFF4CAF50).
const DefaultColor int32 = -0xB350B0

const noTitle = "No Title"

// Draft is a calendar entry ready to be stored as a countdown. Event.ID is 0.
type Draft struct {
	UID   string      `json:"uid"`
	Start time.Time   `json:"start"`
	Event model.Event `json:"event"`
}

// ParseCalendar extracts drafts from an ICS payload.
//
// Only events starting at or after now, or carrying a recurrence the engine
// can represent, are kept. Overrides of recurring instances (RECURRENCE-ID)
// are dropped. Date-only starts are all-day events at local midnight in loc.
// The result is sorted by start.
func ParseCalendar(body []byte, now time.Time, loc *time.Location) ([]Draft, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err)
		return nil, err
	}

	drafts := make([]Draft, 0)
	for _, ve := range cal.Events() {
		d, err := parseVEvent(ve, now, loc)
		if err != nil {
			appLog.Warn("ics vevent skipped", "err", err)
			continue
		}
		if d.Event.Recurrence == model.RecurrenceNone && d.Start.Before(now) {
			continue
		}
		drafts = append(drafts, d)
	}

	slices.SortStableFunc(drafts, func(a, b Draft) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.Event.Title, b.Event.Title)
	})

	appLog.Info("ics parse completed", "event_count", len(cal.Events()), "drafts", len(drafts))
	return drafts, nil
}

func parseVEvent(ve *ical.VEvent, now time.Time, loc *time.Location) (Draft, error) {
	var d Draft

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		d.UID = p.Value
	}
	if ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")) != nil {
		return d, fmt.Errorf("uid %q: recurrence override", d.UID)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return d, fmt.Errorf("uid %q: missing DTSTART", d.UID)
	}

	allDay := isDateOnly(dtStart)
	var (
		start time.Time
		err   error
	)
	if allDay {
		start, err = time.ParseInLocation("20060102", strings.TrimSpace(dtStart.Value), loc)
	} else {
		start, err = ve.GetStartAt()
	}
	if err != nil {
		return d, fmt.Errorf("uid %q: DTSTART: %w", d.UID, err)
	}

	title := noTitle
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && strings.TrimSpace(p.Value) != "" {
		title = strings.TrimSpace(p.Value)
	}

	rec := model.RecurrenceNone
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rec = recurrenceOf(p.Value)
	}

	var notes string
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		notes = p.Value
	}

	d.Start = start
	d.Event = model.Event{
		Title:       title,
		TargetDate:  start.UnixMilli(),
		IsAllDay:    allDay,
		IncludeTime: !allDay,
		Recurrence:  rec,
		Color:       DefaultColor,
		Notes:       notes,
		CreatedAt:   now.UnixMilli(),
	}
	return d, nil
}

// isDateOnly reports whether DTSTART has VALUE=DATE or a YYYYMMDD value.
func isDateOnly(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

var freqs = map[rrule.Frequency]model.Recurrence{
	rrule.DAILY:   model.RecurrenceDaily,
	rrule.WEEKLY:  model.RecurrenceWeekly,
	rrule.MONTHLY: model.RecurrenceMonthly,
	rrule.YEARLY:  model.RecurrenceYearly,
}

// recurrenceOf maps an RRULE to the closest supported Recurrence. Rules with
// an INTERVAL above 1 or a sub-daily FREQ have no equivalent and become NONE.
func recurrenceOf(value string) model.Recurrence {
	opt, err := rrule.StrToROption(value)
	if err != nil {
		appLog.Warn("ics rrule ignored", "rrule", value, "err", err)
		return model.RecurrenceNone
	}
	if opt.Interval > 1 {
		return model.RecurrenceNone
	}
	if rec, ok := freqs[opt.Freq]; ok {
		return rec
	}
	return model.RecurrenceNone
}
