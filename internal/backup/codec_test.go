package backup

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"countdown/internal/model"
)

var exportedAt = time.Date(2025, time.May, 4, 10, 0, 0, 0, time.UTC)

func sampleEvents() []model.Event {
	return []model.Event{
		{
			ID:          11,
			Title:       "Trip to Rome",
			TargetDate:  time.Date(2025, time.August, 1, 9, 30, 0, 0, time.UTC).UnixMilli(),
			IncludeTime: true,
			Recurrence:  model.RecurrenceNone,
			Color:       -16776961,
			Notes:       "Pack the adapter",
			CreatedAt:   time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
			IsPinned:    true,
		},
		{
			ID:         12,
			Title:      "Quit smoking",
			TargetDate: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
			IsAllDay:   true,
			IsCountUp:  true,
			Recurrence: model.RecurrenceNone,
			Color:      -65536,
			CreatedAt:  time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
		},
		{
			ID:         13,
			Title:      "Rent",
			TargetDate: time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC).UnixMilli(),
			Recurrence: model.RecurrenceMonthly,
			CreatedAt:  time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
		},
	}
}

func TestRoundTripPreservesEverythingButID(t *testing.T) {
	events := sampleEvents()
	data, err := ExportJSON(events, exportedAt)
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}

	got, err := Import(data)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(got.Events) != len(events) {
		t.Fatalf("Expected %d events, got %d", len(events), len(got.Events))
	}
	for i, ev := range got.Events {
		if ev.ID != 0 {
			t.Errorf("event %d: expected id reset to 0, got %d", i, ev.ID)
		}
		want := events[i]
		want.ID = 0
		if ev != want {
			t.Errorf("event %d: expected %+v, got %+v", i, want, ev)
		}
	}
	if !got.Timestamp.Equal(exportedAt) {
		t.Errorf("Expected timestamp %s, got %s", exportedAt, got.Timestamp)
	}
}

func TestExportWritesLiteralNamesAndEmptyNotes(t *testing.T) {
	data, err := ExportJSON(sampleEvents(), exportedAt)
	if err != nil {
		t.Fatalf("ExportJSON failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	if raw["version"] != float64(1) {
		t.Errorf("Expected version 1, got %v", raw["version"])
	}
	if raw["timestamp"] != float64(exportedAt.UnixMilli()) {
		t.Errorf("Expected timestamp %d, got %v", exportedAt.UnixMilli(), raw["timestamp"])
	}
	evs := raw["events"].([]any)
	second := evs[1].(map[string]any)
	if second["notes"] != "" {
		t.Errorf("Expected empty notes, got %v", second["notes"])
	}
	third := evs[2].(map[string]any)
	if third["recurrence"] != "MONTHLY" {
		t.Errorf("Expected MONTHLY, got %v", third["recurrence"])
	}
	if third["id"] != float64(13) {
		t.Errorf("Expected id 13 in export, got %v", third["id"])
	}
}

func TestImportRejectsOtherVersions(t *testing.T) {
	for _, payload := range []string{
		`{"version": 2, "timestamp": 1, "events": [{"title": "x"}]}`,
		`{"version": 0, "events": []}`,
		`{"events": []}`,
	} {
		_, err := Import([]byte(payload))
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("%s: expected ErrUnsupportedVersion, got %v", payload, err)
		}
	}
}

func TestImportSkipsMalformedRecord(t *testing.T) {
	doc := Export(sampleEvents(), exportedAt)
	data, _ := Marshal(doc)

	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	evs := raw["events"].([]any)
	extra := map[string]any{}
	for k, v := range evs[0].(map[string]any) {
		extra[k] = v
	}
	extra["title"] = "Fifth"
	evs = append(evs, extra)
	// Record 1 loses a required field.
	delete(evs[1].(map[string]any), "targetDate")
	raw["events"] = evs
	data, _ = json.Marshal(raw)

	got, err := Import(data)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(got.Events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got.Events))
	}
	if len(got.Skipped) != 1 || got.Skipped[0].Index != 1 {
		t.Fatalf("Expected record 1 skipped, got %+v", got.Skipped)
	}
	if !errors.Is(got.Skipped[0], ErrRecordMalformed) {
		t.Errorf("Expected ErrRecordMalformed, got %v", got.Skipped[0])
	}
	if got.Events[2].Title != "Fifth" {
		t.Errorf("Expected the appended record last, got %q", got.Events[2].Title)
	}
}

func TestImportFiveRecordsOneMissingField(t *testing.T) {
	record := `{"id": %d, "title": "E", "targetDate": 1700000000000, "isAllDay": false,
		"includeTime": true, "isCountUp": false, "recurrence": "NONE", "color": 0,
		"notes": "", "createdAt": 1690000000000, "isPinned": false}`
	var recs []string
	for i := 1; i <= 4; i++ {
		recs = append(recs, strings.Replace(record, "%d", string(rune('0'+i)), 1))
	}
	recs = append(recs, `{"id": 5, "title": "E", "isAllDay": false, "includeTime": true,
		"isCountUp": false, "recurrence": "NONE", "color": 0, "createdAt": 1, "isPinned": false}`)
	payload := `{"version": 1, "timestamp": 5, "events": [` + strings.Join(recs, ",") + `]}`

	got, err := Import([]byte(payload))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(got.Events) != 4 {
		t.Errorf("Expected 4 events, got %d", len(got.Events))
	}
}

func TestImportFieldValidation(t *testing.T) {
	valid := map[string]any{
		"title": "A", "targetDate": 1, "isAllDay": false, "includeTime": false,
		"isCountUp": false, "recurrence": "DAILY", "color": 1, "createdAt": 1, "isPinned": false,
	}
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"mistyped bool", func(m map[string]any) { m["isAllDay"] = "yes" }},
		{"fractional target", func(m map[string]any) { m["targetDate"] = 1.5 }},
		{"null title", func(m map[string]any) { m["title"] = nil }},
		{"empty title", func(m map[string]any) { m["title"] = "  " }},
		{"unknown recurrence", func(m map[string]any) { m["recurrence"] = "HOURLY" }},
		{"missing pinned", func(m map[string]any) { delete(m, "isPinned") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := map[string]any{}
			for k, v := range valid {
				bad[k] = v
			}
			tt.mutate(bad)
			data, _ := json.Marshal(map[string]any{
				"version": 1,
				"events":  []any{valid, bad},
			})
			got, err := Import(data)
			if err != nil {
				t.Fatalf("Import failed: %v", err)
			}
			if len(got.Events) != 1 || len(got.Skipped) != 1 {
				t.Errorf("Expected 1 kept and 1 skipped, got %d and %d", len(got.Events), len(got.Skipped))
			}
		})
	}
}

func TestImportNotesOptional(t *testing.T) {
	payload := `{"version": 1, "events": [{"title": "A", "targetDate": 1, "isAllDay": false,
		"includeTime": false, "isCountUp": false, "recurrence": "NONE", "color": 0,
		"createdAt": 1, "isPinned": false}]}`
	got, err := Import([]byte(payload))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if got.Events[0].Notes != "" {
		t.Errorf("Expected empty notes, got %q", got.Events[0].Notes)
	}
}

func TestImportAllInvalid(t *testing.T) {
	for _, payload := range []string{
		`{"version": 1, "timestamp": 1, "events": []}`,
		`{"version": 1, "events": [{"title": 3}, 42, null]}`,
	} {
		_, err := Import([]byte(payload))
		if !errors.Is(err, ErrEmptyOrAllInvalid) {
			t.Errorf("%s: expected ErrEmptyOrAllInvalid, got %v", payload, err)
		}
	}
}

func TestImportIgnoresUnknownTopLevelFields(t *testing.T) {
	data, _ := ExportJSON(sampleEvents()[:1], exportedAt)
	var raw map[string]any
	_ = json.Unmarshal(data, &raw)
	raw["device"] = "pixel"
	raw["settings"] = map[string]any{"theme": "dark"}
	data, _ = json.Marshal(raw)

	got, err := Import(data)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(got.Events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(got.Events))
	}
}

func TestImportInvalidFormat(t *testing.T) {
	for _, payload := range []string{`not json`, `[]`, `{"version": "1", "events": []}`, `{"version": 1}`} {
		_, err := Import([]byte(payload))
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("%s: expected ErrInvalidFormat, got %v", payload, err)
		}
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	if tr.Get().Name() != "idle" {
		t.Fatalf("Expected idle, got %s", tr.Get().Name())
	}
	tr.Set(ImportSuccess{EventCount: 4, Skipped: 1})
	st, ok := tr.Get().(ImportSuccess)
	if !ok || st.EventCount != 4 {
		t.Errorf("Expected ImportSuccess{4}, got %#v", tr.Get())
	}
	tr.Reset()
	if _, ok := tr.Get().(Idle); !ok {
		t.Errorf("Expected Idle after reset, got %#v", tr.Get())
	}
}
