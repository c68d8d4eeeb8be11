package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "countdown/internal/log"
	"countdown/internal/model"
)

// Version is the only document version this codec reads or writes.
const Version = 1

var (
	// ErrUnsupportedVersion means the document's version is not Version.
	ErrUnsupportedVersion = errors.New("unsupported backup version")
	// ErrEmptyOrAllInvalid means the document parsed but no record survived.
	ErrEmptyOrAllInvalid = errors.New("no valid events found in backup")
	// ErrInvalidFormat means the payload is not a backup document at all.
	ErrInvalidFormat = errors.New("invalid backup file format")
	// ErrRecordMalformed is wrapped by every RecordError.
	ErrRecordMalformed = errors.New("malformed event record")
)

// Record field names. They match the documents written by earlier releases.
const (
	keyTitle       = "title"
	keyTargetDate  = "targetDate"
	keyIsAllDay    = "isAllDay"
	keyIncludeTime = "includeTime"
	keyIsCountUp   = "isCountUp"
	keyRecurrence  = "recurrence"
	keyColor       = "color"
	keyNotes       = "notes"
	keyCreatedAt   = "createdAt"
	keyIsPinned    = "isPinned"
)

// Document is the top-level backup JSON object.
type Document struct {
	Version   int           `json:"version"`
	Timestamp int64         `json:"timestamp"`
	Events    []eventRecord `json:"events"`
}

// eventRecord is the wire form of model.Event. Field order is the write order.
type eventRecord struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	TargetDate  int64  `json:"targetDate"`
	IsAllDay    bool   `json:"isAllDay"`
	IncludeTime bool   `json:"includeTime"`
	IsCountUp   bool   `json:"isCountUp"`
	Recurrence  string `json:"recurrence"`
	Color       int32  `json:"color"`
	Notes       string `json:"notes"`
	CreatedAt   int64  `json:"createdAt"`
	IsPinned    bool   `json:"isPinned"`
}

// RecordError describes one record dropped during Import.
type RecordError struct {
	Index int
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("event at index %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() []error {
	return []error{ErrRecordMalformed, e.Err}
}

// Imported is the result of a successful Import.
type Imported struct {
	// Events have ID 0 so the destination store assigns fresh ids.
	Events []model.Event
	// Skipped lists records that were dropped.
	Skipped []*RecordError
	// Timestamp is the export time recorded in the document, if any.
	Timestamp time.Time
}

// Export builds a document holding every event verbatim, stamped with now.
func Export(events []model.Event, now time.Time) Document {
	doc := Document{
		Version:   Version,
		Timestamp: now.UnixMilli(),
		Events:    make([]eventRecord, 0, len(events)),
	}
	for _, ev := range events {
		rec := ev.Recurrence
		if rec == "" {
			rec = model.RecurrenceNone
		}
		doc.Events = append(doc.Events, eventRecord{
			ID:          ev.ID,
			Title:       ev.Title,
			TargetDate:  ev.TargetDate,
			IsAllDay:    ev.IsAllDay,
			IncludeTime: ev.IncludeTime,
			IsCountUp:   ev.IsCountUp,
			Recurrence:  string(rec),
			Color:       ev.Color,
			Notes:       ev.Notes,
			CreatedAt:   ev.CreatedAt,
			IsPinned:    ev.IsPinned,
		})
	}
	return doc
}

// Marshal renders a document as indented UTF-8 JSON.
func Marshal(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// ExportJSON is Export followed by Marshal.
func ExportJSON(events []model.Event, now time.Time) ([]byte, error) {
	return Marshal(Export(events, now))
}

// envelope is the lenient read form of Document. Unknown top-level fields are
// ignored; events are decoded one by one.
type envelope struct {
	Version   *int              `json:"version"`
	Timestamp json.RawMessage   `json:"timestamp"`
	Events    []json.RawMessage `json:"events"`
}

// Import parses a backup payload.
//
// The version must equal Version exactly. Each record is validated on its
// own: a record with a missing or mistyped field is logged and dropped, and
// the rest are kept. Surviving events get ID 0. If nothing survives, Import
// fails with ErrEmptyOrAllInvalid.
func Import(data []byte) (*Imported, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	version := 0
	if env.Version != nil {
		version = *env.Version
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if env.Events == nil {
		return nil, fmt.Errorf("%w: missing events array", ErrInvalidFormat)
	}

	out := &Imported{Events: make([]model.Event, 0, len(env.Events))}

	var ts int64
	if len(env.Timestamp) > 0 && json.Unmarshal(env.Timestamp, &ts) == nil && ts > 0 {
		out.Timestamp = time.UnixMilli(ts)
	}

	for i, raw := range env.Events {
		ev, err := decodeRecord(raw)
		if err != nil {
			rerr := &RecordError{Index: i, Err: err}
			appLog.Warn("backup: skipping malformed event", "index", i, "err", err)
			out.Skipped = append(out.Skipped, rerr)
			continue
		}
		ev.ID = 0
		out.Events = append(out.Events, ev)
	}

	if len(out.Events) == 0 {
		return nil, ErrEmptyOrAllInvalid
	}
	appLog.Info("backup: parsed", "events", len(out.Events), "skipped", len(out.Skipped))
	return out, nil
}

// decodeRecord extracts one event, requiring every field except notes.
func decodeRecord(raw json.RawMessage) (model.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.Event{}, fmt.Errorf("not an object: %w", err)
	}
	if fields == nil {
		return model.Event{}, errors.New("null record")
	}

	var (
		ev  model.Event
		rec string
	)
	steps := []struct {
		key string
		dst any
	}{
		{keyTitle, &ev.Title},
		{keyTargetDate, &ev.TargetDate},
		{keyIsAllDay, &ev.IsAllDay},
		{keyIncludeTime, &ev.IncludeTime},
		{keyIsCountUp, &ev.IsCountUp},
		{keyRecurrence, &rec},
		{keyColor, &ev.Color},
		{keyCreatedAt, &ev.CreatedAt},
		{keyIsPinned, &ev.IsPinned},
	}
	for _, s := range steps {
		if err := field(fields, s.key, s.dst); err != nil {
			return model.Event{}, err
		}
	}

	if v, ok := fields[keyNotes]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &ev.Notes); err != nil {
			return model.Event{}, fmt.Errorf("field %q: %w", keyNotes, err)
		}
	}

	if strings.TrimSpace(ev.Title) == "" {
		return model.Event{}, fmt.Errorf("field %q: empty", keyTitle)
	}
	r := model.Recurrence(rec)
	if !r.Valid() {
		return model.Event{}, fmt.Errorf("field %q: unknown value %q", keyRecurrence, rec)
	}
	ev.Recurrence = r

	return ev, nil
}

func field(fields map[string]json.RawMessage, key string, dst any) error {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return fmt.Errorf("field %q: missing", key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
