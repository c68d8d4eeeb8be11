package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	appLog "countdown/internal/log"
	"countdown/internal/milestone"
	"countdown/internal/model"
)

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("event not found")

// SortMode orders ListEvents results.
type SortMode string

const (
	SortSoonest      SortMode = "SOONEST"
	SortAlphabetical SortMode = "ALPHABETICAL"
	SortCreatedDate  SortMode = "CREATED_DATE"
)

// ParseSortMode maps a query parameter to a SortMode. Empty means SOONEST.
func ParseSortMode(s string) (SortMode, error) {
	switch m := SortMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return SortSoonest, nil
	case SortSoonest, SortAlphabetical, SortCreatedDate:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sort mode %q", s)
	}
}

// EventFilter controls ListEvents.
type EventFilter struct {
	// Query matches titles case-insensitively. Blank matches everything.
	Query string
	Sort  SortMode
}

var orderBy = map[SortMode]string{
	SortSoonest:      "target_date ASC, id ASC",
	SortAlphabetical: "LOWER(title) ASC, id ASC",
	SortCreatedDate:  "created_at DESC, id ASC",
}

// SQLiteStore keeps countdown events and milestone flags in a local SQLite
// database. It satisfies milestone.FlagStore.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ milestone.FlagStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at dbPath, enables WAL and
// foreign keys, and applies pending migrations. ":memory:" gives a private
// in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		appLog.Debug("store: applied migration", "version", m.version)
	}
	return nil
}

// eventRow mirrors countdown_events.
type eventRow struct {
	ID          int64  `db:"id"`
	Title       string `db:"title"`
	TargetDate  int64  `db:"target_date"`
	IsAllDay    bool   `db:"is_all_day"`
	IncludeTime bool   `db:"include_time"`
	IsCountUp   bool   `db:"is_count_up"`
	Recurrence  string `db:"recurrence"`
	Color       int32  `db:"color"`
	Notes       string `db:"notes"`
	IsPinned    bool   `db:"is_pinned"`
	CreatedAt   int64  `db:"created_at"`
}

func (r eventRow) event() model.Event {
	return model.Event{
		ID:          r.ID,
		Title:       r.Title,
		TargetDate:  r.TargetDate,
		IsAllDay:    r.IsAllDay,
		IncludeTime: r.IncludeTime,
		IsCountUp:   r.IsCountUp,
		Recurrence:  model.Recurrence(r.Recurrence),
		Color:       r.Color,
		Notes:       r.Notes,
		IsPinned:    r.IsPinned,
		CreatedAt:   r.CreatedAt,
	}
}

const eventColumns = `id, title, target_date, is_all_day, include_time, is_count_up,
	recurrence, color, notes, is_pinned, created_at`

// ListEvents returns events matching f.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	query := "SELECT " + eventColumns + " FROM countdown_events"
	var args []any

	if q := strings.TrimSpace(f.Query); q != "" {
		query += ` WHERE title LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(q)+"%")
	}

	order, ok := orderBy[f.Sort]
	if !ok {
		order = orderBy[SortSoonest]
	}
	query += " ORDER BY " + order

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}

	events := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.event())
	}
	return events, nil
}

// AllEvents returns every event, soonest first.
func (s *SQLiteStore) AllEvents(ctx context.Context) ([]model.Event, error) {
	return s.ListEvents(ctx, EventFilter{Sort: SortSoonest})
}

// GetEvent loads one event.
func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (model.Event, error) {
	var r eventRow
	err := s.db.GetContext(ctx, &r,
		"SELECT "+eventColumns+" FROM countdown_events WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("getting event %d: %w", id, err)
	}
	return r.event(), nil
}

// CreateEvent validates ev, ignores ev.ID, and returns the stored event with
// its new id.
func (s *SQLiteStore) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	ev = normalize(ev)
	if err := ev.Validate(); err != nil {
		return model.Event{}, err
	}
	id, err := insertEvent(ctx, s.db, ev)
	if err != nil {
		return model.Event{}, err
	}
	ev.ID = id
	return ev, nil
}

// UpdateEvent replaces every field of the event with ev.ID.
//
// Milestone flags are kept: moving the target does not re-arm milestones that
// already fired.
func (s *SQLiteStore) UpdateEvent(ctx context.Context, ev model.Event) error {
	ev = normalize(ev)
	if err := ev.Validate(); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE countdown_events SET
			title = ?, target_date = ?, is_all_day = ?, include_time = ?,
			is_count_up = ?, recurrence = ?, color = ?, notes = ?,
			is_pinned = ?, created_at = ?
		WHERE id = ?`,
		ev.Title, ev.TargetDate, boolToInt(ev.IsAllDay), boolToInt(ev.IncludeTime),
		boolToInt(ev.IsCountUp), string(ev.Recurrence), ev.Color, ev.Notes,
		boolToInt(ev.IsPinned), ev.CreatedAt,
		ev.ID,
	)
	if err != nil {
		return fmt.Errorf("updating event %d: %w", ev.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", ev.ID, ErrNotFound)
	}
	return nil
}

// DeleteEvent removes an event and its milestone flags.
func (s *SQLiteStore) DeleteEvent(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM countdown_events WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting event %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM milestone_flags WHERE event_id = ?", id); err != nil {
		return fmt.Errorf("deleting flags of event %d: %w", id, err)
	}
	return tx.Commit()
}

// ImportEvents stores restored events in one transaction. Every event gets a
// fresh id. With replace, all existing events and flags are deleted first.
// It returns the number of events inserted.
func (s *SQLiteStore) ImportEvents(ctx context.Context, events []model.Event, replace bool) (int, error) {
	events = slices.Clone(events)
	for i := range events {
		events[i] = normalize(events[i])
		if err := events[i].Validate(); err != nil {
			return 0, fmt.Errorf("event at index %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM countdown_events"); err != nil {
			return 0, fmt.Errorf("clearing events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM milestone_flags"); err != nil {
			return 0, fmt.Errorf("clearing flags: %w", err)
		}
	}

	for i, ev := range events {
		if _, err := insertEvent(ctx, tx, ev); err != nil {
			return 0, fmt.Errorf("event at index %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}
	appLog.Info("store: imported events", "count", len(events), "replace", replace)
	return len(events), nil
}

// FiredFlags returns every recorded (event, kind) pair.
func (s *SQLiteStore) FiredFlags(ctx context.Context) (map[milestone.FlagKey]bool, error) {
	var rows []struct {
		EventID int64  `db:"event_id"`
		Kind    string `db:"kind"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT event_id, kind FROM milestone_flags"); err != nil {
		return nil, fmt.Errorf("querying milestone flags: %w", err)
	}

	fired := make(map[milestone.FlagKey]bool, len(rows))
	for _, r := range rows {
		kind, err := milestone.ParseKind(r.Kind)
		if err != nil {
			appLog.Warn("store: ignoring flag", "event_id", r.EventID, "err", err)
			continue
		}
		fired[milestone.FlagKey{EventID: r.EventID, Kind: kind}] = true
	}
	return fired, nil
}

// MarkFired records keys in a single transaction. Already-recorded keys keep
// their original fired_at.
func (s *SQLiteStore) MarkFired(ctx context.Context, keys []milestone.FlagKey) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR IGNORE INTO milestone_flags (event_id, kind, fired_at) VALUES (?, ?, strftime('%s','now') * 1000)")
	if err != nil {
		return fmt.Errorf("preparing flag insert: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k.EventID, string(k.Kind)); err != nil {
			return fmt.Errorf("marking %s for event %d: %w", k.Kind, k.EventID, err)
		}
	}
	return tx.Commit()
}

// ClearFlags forgets every milestone of eventID so they can fire again.
func (s *SQLiteStore) ClearFlags(ctx context.Context, eventID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM milestone_flags WHERE event_id = ?", eventID); err != nil {
		return fmt.Errorf("clearing flags of event %d: %w", eventID, err)
	}
	return nil
}

// PruneOrphanFlags deletes flags whose event no longer exists and returns how
// many were removed.
func (s *SQLiteStore) PruneOrphanFlags(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM milestone_flags
		WHERE event_id NOT IN (SELECT id FROM countdown_events)`)
	if err != nil {
		return 0, fmt.Errorf("pruning orphan flags: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func insertEvent(ctx context.Context, ex sqlx.ExecerContext, ev model.Event) (int64, error) {
	result, err := ex.ExecContext(ctx, `
		INSERT INTO countdown_events (
			title, target_date, is_all_day, include_time, is_count_up,
			recurrence, color, notes, is_pinned, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Title, ev.TargetDate, boolToInt(ev.IsAllDay), boolToInt(ev.IncludeTime),
		boolToInt(ev.IsCountUp), string(ev.Recurrence), ev.Color, ev.Notes,
		boolToInt(ev.IsPinned), ev.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new event id: %w", err)
	}
	return id, nil
}

// normalize fills defaults. Titles are stored as given; the HTTP API trims its
// own input.
func normalize(ev model.Event) model.Event {
	if ev.Recurrence == "" {
		ev.Recurrence = model.RecurrenceNone
	}
	return ev
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
