package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"countdown/internal/backup"
	"countdown/internal/config"
	"countdown/internal/countdown"
	"countdown/internal/ics"
	appLog "countdown/internal/log"
	"countdown/internal/milestone"
	"countdown/internal/model"
	"countdown/internal/store"
	"countdown/internal/worker"
)

// maxBackupBytes bounds an uploaded backup document.
const maxBackupBytes = 10 << 20

const backupFilenameLayout = "countdown_backup_20060102_150405.json"

// eventDTO is an event together with its projection at request time. When the
// event cannot be projected View is nil and Error says why.
type eventDTO struct {
	model.Event
	View  *countdown.View `json:"view,omitempty"`
	Error string          `json:"error,omitempty"`
}

// eventInput is the body accepted by POST and PUT /api/events.
type eventInput struct {
	Title       string `json:"title"`
	TargetDate  int64  `json:"targetDate"`
	IsAllDay    bool   `json:"isAllDay"`
	IncludeTime bool   `json:"includeTime"`
	IsCountUp   bool   `json:"isCountUp"`
	Recurrence  string `json:"recurrence"`
	Color       int32  `json:"color"`
	Notes       string `json:"notes"`
	IsPinned    bool   `json:"isPinned"`
	CreatedAt   int64  `json:"createdAt"`
}

func (in eventInput) toEvent() (model.Event, error) {
	rec, err := model.ParseRecurrence(in.Recurrence)
	if err != nil {
		return model.Event{}, err
	}
	ev := model.Event{
		Title:       strings.TrimSpace(in.Title),
		TargetDate:  in.TargetDate,
		IsAllDay:    in.IsAllDay,
		IncludeTime: in.IncludeTime,
		IsCountUp:   in.IsCountUp,
		Recurrence:  rec,
		Color:       in.Color,
		Notes:       in.Notes,
		IsPinned:    in.IsPinned,
		CreatedAt:   in.CreatedAt,
	}
	return ev, ev.Validate()
}

func (s *Server) describe(ev model.Event, now time.Time) eventDTO {
	dto := eventDTO{Event: ev}
	v, err := countdown.Describe(ev, now, s.loc)
	if err != nil {
		dto.Error = err.Error()
		return dto
	}
	dto.View = &v
	return dto
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	appLog.Error("store request failed", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sort, err := store.ParseSortMode(r.URL.Query().Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.store.ListEvents(r.Context(), store.EventFilter{
		Query: r.URL.Query().Get("q"),
		Sort:  sort,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}

	now := s.clock.Now()
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, s.describe(ev, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in eventInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ev, err := in.toEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := s.clock.Now()
	if ev.CreatedAt == 0 {
		ev.CreatedAt = now.UnixMilli()
	}

	created, err := s.store.CreateEvent(r.Context(), ev)
	if err != nil {
		s.storeError(w, err)
		return
	}
	appLog.Info("event created", "id", created.ID, "title", created.Title)
	writeJSON(w, http.StatusCreated, s.describe(created, now))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(ev, s.clock.Now()))
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var in eventInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ev, err := in.toEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	ev.ID = id
	ev.CreatedAt = existing.CreatedAt

	if err := s.store.UpdateEvent(r.Context(), ev); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.describe(ev, s.clock.Now()))
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.store.DeleteEvent(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	appLog.Info("event deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleClearFlags forgets the fired milestones of one event so they can
// notify again.
func (s *Server) handleClearFlags(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if _, err := s.store.GetEvent(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.store.ClearFlags(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	appLog.Info("milestone flags cleared", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

type passDTO struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Events   int       `json:"events"`
	Notified int       `json:"notified"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
}

func toPassDTO(rep worker.Report) *passDTO {
	return &passDTO{
		ID:       rep.ID,
		At:       rep.At,
		Events:   rep.Events,
		Notified: rep.Notified,
		Failed:   rep.Failed,
		Skipped:  len(rep.Skipped),
	}
}

type statusResponse struct {
	Now        time.Time `json:"now"`
	Timezone   string    `json:"timezone"`
	MostUrgent *eventDTO `json:"most_urgent"`
	LastPass   *passDTO  `json:"last_pass,omitempty"`
}

// handleStatus reports the most urgent pending countdown as of now.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.AllEvents(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}

	now := s.clock.Now()
	resp := statusResponse{Now: now.In(s.loc), Timezone: s.loc.String()}
	if u := milestone.MostUrgent(events, now, s.loc); u != nil {
		dto := s.describe(u.Event, now)
		resp.MostUrgent = &dto
	}
	if s.runner != nil {
		if rep, ok := s.runner.Last(); ok {
			resp.LastPass = toPassDTO(rep)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluation is not configured")
		return
	}
	rep, err := s.runner.RunPass(r.Context())
	switch {
	case errors.Is(err, worker.ErrPassInFlight):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		appLog.Error("manual evaluation failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toPassDTO(rep))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.backup.Set(backup.Exporting{})

	events, err := s.store.AllEvents(r.Context())
	if err != nil {
		s.backup.Set(backup.Failed{Message: err.Error()})
		s.storeError(w, err)
		return
	}
	now := s.clock.Now()
	data, err := backup.ExportJSON(events, now)
	if err != nil {
		s.backup.Set(backup.Failed{Message: err.Error()})
		appLog.Error("backup export failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.backup.Set(backup.ExportSuccess{EventCount: len(events)})
	appLog.Info("backup exported", "events", len(events))

	filename := now.In(s.loc).Format(backupFilenameLayout)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type skippedDTO struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type importResponse struct {
	Mode     string       `json:"mode"`
	Imported int          `json:"imported"`
	Skipped  []skippedDTO `json:"skipped"`
}

// handleImport restores a backup. mode=merge (default) appends, mode=replace
// deletes everything first.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "merge"
	}
	if mode != "merge" && mode != "replace" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", mode))
		return
	}

	s.backup.Set(backup.Importing{})
	fail := func(status int, err error) {
		s.backup.Set(backup.Failed{Message: err.Error()})
		appLog.Warn("backup import failed", "err", err)
		writeError(w, status, err.Error())
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBackupBytes))
	if err != nil {
		fail(http.StatusRequestEntityTooLarge, err)
		return
	}
	imported, err := backup.Import(data)
	if err != nil {
		fail(http.StatusBadRequest, err)
		return
	}
	n, err := s.store.ImportEvents(r.Context(), imported.Events, mode == "replace")
	if err != nil {
		fail(http.StatusInternalServerError, err)
		return
	}

	resp := importResponse{Mode: mode, Imported: n, Skipped: make([]skippedDTO, 0, len(imported.Skipped))}
	for _, rec := range imported.Skipped {
		resp.Skipped = append(resp.Skipped, skippedDTO{Index: rec.Index, Error: rec.Err.Error()})
	}
	s.backup.Set(backup.ImportSuccess{EventCount: n, Skipped: len(imported.Skipped)})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBackupState(w http.ResponseWriter, _ *http.Request) {
	st := s.backup.Get()
	resp := map[string]any{"state": st.Name()}
	switch v := st.(type) {
	case backup.ExportSuccess:
		resp["event_count"] = v.EventCount
	case backup.ImportSuccess:
		resp["event_count"] = v.EventCount
		resp["skipped"] = v.Skipped
	case backup.Failed:
		resp["message"] = v.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

func icsSource(c config.ICSConfig) ics.Source {
	return ics.Source{ID: c.ID, Path: c.Path, URL: c.URL}
}

type icsSourceDTO struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Drafts []ics.Draft `json:"drafts"`
	Error  string      `json:"error,omitempty"`
}

// handleListICS previews the drafts of every configured calendar file.
func (s *Server) handleListICS(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	out := make([]icsSourceDTO, 0, len(s.cfg.ICS))
	for _, src := range s.cfg.ICS {
		dto := icsSourceDTO{ID: src.ID, Name: src.Name, Drafts: []ics.Draft{}}
		drafts, err := s.calendars.Drafts(r.Context(), icsSource(src), now, s.loc)
		if err != nil {
			dto.Error = err.Error()
		} else {
			dto.Drafts = drafts
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleImportICS stores drafts from one calendar as countdowns. An optional
// body {"uids": [...]} limits the import to those entries.
func (s *Server) handleImportICS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	src, ok := s.cfg.FindICS(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown calendar %q", id))
		return
	}

	var req struct {
		UIDs []string `json:"uids"`
	}
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	want := make(map[string]bool, len(req.UIDs))
	for _, uid := range req.UIDs {
		want[uid] = true
	}

	drafts, err := s.calendars.Drafts(r.Context(), icsSource(src), s.clock.Now(), s.loc)
	if err != nil {
		appLog.Error("ics import failed", err, "id", id)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	created := make([]model.Event, 0, len(drafts))
	for _, d := range drafts {
		if len(want) > 0 && !want[d.UID] {
			continue
		}
		ev, err := s.store.CreateEvent(r.Context(), d.Event)
		if err != nil {
			s.storeError(w, err)
			return
		}
		created = append(created, ev)
	}
	appLog.Info("ics imported", "id", id, "events", len(created))
	writeJSON(w, http.StatusCreated, created)
}
