package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"countdown/internal/backup"
	"countdown/internal/clock"
	"countdown/internal/config"
	"countdown/internal/ics"
	appLog "countdown/internal/log"
	"countdown/internal/model"
	"countdown/internal/store"
	"countdown/internal/worker"
)

// EventStore is the persistence the API needs.
type EventStore interface {
	ListEvents(ctx context.Context, f store.EventFilter) ([]model.Event, error)
	AllEvents(ctx context.Context) ([]model.Event, error)
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	CreateEvent(ctx context.Context, ev model.Event) (model.Event, error)
	UpdateEvent(ctx context.Context, ev model.Event) error
	DeleteEvent(ctx context.Context, id int64) error
	ImportEvents(ctx context.Context, events []model.Event, replace bool) (int, error)
	ClearFlags(ctx context.Context, eventID int64) error
}

// PassRunner runs an evaluation pass on demand.
type PassRunner interface {
	RunPass(ctx context.Context) (worker.Report, error)
	Last() (worker.Report, bool)
}

// Server exposes events, status, backup and calendar import over HTTP.
type Server struct {
	cfg    *config.Config
	store  EventStore
	runner PassRunner
	clock  clock.Clock
	loc    *time.Location
	backup *backup.Tracker
	router *mux.Router

	calendars *ics.Loader
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st EventStore, runner PassRunner, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.System()
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		runner: runner,
		clock:  clk,
		loc:    cfg.Location(),
		backup: backup.NewTracker(),
		router: mux.NewRouter(),

		calendars: ics.NewLoader(cfg.ICSCacheDir, 0),
	}
	s.registerRoutes()
	return s
}

// Handler returns the router, wrapped with Basic Auth when configured.
func (s *Server) Handler() http.Handler {
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(s.router)
	}
	return s.router
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Countdown", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleCreateEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/{id:[0-9]+}", s.handleGetEvent).Methods(http.MethodGet)
	api.HandleFunc("/events/{id:[0-9]+}", s.handleUpdateEvent).Methods(http.MethodPut)
	api.HandleFunc("/events/{id:[0-9]+}", s.handleDeleteEvent).Methods(http.MethodDelete)
	api.HandleFunc("/events/{id:[0-9]+}/flags", s.handleClearFlags).Methods(http.MethodDelete)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	api.HandleFunc("/backup", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/backup", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/backup/state", s.handleBackupState).Methods(http.MethodGet)
	api.HandleFunc("/ics", s.handleListICS).Methods(http.MethodGet)
	api.HandleFunc("/ics/{id}/import", s.handleImportICS).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
