package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"countdown/internal/backup"
	"countdown/internal/clock"
	"countdown/internal/config"
	"countdown/internal/ics"
	appLog "countdown/internal/log"
	"countdown/internal/milestone"
	"countdown/internal/notify"
	"countdown/internal/store"
	"countdown/internal/web"
	"countdown/internal/worker"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	exportPath string
	importPath string
	replace    bool
	importICS  string
}

func main() {
	appLog.Info("countdownd starting", "version", version)

	flags := parseFlags()
	if err := run(flags); err != nil {
		appLog.Error("countdownd failed", err)
		os.Exit(1)
	}
	appLog.Info("countdownd exiting")
}

func run(flags flagConfig) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", flags.configPath, err)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	loc := conf.Location()

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"database", conf.Database,
		"evaluate", conf.Evaluate,
		"midnight", conf.Midnight,
		"housekeeping", conf.Housekeeping,
		"webhook", conf.Webhook.URL != "",
		"ics_count", len(conf.ICS),
		"once", flags.once,
	)

	if conf.Database != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(conf.Database), 0o700); err != nil {
			return err
		}
	}
	st, err := store.NewSQLiteStore(conf.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	clk := clock.System()

	switch {
	case flags.exportPath != "":
		return exportBackup(ctx, st, clk, flags.exportPath)
	case flags.importPath != "":
		return importBackup(ctx, st, flags.importPath, flags.replace)
	case flags.importICS != "":
		return importCalendar(ctx, conf, st, clk, flags.importICS)
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if conf.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(conf.Webhook.URL, conf.Webhook.Timeout()))
	}

	interval, err := worker.IntervalOf(conf.Evaluate, loc)
	if err != nil {
		return err
	}
	eval := milestone.NewEvaluator(st, loc, milestone.WithPollInterval(interval))
	runner := worker.NewRunner(st, eval, notifiers, clk, loc)

	if flags.once {
		rep, err := runner.RunPass(ctx)
		if err != nil {
			return err
		}
		appLog.Info("single pass finished", "pass_id", rep.ID, "notified", rep.Notified, "failed", rep.Failed)
		return nil
	}

	sched, err := worker.NewScheduler(runner, st, worker.Schedule{
		Evaluate:     conf.Evaluate,
		Midnight:     conf.Midnight,
		Housekeeping: conf.Housekeeping,
	}, loc)
	if err != nil {
		return err
	}
	sched.Start()

	// Catch up on milestones crossed while the daemon was down.
	if _, err := runner.RunPass(ctx); err != nil {
		appLog.Error("startup pass failed", err)
	}

	srv := web.NewServer(conf, st, runner, clk)
	serveErr := srv.ListenAndServe(ctx)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		appLog.Warn("scheduler did not stop cleanly", "err", err)
	}
	return serveErr
}

func exportBackup(ctx context.Context, st *store.SQLiteStore, clk clock.Clock, path string) error {
	events, err := st.AllEvents(ctx)
	if err != nil {
		return err
	}
	data, err := backup.ExportJSON(events, clk.Now())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	appLog.Info("backup exported", "path", path, "events", len(events))
	return nil
}

func importBackup(ctx context.Context, st *store.SQLiteStore, path string, replace bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	imported, err := backup.Import(data)
	if err != nil {
		return err
	}
	for _, rec := range imported.Skipped {
		appLog.Warn("backup record skipped", "index", rec.Index, "err", rec.Err)
	}
	n, err := st.ImportEvents(ctx, imported.Events, replace)
	if err != nil {
		return err
	}
	appLog.Info("backup imported", "path", path, "events", n, "skipped", len(imported.Skipped), "replace", replace)
	return nil
}

func importCalendar(ctx context.Context, conf *config.Config, st *store.SQLiteStore, clk clock.Clock, id string) error {
	src, ok := conf.FindICS(id)
	if !ok {
		return fmt.Errorf("unknown calendar %q", id)
	}
	loader := ics.NewLoader(conf.ICSCacheDir, 0)
	drafts, err := loader.Drafts(ctx, ics.Source{ID: src.ID, Path: src.Path, URL: src.URL}, clk.Now(), conf.Location())
	if err != nil {
		return err
	}
	for _, d := range drafts {
		ev, err := st.CreateEvent(ctx, d.Event)
		if err != nil {
			return err
		}
		appLog.Debug("calendar entry imported", "uid", d.UID, "id", ev.ID)
	}
	appLog.Info("calendar imported", "id", id, "events", len(drafts))
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/countdown/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one evaluation pass and exit")
	flag.StringVar(&cfg.exportPath, "export", "", "Write a JSON backup to this path and exit")
	flag.StringVar(&cfg.importPath, "import", "", "Restore a JSON backup from this path and exit")
	flag.BoolVar(&cfg.replace, "replace", false, "With -import, delete existing events first")
	flag.StringVar(&cfg.importICS, "import-ics", "", "Import every upcoming entry of the configured calendar with this id and exit")

	flag.Parse()

	return cfg
}
