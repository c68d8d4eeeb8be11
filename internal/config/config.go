package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen       = "127.0.0.1:8080"
	defaultDatabase     = "./var/countdown.db"
	defaultLogLevel     = "info"
	defaultEvaluate     = "*/15 * * * *"
	defaultMidnight     = "0 0 * * *"
	defaultHousekeeping = "30 3 * * *"
	defaultWebhookSecs  = 15
	defaultICSCacheDir  = "./var/ics-cache"
)

// ICSConfig describes a local calendar file offered for import.
type ICSConfig struct {
	// ID is the key used in /api/ics/{id}/import.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// Exactly one of Path and URL is set. URL may be http, https or webcal.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// WebhookConfig enables the webhook notifier when URL is set.
type WebhookConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns TimeoutSeconds as a duration.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone recurrence is projected in. Empty means the
	// host's local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Evaluate, Midnight and Housekeeping are standard 5-field cron specs.
	Evaluate     string `yaml:"evaluate" json:"evaluate"`
	Midnight     string `yaml:"midnight" json:"midnight"`
	Housekeeping string `yaml:"housekeeping" json:"housekeeping"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`

	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// ICSCacheDir holds revalidation metadata and bodies of ICS feeds.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		Database:     defaultDatabase,
		LogLevel:     defaultLogLevel,
		Evaluate:     defaultEvaluate,
		Midnight:     defaultMidnight,
		Housekeeping: defaultHousekeeping,
		Webhook:      WebhookConfig{TimeoutSeconds: defaultWebhookSecs},
		ICS:          []ICSConfig{},
		ICSCacheDir:  defaultICSCacheDir,
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.Evaluate == "" {
		c.Evaluate = defaultEvaluate
	}
	if c.Midnight == "" {
		c.Midnight = defaultMidnight
	}
	if c.Housekeeping == "" {
		c.Housekeeping = defaultHousekeeping
	}
	if c.Webhook.TimeoutSeconds <= 0 {
		c.Webhook.TimeoutSeconds = defaultWebhookSecs
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = defaultICSCacheDir
	}
}

// Validate checks values Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	for name, spec := range map[string]string{
		"evaluate":     c.Evaluate,
		"midnight":     c.Midnight,
		"housekeeping": c.Housekeeping,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	seen := make(map[string]bool, len(c.ICS))
	for i, src := range c.ICS {
		switch {
		case src.ID == "":
			errs = append(errs, fmt.Errorf("ics[%d]: id is empty", i))
		case seen[src.ID]:
			errs = append(errs, fmt.Errorf("ics[%d]: duplicate id %q", i, src.ID))
		}
		if (src.Path == "") == (src.URL == "") {
			errs = append(errs, fmt.Errorf("ics[%d]: set exactly one of path and url", i))
		}
		seen[src.ID] = true
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to time.Local when it is empty
// or unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// FindICS returns the ICS source with id.
func (c *Config) FindICS(id string) (ICSConfig, bool) {
	for _, src := range c.ICS {
		if src.ID == id {
			return src, true
		}
	}
	return ICSConfig{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".countdown-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
