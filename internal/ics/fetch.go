package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "countdown/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxFeedBytes        = 10 << 20
)

// Source is one calendar offered for import. Exactly one of Path and URL is
// set.
type Source struct {
	ID   string
	Path string
	// URL is an http, https or webcal feed.
	URL string
}

// Payload is the raw ICS body of a Source.
type Payload struct {
	Source    Source
	Body      []byte
	FromCache bool
}

// cacheEntry holds HTTP validators for one feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Loader reads calendar sources. Feeds are revalidated with ETag and
// Last-Modified against a disk cache, and the cached body is served when the
// feed is unreachable.
type Loader struct {
	client   *http.Client
	cacheDir string
}

// NewLoader creates a Loader caching feeds under cacheDir. A timeout <= 0
// means 15s.
func NewLoader(cacheDir string, timeout time.Duration) *Loader {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Loader{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Drafts loads src and parses it with ParseCalendar.
func (l *Loader) Drafts(ctx context.Context, src Source, now time.Time, loc *time.Location) ([]Draft, error) {
	p, err := l.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	return ParseCalendar(p.Body, now, loc)
}

// Load returns the body of src from disk or from its feed.
func (l *Loader) Load(ctx context.Context, src Source) (Payload, error) {
	switch {
	case src.URL != "":
		return l.fetch(ctx, src)
	case src.Path != "":
		body, err := os.ReadFile(src.Path)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Source: src, Body: body}, nil
	default:
		return Payload{}, fmt.Errorf("calendar %q has neither path nor url", src.ID)
	}
}

func (l *Loader) fetch(ctx context.Context, src Source) (Payload, error) {
	feedURL := feedURL(src.URL)
	redacted := appLog.RedactURL(feedURL, "ics")

	cachePath := l.cachePathForURL(feedURL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return Payload{}, err
	}
	meta, _ := loadCacheMeta(cachePath)
	cachedBody, _ := loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return Payload{}, err
	}
	if meta.URL == feedURL {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redacted)

	fromCache := Payload{Source: src, Body: cachedBody, FromCache: true}

	resp, err := l.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redacted)
			return fromCache, nil
		}
		return Payload{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if err != nil {
			return Payload{}, err
		}
		newMeta := cacheEntry{
			URL:          feedURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redacted)
		}
		appLog.Info("ics fetch success", "id", src.ID, "url", redacted, "bytes", len(body))
		return Payload{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Payload{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cache", "id", src.ID, "url", redacted)
		return fromCache, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "url", redacted)
			return fromCache, nil
		}
		return Payload{}, fmt.Errorf("fetching calendar %q: %s", src.ID, resp.Status)
	}
}

// feedURL rewrites webcal:// to https://.
func feedURL(u string) string {
	if rest, ok := strings.CutPrefix(u, "webcal://"); ok {
		return "https://" + rest
	}
	return u
}

func (l *Loader) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(l.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}
