// Package ics is a calendar source backed by an ICS (RFC 5545) feed.
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

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
)

const service = "ics"

// FetchResult is the body of one feed fetch.
type FetchResult struct {
	URL       string
	Body      []byte
	FromCache bool // true when the server answered 304 and the cached body was used
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests (ETag / Last-Modified) and a
// disk cache of the last good body per URL.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	logger   zerolog.Logger
}

// NewFetcher creates a Fetcher. An empty cacheDir disables the disk cache.
func NewFetcher(client *http.Client, cacheDir string, logger zerolog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{
		client:   client,
		cacheDir: cacheDir,
		logger:   logger.With().Str("component", "ics_fetcher").Logger(),
	}
}

// Fetch downloads url. Failures are *ExternalAccessError: 429 wraps ErrRateLimit,
// transport errors wrap ErrUnavailable, other non-2xx statuses carry the status
// code. A failed fetch never falls back to stale cached data.
func (f *Fetcher) Fetch(ctx context.Context, url string) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, perrors.Permanent(service, "fetch", fmt.Errorf("%w: feed url is empty", perrors.ErrInvalidInput))
	}

	var cachePath string
	var meta cacheEntry
	var cachedBody []byte
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(url)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return FetchResult{}, fmt.Errorf("failed to create cache dir: %w", err)
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body.ics"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, perrors.Permanent(service, "fetch", err)
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	log := f.logger.With().Str("url", redactURL(url)).Logger()
	log.Debug().Msg("ICS fetch start")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return FetchResult{}, perrors.NewExternalAccessError(service, "fetch", 0, fmt.Errorf("%w: %v", perrors.ErrTimeout, err))
		}
		return FetchResult{}, perrors.NewExternalAccessError(service, "fetch", 0, fmt.Errorf("%w: %v", perrors.ErrUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, perrors.NewExternalAccessError(service, "fetch", 0, fmt.Errorf("%w: %v", perrors.ErrUnavailable, err))
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				log.Warn().Err(err).Msg("ICS cache save failed")
			}
		}
		log.Info().Int("bytes", len(body)).Msg("ICS fetch success")
		return FetchResult{URL: url, Body: body}, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, perrors.NewExternalAccessError(service, "fetch", resp.StatusCode,
				errors.New("not modified but no cached body available"))
		}
		log.Debug().Msg("ICS feed not modified; using cache")
		return FetchResult{URL: url, Body: cachedBody, FromCache: true}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return FetchResult{}, perrors.NewExternalAccessError(service, "fetch", resp.StatusCode, perrors.ErrRateLimit)

	case resp.StatusCode >= 500:
		return FetchResult{}, perrors.NewExternalAccessError(service, "fetch", resp.StatusCode, errors.New(resp.Status))

	default:
		e := perrors.NewExternalAccessError(service, "fetch", resp.StatusCode, errors.New(resp.Status))
		e.Permanent = true
		return FetchResult{}, e
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
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

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// body first so meta never points at a missing body
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

// redactURL keeps scheme and host only; feed paths often embed secrets.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}
