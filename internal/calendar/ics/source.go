package ics

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/lru"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// ParsedFeed is a cached parse of one feed body.
type ParsedFeed struct {
	sum   [32]byte
	items []schedule.ScheduledItem
}

// Source serves items of one ICS feed. Parsed feeds are cached by body hash so an
// unchanged feed is not parsed twice.
type Source struct {
	url     string
	fetcher *Fetcher
	cache   *lru.Cache[string, ParsedFeed]
	logger  zerolog.Logger
}

// NewSource creates a Source for url. cache may be shared between sources.
func NewSource(url string, fetcher *Fetcher, cache *lru.Cache[string, ParsedFeed], logger zerolog.Logger) *Source {
	if cache == nil {
		cache = NewCache(16, time.Hour)
	}
	return &Source{
		url:     url,
		fetcher: fetcher,
		cache:   cache,
		logger:  logger.With().Str("component", "ics_source").Str("url", redactURL(url)).Logger(),
	}
}

// NewCache creates a parsed-feed cache for NewSource.
func NewCache(capacity int, ttl time.Duration) *lru.Cache[string, ParsedFeed] {
	return lru.New[string, ParsedFeed](capacity, ttl)
}

// FetchItems returns the feed's items starting inside w, plus recurring masters
// that begin before w ends.
func (s *Source) FetchItems(ctx context.Context, scope schedule.Scope, w schedule.Window) ([]schedule.ScheduledItem, error) {
	res, err := s.fetcher.Fetch(ctx, s.url)
	if err != nil {
		return nil, err
	}

	key := s.url + "|" + scope.Key()
	sum := sha256.Sum256(res.Body)
	feed, ok := s.cache.Get(key)
	if !ok || feed.sum != sum {
		items, skipped, err := Parse(res.Body, scope)
		if err != nil {
			return nil, err
		}
		for _, sk := range skipped {
			s.logger.Warn().Str("uid", sk.UID).Err(sk.Err).Msg("Skipping unmappable VEVENT")
		}
		feed = ParsedFeed{sum: sum, items: items}
		s.cache.Put(key, feed)
	}

	var out []schedule.ScheduledItem
	for _, it := range feed.items {
		if w.Contains(it.Start) || (it.IsRecurring() && !it.Start.After(w.End)) {
			out = append(out, it.Clone())
		}
	}
	s.logger.Debug().Int("items", len(out)).Bool("from_cache", res.FromCache).Msg("ICS items selected")
	return out, nil
}
