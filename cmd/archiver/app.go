package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/archive"
	"github.com/p-blackswan/calendar-archiver/internal/audit"
	"github.com/p-blackswan/calendar-archiver/internal/calendar"
	"github.com/p-blackswan/calendar-archiver/internal/calendar/ics"
	"github.com/p-blackswan/calendar-archiver/internal/config"
	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/escalation"
	"github.com/p-blackswan/calendar-archiver/internal/health"
	"github.com/p-blackswan/calendar-archiver/internal/metrics"
	"github.com/p-blackswan/calendar-archiver/internal/retry"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

const (
	feedCacheSize = 64
	feedCacheTTL  = time.Hour
)

// app is the wired archiver shared by every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	audit    *audit.Recorder
	queue    *escalation.Queue
	metrics  *metrics.Metrics
	checker  *health.Checker
	archives *config.Archives
	runner   *archive.Runner
}

func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	defs, err := config.LoadArchives(cfg.ArchivesFile)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load archives: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		audit:    audit.NewRecorder(st, logger),
		metrics:  metrics.New(),
		checker:  health.NewChecker(logger),
		archives: defs,
	}

	notifiers := []escalation.Notifier{escalation.NewLogNotifier(logger)}
	if cfg.SlackEnabled() {
		notifiers = append(notifiers, escalation.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackEscalationChannel, logger))
	}
	a.queue = escalation.NewQueue(st, escalation.NewMultiNotifier(notifiers...), logger)

	archiveCal := calendar.NewArchiveCalendar(st, logger)
	fetcher := ics.NewFetcher(&http.Client{Timeout: cfg.CallTimeout}, cfg.ICSCacheDir, logger)
	feeds := ics.NewCache(feedCacheSize, feedCacheTTL)

	sourceFor := func(def config.Archive) (calendar.Source, error) {
		switch def.Source.Kind {
		case config.SourceICS:
			return ics.NewSource(def.Source.URL, fetcher, feeds, logger), nil
		case config.SourceArchive:
			return archiveCal, nil
		default:
			return nil, fmt.Errorf("source kind %q: %w", def.Source.Kind, perrors.ErrInvalidInput)
		}
	}

	guardCfg := calendar.GuardConfig{
		Retry: retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      true,
		},
		CallTimeout:      cfg.CallTimeout,
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
	}

	a.runner = archive.New(st, a.audit, archiveCal, archive.Config{
		MaxRunDuration:            cfg.MaxRunDuration,
		MergeTolerance:            cfg.MergeTolerance,
		WriteBatchSize:            cfg.WriteBatchSize,
		MaxOccurrencesPerTemplate: cfg.MaxOccurrencesPerTemplate,
	}, logger,
		archive.WithSource(archiveCal),
		archive.WithArchives(defs, sourceFor),
		archive.WithGuards(
			calendar.NewGuard("source", guardCfg, logger),
			calendar.NewGuard("destination", guardCfg, logger),
		),
		archive.WithEscalations(a.queue),
		archive.WithMetrics(a.metrics),
	)

	a.metrics.WatchStoreSize(st.DBSizeBytes)

	a.checker.Register("store", health.PingCheck(st, logger))
	a.checker.Register("source_breaker", health.BreakerCheck(a.runner.SourceBreakerState))
	a.checker.Register("destination_breaker", health.BreakerCheck(a.runner.DestinationBreakerState))

	logger.Info().
		Str("db", cfg.DBPath).
		Int("archives", defs.Len()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("archiver initialized")

	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
