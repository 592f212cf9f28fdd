// Package archive orchestrates archive runs: it mirrors a working calendar window
// into the archive calendar through expansion, merge, overlap resolution and an
// idempotent, resumable write.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/audit"
	"github.com/p-blackswan/calendar-archiver/internal/calendar"
	"github.com/p-blackswan/calendar-archiver/internal/config"
	"github.com/p-blackswan/calendar-archiver/internal/correlation"
	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/escalation"
	"github.com/p-blackswan/calendar-archiver/internal/metrics"
	"github.com/p-blackswan/calendar-archiver/internal/recurrence"
	"github.com/p-blackswan/calendar-archiver/internal/resolve"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

const actionType = "archive_run"

// Run details
const (
	DetailCancelled = "cancelled"
	DetailLockLost  = "lock_lost"
)

// RunStore persists run records, their progress and the run lock.
type RunStore interface {
	AcquireRun(r *store.ArchiveRun, staleAfter time.Duration) (*store.Acquisition, error)
	GetRun(key string) (*store.ArchiveRun, error)
	ListRuns(f store.RunFilter) ([]*store.ArchiveRun, error)
	Heartbeat(key, correlationID string) error
	RequestCancel(key string) (bool, error)
	CancelRequested(key, correlationID string) (bool, error)
	MarkReplaceDeleted(key, correlationID string) error
	FinishRun(key, correlationID string, state store.RunState, detail, result, errMsg string) error
	FailStaleRuns(staleAfter time.Duration) ([]*store.ArchiveRun, error)
	RecordWrites(key string, itemKeys []string) error
	WrittenKeys(key string) (map[string]bool, error)
}

// Config tunes the runner.
type Config struct {
	// MaxRunDuration is how long a Running record may go without a heartbeat before
	// it is treated as stale.
	MaxRunDuration time.Duration
	// MergeTolerance is the default adjacency tolerance; zero means the merger default.
	MergeTolerance time.Duration
	// WriteBatchSize is the number of items per destination write call.
	WriteBatchSize int
	// MaxOccurrencesPerTemplate caps recurrence expansion.
	MaxOccurrencesPerTemplate int
}

// DefaultConfig returns the defaults used by the archiver binary.
func DefaultConfig() Config {
	return Config{
		MaxRunDuration:            30 * time.Minute,
		WriteBatchSize:            25,
		MaxOccurrencesPerTemplate: 5000,
	}
}

// SourceFactory builds the source calendar of a named archive definition.
type SourceFactory func(def config.Archive) (calendar.Source, error)

// Runner executes archive runs.
type Runner struct {
	store       RunStore
	audit       *audit.Recorder
	source      calendar.Source
	destination calendar.Destination
	srcGuard    *calendar.Guard
	dstGuard    *calendar.Guard
	escalations escalation.Sink
	resolver    *resolve.Resolver
	expander    *recurrence.Expander
	metrics     *metrics.Metrics
	archives    *config.Archives
	sourceFor   SourceFactory
	cfg         Config
	logger      zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithSource sets the default source calendar.
func WithSource(src calendar.Source) Option {
	return func(r *Runner) { r.source = src }
}

// WithGuards sets the guards wrapping source and destination calls.
func WithGuards(src, dst *calendar.Guard) Option {
	return func(r *Runner) {
		r.srcGuard = src
		r.dstGuard = dst
	}
}

// WithEscalations sets the sink for unresolved overlap groups.
func WithEscalations(sink escalation.Sink) Option {
	return func(r *Runner) { r.escalations = sink }
}

// WithResolver replaces the default resolver, e.g. to add tie-break stages.
func WithResolver(res *resolve.Resolver) Option {
	return func(r *Runner) { r.resolver = res }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithArchives enables RunNamed with archive definitions and a source factory.
func WithArchives(defs *config.Archives, sourceFor SourceFactory) Option {
	return func(r *Runner) {
		r.archives = defs
		r.sourceFor = sourceFor
	}
}

// New creates a Runner writing into dst.
func New(st RunStore, rec *audit.Recorder, dst calendar.Destination, cfg Config, logger zerolog.Logger, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.MaxRunDuration <= 0 {
		cfg.MaxRunDuration = def.MaxRunDuration
	}
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = def.WriteBatchSize
	}
	if cfg.MaxOccurrencesPerTemplate <= 0 {
		cfg.MaxOccurrencesPerTemplate = def.MaxOccurrencesPerTemplate
	}

	r := &Runner{
		store:       st,
		audit:       rec,
		destination: dst,
		resolver:    resolve.New(),
		cfg:         cfg,
		logger:      logger.With().Str("component", "archive").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.srcGuard == nil {
		r.srcGuard = calendar.NewGuard("source", calendar.GuardConfig{}, logger)
	}
	if r.dstGuard == nil {
		r.dstGuard = calendar.NewGuard("destination", calendar.GuardConfig{}, logger)
	}
	r.expander = recurrence.NewExpander(recurrence.Options{MaxOccurrences: cfg.MaxOccurrencesPerTemplate})
	return r
}

// SourceBreakerState reports the source guard's breaker state.
func (r *Runner) SourceBreakerState() string { return r.srcGuard.State() }

// DestinationBreakerState reports the destination guard's breaker state.
func (r *Runner) DestinationBreakerState() string { return r.dstGuard.State() }

// Run executes one archive run. It returns a *perrors.LockContentionError when the
// same (user, source, window) is already running. Once the lock is taken a Result
// is always returned; the error reports why the run did not complete.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	src := req.Source
	if src == nil {
		src = r.source
	}
	if src == nil {
		return nil, fmt.Errorf("no source calendar configured for %s: %w", req.SourceScope(), perrors.ErrInvalidInput)
	}

	ctx, corr := correlation.Ensure(ctx)
	key := req.Key()
	logger := correlation.Logger(ctx, r.logger).With().
		Str("user", req.User).
		Str("source", req.SourceCalendar).
		Str("run_key", key).
		Logger()

	lock := r.audit.Start(ctx, req.User, actionType, "lock").Resource("archive_run", key)
	row := &store.ArchiveRun{
		Key:                 key,
		User:                req.User,
		SourceCalendar:      req.SourceCalendar,
		DestinationCalendar: req.DestinationCalendar,
		WindowStart:         req.Window.Start.UnixMilli(),
		WindowEnd:           req.Window.End.UnixMilli(),
		Mode:                string(req.Mode),
		CorrelationID:       corr,
	}
	acq, err := r.store.AcquireRun(row, r.cfg.MaxRunDuration)
	if err != nil {
		details := map[string]any{"error": err.Error()}
		var lockErr *perrors.LockContentionError
		if errors.As(err, &lockErr) {
			details["holder_correlation_id"] = lockErr.CorrelationID
			if r.metrics != nil {
				r.metrics.RecordLockContention()
			}
			logger.Warn().Str("holder", lockErr.CorrelationID).Msg("Archive run rejected: already running")
		}
		r.audited(lock.End(ctx, audit.StatusFailure, details))
		return nil, err
	}
	lockAuditFailed := r.audited(lock.End(ctx, audit.StatusSuccess, map[string]any{
		"attempt":         row.Attempts,
		"resumed":         acq.Resumed,
		"took_over_stale": acq.TookOverStale,
		"mode":            string(req.Mode),
		"window":          req.Window.String(),
	}))

	x := &execution{
		runner:         r,
		req:            req,
		src:            src,
		key:            key,
		corr:           corr,
		resumed:        acq.Resumed,
		replaceDeleted: row.ReplaceDeleted,
		logger:         logger,
		res: &Result{
			RunKey:        key,
			CorrelationID: corr,
			Mode:          req.Mode,
			Attempt:       row.Attempts,
			Resumed:       acq.Resumed,
			TookOverStale: acq.TookOverStale,
		},
	}
	if lockAuditFailed {
		x.res.AuditFailures++
	}
	logger.Info().Int("attempt", row.Attempts).Bool("resumed", acq.Resumed).Str("mode", string(req.Mode)).Msg("Archive run started")

	runErr := x.execute(ctx)
	return r.finish(ctx, x, runErr)
}

// RunNamed resolves (user, name) through the archive definitions and runs it.
func (r *Runner) RunNamed(ctx context.Context, user, name string, w schedule.Window) (*Result, error) {
	if r.archives == nil {
		return nil, fmt.Errorf("archive %s/%s: %w", user, name, perrors.ErrNotFound)
	}
	def, err := r.archives.Resolve(user, name)
	if err != nil {
		return nil, err
	}
	req := Request{
		User:                def.User,
		SourceCalendar:      def.Source.Calendar,
		DestinationCalendar: def.Destination,
		Window:              w,
		Mode:                Mode(def.Mode),
		AllowOverlaps:       def.AllowOverlaps,
		MergeTolerance:      def.MergeTolerance,
	}
	if r.sourceFor != nil {
		src, err := r.sourceFor(def)
		if err != nil {
			return nil, fmt.Errorf("archive %s/%s: building source: %w", user, name, err)
		}
		req.Source = src
	}
	return r.Run(ctx, req)
}

// RunStatus is a run record with its decoded result.
type RunStatus struct {
	*store.ArchiveRun
	Result *Result
}

// State returns the run record for (user, source calendar, window).
func (r *Runner) State(user, sourceCalendar string, w schedule.Window) (*RunStatus, error) {
	return r.StateByKey(RunKey(user, sourceCalendar, w.UTC()))
}

// StateByKey returns the run record for a run key.
func (r *Runner) StateByKey(key string) (*RunStatus, error) {
	row, err := r.store.GetRun(key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("run %s: %w", key, perrors.ErrNotFound)
	}
	st := &RunStatus{ArchiveRun: row}
	if row.Result != "" {
		var res Result
		if err := json.Unmarshal([]byte(row.Result), &res); err != nil {
			return nil, fmt.Errorf("failed to decode run result: %w", err)
		}
		st.Result = &res
	}
	return st, nil
}

// Runs lists run records.
func (r *Runner) Runs(f store.RunFilter) ([]*store.ArchiveRun, error) {
	return r.store.ListRuns(f)
}

// Cancel asks a running run to stop at its next phase boundary.
func (r *Runner) Cancel(ctx context.Context, user, sourceCalendar string, w schedule.Window) error {
	key := RunKey(user, sourceCalendar, w.UTC())
	found, err := r.store.RequestCancel(key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no running run %s: %w", key, perrors.ErrNotFound)
	}
	// The request joins the trail of the run it stops.
	entry := audit.Entry{
		User:         user,
		ActionType:   actionType,
		Operation:    "cancel_request",
		ResourceType: "archive_run",
		ResourceID:   key,
		Status:       audit.StatusSuccess,
	}
	if run, err := r.store.GetRun(key); err == nil && run != nil {
		entry.CorrelationID = run.CorrelationID
	}
	r.audited(r.audit.Record(ctx, entry))
	r.logger.Info().Str("run_key", key).Msg("Cancellation requested")
	return nil
}

// RecoverStale fails every Running record whose heartbeat is older than the maximum
// run duration, so the lock can be taken again.
func (r *Runner) RecoverStale(ctx context.Context) ([]*store.ArchiveRun, error) {
	stale, err := r.store.FailStaleRuns(r.cfg.MaxRunDuration)
	if err != nil {
		return nil, err
	}
	for _, run := range stale {
		r.audited(r.audit.Record(ctx, audit.Entry{
			User:          run.User,
			ActionType:    actionType,
			Operation:     "recover",
			ResourceType:  "archive_run",
			ResourceID:    run.Key,
			Status:        audit.StatusFailure,
			CorrelationID: run.CorrelationID,
			Details: map[string]any{
				"detail":       store.DetailStaleLock,
				"heartbeat_at": time.UnixMilli(run.HeartbeatAt).UTC().Format(time.RFC3339),
			},
		}))
		if r.metrics != nil {
			r.metrics.RecordRun(run.Mode, string(store.RunFailed))
		}
		r.logger.Warn().Str("run_key", run.Key).Str("correlation_id", run.CorrelationID).Msg("Stale archive run failed")
	}
	return stale, nil
}

// finish releases the lock with the final state and writes the closing entry.
func (r *Runner) finish(ctx context.Context, x *execution, runErr error) (*Result, error) {
	res := x.res
	switch {
	case runErr == nil:
		res.State = store.RunCompleted
	case errors.Is(runErr, perrors.ErrCancelled):
		res.State = store.RunFailed
		res.Detail = DetailCancelled
	case errors.Is(runErr, store.ErrRunNotHeld):
		res.State = store.RunFailed
		res.Detail = DetailLockLost
	case x.hasWrites():
		res.State = store.RunPartiallyCompleted
	default:
		res.State = store.RunFailed
	}
	if runErr != nil {
		res.Error = runErr.Error()
		if res.Detail == "" {
			res.Detail = x.failedPhase
		}
	}

	// The closing writes must happen even when ctx was cancelled.
	ctx = context.WithoutCancel(ctx)

	status := audit.StatusSuccess
	switch res.State {
	case store.RunFailed:
		status = audit.StatusFailure
	case store.RunPartiallyCompleted:
		status = audit.StatusPartial
	}
	// Written ahead of the run record so its own failure is counted there.
	x.audited(r.audit.Record(ctx, audit.Entry{
		User:         x.req.User,
		ActionType:   actionType,
		Operation:    "complete",
		ResourceType: "archive_run",
		ResourceID:   x.key,
		Status:       status,
		Details:      resultDetails(res),
	}))

	raw, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("failed to encode run result: %w", err)
	}
	if err := r.store.FinishRun(x.key, x.corr, res.State, res.Detail, string(raw), res.Error); err != nil {
		if errors.Is(err, store.ErrRunNotHeld) {
			x.logger.Warn().Msg("Run lock was taken over before finish")
		} else {
			x.logger.Error().Err(err).Msg("Failed to release archive run")
			if runErr == nil {
				runErr = err
			}
		}
	}

	if r.metrics != nil {
		r.metrics.RecordRun(string(res.Mode), string(res.State))
		r.metrics.AddItems("fetched", res.Fetched)
		r.metrics.AddItems("merged", res.Merged)
		r.metrics.AddItems("superseded", res.Superseded)
		r.metrics.AddItems("already_archived", res.AlreadyArchived)
		r.metrics.AddItems("archived", res.Archived)
		r.metrics.AddItems("failed", res.Failed)
	}

	ev := x.logger.Info()
	if runErr != nil {
		ev = x.logger.Warn().Err(runErr)
	}
	ev.Str("state", string(res.State)).
		Int("archived", res.Archived).
		Int("audit_failures", res.AuditFailures).
		Int("escalated", res.Escalated).
		Msg("Archive run finished")

	return res, runErr
}

// audited reports whether an audit write failed. The recorder has already logged it.
func (r *Runner) audited(_ audit.Entry, err error) bool {
	if err == nil {
		return false
	}
	if r.metrics != nil {
		r.metrics.RecordAuditFailure()
	}
	return true
}

func resultDetails(res *Result) map[string]any {
	raw, _ := json.Marshal(res)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
