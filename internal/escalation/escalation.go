// Package escalation hands unresolved overlap groups to a human resolution path.
// Tasks are queued in the store, idempotently per run key and group, and mirrored
// to notifiers such as Slack.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

// Task is a pending resolution task carrying a snapshot of the full conflicting group.
type Task struct {
	ID            string                `json:"id"`
	RunKey        string                `json:"run_key"`
	Fingerprint   string                `json:"fingerprint"`
	CorrelationID string                `json:"correlation_id"`
	Scope         schedule.Scope        `json:"scope"`
	Span          schedule.Interval     `json:"span"`
	Members       []schedule.Occurrence `json:"members"`
	// Reason explains why automatic resolution stopped.
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink accepts pending tasks.
type Sink interface {
	Enqueue(ctx context.Context, t Task) error
}

// Notifier tells a human about a newly queued task.
type Notifier interface {
	Notify(ctx context.Context, t Task) error
}

// NotifyError means the task was queued but a notifier failed.
type NotifyError struct {
	TaskID string
	Err    error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("escalation %s queued but notification failed: %v", e.TaskID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// QueueStore is the persistence behind Queue.
type QueueStore interface {
	EnqueueEscalation(e *store.Escalation) (bool, error)
	ListEscalations(f store.EscalationFilter) ([]*store.Escalation, error)
}

// Queue is the store-backed Sink.
type Queue struct {
	store    QueueStore
	notifier Notifier
	logger   zerolog.Logger
}

// NewQueue creates a Queue. notifier may be nil.
func NewQueue(st QueueStore, notifier Notifier, logger zerolog.Logger) *Queue {
	return &Queue{
		store:    st,
		notifier: notifier,
		logger:   logger.With().Str("component", "escalation").Logger(),
	}
}

// Enqueue stores t unless the same group was already escalated for the same run
// key, then notifies. Re-enqueueing a known group is a silent no-op.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode escalation snapshot: %w", err)
	}

	created, err := q.store.EnqueueEscalation(&store.Escalation{
		ID:            t.ID,
		RunKey:        t.RunKey,
		Fingerprint:   t.Fingerprint,
		CorrelationID: t.CorrelationID,
		User:          t.Scope.User,
		Calendar:      t.Scope.Calendar,
		SpanStart:     t.Span.Start.UnixMilli(),
		SpanEnd:       t.Span.End.UnixMilli(),
		Snapshot:      string(snapshot),
		CreatedAt:     t.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if !created {
		q.logger.Debug().Str("fingerprint", t.Fingerprint).Str("run_key", t.RunKey).Msg("Escalation already queued")
		return nil
	}

	q.logger.Info().
		Str("task_id", t.ID).
		Str("scope", t.Scope.Key()).
		Int("members", len(t.Members)).
		Str("correlation_id", t.CorrelationID).
		Msg("Escalation queued")

	if q.notifier == nil {
		return nil
	}
	if err := q.notifier.Notify(ctx, t); err != nil {
		q.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Escalation notification failed")
		return &NotifyError{TaskID: t.ID, Err: err}
	}
	return nil
}

// Pending returns queued tasks, optionally for one user, oldest first.
func (q *Queue) Pending(user string, limit int) ([]Task, error) {
	rows, err := q.store.ListEscalations(store.EscalationFilter{User: user, Status: store.EscalationPending, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		var t Task
		if err := json.Unmarshal([]byte(row.Snapshot), &t); err != nil {
			return nil, fmt.Errorf("failed to decode escalation %s: %w", row.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// MultiNotifier fans out to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

func (m *MultiNotifier) Notify(ctx context.Context, t Task) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, t); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LogNotifier logs escalations (useful for testing/dev).
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "escalation_log").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, t Task) error {
	l.logger.Warn().
		Str("task_id", t.ID).
		Str("scope", t.Scope.Key()).
		Time("span_start", t.Span.Start).
		Time("span_end", t.Span.End).
		Int("members", len(t.Members)).
		Str("reason", t.Reason).
		Str("correlation_id", t.CorrelationID).
		Msg("unresolved overlap escalated")
	return nil
}
