// Package audit records the immutable, correlation-linked trail of every archive run
// phase and decision.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/correlation"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

// Status is the outcome recorded on an entry.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// Entry is one audit record. Entries are write-once.
type Entry struct {
	ID            string         `json:"id"`
	User          string         `json:"user"`
	ActionType    string         `json:"action_type"`
	Operation     string         `json:"operation"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Status        Status         `json:"status"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	ParentID      string         `json:"parent_id,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Store is the persistence the recorder needs.
type Store interface {
	AppendAudit(e *store.AuditEntry) error
	AuditByCorrelation(correlationID string) ([]*store.AuditEntry, error)
	AuditByUser(f store.AuditFilter) ([]*store.AuditEntry, error)
}

// Recorder writes and queries audit entries.
type Recorder struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(st Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Record persists e. A missing id, correlation id or timestamp is filled in.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = correlation.FromContext(ctx)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	row := &store.AuditEntry{
		ID:            e.ID,
		User:          e.User,
		ActionType:    e.ActionType,
		Operation:     e.Operation,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Status:        string(e.Status),
		CorrelationID: e.CorrelationID,
		ParentID:      e.ParentID,
		DurationMs:    e.DurationMs,
		CreatedAt:     e.CreatedAt.UnixMilli(),
	}
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return e, fmt.Errorf("failed to encode audit details: %w", err)
		}
		row.Details = string(raw)
	}

	if err := r.store.AppendAudit(row); err != nil {
		r.logger.Error().Err(err).Str("operation", e.Operation).Msg("Failed to write audit entry")
		return e, err
	}

	ev := r.logger.Info()
	if e.Status == StatusFailure {
		ev = r.logger.Warn()
	}
	ev.Str("user", e.User).
		Str("operation", e.Operation).
		Str("status", string(e.Status)).
		Str("correlation_id", e.CorrelationID).
		Int64("duration_ms", e.DurationMs).
		Msg("audit event")

	return e, nil
}

// RunTrail returns every entry of one run in the order it was written.
func (r *Recorder) RunTrail(ctx context.Context, correlationID string) ([]Entry, error) {
	rows, err := r.store.AuditByCorrelation(correlationID)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// UserActivity returns a user's entries created in [from, to]. Zero bounds are open.
func (r *Recorder) UserActivity(ctx context.Context, user string, from, to time.Time) ([]Entry, error) {
	f := store.AuditFilter{User: user}
	if !from.IsZero() {
		f.From = from.UnixMilli()
	}
	if !to.IsZero() {
		f.To = to.UnixMilli()
	}
	rows, err := r.store.AuditByUser(f)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func fromRows(rows []*store.AuditEntry) []Entry {
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{
			ID:            row.ID,
			User:          row.User,
			ActionType:    row.ActionType,
			Operation:     row.Operation,
			ResourceType:  row.ResourceType,
			ResourceID:    row.ResourceID,
			Status:        Status(row.Status),
			CorrelationID: row.CorrelationID,
			ParentID:      row.ParentID,
			DurationMs:    row.DurationMs,
			CreatedAt:     time.UnixMilli(row.CreatedAt).UTC(),
		}
		if row.Details != "" {
			// details were encoded by Record; a decode failure keeps the raw text
			if err := json.Unmarshal([]byte(row.Details), &e.Details); err != nil {
				e.Details = map[string]any{"raw": row.Details}
			}
		}
		out = append(out, e)
	}
	return out
}
