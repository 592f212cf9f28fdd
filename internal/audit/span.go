package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Span is a phase whose entry is written when it ends. Its id is allocated up front
// so sub-operations can link to it via ParentID while the phase is running.
type Span struct {
	r     *Recorder
	entry Entry
	start time.Time
}

// Start opens a span for one phase of a run.
func (r *Recorder) Start(ctx context.Context, user, actionType, operation string) *Span {
	return &Span{
		r: r,
		entry: Entry{
			ID:         uuid.New().String(),
			User:       user,
			ActionType: actionType,
			Operation:  operation,
		},
		start: r.now(),
	}
}

// ID returns the id the span's entry will carry.
func (s *Span) ID() string { return s.entry.ID }

// Resource sets the resource the phase acts on.
func (s *Span) Resource(resourceType, resourceID string) *Span {
	s.entry.ResourceType = resourceType
	s.entry.ResourceID = resourceID
	return s
}

// Child records a sub-operation entry linked to this span.
func (s *Span) Child(ctx context.Context, e Entry) (Entry, error) {
	e.ParentID = s.entry.ID
	if e.User == "" {
		e.User = s.entry.User
	}
	if e.ActionType == "" {
		e.ActionType = s.entry.ActionType
	}
	return s.r.Record(ctx, e)
}

// End writes the span's entry with its duration.
func (s *Span) End(ctx context.Context, status Status, details map[string]any) (Entry, error) {
	e := s.entry
	e.Status = status
	e.Details = details
	e.DurationMs = s.r.now().Sub(s.start).Milliseconds()
	return s.r.Record(ctx, e)
}
