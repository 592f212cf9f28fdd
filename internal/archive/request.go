package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/p-blackswan/calendar-archiver/internal/calendar"
	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

// Mode selects how a run treats items already in the destination window.
type Mode string

const (
	// ModeAppend writes only items not yet archived. Archived items are never touched.
	ModeAppend Mode = "append"
	// ModeReplace clears the destination window and rewrites it.
	ModeReplace Mode = "replace"
)

// ParseMode parses a mode name; empty means ModeAppend.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAppend:
		return ModeAppend, nil
	case ModeReplace:
		return ModeReplace, nil
	}
	return "", fmt.Errorf("unknown mode %q: %w", s, perrors.ErrInvalidInput)
}

// Request asks for one archive run.
type Request struct {
	User                string          `json:"user"`
	SourceCalendar      string          `json:"source_calendar"`
	DestinationCalendar string          `json:"destination_calendar"`
	Window              schedule.Window `json:"window"`
	Mode                Mode            `json:"mode"`
	// AllowOverlaps archives every item, overlaps included, without resolution.
	AllowOverlaps bool `json:"allow_overlaps"`
	// MergeTolerance overrides the runner's adjacency tolerance when non-zero.
	MergeTolerance time.Duration `json:"merge_tolerance,omitempty"`

	// Source overrides the runner's default source calendar.
	Source calendar.Source `json:"-"`
}

// SourceScope is the calendar the run reads.
func (r Request) SourceScope() schedule.Scope {
	return schedule.Scope{User: r.User, Calendar: r.SourceCalendar}
}

// DestinationScope is the calendar the run writes.
func (r Request) DestinationScope() schedule.Scope {
	return schedule.Scope{User: r.User, Calendar: r.DestinationCalendar}
}

// Key is the run lock key of the request.
func (r Request) Key() string {
	return RunKey(r.User, r.SourceCalendar, r.Window)
}

// RunKey builds the lock key for (user, source calendar, window).
func RunKey(user, sourceCalendar string, w schedule.Window) string {
	return store.RunKey(user, sourceCalendar, w.Start.UnixMilli(), w.End.UnixMilli())
}

func (r Request) normalize() (Request, error) {
	r.User = strings.TrimSpace(r.User)
	r.SourceCalendar = strings.TrimSpace(r.SourceCalendar)
	r.DestinationCalendar = strings.TrimSpace(r.DestinationCalendar)
	r.Window = r.Window.UTC()

	mode, err := ParseMode(string(r.Mode))
	if err != nil {
		return r, err
	}
	r.Mode = mode

	if err := r.SourceScope().Validate(); err != nil {
		return r, fmt.Errorf("source %w: %w", err, perrors.ErrInvalidInput)
	}
	if err := r.DestinationScope().Validate(); err != nil {
		return r, fmt.Errorf("destination %w: %w", err, perrors.ErrInvalidInput)
	}
	if r.SourceCalendar == r.DestinationCalendar {
		return r, fmt.Errorf("source and destination are both %q: %w", r.SourceCalendar, perrors.ErrInvalidInput)
	}
	if err := r.Window.Validate(); err != nil {
		return r, fmt.Errorf("%w: %w", err, perrors.ErrInvalidInput)
	}
	return r, nil
}

// Result is the structured outcome of a run returned to callers and stored on the
// run record.
type Result struct {
	RunKey        string         `json:"run_key"`
	CorrelationID string         `json:"correlation_id"`
	Mode          Mode           `json:"mode"`
	State         store.RunState `json:"state"`
	Detail        string         `json:"detail,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempt       int            `json:"attempt"`
	Resumed       bool           `json:"resumed"`
	TookOverStale bool           `json:"took_over_stale,omitempty"`

	Fetched         int `json:"fetched"`
	Templates       int `json:"templates"`
	TemplateErrors  int `json:"template_errors"`
	Expanded        int `json:"expanded"`
	Merged          int `json:"merged"`
	MergeSkipped    int `json:"merge_skipped"`
	Duplicates      int `json:"duplicates"`
	Groups          int `json:"groups"`
	Superseded      int `json:"superseded"`
	Escalated       int `json:"escalated"`
	EscalationFails int `json:"escalation_failures"`
	Planned         int `json:"planned"`
	AlreadyArchived int `json:"already_archived"`
	Deleted         int `json:"deleted"`
	Archived        int `json:"archived"`
	Failed          int `json:"failed"`

	// AuditFailures counts trail entries of this run that could not be written.
	AuditFailures int `json:"audit_failures"`
}

// Retryable reports whether running the same request again can make progress.
func (r *Result) Retryable() bool {
	return r.State.Resumable()
}
