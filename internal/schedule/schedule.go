// Package schedule holds the canonical model of a scheduled calendar item and the
// interval arithmetic the archive pipeline relies on.
package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Availability is how an item blocks the owner's time.
type Availability string

const (
	AvailabilityFree        Availability = "free"
	AvailabilityTentative   Availability = "tentative"
	AvailabilityBusy        Availability = "busy"
	AvailabilityOutOfOffice Availability = "oof"
)

// Confirmed reports whether the item is a firm commitment (Busy or OutOfOffice).
func (a Availability) Confirmed() bool {
	return a == AvailabilityBusy || a == AvailabilityOutOfOffice
}

// Valid reports whether a is a known availability.
func (a Availability) Valid() bool {
	switch a {
	case AvailabilityFree, AvailabilityTentative, AvailabilityBusy, AvailabilityOutOfOffice:
		return true
	}
	return false
}

// Priority is the importance an organizer attached to an item.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities: High > Normal > Low. Unknown values rank as Normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	default:
		return 1
	}
}

// Sensitivity mirrors the calendar CLASS / sensitivity flag.
type Sensitivity string

const (
	SensitivityNormal       Sensitivity = "normal"
	SensitivityPersonal     Sensitivity = "personal"
	SensitivityPrivate      Sensitivity = "private"
	SensitivityConfidential Sensitivity = "confidential"
)

// Scope identifies one user's calendar.
type Scope struct {
	User     string `json:"user" yaml:"user"`
	Calendar string `json:"calendar" yaml:"calendar"`
}

// Key returns a stable string form of the scope.
func (s Scope) Key() string {
	return s.User + "/" + s.Calendar
}

func (s Scope) String() string { return s.Key() }

// Validate checks that both parts of the scope are set.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.User) == "" {
		return fmt.Errorf("scope: user is empty")
	}
	if strings.TrimSpace(s.Calendar) == "" {
		return fmt.Errorf("scope: calendar is empty")
	}
	return nil
}

// Exception overrides one generated instance of a recurring item. The instance is
// identified by the start the rule would have produced for it.
type Exception struct {
	OriginalStart time.Time `json:"original_start"`
	Cancelled     bool      `json:"cancelled,omitempty"`

	// Override fields; zero values keep the template's value.
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`
	Subject string    `json:"subject,omitempty"`
	// Categories replaces the template's categories when non-nil.
	Categories []string `json:"categories,omitempty"`
}

// Recurrence is an RFC 5545 rule plus its ordered per-instance exceptions.
// TZID names the zone the rule's wall-clock times are generated in; empty
// means UTC.
type Recurrence struct {
	Rule       string      `json:"rule"`
	TZID       string      `json:"tzid,omitempty"`
	Exceptions []Exception `json:"exceptions,omitempty"`
}

// Location resolves TZID.
func (r Recurrence) Location() (*time.Location, error) {
	if r.TZID == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.TZID)
}

// ScheduledItem is the unit of work of the archive pipeline.
type ScheduledItem struct {
	// SourceID is empty for items that have not been written anywhere yet.
	SourceID string `json:"source_id,omitempty"`
	Scope    Scope  `json:"scope"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Subject      string       `json:"subject"`
	Categories   []string     `json:"categories"`
	Availability Availability `json:"availability"`
	Priority     Priority     `json:"priority"`
	Sensitivity  Sensitivity  `json:"sensitivity"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`

	IsPrivate  bool `json:"is_private"`
	IsArchived bool `json:"is_archived"`
}

// Interval returns the item's [start, end) interval.
func (it ScheduledItem) Interval() Interval {
	return Interval{Start: it.Start, End: it.End}
}

// IsRecurring reports whether the item is a recurrence template.
func (it ScheduledItem) IsRecurring() bool {
	return it.Recurrence != nil && strings.TrimSpace(it.Recurrence.Rule) != ""
}

// Clone returns a deep copy so stages never share mutable slices.
func (it ScheduledItem) Clone() ScheduledItem {
	out := it
	out.Categories = slices.Clone(it.Categories)
	if it.Recurrence != nil {
		rec := Recurrence{Rule: it.Recurrence.Rule, TZID: it.Recurrence.TZID}
		for _, ex := range it.Recurrence.Exceptions {
			ex.Categories = slices.Clone(ex.Categories)
			rec.Exceptions = append(rec.Exceptions, ex)
		}
		out.Recurrence = &rec
	}
	return out
}

// Normalize converts times to UTC and fills enum defaults.
func (it ScheduledItem) Normalize() ScheduledItem {
	out := it.Clone()
	out.Start = out.Start.UTC()
	out.End = out.End.UTC()
	if out.Availability == "" {
		out.Availability = AvailabilityBusy
	}
	if out.Priority == "" {
		out.Priority = PriorityNormal
	}
	if out.Sensitivity == "" {
		out.Sensitivity = SensitivityNormal
	}
	if out.Categories == nil {
		out.Categories = []string{}
	}
	return out
}

// Validate checks the item's invariants.
func (it ScheduledItem) Validate() error {
	if err := it.Scope.Validate(); err != nil {
		return err
	}
	if err := it.Interval().Validate(); err != nil {
		return fmt.Errorf("item %q: %w", it.Subject, err)
	}
	if it.Availability != "" && !it.Availability.Valid() {
		return fmt.Errorf("item %q: unknown availability %q", it.Subject, it.Availability)
	}
	return nil
}

// DedupeKey identifies an item by scope, start and normalized subject. It is used
// to recognize already-archived items that carry no source identity.
func (it ScheduledItem) DedupeKey() string {
	return DedupeKey(it.Scope, it.Start, it.Subject)
}

// DedupeKey builds the scope+start+subject key.
func DedupeKey(scope Scope, start time.Time, subject string) string {
	return fmt.Sprintf("%s|%s|%s",
		scope.Key(),
		start.UTC().Format(time.RFC3339),
		NormalizeSubject(subject),
	)
}

// NormalizeSubject lower-cases and collapses whitespace for comparisons.
func NormalizeSubject(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// SameCategories compares two category lists ignoring order and case.
func SameCategories(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	na := normalizeCategories(a)
	nb := normalizeCategories(b)
	return slices.Equal(na, nb)
}

func normalizeCategories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(c)))
	}
	slices.Sort(out)
	return out
}
