package schedule

import (
	"cmp"
	"slices"
	"time"
)

// Occurrence is one concrete, time-bounded instance of a possibly recurring item.
// Non-recurring items become occurrences with an empty TemplateID.
type Occurrence struct {
	ScheduledItem

	// TemplateID is the SourceID of the recurring template this was expanded from.
	TemplateID string `json:"template_id,omitempty"`
	// OccurrenceStart is the start the recurrence rule generated, before overrides.
	OccurrenceStart time.Time `json:"occurrence_start"`
}

// Single wraps a non-recurring item as an occurrence.
func Single(it ScheduledItem) Occurrence {
	return Occurrence{ScheduledItem: it.Clone(), OccurrenceStart: it.Start}
}

// InstanceID derives the source identity of an expanded instance.
func InstanceID(templateID string, originalStart time.Time) string {
	if templateID == "" {
		return ""
	}
	return templateID + "_" + originalStart.UTC().Format("20060102T150405Z")
}

// Key is the identity used for matching and ordering: the source id when present,
// otherwise the dedupe key.
func (o Occurrence) Key() string {
	if o.SourceID != "" {
		return o.SourceID
	}
	return o.DedupeKey()
}

// Clone deep-copies the occurrence.
func (o Occurrence) Clone() Occurrence {
	o.ScheduledItem = o.ScheduledItem.Clone()
	return o
}

// Compare orders occurrences by start, then end, then key, giving a total order
// that does not depend on input order.
func Compare(a, b Occurrence) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	if c := a.End.Compare(b.End); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Key(), b.Key()); c != 0 {
		return c
	}
	return cmp.Compare(a.Subject, b.Subject)
}

// Sort orders occurrences in place by Compare.
func Sort(occs []Occurrence) {
	slices.SortStableFunc(occs, Compare)
}

// CloneAll deep-copies a slice of occurrences.
func CloneAll(occs []Occurrence) []Occurrence {
	out := make([]Occurrence, len(occs))
	for i, o := range occs {
		out[i] = o.Clone()
	}
	return out
}
