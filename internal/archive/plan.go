package archive

import (
	"time"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// collapseDuplicates drops occurrences identical to an earlier one in scope, start,
// end and normalized subject. The one with the smallest key is kept.
func collapseDuplicates(occs []schedule.Occurrence) ([]schedule.Occurrence, int) {
	type ident struct {
		dedupe string
		end    time.Time
	}
	sorted := schedule.CloneAll(occs)
	schedule.Sort(sorted)

	seen := make(map[ident]bool, len(sorted))
	out := sorted[:0]
	dups := 0
	for _, o := range sorted {
		id := ident{dedupe: o.DedupeKey(), end: o.End.UTC()}
		if seen[id] {
			dups++
			continue
		}
		seen[id] = true
		out = append(out, o)
	}
	return out, dups
}

// archivedIndex answers "is this item already in the destination" by source
// identity or by dedupe key.
type archivedIndex struct {
	sourceIDs  map[string]bool
	dedupeKeys map[string]bool
}

func indexArchived(items []schedule.ScheduledItem) *archivedIndex {
	idx := &archivedIndex{
		sourceIDs:  make(map[string]bool, len(items)),
		dedupeKeys: make(map[string]bool, len(items)),
	}
	for _, it := range items {
		if it.SourceID != "" {
			idx.sourceIDs[it.SourceID] = true
		}
		idx.dedupeKeys[it.DedupeKey()] = true
	}
	return idx
}

// has expects it to be scoped to the destination already.
func (idx *archivedIndex) has(it schedule.ScheduledItem) bool {
	if it.SourceID != "" && idx.sourceIDs[it.SourceID] {
		return true
	}
	return idx.dedupeKeys[it.DedupeKey()]
}

// toArchived turns a final occurrence into the item written to the destination.
func toArchived(o schedule.Occurrence, dst schedule.Scope) schedule.ScheduledItem {
	it := o.ScheduledItem.Clone()
	it.Scope = dst
	it.Recurrence = nil
	it.IsArchived = true
	return it
}

// itemKey recomputes the source-side occurrence key of an archived item, the key the
// run progress is recorded under.
func itemKey(it schedule.ScheduledItem, src schedule.Scope) string {
	if it.SourceID != "" {
		return it.SourceID
	}
	return schedule.DedupeKey(src, it.Start, it.Subject)
}
