// Package overlap groups occurrences whose half-open intervals intersect, directly or
// transitively, within one user+calendar scope.
package overlap

import (
	"cmp"
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// Group is a connected component of the interval intersection graph with at least
// two members. It is never persisted.
type Group struct {
	Scope   schedule.Scope
	Members []schedule.Occurrence
	Span    schedule.Interval
}

// Keys returns the member keys in member order.
func (g Group) Keys() []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.Key()
	}
	return out
}

// Fingerprint identifies the group by scope and member identity+interval. The same
// conflicting data yields the same fingerprint across runs.
func (g Group) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(g.Scope.Key()))
	for _, m := range g.Members {
		h.Write([]byte{0})
		h.Write([]byte(m.Key()))
		h.Write([]byte{0})
		h.Write([]byte(m.Start.UTC().Format(time.RFC3339)))
		h.Write([]byte{0})
		h.Write([]byte(m.End.UTC().Format(time.RFC3339)))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Detect returns the overlap groups of occs. Singletons and Free items are excluded.
func Detect(occs []schedule.Occurrence) []Group {
	groups, _ := Partition(occs)
	return groups
}

// Partition splits occs into overlap groups and independent singles. Free items
// never block or get blocked and are always returned as singles. Output order is
// deterministic: groups by scope then span start, singles by Compare.
func Partition(occs []schedule.Occurrence) ([]Group, []schedule.Occurrence) {
	byScope := make(map[schedule.Scope][]schedule.Occurrence)
	var singles []schedule.Occurrence
	for _, o := range occs {
		if o.Availability == schedule.AvailabilityFree {
			singles = append(singles, o.Clone())
			continue
		}
		byScope[o.Scope] = append(byScope[o.Scope], o.Clone())
	}

	scopes := make([]schedule.Scope, 0, len(byScope))
	for s := range byScope {
		scopes = append(scopes, s)
	}
	slices.SortFunc(scopes, func(a, b schedule.Scope) int {
		return strings.Compare(a.Key(), b.Key())
	})

	var groups []Group
	for _, s := range scopes {
		g, single := sweep(s, byScope[s])
		groups = append(groups, g...)
		singles = append(singles, single...)
	}
	schedule.Sort(singles)
	return groups, singles
}

// sweep walks one scope in start order keeping the ends of the active (still open)
// intervals in a min-heap. Every active interval belongs to the current component:
// a new non-empty interval overlaps all of them. A zero-duration marker at p only
// overlaps intervals with start < p < end; since markers sort ahead of non-empty
// intervals with the same start, any active interval qualifies.
func sweep(scope schedule.Scope, occs []schedule.Occurrence) ([]Group, []schedule.Occurrence) {
	schedule.Sort(occs)

	var (
		groups  []Group
		singles []schedule.Occurrence
		current []schedule.Occurrence
		active  endHeap
	)

	flush := func() {
		switch len(current) {
		case 0:
		case 1:
			singles = append(singles, current[0])
		default:
			groups = append(groups, newGroup(scope, current))
		}
		current = nil
	}

	for _, o := range occs {
		for active.Len() > 0 && !active[0].After(o.Start) {
			heap.Pop(&active)
		}
		if active.Len() == 0 {
			flush()
		}

		if o.Interval().IsMarker() {
			if active.Len() == 0 {
				singles = append(singles, o)
			} else {
				current = append(current, o)
			}
			continue
		}
		current = append(current, o)
		heap.Push(&active, o.End)
	}
	flush()
	return groups, singles
}

func newGroup(scope schedule.Scope, members []schedule.Occurrence) Group {
	schedule.Sort(members)
	span := members[0].Interval()
	for _, m := range members[1:] {
		if m.End.After(span.End) {
			span.End = m.End
		}
	}
	return Group{Scope: scope, Members: members, Span: span}
}

// CompareGroups orders groups by scope key, then span, then fingerprint.
func CompareGroups(a, b Group) int {
	if c := strings.Compare(a.Scope.Key(), b.Scope.Key()); c != 0 {
		return c
	}
	if c := a.Span.Start.Compare(b.Span.Start); c != 0 {
		return c
	}
	if c := a.Span.End.Compare(b.Span.End); c != 0 {
		return c
	}
	return cmp.Compare(a.Fingerprint(), b.Fingerprint())
}

type endHeap []time.Time

func (h endHeap) Len() int           { return len(h) }
func (h endHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h endHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *endHeap) Push(x any) { *h = append(*h, x.(time.Time)) }

func (h *endHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
