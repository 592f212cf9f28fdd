// Package merge folds keyword-tagged modification deltas ("Extension - Client
// Visit") into the occurrence they modify. It runs before overlap detection because
// deltas intentionally overlap or touch their targets.
package merge

import (
	"regexp"
	"strings"
	"time"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// DefaultTolerance is the largest gap between a delta and its target that still
// counts as adjacent.
const DefaultTolerance = 15 * time.Minute

// Kind is the modification a delta describes.
type Kind string

const (
	KindExtension  Kind = "extension"
	KindShortened  Kind = "shortened"
	KindEarlyStart Kind = "early_start"
	KindLateStart  Kind = "late_start"
)

// Reasons a delta is left in the working set unmerged.
const (
	ReasonNoTarget      = "no_target"
	ReasonAmbiguous     = "ambiguous_target"
	ReasonInvalidResult = "invalid_result"
)

var markerRe = regexp.MustCompile(`(?i)^\s*(extension|shortened|early[\s-]?start|late[\s-]?start)\s*[-:–—]\s*(\S.*?)\s*$`)

// ParseMarker splits a delta subject into its kind and the base subject.
func ParseMarker(subject string) (Kind, string, bool) {
	m := markerRe.FindStringSubmatch(subject)
	if m == nil {
		return "", "", false
	}
	word := strings.ToLower(strings.Join(strings.FieldsFunc(m[1], func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t'
	}), ""))
	switch word {
	case "extension":
		return KindExtension, m[2], true
	case "shortened":
		return KindShortened, m[2], true
	case "earlystart":
		return KindEarlyStart, m[2], true
	case "latestart":
		return KindLateStart, m[2], true
	}
	return "", "", false
}

// IsDelta reports whether the occurrence is a modification delta: a marker subject
// on a Low priority item.
func IsDelta(o schedule.Occurrence) bool {
	if o.Priority != schedule.PriorityLow {
		return false
	}
	_, _, ok := ParseMarker(o.Subject)
	return ok
}

// Applied records one successful merge.
type Applied struct {
	Kind      Kind
	Delta     schedule.Occurrence
	TargetKey string
	Before    schedule.Interval
	After     schedule.Interval
}

// Skipped records a delta that stays in the working set as an ordinary item.
type Skipped struct {
	Kind   Kind
	Delta  schedule.Occurrence
	Reason string
	// Candidates holds the keys of the equally plausible targets for ambiguous deltas.
	Candidates []string
}

// Result is the merged working set.
type Result struct {
	Items   []schedule.Occurrence
	Applied []Applied
	Skipped []Skipped
}

// Options configures the merger.
type Options struct {
	Tolerance time.Duration
}

// Merger matches deltas to targets.
type Merger struct {
	tolerance time.Duration
}

// New creates a Merger. A zero tolerance means DefaultTolerance; use a negative value
// to require strict overlap.
func New(opts Options) *Merger {
	tol := opts.Tolerance
	if tol == 0 {
		tol = DefaultTolerance
	}
	if tol < 0 {
		tol = 0
	}
	return &Merger{tolerance: tol}
}

// Tolerance returns the configured adjacency tolerance.
func (m *Merger) Tolerance() time.Duration { return m.tolerance }

// Merge returns a new working set with every matchable delta folded into its target
// and removed. The input slice is not modified.
func (m *Merger) Merge(occs []schedule.Occurrence) Result {
	work := schedule.CloneAll(occs)
	schedule.Sort(work)

	isDelta := make([]bool, len(work))
	for i, o := range work {
		isDelta[i] = IsDelta(o)
	}

	var res Result
	removed := make(map[int]bool)

	for i := range work {
		if !isDelta[i] {
			continue
		}
		delta := work[i]
		kind, base, _ := ParseMarker(delta.Subject)

		target, candidates := m.findTarget(work, isDelta, delta, base)
		switch {
		case target < 0 && len(candidates) == 0:
			res.Skipped = append(res.Skipped, Skipped{Kind: kind, Delta: delta, Reason: ReasonNoTarget})
			continue
		case target < 0:
			res.Skipped = append(res.Skipped, Skipped{Kind: kind, Delta: delta, Reason: ReasonAmbiguous, Candidates: candidates})
			continue
		}

		before := work[target].Interval()
		after := apply(kind, before, delta.Interval())
		if !after.Start.Before(after.End) || !forward(kind, before, after) {
			res.Skipped = append(res.Skipped, Skipped{Kind: kind, Delta: delta, Reason: ReasonInvalidResult})
			continue
		}

		work[target].Start, work[target].End = after.Start, after.End
		removed[i] = true
		res.Applied = append(res.Applied, Applied{
			Kind:      kind,
			Delta:     delta,
			TargetKey: work[target].Key(),
			Before:    before,
			After:     after,
		})
	}

	res.Items = make([]schedule.Occurrence, 0, len(work)-len(removed))
	for i, o := range work {
		if !removed[i] {
			res.Items = append(res.Items, o)
		}
	}
	schedule.Sort(res.Items)
	return res
}

// findTarget returns the index of the unique closest matching target, or -1 with the
// keys of tied candidates when the match is ambiguous.
func (m *Merger) findTarget(work []schedule.Occurrence, isDelta []bool, delta schedule.Occurrence, base string) (int, []string) {
	want := schedule.NormalizeSubject(base)
	best := -1
	var bestDist time.Duration
	var tied []int

	for j, cand := range work {
		if isDelta[j] || cand.Scope != delta.Scope {
			continue
		}
		if schedule.NormalizeSubject(cand.Subject) != want {
			continue
		}
		if !schedule.SameCategories(cand.Categories, delta.Categories) {
			continue
		}
		dist := cand.Interval().Gap(delta.Interval())
		if dist < 0 {
			dist = 0
		}
		if dist > m.tolerance {
			continue
		}
		switch {
		case best < 0 || dist < bestDist:
			best, bestDist, tied = j, dist, nil
		case dist == bestDist:
			tied = append(tied, j)
		}
	}

	if best >= 0 && len(tied) > 0 {
		keys := []string{work[best].Key()}
		for _, j := range tied {
			keys = append(keys, work[j].Key())
		}
		return -1, keys
	}
	return best, nil
}

// forward reports whether after moves the target the way kind says: an
// extension never ends earlier, a shortening never ends later, an early start
// never starts later and a late start never starts earlier. Equal bounds are a
// no-op and allowed.
func forward(kind Kind, before, after schedule.Interval) bool {
	switch kind {
	case KindExtension:
		return !after.End.Before(before.End)
	case KindShortened:
		return !after.End.After(before.End)
	case KindEarlyStart:
		return !after.Start.After(before.Start)
	case KindLateStart:
		return !after.Start.Before(before.Start)
	}
	return true
}

func apply(kind Kind, target, delta schedule.Interval) schedule.Interval {
	out := target
	switch kind {
	case KindExtension:
		out.End = delta.End
	case KindShortened:
		out.End = delta.Start
	case KindEarlyStart:
		out.Start = delta.Start
	case KindLateStart:
		out.Start = delta.End
	}
	return out
}
