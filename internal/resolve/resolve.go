// Package resolve applies deterministic precedence rules inside an overlap group.
// Rules are an ordered list of filter stages; each stage narrows the candidate set
// and resolution stops as soon as at most one candidate remains.
package resolve

import (
	"github.com/p-blackswan/calendar-archiver/internal/overlap"
	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// Stage narrows a candidate set. Implementations must be pure and keep the relative
// order of the candidates they return.
type Stage interface {
	Name() string
	Apply(candidates []schedule.Occurrence) []schedule.Occurrence
}

type stageFunc struct {
	name string
	fn   func([]schedule.Occurrence) []schedule.Occurrence
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Apply(c []schedule.Occurrence) []schedule.Occurrence { return s.fn(c) }

// NewStage builds a Stage from a filter function.
func NewStage(name string, fn func([]schedule.Occurrence) []schedule.Occurrence) Stage {
	return stageFunc{name: name, fn: fn}
}

// ConfirmedOverTentative drops Tentative items when at least one confirmed
// (Busy/OutOfOffice) item is present.
func ConfirmedOverTentative() Stage {
	return NewStage("confirmed_over_tentative", func(c []schedule.Occurrence) []schedule.Occurrence {
		confirmed := false
		for _, o := range c {
			if o.Availability.Confirmed() {
				confirmed = true
				break
			}
		}
		if !confirmed {
			return c
		}
		return filter(c, func(o schedule.Occurrence) bool {
			return o.Availability != schedule.AvailabilityTentative
		})
	})
}

// HighestPriority keeps only the highest priority tier present.
func HighestPriority() Stage {
	return NewStage("highest_priority", func(c []schedule.Occurrence) []schedule.Occurrence {
		top := -1
		for _, o := range c {
			if r := o.Priority.Rank(); r > top {
				top = r
			}
		}
		return filter(c, func(o schedule.Occurrence) bool { return o.Priority.Rank() == top })
	})
}

// DefaultStages returns the built-in precedence rules in order. Free items are
// removed before any stage runs.
func DefaultStages() []Stage {
	return []Stage{ConfirmedOverTentative(), HighestPriority()}
}

// StageTrace records the candidate keys left after a stage.
type StageTrace struct {
	Stage     string   `json:"stage"`
	Remaining []string `json:"remaining"`
}

// Outcome is the resolution of one group.
type Outcome struct {
	Group overlap.Group
	// Winners holds the sole winner, if any; it is archived.
	Winners []schedule.Occurrence
	// Superseded lost to a winner: excluded from the archive, left in the source.
	Superseded []schedule.Occurrence
	// Unaffected are Free members, which never block or get blocked.
	Unaffected []schedule.Occurrence
	// Conflict means no automatic winner; the whole group is escalated.
	Conflict bool
	Trace    []StageTrace
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStages appends extra stages after the defaults, e.g. an explicit tie-break.
func WithStages(stages ...Stage) Option {
	return func(r *Resolver) { r.stages = append(r.stages, stages...) }
}

// Resolver runs the stage pipeline over groups.
type Resolver struct {
	stages []Stage
}

// New creates a Resolver with the default stages plus any options.
func New(opts ...Option) *Resolver {
	r := &Resolver{stages: DefaultStages()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stages returns the stage names in application order.
func (r *Resolver) Stages() []string {
	out := []string{"drop_free"}
	for _, s := range r.stages {
		out = append(out, s.Name())
	}
	return out
}

// Resolve decides one group. The group is not modified.
func (r *Resolver) Resolve(g overlap.Group) Outcome {
	members := schedule.CloneAll(g.Members)
	schedule.Sort(members)

	out := Outcome{Group: g}
	var candidates []schedule.Occurrence
	for _, m := range members {
		if m.Availability == schedule.AvailabilityFree {
			out.Unaffected = append(out.Unaffected, m)
			continue
		}
		candidates = append(candidates, m)
	}
	out.Trace = append(out.Trace, StageTrace{Stage: "drop_free", Remaining: keys(candidates)})

	for _, s := range r.stages {
		if len(candidates) <= 1 {
			break
		}
		candidates = s.Apply(candidates)
		out.Trace = append(out.Trace, StageTrace{Stage: s.Name(), Remaining: keys(candidates)})
	}

	switch {
	case len(candidates) == 0:
		// every member was Free: the group dissolves
	case len(candidates) == 1:
		out.Winners = candidates
		winner := candidates[0].Key()
		for _, m := range members {
			if m.Availability != schedule.AvailabilityFree && m.Key() != winner {
				out.Superseded = append(out.Superseded, m)
			}
		}
	default:
		out.Conflict = true
	}
	return out
}

// ResolveAll resolves each group in order.
func (r *Resolver) ResolveAll(groups []overlap.Group) []Outcome {
	out := make([]Outcome, 0, len(groups))
	for _, g := range groups {
		out = append(out, r.Resolve(g))
	}
	return out
}

func filter(c []schedule.Occurrence, keep func(schedule.Occurrence) bool) []schedule.Occurrence {
	out := make([]schedule.Occurrence, 0, len(c))
	for _, o := range c {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

func keys(c []schedule.Occurrence) []string {
	out := make([]string, len(c))
	for i, o := range c {
		out[i] = o.Key()
	}
	return out
}
