// Package recurrence expands recurring scheduled items into concrete occurrences
// inside an archive window.
package recurrence

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

const defaultMaxOccurrences = 5000

// Error reports a malformed recurrence rule. The template it belongs to is skipped.
type Error struct {
	TemplateID string
	Subject    string
	Rule       string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recurrence: template %q (%s): rule %q: %v", e.TemplateID, e.Subject, e.Rule, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options controls expansion.
type Options struct {
	// MaxOccurrences caps the instances emitted per template and window.
	MaxOccurrences int
}

// Expander turns templates into occurrences. It holds no mutable state.
type Expander struct {
	maxOccurrences int
}

// NewExpander creates an Expander.
func NewExpander(opts Options) *Expander {
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = defaultMaxOccurrences
	}
	return &Expander{maxOccurrences: opts.MaxOccurrences}
}

// Sequence is the lazy expansion of one template over one window. Every call to
// All restarts generation from the rule's first instance.
type Sequence struct {
	tpl      schedule.ScheduledItem
	window   schedule.Window
	rule     *rrule.RRule
	duration time.Duration
	limit    int

	cancelled map[int64]struct{}
	modified  map[int64]schedule.Exception
	// moved holds overridden instances whose new start lies inside the window,
	// ordered by start.
	moved []schedule.Occurrence
}

// Expand validates the template's rule and returns its lazy occurrence sequence.
func (e *Expander) Expand(tpl schedule.ScheduledItem, w schedule.Window) (*Sequence, error) {
	if !tpl.IsRecurring() {
		return nil, &Error{TemplateID: tpl.SourceID, Subject: tpl.Subject, Err: errors.New("item has no recurrence rule")}
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("recurrence: %w", err)
	}
	loc, err := tpl.Recurrence.Location()
	if err != nil {
		return nil, &Error{TemplateID: tpl.SourceID, Subject: tpl.Subject, Rule: tpl.Recurrence.Rule, Err: fmt.Errorf("unknown zone: %w", err)}
	}
	rule, err := parseRule(tpl, loc)
	if err != nil {
		return nil, &Error{TemplateID: tpl.SourceID, Subject: tpl.Subject, Rule: tpl.Recurrence.Rule, Err: err}
	}
	if tpl.End.Before(tpl.Start) {
		return nil, &Error{TemplateID: tpl.SourceID, Subject: tpl.Subject, Rule: tpl.Recurrence.Rule, Err: schedule.ErrInvertedInterval}
	}

	s := &Sequence{
		tpl:       tpl,
		window:    w,
		rule:      rule,
		duration:  tpl.End.Sub(tpl.Start),
		limit:     e.maxOccurrences,
		cancelled: make(map[int64]struct{}),
		modified:  make(map[int64]schedule.Exception),
	}

	for _, ex := range tpl.Recurrence.Exceptions {
		key := ex.OriginalStart.UTC().UnixNano()
		if ex.Cancelled {
			s.cancelled[key] = struct{}{}
			delete(s.modified, key)
			continue
		}
		s.modified[key] = ex
	}

	for key, ex := range s.modified {
		// Overrides only apply to instances the rule actually generates.
		orig := ex.OriginalStart.In(loc)
		if len(rule.Between(orig, orig, true)) == 0 {
			delete(s.modified, key)
			continue
		}
		occ := s.instance(orig)
		if w.Contains(occ.Start) {
			s.moved = append(s.moved, occ)
		}
	}
	schedule.Sort(s.moved)

	return s, nil
}

// All yields occurrences in start order, clipped to the window. Cancelled instances
// are omitted and modified instances appear at their overridden start.
func (s *Sequence) All() iter.Seq[schedule.Occurrence] {
	return s.bounded(s.limit)
}

// Collect drains the sequence. Truncated is true when the occurrence cap was hit.
func (s *Sequence) Collect() (occs []schedule.Occurrence, truncated bool) {
	occs = slices.Collect(s.bounded(s.limit + 1))
	if len(occs) > s.limit {
		return occs[:s.limit], true
	}
	return occs, false
}

func (s *Sequence) bounded(limit int) iter.Seq[schedule.Occurrence] {
	return func(yield func(schedule.Occurrence) bool) {
		next := s.rule.Iterator()
		moved := s.moved
		emitted := 0

		emit := func(o schedule.Occurrence) bool {
			if emitted >= limit {
				return false
			}
			emitted++
			return yield(o)
		}

		for {
			t, ok := next()
			if !ok || t.After(s.window.End) {
				break
			}
			key := t.UTC().UnixNano()
			if _, gone := s.cancelled[key]; gone {
				continue
			}
			if _, over := s.modified[key]; over {
				continue
			}
			if t.Before(s.window.Start) {
				continue
			}

			occ := s.instance(t)
			for len(moved) > 0 && schedule.Compare(moved[0], occ) <= 0 {
				if !emit(moved[0]) {
					return
				}
				moved = moved[1:]
			}
			if !emit(occ) {
				return
			}
		}

		for _, m := range moved {
			if !emit(m) {
				return
			}
		}
	}
}

// instance materializes the occurrence generated at start t, applying any override.
func (s *Sequence) instance(t time.Time) schedule.Occurrence {
	item := s.tpl.Clone()
	item.Recurrence = nil
	item.SourceID = schedule.InstanceID(s.tpl.SourceID, t)
	item.Start = t.UTC()
	item.End = t.Add(s.duration).UTC()

	if ex, ok := s.modified[t.UTC().UnixNano()]; ok {
		if !ex.Start.IsZero() {
			item.Start = ex.Start.UTC()
		}
		switch {
		case !ex.End.IsZero():
			item.End = ex.End.UTC()
		case !ex.Start.IsZero():
			item.End = item.Start.Add(s.duration)
		}
		if ex.Subject != "" {
			item.Subject = ex.Subject
		}
		if ex.Categories != nil {
			item.Categories = slices.Clone(ex.Categories)
		}
	}

	return schedule.Occurrence{
		ScheduledItem:   item,
		TemplateID:      s.tpl.SourceID,
		OccurrenceStart: t.UTC(),
	}
}

// parseRule anchors the rule at the template start in loc so instances keep
// their wall-clock time across DST changes.
func parseRule(tpl schedule.ScheduledItem, loc *time.Location) (*rrule.RRule, error) {
	raw := strings.TrimSpace(tpl.Recurrence.Rule)
	raw = strings.TrimPrefix(raw, "RRULE:")
	if !strings.Contains(strings.ToUpper(raw), "FREQ=") {
		return nil, errors.New("missing FREQ")
	}
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, err
	}
	if opt.Interval < 0 {
		return nil, errors.New("negative INTERVAL")
	}
	opt.Dtstart = tpl.Start.In(loc)
	return rrule.NewRRule(*opt)
}
