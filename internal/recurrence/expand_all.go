package recurrence

import (
	"errors"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// Result is the expansion of a batch of fetched items.
type Result struct {
	Occurrences []schedule.Occurrence
	// Failures lists templates skipped because their rule is malformed.
	Failures []*Error
	// Truncated lists template ids that hit the occurrence cap.
	Truncated []string
	Templates int
}

// ExpandAll expands every recurring template and wraps plain items whose start lies
// in the window. Failures are isolated per template. Occurrences come back sorted.
func (e *Expander) ExpandAll(items []schedule.ScheduledItem, w schedule.Window) (Result, error) {
	var res Result
	if err := w.Validate(); err != nil {
		return res, err
	}

	for _, it := range items {
		if !it.IsRecurring() {
			if w.Contains(it.Start) {
				occ := schedule.Single(it)
				occ.Start, occ.End = occ.Start.UTC(), occ.End.UTC()
				occ.OccurrenceStart = occ.Start
				res.Occurrences = append(res.Occurrences, occ)
			}
			continue
		}

		res.Templates++
		seq, err := e.Expand(it, w)
		if err != nil {
			var recErr *Error
			if errors.As(err, &recErr) {
				res.Failures = append(res.Failures, recErr)
				continue
			}
			return res, err
		}
		occs, truncated := seq.Collect()
		if truncated {
			res.Truncated = append(res.Truncated, it.SourceID)
		}
		res.Occurrences = append(res.Occurrences, occs...)
	}

	schedule.Sort(res.Occurrences)
	return res, nil
}
