package recurrence

import (
	"slices"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

func day(d, hh int) time.Time {
	return time.Date(2025, 3, d, hh, 0, 0, 0, time.UTC)
}

func weekly(exceptions ...schedule.Exception) schedule.ScheduledItem {
	return schedule.ScheduledItem{
		SourceID:     "tpl-standup",
		Scope:        schedule.Scope{User: "u1", Calendar: "work"},
		Start:        day(3, 9),
		End:          day(3, 10),
		Subject:      "Weekly sync",
		Categories:   []string{"internal"},
		Availability: schedule.AvailabilityBusy,
		Priority:     schedule.PriorityNormal,
		Recurrence:   &schedule.Recurrence{Rule: "FREQ=WEEKLY", Exceptions: exceptions},
	}
}

func starts(occs []schedule.Occurrence) []time.Time {
	out := make([]time.Time, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.Start)
	}
	return out
}

var march = schedule.Window{Start: day(10, 0), End: time.Date(2025, 3, 24, 23, 59, 59, 0, time.UTC)}

func TestExpand_UnboundedRuleStopsAtWindowEnd(t *testing.T) {
	seq, err := NewExpander(Options{}).Expand(weekly(), march)
	require.NoError(t, err)

	occs, truncated := seq.Collect()
	assert.False(t, truncated)
	assert.Equal(t, []time.Time{day(10, 9), day(17, 9), day(24, 9)}, starts(occs))
	for _, o := range occs {
		assert.Equal(t, "tpl-standup", o.TemplateID)
		assert.Equal(t, time.Hour, o.End.Sub(o.Start))
		assert.Nil(t, o.Recurrence)
		assert.Equal(t, schedule.InstanceID("tpl-standup", o.OccurrenceStart), o.SourceID)
	}
}

func TestExpand_RuleWithPrefixAndCount(t *testing.T) {
	tpl := weekly()
	tpl.Recurrence.Rule = "RRULE:FREQ=WEEKLY;COUNT=2"
	seq, err := NewExpander(Options{}).Expand(tpl, march)
	require.NoError(t, err)

	occs, _ := seq.Collect()
	assert.Equal(t, []time.Time{day(10, 9)}, starts(occs))
}

func TestExpand_CancelledInstanceOmitted(t *testing.T) {
	seq, err := NewExpander(Options{}).Expand(weekly(schedule.Exception{OriginalStart: day(17, 9), Cancelled: true}), march)
	require.NoError(t, err)

	occs, _ := seq.Collect()
	assert.Equal(t, []time.Time{day(10, 9), day(24, 9)}, starts(occs))
}

func TestExpand_ModifiedInstanceUsesOverride(t *testing.T) {
	seq, err := NewExpander(Options{}).Expand(weekly(schedule.Exception{
		OriginalStart: day(17, 9),
		Start:         day(18, 10),
		End:           day(18, 11),
		Subject:       "Weekly sync (moved)",
	}), march)
	require.NoError(t, err)

	occs, _ := seq.Collect()
	require.Len(t, occs, 3)
	assert.Equal(t, []time.Time{day(10, 9), day(18, 10), day(24, 9)}, starts(occs))

	moved := occs[1]
	assert.Equal(t, "Weekly sync (moved)", moved.Subject)
	assert.Equal(t, []string{"internal"}, moved.Categories, "template categories are retained")
	assert.Equal(t, day(17, 9), moved.OccurrenceStart)
}

func TestExpand_OverrideCategoriesReplaceTemplate(t *testing.T) {
	seq, err := NewExpander(Options{}).Expand(weekly(schedule.Exception{
		OriginalStart: day(10, 9),
		Categories:    []string{"client", "billable"},
	}), march)
	require.NoError(t, err)

	occs, _ := seq.Collect()
	require.NotEmpty(t, occs)
	assert.Equal(t, []string{"client", "billable"}, occs[0].Categories)
	assert.Equal(t, day(10, 9), occs[0].Start)
	assert.Equal(t, []string{"internal"}, occs[1].Categories)
}

func TestExpand_OverrideMovesInstanceAcrossWindowEdge(t *testing.T) {
	w := schedule.Window{Start: day(10, 0), End: time.Date(2025, 3, 16, 23, 59, 59, 0, time.UTC)}
	seq, err := NewExpander(Options{}).Expand(weekly(
		// generated outside the window, moved into it
		schedule.Exception{OriginalStart: day(17, 9), Start: day(14, 15), End: day(14, 16)},
		// generated inside the window, moved out of it
		schedule.Exception{OriginalStart: day(10, 9), Start: day(20, 9), End: day(20, 10)},
	), w)
	require.NoError(t, err)

	occs, _ := seq.Collect()
	assert.Equal(t, []time.Time{day(14, 15)}, starts(occs))
}

func TestExpand_OverrideForNonexistentInstanceIgnored(t *testing.T) {
	seq, err := NewExpander(Options{}).Expand(weekly(schedule.Exception{
		OriginalStart: day(12, 9), // a Wednesday; the rule never generates it
		Start:         day(13, 9),
		End:           day(13, 10),
	}), march)
	require.NoError(t, err)

	occs, _ := seq.Collect()
	assert.Equal(t, []time.Time{day(10, 9), day(17, 9), day(24, 9)}, starts(occs))
}

func TestExpand_ZonedRuleKeepsWallClockAcrossDST(t *testing.T) {
	utc := func(d, hh int) time.Time { return time.Date(2025, 3, d, hh, 0, 0, 0, time.UTC) }

	tpl := weekly(
		schedule.Exception{OriginalStart: utc(15, 13), Cancelled: true},
		schedule.Exception{OriginalStart: utc(22, 13), Start: utc(22, 15), End: utc(22, 16)},
	)
	// 09:00 America/New_York; DST starts on March 9.
	tpl.Start, tpl.End = utc(1, 14), utc(1, 15)
	tpl.Recurrence.TZID = "America/New_York"

	w := schedule.Window{Start: utc(1, 0), End: time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)}
	seq, err := NewExpander(Options{}).Expand(tpl, w)
	require.NoError(t, err)

	occs, _ := seq.Collect()
	assert.Equal(t, []time.Time{utc(1, 14), utc(8, 14), utc(22, 15), utc(29, 13)}, starts(occs))
	for _, o := range occs {
		assert.Equal(t, time.UTC, o.Start.Location())
	}
}

func TestExpand_UnknownZoneIsRecurrenceError(t *testing.T) {
	tpl := weekly()
	tpl.Recurrence.TZID = "Nowhere/Atlantis"

	_, err := NewExpander(Options{}).Expand(tpl, march)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "tpl-standup", rerr.TemplateID)
}

func TestExpand_SequenceIsRestartable(t *testing.T) {
	seq, err := NewExpander(Options{}).Expand(weekly(), march)
	require.NoError(t, err)

	first := slices.Collect(seq.All())
	second := slices.Collect(seq.All())
	assert.Equal(t, first, second)

	// stopping early does not disturb later iterations
	for range seq.All() {
		break
	}
	assert.Equal(t, first, slices.Collect(seq.All()))
}

func TestExpand_CapTruncates(t *testing.T) {
	tpl := weekly()
	tpl.Recurrence.Rule = "FREQ=DAILY"
	seq, err := NewExpander(Options{MaxOccurrences: 4}).Expand(tpl, march)
	require.NoError(t, err)

	occs, truncated := seq.Collect()
	assert.True(t, truncated)
	assert.Len(t, occs, 4)
}

func TestExpand_MalformedRule(t *testing.T) {
	for _, rule := range []string{"FREQ=SOMETIMES", "INTERVAL=2;COUNT=3"} {
		t.Run(rule, func(t *testing.T) {
			tpl := weekly()
			tpl.Recurrence.Rule = rule
			_, err := NewExpander(Options{}).Expand(tpl, march)

			var recErr *Error
			require.ErrorAs(t, err, &recErr)
			assert.Equal(t, "tpl-standup", recErr.TemplateID)
			assert.Equal(t, rule, recErr.Rule)
		})
	}
}

func TestExpandAll_IsolatesFailures(t *testing.T) {
	bad := weekly()
	bad.SourceID = "tpl-bad"
	bad.Recurrence = &schedule.Recurrence{Rule: "FREQ=NEVER"}

	single := schedule.ScheduledItem{
		SourceID: "evt-1",
		Scope:    schedule.Scope{User: "u1", Calendar: "work"},
		Start:    day(11, 13),
		End:      day(11, 14),
		Subject:  "Client call",
	}
	outside := single
	outside.SourceID = "evt-2"
	outside.Start, outside.End = day(1, 13), day(1, 14)

	res, err := NewExpander(Options{}).ExpandAll([]schedule.ScheduledItem{bad, weekly(), outside, single}, march)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Templates)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "tpl-bad", res.Failures[0].TemplateID)
	assert.Equal(t, []time.Time{day(10, 9), day(11, 13), day(17, 9), day(24, 9)}, starts(res.Occurrences))
}

func TestExpand_RejectsPlainItem(t *testing.T) {
	tpl := weekly()
	tpl.Recurrence = nil
	_, err := NewExpander(Options{}).Expand(tpl, march)
	var recErr *Error
	assert.ErrorAs(t, err, &recErr)
}
