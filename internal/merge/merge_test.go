package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

var scope = schedule.Scope{User: "u1", Calendar: "work"}

func at(hh, mm int) time.Time {
	return time.Date(2025, 4, 2, hh, mm, 0, 0, time.UTC)
}

func occ(id, subject string, start, end time.Time, prio schedule.Priority, cats ...string) schedule.Occurrence {
	return schedule.Single(schedule.ScheduledItem{
		SourceID:     id,
		Scope:        scope,
		Start:        start,
		End:          end,
		Subject:      subject,
		Categories:   cats,
		Availability: schedule.AvailabilityBusy,
		Priority:     prio,
	})
}

func TestParseMarker(t *testing.T) {
	tests := []struct {
		subject string
		kind    Kind
		base    string
		ok      bool
	}{
		{"Extension - Client Visit", KindExtension, "Client Visit", true},
		{"extension: Client Visit", KindExtension, "Client Visit", true},
		{"SHORTENED – Review", KindShortened, "Review", true},
		{"Early Start - Offsite", KindEarlyStart, "Offsite", true},
		{"Early-Start: Offsite", KindEarlyStart, "Offsite", true},
		{"Late Start - Offsite ", KindLateStart, "Offsite", true},
		{"Client Visit Extension", "", "", false},
		{"Extension", "", "", false},
		{"Extension - ", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			kind, base, ok := ParseMarker(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.base, base)
		})
	}
}

func TestMerge_ExtensionFoldsIntoBase(t *testing.T) {
	base := occ("base", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal)
	delta := occ("delta", "Extension - Client Visit", at(15, 0), at(15, 30), schedule.PriorityLow)

	res := New(Options{}).Merge([]schedule.Occurrence{delta, base})

	require.Len(t, res.Items, 1)
	assert.Equal(t, "base", res.Items[0].SourceID)
	assert.Equal(t, at(14, 0), res.Items[0].Start)
	assert.Equal(t, at(15, 30), res.Items[0].End)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, KindExtension, res.Applied[0].Kind)
	assert.Equal(t, "base", res.Applied[0].TargetKey)
	assert.Equal(t, schedule.Interval{Start: at(14, 0), End: at(15, 0)}, res.Applied[0].Before)
	assert.Empty(t, res.Skipped)
}

func TestMerge_Kinds(t *testing.T) {
	tests := []struct {
		name       string
		delta      schedule.Occurrence
		start, end time.Time
	}{
		{"shortened", occ("d", "Shortened - Review", at(10, 30), at(11, 0), schedule.PriorityLow), at(10, 0), at(10, 30)},
		{"early start", occ("d", "Early Start - Review", at(9, 30), at(10, 0), schedule.PriorityLow), at(9, 30), at(11, 0)},
		{"late start", occ("d", "Late Start - Review", at(10, 0), at(10, 15), schedule.PriorityLow), at(10, 15), at(11, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := occ("b", "Review", at(10, 0), at(11, 0), schedule.PriorityNormal)
			res := New(Options{}).Merge([]schedule.Occurrence{base, tt.delta})
			require.Len(t, res.Items, 1)
			assert.Equal(t, tt.start, res.Items[0].Start)
			assert.Equal(t, tt.end, res.Items[0].End)
		})
	}
}

func TestMerge_ToleranceBoundary(t *testing.T) {
	base := occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal)

	within := occ("d", "Extension - Client Visit", at(15, 15), at(15, 45), schedule.PriorityLow)
	res := New(Options{}).Merge([]schedule.Occurrence{base, within})
	require.Len(t, res.Items, 1)
	assert.Equal(t, at(15, 45), res.Items[0].End)

	beyond := occ("d", "Extension - Client Visit", at(15, 16), at(15, 45), schedule.PriorityLow)
	res = New(Options{}).Merge([]schedule.Occurrence{base, beyond})
	assert.Len(t, res.Items, 2)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, ReasonNoTarget, res.Skipped[0].Reason)
}

func TestMerge_RequiresLowPriority(t *testing.T) {
	base := occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal)
	notDelta := occ("d", "Extension - Client Visit", at(15, 0), at(15, 30), schedule.PriorityNormal)

	res := New(Options{}).Merge([]schedule.Occurrence{base, notDelta})
	assert.Len(t, res.Items, 2)
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.Skipped)
}

func TestMerge_CategoriesMustMatch(t *testing.T) {
	base := occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal, "client")
	delta := occ("d", "Extension - client visit", at(15, 0), at(15, 30), schedule.PriorityLow, "internal")

	res := New(Options{}).Merge([]schedule.Occurrence{base, delta})
	assert.Len(t, res.Items, 2)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, ReasonNoTarget, res.Skipped[0].Reason)

	delta.Categories = []string{"Client"}
	res = New(Options{}).Merge([]schedule.Occurrence{base, delta})
	assert.Len(t, res.Items, 1)
}

func TestMerge_AmbiguousTargetIsLeftAlone(t *testing.T) {
	morning := occ("b1", "Review", at(9, 0), at(10, 0), schedule.PriorityNormal)
	later := occ("b2", "Review", at(10, 30), at(11, 0), schedule.PriorityNormal)
	delta := occ("d", "Extension - Review", at(10, 0), at(10, 30), schedule.PriorityLow)

	res := New(Options{}).Merge([]schedule.Occurrence{morning, later, delta})
	assert.Len(t, res.Items, 3)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, ReasonAmbiguous, res.Skipped[0].Reason)
	assert.ElementsMatch(t, []string{"b1", "b2"}, res.Skipped[0].Candidates)
}

func TestMerge_ClosestTargetWins(t *testing.T) {
	near := occ("near", "Review", at(9, 0), at(10, 0), schedule.PriorityNormal)
	far := occ("far", "Review", at(8, 0), at(9, 50), schedule.PriorityNormal)
	delta := occ("d", "Extension - Review", at(10, 5), at(10, 30), schedule.PriorityLow)

	res := New(Options{}).Merge([]schedule.Occurrence{far, near, delta})
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "near", res.Applied[0].TargetKey)
}

func TestMerge_InvalidResultSkipped(t *testing.T) {
	tests := []struct {
		name   string
		target schedule.Occurrence
		delta  schedule.Occurrence
	}{
		{
			name:   "late start past end",
			target: occ("b", "Review", at(10, 0), at(11, 0), schedule.PriorityNormal),
			delta:  occ("d", "Late Start - Review", at(10, 30), at(11, 10), schedule.PriorityLow),
		},
		{
			name:   "extension inside target",
			target: occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal),
			delta:  occ("d", "Extension - Client Visit", at(14, 15), at(14, 30), schedule.PriorityLow),
		},
		{
			name:   "early start after target start",
			target: occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal),
			delta:  occ("d", "Early Start - Client Visit", at(14, 40), at(14, 50), schedule.PriorityLow),
		},
		{
			name:   "shortened after target end",
			target: occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal),
			delta:  occ("d", "Shortened - Client Visit", at(15, 10), at(15, 20), schedule.PriorityLow),
		},
		{
			name:   "late start before target start",
			target: occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal),
			delta:  occ("d", "Late Start - Client Visit", at(13, 40), at(13, 50), schedule.PriorityLow),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(Options{}).Merge([]schedule.Occurrence{tt.target, tt.delta})
			assert.Empty(t, res.Applied)
			require.Len(t, res.Items, 2)
			require.Len(t, res.Skipped, 1)
			assert.Equal(t, ReasonInvalidResult, res.Skipped[0].Reason)
			for _, it := range res.Items {
				if it.SourceID == "b" {
					assert.Equal(t, tt.target.Interval(), it.Interval(), "target keeps its times")
				}
			}
		})
	}
}

func TestMerge_BoundaryDeltaIsNoOp(t *testing.T) {
	base := occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal)
	delta := occ("d", "Extension - Client Visit", at(14, 30), at(15, 0), schedule.PriorityLow)

	res := New(Options{}).Merge([]schedule.Occurrence{base, delta})
	require.Len(t, res.Applied, 1)
	require.Len(t, res.Items, 1)
	assert.Equal(t, base.Interval(), res.Items[0].Interval())
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	base := occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal)
	delta := occ("d", "Extension - Client Visit", at(15, 0), at(15, 30), schedule.PriorityLow)
	in := []schedule.Occurrence{base, delta}

	_ = New(Options{}).Merge(in)
	assert.Equal(t, at(15, 0), in[0].End)
	assert.Len(t, in, 2)
}

func TestMerge_ReapplyingIsNoOp(t *testing.T) {
	in := []schedule.Occurrence{
		occ("b", "Client Visit", at(14, 0), at(15, 0), schedule.PriorityNormal),
		occ("d1", "Extension - Client Visit", at(15, 0), at(15, 30), schedule.PriorityLow),
		occ("d2", "Extension - Client Visit", at(15, 30), at(16, 0), schedule.PriorityLow),
		occ("x", "Standup", at(9, 0), at(9, 15), schedule.PriorityNormal),
	}

	m := New(Options{})
	first := m.Merge(in)
	require.Len(t, first.Items, 2)
	assert.Equal(t, at(16, 0), first.Items[1].End)

	second := m.Merge(first.Items)
	assert.Equal(t, first.Items, second.Items)
	assert.Empty(t, second.Applied)
}
