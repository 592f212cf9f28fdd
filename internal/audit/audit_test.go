package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/calendar-archiver/internal/correlation"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "audit.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRecorder(st, zerolog.Nop())
}

func TestRecord_FillsDefaults(t *testing.T) {
	r := newRecorder(t)
	ctx := correlation.WithID(context.Background(), "run-1")

	e, err := r.Record(ctx, Entry{User: "u1", ActionType: "archive_run", Operation: "lock", Status: StatusSuccess})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "run-1", e.CorrelationID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestSpan_ChildLinksToPhase(t *testing.T) {
	r := newRecorder(t)
	ctx := correlation.WithID(context.Background(), "run-2")

	lock := r.Start(ctx, "u1", "archive_run", "lock")
	_, err := lock.End(ctx, StatusSuccess, nil)
	require.NoError(t, err)

	expand := r.Start(ctx, "u1", "archive_run", "expand").Resource("calendar", "u1/work")
	_, err = expand.Child(ctx, Entry{
		Operation: "expand_template",
		Status:    StatusFailure,
		Details:   map[string]any{"template": "tpl-1", "error": "bad rule"},
	})
	require.NoError(t, err)
	_, err = expand.End(ctx, StatusPartial, map[string]any{"expanded": 3})
	require.NoError(t, err)

	trail, err := r.RunTrail(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, trail, 3)

	assert.Equal(t, "lock", trail[0].Operation)
	assert.Equal(t, "expand_template", trail[1].Operation)
	assert.Equal(t, expand.ID(), trail[1].ParentID)
	assert.Equal(t, "u1", trail[1].User)
	assert.Equal(t, "tpl-1", trail[1].Details["template"])

	assert.Equal(t, expand.ID(), trail[2].ID)
	assert.Equal(t, StatusPartial, trail[2].Status)
	assert.Equal(t, "u1/work", trail[2].ResourceID)
	assert.EqualValues(t, 3, trail[2].Details["expanded"])
}

func TestUserActivity_DateRange(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2025, 1, d, 12, 0, 0, 0, time.UTC) }

	for i, d := range []int{1, 5, 9} {
		_, err := r.Record(ctx, Entry{
			User: "u1", ActionType: "archive_run", Operation: "complete", Status: StatusSuccess,
			CorrelationID: "run", CreatedAt: day(d), DurationMs: int64(i),
		})
		require.NoError(t, err)
	}
	_, err := r.Record(ctx, Entry{User: "u2", ActionType: "archive_run", Operation: "complete", Status: StatusSuccess, CorrelationID: "x", CreatedAt: day(5)})
	require.NoError(t, err)

	got, err := r.UserActivity(ctx, "u1", day(2), day(9))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day(5), got[0].CreatedAt)
	assert.Equal(t, day(9), got[1].CreatedAt)

	all, err := r.UserActivity(ctx, "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
