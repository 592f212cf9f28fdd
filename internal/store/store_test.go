package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "archiver.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRun(corr, mode string) *ArchiveRun {
	return &ArchiveRun{
		Key:                 RunKey("u1", "work", 1000, 2000),
		User:                "u1",
		SourceCalendar:      "work",
		DestinationCalendar: "archive",
		WindowStart:         1000,
		WindowEnd:           2000,
		Mode:                mode,
		CorrelationID:       corr,
	}
}

func TestNew_CreatesDB(t *testing.T) {
	store := newTestStore(t)

	tables := []string{"archive_runs", "run_writes", "audit_log", "escalation_tasks", "archived_items", "meta"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}
	assert.Equal(t, "2", store.schemaVersion())

	size, err := store.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archiver.db")
	s1, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	_, err = s1.AcquireRun(newRun("c1", "append"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	run, err := s2.GetRun(RunKey("u1", "work", 1000, 2000))
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, RunRunning, run.State)
}

func TestAcquireRun_RejectsWhileRunning(t *testing.T) {
	store := newTestStore(t)

	acq, err := store.AcquireRun(newRun("c1", "append"), time.Hour)
	require.NoError(t, err)
	assert.Nil(t, acq.Prior)
	assert.False(t, acq.Resumed)

	_, err = store.AcquireRun(newRun("c2", "append"), time.Hour)
	require.Error(t, err)
	var lockErr *perrors.LockContentionError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "c1", lockErr.CorrelationID)

	run, err := store.GetRun(newRun("", "").Key)
	require.NoError(t, err)
	assert.Equal(t, "c1", run.CorrelationID)
}

func TestAcquireRun_TakesOverStaleLock(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireRun(newRun("c1", "append"), time.Minute)
	require.NoError(t, err)
	_, err = store.db.Exec(`UPDATE archive_runs SET heartbeat_at = ?`, time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)

	acq, err := store.AcquireRun(newRun("c2", "append"), time.Minute)
	require.NoError(t, err)
	assert.True(t, acq.TookOverStale)
	assert.True(t, acq.Resumed)
	assert.Equal(t, DetailStaleLock, acq.Prior.Detail)

	// the old holder can no longer finish the run
	err = store.FinishRun(newRun("", "").Key, "c1", RunCompleted, "", "", "")
	assert.ErrorIs(t, err, ErrRunNotHeld)
	require.NoError(t, store.FinishRun(newRun("", "").Key, "c2", RunCompleted, "", "{}", ""))
}

func TestAcquireRun_ResumeKeepsProgress(t *testing.T) {
	store := newTestStore(t)
	key := newRun("", "").Key

	_, err := store.AcquireRun(newRun("c1", "replace"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkReplaceDeleted(key, "c1"))
	require.NoError(t, store.RecordWrites(key, []string{"a", "b", "c"}))
	require.NoError(t, store.FinishRun(key, "c1", RunPartiallyCompleted, "write_failed", "", "boom"))

	acq, err := store.AcquireRun(newRun("c2", "replace"), time.Hour)
	require.NoError(t, err)
	assert.True(t, acq.Resumed)

	run, err := store.GetRun(key)
	require.NoError(t, err)
	assert.True(t, run.ReplaceDeleted)
	assert.Equal(t, 2, run.Attempts)

	written, err := store.WrittenKeys(key)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, written)
}

func TestAcquireRun_FreshAfterModeChangeOrCompletion(t *testing.T) {
	store := newTestStore(t)
	key := newRun("", "").Key

	_, err := store.AcquireRun(newRun("c1", "replace"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkReplaceDeleted(key, "c1"))
	require.NoError(t, store.RecordWrites(key, []string{"a"}))
	require.NoError(t, store.FinishRun(key, "c1", RunFailed, "", "", "boom"))

	acq, err := store.AcquireRun(newRun("c2", "append"), time.Hour)
	require.NoError(t, err)
	assert.False(t, acq.Resumed)
	written, err := store.WrittenKeys(key)
	require.NoError(t, err)
	assert.Empty(t, written)
	run, err := store.GetRun(key)
	require.NoError(t, err)
	assert.False(t, run.ReplaceDeleted)

	require.NoError(t, store.RecordWrites(key, []string{"b"}))
	require.NoError(t, store.FinishRun(key, "c2", RunCompleted, "", "{}", ""))

	acq, err = store.AcquireRun(newRun("c3", "append"), time.Hour)
	require.NoError(t, err)
	assert.False(t, acq.Resumed)
	assert.Equal(t, RunCompleted, acq.Prior.State)
}

func TestRun_CancelAndHeartbeat(t *testing.T) {
	store := newTestStore(t)
	key := newRun("", "").Key

	found, err := store.RequestCancel(key)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.AcquireRun(newRun("c1", "append"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.Heartbeat(key, "c1"))
	assert.ErrorIs(t, store.Heartbeat(key, "other"), ErrRunNotHeld)

	requested, err := store.CancelRequested(key, "c1")
	require.NoError(t, err)
	assert.False(t, requested)

	found, err = store.RequestCancel(key)
	require.NoError(t, err)
	assert.True(t, found)

	requested, err = store.CancelRequested(key, "c1")
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestFailStaleRuns(t *testing.T) {
	store := newTestStore(t)

	for i, user := range []string{"u1", "u2", "u3"} {
		r := newRun("c", "append")
		r.User = user
		r.Key = RunKey(user, "work", 1000, 2000)
		r.CorrelationID = user
		_, err := store.AcquireRun(r, time.Hour)
		require.NoError(t, err)
		if i < 2 {
			_, err = store.db.Exec(`UPDATE archive_runs SET heartbeat_at = ? WHERE run_key = ?`,
				time.Now().Add(-2*time.Hour).UnixMilli(), r.Key)
			require.NoError(t, err)
		}
	}

	stale, err := store.FailStaleRuns(time.Hour)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	failed, err := store.ListRuns(RunFilter{State: RunFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
	for _, r := range failed {
		assert.Equal(t, DetailStaleLock, r.Detail)
	}

	running, err := store.ListRuns(RunFilter{State: RunRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "u3", running[0].User)
}

func TestAudit_AppendAndQuery(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	entries := []*AuditEntry{
		{ID: "e1", User: "u1", ActionType: "archive_run", Operation: "fetch", Status: "success", CorrelationID: "run-a", CreatedAt: base + 10},
		{ID: "e2", User: "u1", ActionType: "archive_run", Operation: "expand", Status: "partial", CorrelationID: "run-a", CreatedAt: base + 5},
		{ID: "e3", User: "u1", ActionType: "archive_run", Operation: "expand_template", Status: "failure", CorrelationID: "run-a", ParentID: "e2", CreatedAt: base + 6, Details: `{"template":"t1"}`},
		{ID: "e4", User: "u2", ActionType: "archive_run", Operation: "fetch", Status: "success", CorrelationID: "run-b", CreatedAt: base + 7},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendAudit(e))
	}

	trail, err := store.AuditByCorrelation("run-a")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	// insertion order, not timestamp order
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{trail[0].ID, trail[1].ID, trail[2].ID})
	assert.Equal(t, "e2", trail[2].ParentID)
	assert.Equal(t, `{"template":"t1"}`, trail[2].Details)

	activity, err := store.AuditByUser(AuditFilter{User: "u1", From: base + 5, To: base + 6})
	require.NoError(t, err)
	require.Len(t, activity, 2)
	assert.Equal(t, "e2", activity[0].ID)
	assert.Equal(t, "e3", activity[1].ID)

	require.Error(t, store.AppendAudit(&AuditEntry{ID: "e1", User: "u1", ActionType: "x", Operation: "y", Status: "success", CorrelationID: "run-a"}))
}

func TestEscalation_Idempotent(t *testing.T) {
	store := newTestStore(t)

	e := &Escalation{ID: "x1", RunKey: "k", Fingerprint: "fp", CorrelationID: "c1", User: "u1", Calendar: "work", Snapshot: "{}"}
	created, err := store.EnqueueEscalation(e)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *e
	dup.ID = "x2"
	dup.CorrelationID = "c2"
	created, err = store.EnqueueEscalation(&dup)
	require.NoError(t, err)
	assert.False(t, created)

	pending, err := store.ListEscalations(EscalationFilter{Status: EscalationPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].CorrelationID)

	require.NoError(t, store.ResolveEscalation("x1"))
	require.Error(t, store.ResolveEscalation("x1"))

	pending, err = store.ListEscalations(EscalationFilter{Status: EscalationPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestArchivedItems_InsertIsImmutable(t *testing.T) {
	store := newTestStore(t)

	n, err := store.InsertArchivedItems([]*ArchivedItem{
		{User: "u1", Calendar: "archive", ItemKey: "a", DedupeKey: "da", StartAt: 100, EndAt: 200, Payload: `{"subject":"one"}`},
		{User: "u1", Calendar: "archive", ItemKey: "b", DedupeKey: "db", StartAt: 300, EndAt: 400, Payload: `{"subject":"two"}`},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.InsertArchivedItems([]*ArchivedItem{
		{User: "u1", Calendar: "archive", ItemKey: "a", DedupeKey: "da", StartAt: 100, EndAt: 250, Payload: `{"subject":"changed"}`},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	items, err := store.ListArchivedItems("u1", "archive", 0, 1000)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, `{"subject":"one"}`, items[0].Payload)
	assert.Equal(t, int64(200), items[0].EndAt)

	deleted, err := store.DeleteArchivedItems("u1", "archive", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	items, err = store.ListArchivedItems("u1", "archive", 0, 1000)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ItemKey)
}
