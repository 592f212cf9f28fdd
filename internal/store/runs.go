package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
)

// RunState is the lifecycle state of an archive run.
type RunState string

const (
	RunRunning            RunState = "running"
	RunCompleted          RunState = "completed"
	RunFailed             RunState = "failed"
	RunPartiallyCompleted RunState = "partially_completed"
)

// Resumable reports whether a retry may continue from recorded progress.
func (s RunState) Resumable() bool {
	return s == RunFailed || s == RunPartiallyCompleted
}

// DetailStaleLock marks runs failed by stale-lock recovery.
const DetailStaleLock = "stale_lock"

// ErrRunNotHeld is returned when a runner updates a run it no longer owns.
var ErrRunNotHeld = errors.New("archive run not held by this correlation id")

// ArchiveRun is one row of archive_runs. It doubles as the per-key run lock.
type ArchiveRun struct {
	Key                 string
	User                string
	SourceCalendar      string
	DestinationCalendar string
	WindowStart         int64 // unix ms
	WindowEnd           int64 // unix ms
	Mode                string
	State               RunState
	Detail              string
	CorrelationID       string
	Attempts            int
	CancelRequested     bool
	ReplaceDeleted      bool
	Result              string // JSON
	Error               string
	StartedAt           int64
	HeartbeatAt         int64
	FinishedAt          int64 // 0 = still running
	UpdatedAt           int64
}

// RunKey builds the lock key for (user, source calendar, window).
func RunKey(user, sourceCalendar string, windowStart, windowEnd int64) string {
	return fmt.Sprintf("%s|%s|%d|%d", user, sourceCalendar, windowStart, windowEnd)
}

// Acquisition describes how a run lock was obtained.
type Acquisition struct {
	// Prior is the row as it was before acquisition, nil for a first run.
	Prior *ArchiveRun
	// Resumed is set when recorded progress of a failed or partial run is kept.
	Resumed bool
	// TookOverStale is set when a stale Running row was failed to make room.
	TookOverStale bool
}

// RunFilter for listing runs
type RunFilter struct {
	User  string
	State RunState
	Limit int
}

const runColumns = `
	run_key, user_id, source_calendar, destination_calendar, window_start, window_end,
	mode, state, detail, correlation_id, attempts, cancel_requested, replace_deleted,
	result, error, started_at, heartbeat_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*ArchiveRun, error) {
	r := &ArchiveRun{}
	var detail, result, errMsg sql.NullString
	var finishedAt sql.NullInt64
	var cancel, replaced int

	err := row.Scan(
		&r.Key, &r.User, &r.SourceCalendar, &r.DestinationCalendar, &r.WindowStart, &r.WindowEnd,
		&r.Mode, &r.State, &detail, &r.CorrelationID, &r.Attempts, &cancel, &replaced,
		&result, &errMsg, &r.StartedAt, &r.HeartbeatAt, &finishedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Detail = detail.String
	r.Result = result.String
	r.Error = errMsg.String
	r.FinishedAt = finishedAt.Int64
	r.CancelRequested = cancel != 0
	r.ReplaceDeleted = replaced != 0
	return r, nil
}

// AcquireRun takes the run lock for r.Key. A fresh Running row held by someone else
// yields a *LockContentionError; one whose heartbeat is older than staleAfter is
// failed with DetailStaleLock and taken over. Progress of a prior failed or partial
// run with the same mode and destination is kept so the retry can resume.
func (s *Store) AcquireRun(r *ArchiveRun, staleAfter time.Duration) (*Acquisition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prior, err := scanRun(tx.QueryRow(`SELECT `+runColumns+` FROM archive_runs WHERE run_key = ?`, r.Key))
	if errors.Is(err, sql.ErrNoRows) {
		prior = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	now := time.Now().UnixMilli()
	acq := &Acquisition{Prior: prior}

	if prior != nil && prior.State == RunRunning {
		if staleAfter <= 0 || now-prior.HeartbeatAt <= staleAfter.Milliseconds() {
			return nil, &perrors.LockContentionError{
				Key:           r.Key,
				CorrelationID: prior.CorrelationID,
				StartedAt:     time.UnixMilli(prior.StartedAt),
			}
		}
		if _, err := tx.Exec(`
			UPDATE archive_runs
			SET state = ?, detail = ?, finished_at = ?, updated_at = ?
			WHERE run_key = ?`,
			RunFailed, DetailStaleLock, now, now, r.Key,
		); err != nil {
			return nil, fmt.Errorf("failed to fail stale run: %w", err)
		}
		prior.State = RunFailed
		prior.Detail = DetailStaleLock
		acq.TookOverStale = true
	}

	acq.Resumed = prior != nil &&
		prior.State.Resumable() &&
		prior.Mode == r.Mode &&
		prior.DestinationCalendar == r.DestinationCalendar

	r.State = RunRunning
	r.Detail = ""
	r.Result = ""
	r.Error = ""
	r.CancelRequested = false
	r.StartedAt = now
	r.HeartbeatAt = now
	r.UpdatedAt = now
	r.FinishedAt = 0
	r.Attempts = 1
	r.ReplaceDeleted = false
	if prior != nil {
		r.Attempts = prior.Attempts + 1
	}
	if acq.Resumed {
		r.ReplaceDeleted = prior.ReplaceDeleted
	} else if prior != nil {
		if _, err := tx.Exec(`DELETE FROM run_writes WHERE run_key = ?`, r.Key); err != nil {
			return nil, fmt.Errorf("failed to reset run progress: %w", err)
		}
	}

	_, err = tx.Exec(`
	INSERT INTO archive_runs (`+runColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_key) DO UPDATE SET
		destination_calendar = excluded.destination_calendar,
		mode = excluded.mode,
		state = excluded.state,
		detail = excluded.detail,
		correlation_id = excluded.correlation_id,
		attempts = excluded.attempts,
		cancel_requested = excluded.cancel_requested,
		replace_deleted = excluded.replace_deleted,
		result = excluded.result,
		error = excluded.error,
		started_at = excluded.started_at,
		heartbeat_at = excluded.heartbeat_at,
		finished_at = excluded.finished_at,
		updated_at = excluded.updated_at`,
		r.Key, r.User, r.SourceCalendar, r.DestinationCalendar, r.WindowStart, r.WindowEnd,
		r.Mode, r.State, nullString(r.Detail), r.CorrelationID, r.Attempts,
		boolInt(r.CancelRequested), boolInt(r.ReplaceDeleted),
		nullString(r.Result), nullString(r.Error), r.StartedAt, r.HeartbeatAt,
		nullInt(r.FinishedAt), r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run acquisition: %w", err)
	}
	return acq, nil
}

// GetRun retrieves a run by key. Returns nil, nil when absent.
func (s *Store) GetRun(key string) (*ArchiveRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM archive_runs WHERE run_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns retrieves runs matching the filter, most recently started first.
func (s *Store) ListRuns(f RunFilter) ([]*ArchiveRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM archive_runs WHERE 1=1`
	args := []interface{}{}
	if f.User != "" {
		query += ` AND user_id = ?`
		args = append(args, f.User)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY started_at DESC, run_key`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*ArchiveRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Heartbeat refreshes the lock of a run held by correlationID.
func (s *Store) Heartbeat(key, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`
		UPDATE archive_runs SET heartbeat_at = ?, updated_at = ?
		WHERE run_key = ? AND correlation_id = ? AND state = ?`,
		now, now, key, correlationID, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh heartbeat: %w", err)
	}
	return requireHeld(res)
}

// RequestCancel flags a running run for cancellation at its next phase boundary.
// It reports whether a running run was found.
func (s *Store) RequestCancel(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE archive_runs SET cancel_requested = 1, updated_at = ?
		WHERE run_key = ? AND state = ?`,
		time.Now().UnixMilli(), key, RunRunning,
	)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// CancelRequested reports whether the run held by correlationID was asked to stop.
func (s *Store) CancelRequested(key, correlationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cancel int
	err := s.db.QueryRow(`
		SELECT cancel_requested FROM archive_runs
		WHERE run_key = ? AND correlation_id = ?`, key, correlationID,
	).Scan(&cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRunNotHeld
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return cancel != 0, nil
}

// MarkReplaceDeleted records that the destination window was cleared for a Replace run.
func (s *Store) MarkReplaceDeleted(key, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE archive_runs SET replace_deleted = 1, updated_at = ?
		WHERE run_key = ? AND correlation_id = ? AND state = ?`,
		time.Now().UnixMilli(), key, correlationID, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to mark replace deleted: %w", err)
	}
	return requireHeld(res)
}

// FinishRun moves a held run out of Running, releasing the lock.
func (s *Store) FinishRun(key, correlationID string, state RunState, detail, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`
		UPDATE archive_runs
		SET state = ?, detail = ?, result = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE run_key = ? AND correlation_id = ? AND state = ?`,
		state, nullString(detail), nullString(result), nullString(errMsg), now, now,
		key, correlationID, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return requireHeld(res)
}

// FailStaleRuns marks Running runs whose heartbeat is older than staleAfter as
// failed (startup recovery). A zero staleAfter fails every Running run.
func (s *Store) FailStaleRuns(staleAfter time.Duration) ([]*ArchiveRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	cutoff := now - staleAfter.Milliseconds()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+runColumns+` FROM archive_runs WHERE state = ? AND heartbeat_at <= ? ORDER BY run_key`,
		RunRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	var stale []*ArchiveRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		stale = append(stale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	for _, r := range stale {
		if _, err := tx.Exec(`
			UPDATE archive_runs SET state = ?, detail = ?, finished_at = ?, updated_at = ?
			WHERE run_key = ? AND correlation_id = ?`,
			RunFailed, DetailStaleLock, now, now, r.Key, r.CorrelationID,
		); err != nil {
			return nil, fmt.Errorf("failed to fail stale run: %w", err)
		}
		r.State = RunFailed
		r.Detail = DetailStaleLock
		r.FinishedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stale recovery: %w", err)
	}
	return stale, nil
}

// RecordWrites stores item keys successfully written by a run.
func (s *Store) RecordWrites(key string, itemKeys []string) error {
	if len(itemKeys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO run_writes (run_key, item_key, written_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare write record: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, k := range itemKeys {
		if _, err := stmt.Exec(key, k, now); err != nil {
			return fmt.Errorf("failed to record write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write records: %w", err)
	}
	return nil
}

// WrittenKeys returns the item keys recorded for a run.
func (s *Store) WrittenKeys(key string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT item_key FROM run_writes WHERE run_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list run writes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan run write: %w", err)
		}
		out[k] = true
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run writes: %w", err)
	}
	return out, nil
}

func requireHeld(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRunNotHeld
	}
	return nil
}
