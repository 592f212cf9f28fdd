package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Escalation statuses
const (
	EscalationPending  = "pending"
	EscalationResolved = "resolved"
)

// Escalation is a pending human resolution task for an unresolved overlap group.
type Escalation struct {
	ID            string
	RunKey        string
	Fingerprint   string
	CorrelationID string
	User          string
	Calendar      string
	SpanStart     int64
	SpanEnd       int64
	Snapshot      string // JSON group snapshot
	Status        string
	CreatedAt     int64
	ResolvedAt    int64
}

// EscalationFilter for listing escalations
type EscalationFilter struct {
	User   string
	Status string
	Limit  int
}

const escalationColumns = `
	id, run_key, fingerprint, correlation_id, user_id, calendar, span_start, span_end,
	snapshot, status, created_at, resolved_at`

// EnqueueEscalation stores e unless the same group was already escalated for the
// same run key. It reports whether a new row was created.
func (s *Store) EnqueueEscalation(e *Escalation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	if e.Status == "" {
		e.Status = EscalationPending
	}

	res, err := s.db.Exec(`
	INSERT OR IGNORE INTO escalation_tasks (`+escalationColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunKey, e.Fingerprint, e.CorrelationID, e.User, e.Calendar,
		e.SpanStart, e.SpanEnd, e.Snapshot, e.Status, e.CreatedAt, nullInt(e.ResolvedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue escalation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListEscalations retrieves escalations matching the filter, oldest first.
func (s *Store) ListEscalations(f EscalationFilter) ([]*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + escalationColumns + ` FROM escalation_tasks WHERE 1=1`
	args := []interface{}{}
	if f.User != "" {
		query += ` AND user_id = ?`
		args = append(args, f.User)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		e := &Escalation{}
		var resolvedAt sql.NullInt64
		if err := rows.Scan(
			&e.ID, &e.RunKey, &e.Fingerprint, &e.CorrelationID, &e.User, &e.Calendar,
			&e.SpanStart, &e.SpanEnd, &e.Snapshot, &e.Status, &e.CreatedAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		e.ResolvedAt = resolvedAt.Int64
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}
	return out, nil
}

// ResolveEscalation marks a pending escalation handled.
func (s *Store) ResolveEscalation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`UPDATE escalation_tasks SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		EscalationResolved, now, id, EscalationPending)
	if err != nil {
		return fmt.Errorf("failed to resolve escalation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("pending escalation not found: %s", id)
	}
	return nil
}
