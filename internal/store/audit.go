package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one write-once row of audit_log.
type AuditEntry struct {
	Seq           int64
	ID            string
	User          string
	ActionType    string
	Operation     string
	ResourceType  string
	ResourceID    string
	Status        string
	Details       string // JSON
	CorrelationID string
	ParentID      string
	DurationMs    int64
	CreatedAt     int64 // unix ms
}

// AuditFilter selects entries for a user in [From, To] (unix ms, 0 = open).
type AuditFilter struct {
	User  string
	From  int64
	To    int64
	Limit int
}

const auditColumns = `
	seq, id, user_id, action_type, operation, resource_type, resource_id, status,
	details, correlation_id, parent_id, duration_ms, created_at`

// AppendAudit inserts an entry. Entries are never updated or deleted.
func (s *Store) AppendAudit(e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	res, err := s.db.Exec(`
	INSERT INTO audit_log (
		id, user_id, action_type, operation, resource_type, resource_id, status,
		details, correlation_id, parent_id, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.User, e.ActionType, e.Operation,
		nullString(e.ResourceType), nullString(e.ResourceID), e.Status,
		nullString(e.Details), e.CorrelationID, nullString(e.ParentID),
		e.DurationMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

// AuditByCorrelation returns every entry of one run in insertion order.
func (s *Store) AuditByCorrelation(correlationID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+auditColumns+` FROM audit_log WHERE correlation_id = ? ORDER BY seq`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	return scanAuditRows(rows)
}

// AuditByUser returns a user's entries in a date range, oldest first.
func (s *Store) AuditByUser(f AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE user_id = ?`
	args := []interface{}{f.User}
	if f.From > 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.From)
	}
	if f.To > 0 {
		query += ` AND created_at <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY created_at, seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user activity: %w", err)
	}
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var resType, resID, details, parent sql.NullString
		if err := rows.Scan(
			&e.Seq, &e.ID, &e.User, &e.ActionType, &e.Operation, &resType, &resID, &e.Status,
			&details, &e.CorrelationID, &parent, &e.DurationMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ResourceType = resType.String
		e.ResourceID = resID.String
		e.Details = details.String
		e.ParentID = parent.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
