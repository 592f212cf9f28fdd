package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ArchivedItem is one immutable row of the archive calendar.
type ArchivedItem struct {
	User       string
	Calendar   string
	ItemKey    string
	SourceID   string
	DedupeKey  string
	StartAt    int64 // unix ms
	EndAt      int64 // unix ms
	Payload    string // JSON ScheduledItem
	ArchivedAt int64
}

// InsertArchivedItems adds items that are not present yet. Existing rows with the
// same key are left untouched. It returns the number of rows inserted.
func (s *Store) InsertArchivedItems(items []*ArchivedItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT OR IGNORE INTO archived_items (
		user_id, calendar, item_key, source_id, dedupe_key, start_at, end_at, payload, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare archived item insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	inserted := 0
	for _, it := range items {
		if it.ArchivedAt == 0 {
			it.ArchivedAt = now
		}
		res, err := stmt.Exec(it.User, it.Calendar, it.ItemKey, nullString(it.SourceID), it.DedupeKey,
			it.StartAt, it.EndAt, it.Payload, it.ArchivedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert archived item: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archived items: %w", err)
	}
	return inserted, nil
}

// ListArchivedItems returns items of one calendar whose start lies in [from, to].
func (s *Store) ListArchivedItems(user, calendar string, from, to int64) ([]*ArchivedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT user_id, calendar, item_key, source_id, dedupe_key, start_at, end_at, payload, archived_at
		FROM archived_items
		WHERE user_id = ? AND calendar = ? AND start_at >= ? AND start_at <= ?
		ORDER BY start_at, end_at, item_key`,
		user, calendar, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived items: %w", err)
	}
	defer rows.Close()

	var out []*ArchivedItem
	for rows.Next() {
		it := &ArchivedItem{}
		var sourceID sql.NullString
		if err := rows.Scan(&it.User, &it.Calendar, &it.ItemKey, &sourceID, &it.DedupeKey,
			&it.StartAt, &it.EndAt, &it.Payload, &it.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived item: %w", err)
		}
		it.SourceID = sourceID.String
		out = append(out, it)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived items: %w", err)
	}
	return out, nil
}

// DeleteArchivedItems removes items of one calendar whose start lies in [from, to].
func (s *Store) DeleteArchivedItems(user, calendar string, from, to int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM archived_items
		WHERE user_id = ? AND calendar = ? AND start_at >= ? AND start_at <= ?`,
		user, calendar, from, to,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived items: %w", err)
	}
	return res.RowsAffected()
}
