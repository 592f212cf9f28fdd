package calendar

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
	"github.com/p-blackswan/calendar-archiver/internal/store"
)

// ArchiveStore is the persistence behind ArchiveCalendar.
type ArchiveStore interface {
	InsertArchivedItems(items []*store.ArchivedItem) (int, error)
	ListArchivedItems(user, calendar string, from, to int64) ([]*store.ArchivedItem, error)
	DeleteArchivedItems(user, calendar string, from, to int64) (int64, error)
}

// ArchiveCalendar is the immutable historical record, kept in SQLite. Items are
// only ever added; an item already present under the same key is never rewritten.
type ArchiveCalendar struct {
	store  ArchiveStore
	logger zerolog.Logger
}

// NewArchiveCalendar creates an archive calendar on st.
func NewArchiveCalendar(st ArchiveStore, logger zerolog.Logger) *ArchiveCalendar {
	return &ArchiveCalendar{
		store:  st,
		logger: logger.With().Str("component", "archive_calendar").Logger(),
	}
}

// FetchItems returns archived items starting inside w.
func (a *ArchiveCalendar) FetchItems(ctx context.Context, scope schedule.Scope, w schedule.Window) ([]schedule.ScheduledItem, error) {
	rows, err := a.store.ListArchivedItems(scope.User, scope.Calendar, w.Start.UnixMilli(), w.End.UnixMilli())
	if err != nil {
		return nil, err
	}
	out := make([]schedule.ScheduledItem, 0, len(rows))
	for _, row := range rows {
		var it schedule.ScheduledItem
		if err := json.Unmarshal([]byte(row.Payload), &it); err != nil {
			return nil, fmt.Errorf("failed to decode archived item %s: %w", row.ItemKey, err)
		}
		out = append(out, it)
	}
	return out, nil
}

// WriteItems archives items in one transaction. Either all are persisted or none.
// Items already archived under the same key count as Present.
func (a *ArchiveCalendar) WriteItems(ctx context.Context, scope schedule.Scope, items []schedule.ScheduledItem) (WriteResult, error) {
	rows := make([]*store.ArchivedItem, 0, len(items))
	for _, it := range items {
		it = it.Clone()
		it.Scope = scope
		it.IsArchived = true
		payload, err := json.Marshal(it)
		if err != nil {
			return WriteResult{}, fmt.Errorf("failed to encode item %q: %w", it.Subject, err)
		}
		key := it.SourceID
		if key == "" {
			key = it.DedupeKey()
		}
		rows = append(rows, &store.ArchivedItem{
			User:      scope.User,
			Calendar:  scope.Calendar,
			ItemKey:   key,
			SourceID:  it.SourceID,
			DedupeKey: it.DedupeKey(),
			StartAt:   it.Start.UnixMilli(),
			EndAt:     it.End.UnixMilli(),
			Payload:   string(payload),
		})
	}

	inserted, err := a.store.InsertArchivedItems(rows)
	if err != nil {
		return WriteResult{}, err
	}
	present := len(rows) - inserted
	if present > 0 {
		a.logger.Debug().Str("scope", scope.Key()).Int("present", present).Msg("Items already archived")
	}
	return WriteResult{Written: len(rows), Present: present}, nil
}

// DeleteItems removes archived items starting inside w. Only Replace runs call it.
func (a *ArchiveCalendar) DeleteItems(ctx context.Context, scope schedule.Scope, w schedule.Window) (int, error) {
	n, err := a.store.DeleteArchivedItems(scope.User, scope.Calendar, w.Start.UnixMilli(), w.End.UnixMilli())
	if err != nil {
		return 0, err
	}
	a.logger.Info().Str("scope", scope.Key()).Int64("deleted", n).Msg("Archived window cleared")
	return int(n), nil
}
