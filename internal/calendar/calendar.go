// Package calendar defines the contracts the archiver needs from calendar sources
// and destinations, plus the guard every external call goes through.
package calendar

import (
	"context"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// Source supplies candidate items for a window. An empty result means no data; an
// access failure (including rate limiting) is always reported as an error.
type Source interface {
	FetchItems(ctx context.Context, scope schedule.Scope, w schedule.Window) ([]schedule.ScheduledItem, error)
}

// WriteResult reports how far a write got. Items are written in order, so the first
// Written items of the request are in the destination even when an error is
// returned. Present counts those among them that were already there and left
// untouched.
type WriteResult struct {
	Written int
	Present int
}

// Destination is a calendar the archiver writes into.
type Destination interface {
	Source
	WriteItems(ctx context.Context, scope schedule.Scope, items []schedule.ScheduledItem) (WriteResult, error)
	DeleteItems(ctx context.Context, scope schedule.Scope, w schedule.Window) (int, error)
}
