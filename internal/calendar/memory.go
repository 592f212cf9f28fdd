package calendar

import (
	"context"
	"slices"
	"sync"

	"github.com/p-blackswan/calendar-archiver/internal/schedule"
)

// Memory is an in-process calendar. It serves as a source or destination for local
// runs and tests, and can inject failures. Unlike the archive calendar it stores
// every written item, duplicates included, like a remote calendar would.
type Memory struct {
	mu    sync.Mutex
	items map[schedule.Scope][]schedule.ScheduledItem

	fetchErr   error
	failAfter  int
	failErr    error
	writeCalls int
	written    int
}

// NewMemory creates an empty calendar.
func NewMemory() *Memory {
	return &Memory{
		items:     make(map[schedule.Scope][]schedule.ScheduledItem),
		failAfter: -1,
	}
}

// Add seeds items into their scopes.
func (m *Memory) Add(items ...schedule.ScheduledItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.Scope] = append(m.items[it.Scope], it.Clone())
	}
}

// Items returns a copy of everything stored for scope, in start order.
func (m *Memory) Items(scope schedule.Scope) []schedule.ScheduledItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schedule.ScheduledItem, 0, len(m.items[scope]))
	for _, it := range m.items[scope] {
		out = append(out, it.Clone())
	}
	slices.SortStableFunc(out, func(a, b schedule.ScheduledItem) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.End.Compare(b.End)
	})
	return out
}

// FailFetch makes every FetchItems call return err until cleared with nil.
func (m *Memory) FailFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// FailWritesAfter lets n more items be written, then fails the write in progress
// with err. The failure fires once.
func (m *Memory) FailWritesAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.failErr = err
}

// WriteCalls returns the number of WriteItems calls.
func (m *Memory) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

// Written returns the total number of items ever written.
func (m *Memory) Written() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// FetchItems returns items starting inside w plus recurring templates that begin
// before w ends.
func (m *Memory) FetchItems(ctx context.Context, scope schedule.Scope, w schedule.Window) ([]schedule.ScheduledItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []schedule.ScheduledItem
	for _, it := range m.items[scope] {
		if w.Contains(it.Start) || (it.IsRecurring() && !it.Start.After(w.End)) {
			out = append(out, it.Clone())
		}
	}
	return out, nil
}

// WriteItems appends items to scope in order.
func (m *Memory) WriteItems(ctx context.Context, scope schedule.Scope, items []schedule.ScheduledItem) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	var res WriteResult
	for _, it := range items {
		if m.failAfter == 0 {
			m.failAfter = -1
			return res, m.failErr
		}
		if m.failAfter > 0 {
			m.failAfter--
		}
		it = it.Clone()
		it.Scope = scope
		m.items[scope] = append(m.items[scope], it)
		m.written++
		res.Written++
	}
	return res, nil
}

// DeleteItems removes items of scope starting inside w.
func (m *Memory) DeleteItems(ctx context.Context, scope schedule.Scope, w schedule.Window) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.items[scope][:0]
	deleted := 0
	for _, it := range m.items[scope] {
		if w.Contains(it.Start) {
			deleted++
			continue
		}
		kept = append(kept, it)
	}
	m.items[scope] = kept
	return deleted, nil
}
