package store

import (
	"context"
	"sync"
	"time"
)

// MemoryJournal is an in-process Journal used when no database is configured.
type MemoryJournal struct {
	mu     sync.RWMutex
	nextID int64
	seqs   map[string]int64
	events []*Event
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{seqs: make(map[string]int64)}
}

func (m *MemoryJournal) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.seqs[event.ExecutionID]++
	event.ID = m.nextID
	event.Sequence = m.seqs[event.ExecutionID]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryJournal) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryJournal) QueryEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if !filter.matches(m.events[i]) {
			continue
		}
		cp := *m.events[i]
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryJournal) Close() error { return nil }

var _ Journal = (*MemoryJournal)(nil)
