package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-memory audit store used by tests and demo mode.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	failing bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

// SetFailing makes Append return ErrAppendFailed, for retry-path tests.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *Memory) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrAppendFailed
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *Memory) Trail(ctx context.Context, f Filter) ([]Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Entry
	for _, e := range m.entries {
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		if f.Resource != "" && e.Resource != f.Resource {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ChangeType != "" && e.ChangeType != f.ChangeType {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.CreatedAt.After(f.To) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *Memory) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var removed int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

// Entries returns a copy of everything appended, newest last.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}
