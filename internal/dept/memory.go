package dept

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory hierarchy used by tests and the storeless demo mode.
type Memory struct {
	mu    sync.RWMutex
	depts map[string]Department
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{depts: make(map[string]Department)}
}

// Add inserts a department, deriving path and level from its parent.
func (m *Memory) Add(id, name, parentID string) (Department, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Department{
		ID:        id,
		Name:      name,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
	}
	if parentID != "" {
		parent, ok := m.depts[parentID]
		if !ok {
			return Department{}, fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		d.Path = append(parent.Ancestors(), parent.ID)
		d.Level = parent.Level + 1
	}
	if err := d.Validate(); err != nil {
		return Department{}, err
	}
	m.depts[id] = d
	return d, nil
}

func (m *Memory) Get(ctx context.Context, id string) (Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.depts[id]
	if !ok {
		return Department{}, fmt.Errorf("%w: department %s", ErrNotFound, id)
	}
	return d, nil
}

func (m *Memory) Subtree(ctx context.Context, id string) ([]Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root, ok := m.depts[id]
	if !ok {
		return nil, fmt.Errorf("%w: department %s", ErrNotFound, id)
	}
	result := []Department{root}
	for _, d := range m.depts {
		if d.HasAncestor(id) {
			result = append(result, d)
		}
	}
	sortDepts(result)
	return result, nil
}

func (m *Memory) All(ctx context.Context) ([]Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Department, 0, len(m.depts))
	for _, d := range m.depts {
		result = append(result, d)
	}
	sortDepts(result)
	return result, nil
}

func sortDepts(ds []Department) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Level != ds[j].Level {
			return ds[i].Level < ds[j].Level
		}
		return ds[i].ID < ds[j].ID
	})
}
