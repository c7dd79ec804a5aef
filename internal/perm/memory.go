package perm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trainhub.org/internal/ids"
)

// Memory implements every store interface of this package in process. It
// backs the test suite and the storeless demo mode of cmd/api.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]Record // by record id
	templates   map[string]Template
	resolutions map[string]Resolution
	members     map[string][]string          // department id -> active member ids
	grants      map[string]map[string]bool   // user id -> "resource:action" -> granted
	now         func() time.Time
}

var (
	_ RecordStore      = (*Memory)(nil)
	_ TemplateStore    = (*Memory)(nil)
	_ ResolutionStore  = (*Memory)(nil)
	_ MemberDirectory  = (*Memory)(nil)
	_ MemberGrantStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]Record),
		templates:   make(map[string]Template),
		resolutions: make(map[string]Resolution),
		members:     make(map[string][]string),
		grants:      make(map[string]map[string]bool),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Direct(ctx context.Context, departmentID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.DepartmentID == departmentID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) DirectFor(ctx context.Context, departmentID, resource, action string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.DepartmentID == departmentID && rec.Resource == resource && rec.Action == action {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) ForDepartments(ctx context.Context, departmentIDs []string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(departmentIDs))
	for _, id := range departmentIDs {
		wanted[id] = true
	}
	var out []Record
	for _, rec := range m.records {
		if wanted[rec.DepartmentID] {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Upsert(ctx context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, existing := range m.records {
		if existing.DepartmentID != rec.DepartmentID ||
			existing.Resource != rec.Resource ||
			existing.Action != rec.Action ||
			existing.Priority != rec.Priority {
			continue
		}
		// A zero version asserts the caller saw no record for this tuple;
		// finding one means another writer got there first.
		if rec.Version == 0 {
			return Record{}, false, fmt.Errorf("%w: record %s created concurrently", ErrConcurrency, id)
		}
		if rec.Version != existing.Version {
			return Record{}, false, fmt.Errorf("%w: record %s changed underneath (version %d, expected %d)",
				ErrConcurrency, id, existing.Version, rec.Version)
		}
		rec.ID = id
		rec.Version = existing.Version + 1
		rec.CreatedAt = existing.CreatedAt
		rec.CreatedBy = existing.CreatedBy
		rec.UpdatedAt = now
		m.records[id] = rec
		return rec, false, nil
	}

	rec.ID = ids.New()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = rec
	return rec, true, nil
}

func (m *Memory) Delete(ctx context.Context, departmentID, resource, action string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []Record
	for id, rec := range m.records {
		if rec.DepartmentID == departmentID && rec.Resource == resource && rec.Action == action {
			removed = append(removed, rec)
			delete(m.records, id)
		}
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("%w: no record for %s %s:%s", ErrNotFound, departmentID, resource, action)
	}
	sortRecords(removed)
	return removed, nil
}

func (m *Memory) Template(ctx context.Context, id string) (Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: template %s", ErrNotFound, id)
	}
	return tpl, nil
}

func (m *Memory) Templates(ctx context.Context) ([]Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Template, 0, len(m.templates))
	for _, tpl := range m.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutTemplate registers a template; template authoring is outside the engine,
// so only the in-memory store exposes a setter.
func (m *Memory) PutTemplate(tpl Template) Template {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tpl.ID == "" {
		tpl.ID = ids.New()
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = m.now()
	}
	m.templates[tpl.ID] = tpl
	return tpl
}

func (m *Memory) Record(ctx context.Context, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions[res.ConflictID] = res
	return nil
}

func (m *Memory) ByConflictIDs(ctx context.Context, conflictIDs []string) (map[string]Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Resolution)
	for _, id := range conflictIDs {
		if res, ok := m.resolutions[id]; ok {
			out[id] = res
		}
	}
	return out, nil
}

// SetMembers wires the fake membership directory.
func (m *Memory) SetMembers(departmentID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[departmentID] = append([]string(nil), userIDs...)
}

func (m *Memory) ActiveMembers(ctx context.Context, departmentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.members[departmentID]...), nil
}

func (m *Memory) UpsertMemberGrant(ctx context.Context, userID, resource, action string, granted bool, grantedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[userID] == nil {
		m.grants[userID] = make(map[string]bool)
	}
	m.grants[userID][resource+":"+action] = granted
	return nil
}

// MemberGrant reads back a materialized member grant for assertions.
func (m *Memory) MemberGrant(userID, resource, action string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[userID][resource+":"+action]
	return g, ok
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].DepartmentID != recs[j].DepartmentID {
			return recs[i].DepartmentID < recs[j].DepartmentID
		}
		if recs[i].Resource != recs[j].Resource {
			return recs[i].Resource < recs[j].Resource
		}
		if recs[i].Action != recs[j].Action {
			return recs[i].Action < recs[j].Action
		}
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].ID < recs[j].ID
	})
}
