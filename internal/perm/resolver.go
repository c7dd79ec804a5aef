package perm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trainhub.org/internal/dept"
	"trainhub.org/internal/obs"
)

// Query asks for the effective decision at one department. Attributes feed
// the condition pre-filter: a record whose conditions do not match is treated
// as absent for this call. Default is the caller-supplied deny value used when
// no record exists anywhere on the chain.
type Query struct {
	DepartmentID string
	Resource     string
	Action       string
	Attributes   map[string]string
	Default      bool
}

// Resolver computes effective permissions from the hierarchy and the record
// store. It is read-only and safe for unlimited parallel invocation.
type Resolver struct {
	depts   dept.Store
	records RecordStore
	now     func() time.Time
}

func NewResolver(depts dept.Store, records RecordStore) *Resolver {
	return &Resolver{depts: depts, records: records, now: func() time.Time { return time.Now().UTC() }}
}

// Resolve walks the materialized ancestor path and returns one effective
// decision with provenance. Precedence, strongest first:
//
//  1. an ancestor record with override_children, shallowest ancestor winning;
//  2. the department's own direct record (highest priority), regardless of
//     its inherit_from_parent flag;
//  3. the nearest ancestor's direct record as inherited fallback;
//  4. the caller-supplied default.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Effective, error) {
	if err := ValidateIdent("resource", q.Resource); err != nil {
		return Effective{}, err
	}
	if err := ValidateIdent("action", q.Action); err != nil {
		return Effective{}, err
	}
	d, err := r.depts.Get(ctx, q.DepartmentID)
	if err != nil {
		return Effective{}, fmt.Errorf("%w: department %s", ErrNotFound, q.DepartmentID)
	}
	// The hierarchy invariant bounds the walk; refuse corrupt paths instead
	// of looping over them.
	if len(d.Path) >= dept.MaxDepth {
		return Effective{}, fmt.Errorf("%w: ancestor chain of %d exceeds depth bound", ErrValidation, len(d.Path))
	}

	now := r.now()

	// Pass 1: shallowest ancestor override wins outright.
	for _, ancestorID := range d.Path {
		best, ok, err := r.bestDirect(ctx, ancestorID, q, now)
		if err != nil {
			return Effective{}, err
		}
		if ok && best.OverrideChildren {
			return r.inherited(ctx, q, best), nil
		}
	}

	// Pass 2: the department's own direct record.
	if best, ok, err := r.bestDirect(ctx, d.ID, q, now); err != nil {
		return Effective{}, err
	} else if ok {
		obs.ObserveResolve(string(SourceDirect))
		return Effective{
			Resource:             q.Resource,
			Action:               q.Action,
			Granted:              best.Granted,
			Source:               SourceDirect,
			SourceDepartmentID:   d.ID,
			SourceDepartmentName: d.Name,
		}, nil
	}

	// Pass 3: nearest ancestor with a direct record supplies the fallback.
	for i := len(d.Path) - 1; i >= 0; i-- {
		best, ok, err := r.bestDirect(ctx, d.Path[i], q, now)
		if err != nil {
			return Effective{}, err
		}
		if ok {
			return r.inherited(ctx, q, best), nil
		}
	}

	// Pass 4: nothing anywhere on the chain; the default is reported as a
	// direct decision at the queried department.
	obs.ObserveResolve(string(SourceDirect))
	return Effective{
		Resource:             q.Resource,
		Action:               q.Action,
		Granted:              q.Default,
		Source:               SourceDirect,
		SourceDepartmentID:   d.ID,
		SourceDepartmentName: d.Name,
	}, nil
}

func (r *Resolver) inherited(ctx context.Context, q Query, rec Record) Effective {
	name := ""
	if src, err := r.depts.Get(ctx, rec.DepartmentID); err == nil {
		name = src.Name
	}
	obs.ObserveResolve(string(SourceInherited))
	return Effective{
		Resource:             q.Resource,
		Action:               q.Action,
		Granted:              rec.Granted,
		Source:               SourceInherited,
		SourceDepartmentID:   rec.DepartmentID,
		SourceDepartmentName: name,
	}
}

// bestDirect returns the winning active record at one department for the
// queried (resource, action): expired records and records whose conditions do
// not match the caller attributes are treated as absent; among the rest the
// highest priority wins, ties broken deterministically.
func (r *Resolver) bestDirect(ctx context.Context, departmentID string, q Query, now time.Time) (Record, bool, error) {
	recs, err := r.records.DirectFor(ctx, departmentID, q.Resource, q.Action)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: load records for %s: %v", ErrStorage, departmentID, err)
	}
	live := recs[:0:0]
	for _, rec := range recs {
		if !rec.Active(now) {
			continue
		}
		if !rec.MatchesAttributes(q.Attributes) {
			continue
		}
		live = append(live, rec)
	}
	if len(live) == 0 {
		return Record{}, false, nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Priority != live[j].Priority {
			return live[i].Priority > live[j].Priority
		}
		if !live[i].UpdatedAt.Equal(live[j].UpdatedAt) {
			return live[i].UpdatedAt.After(live[j].UpdatedAt)
		}
		return live[i].ID < live[j].ID
	})
	return live[0], true, nil
}
