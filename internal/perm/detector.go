package perm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trainhub.org/internal/dept"
	"trainhub.org/internal/obs"
)

// ConflictType classifies a disagreement between permission records.
type ConflictType string

const (
	ConflictInheritance ConflictType = "inheritance"
	ConflictOverride    ConflictType = "override"
	ConflictPriority    ConflictType = "priority"
	ConflictCondition   ConflictType = "condition"
)

// Severity ranks how dangerous a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Suggested resolution strategies.
const (
	ResolvePriorityBased = "priority_based"
	ResolveKeepParent    = "keep_parent"
	ResolveManual        = "manual"
)

// Conflict is a derived diagnostic, recomputed on every detection run. Its ID
// is a stable hash of (type, department, resource, action, record ids) so a
// recorded resolution survives re-detection until the disagreement is gone.
type Conflict struct {
	ID                   string       `json:"id"`
	Type                 ConflictType `json:"type"`
	Severity             Severity     `json:"severity"`
	Resource             string       `json:"resource"`
	Action               string       `json:"action"`
	DepartmentID         string       `json:"department_id"`
	DepartmentName       string       `json:"department_name,omitempty"`
	ParentDepartmentID   string       `json:"parent_department_id,omitempty"`
	ParentDepartmentName string       `json:"parent_department_name,omitempty"`
	Records              []Record     `json:"records"`
	Description          string       `json:"description"`
	SuggestedResolution  string       `json:"suggested_resolution"`
	AutoResolvable       bool         `json:"auto_resolvable"`
	Resolved             bool         `json:"resolved"`
	Resolution           *Resolution  `json:"resolution,omitempty"`
	DetectedAt           time.Time    `json:"detected_at"`
}

// DetectOptions scope and filter one detection run. Filters apply after
// detection; Limit/Offset paginate the filtered set.
type DetectOptions struct {
	Scope          string // department id restricting detection to its subtree; empty scans everything
	ForceRecheck   bool
	Type           ConflictType
	Severity       Severity
	Resolved       *bool
	AutoResolvable *bool
	Limit          int
	Offset         int
}

// Detector batch-scans departments and records for disagreements the resolver
// would mask or settle ambiguously.
type Detector struct {
	depts       dept.Store
	records     RecordStore
	resolutions ResolutionStore
	now         func() time.Time

	mu       sync.Mutex
	cache    map[string]detectorRun
	cacheTTL time.Duration
}

type detectorRun struct {
	conflicts []Conflict
	at        time.Time
}

func NewDetector(depts dept.Store, records RecordStore, resolutions ResolutionStore) *Detector {
	return &Detector{
		depts:       depts,
		records:     records,
		resolutions: resolutions,
		now:         func() time.Time { return time.Now().UTC() },
		cache:       make(map[string]detectorRun),
		cacheTTL:    5 * time.Minute,
	}
}

// Detect runs the four conflict passes over a snapshot of the scope and
// returns the filtered page plus the total after filtering. Runs are
// idempotent for a fixed snapshot.
func (d *Detector) Detect(ctx context.Context, opts DetectOptions) ([]Conflict, int, error) {
	cached, err := d.run(ctx, opts.Scope, opts.ForceRecheck)
	if err != nil {
		return nil, 0, err
	}
	// Work on copies so resolution marks never leak into the shared cache.
	conflicts := append([]Conflict(nil), cached...)
	if err := d.markResolved(ctx, conflicts); err != nil {
		return nil, 0, err
	}

	filtered := conflicts[:0:0]
	for _, c := range conflicts {
		if opts.Type != "" && c.Type != opts.Type {
			continue
		}
		if opts.Severity != "" && c.Severity != opts.Severity {
			continue
		}
		if opts.Resolved != nil && c.Resolved != *opts.Resolved {
			continue
		}
		if opts.AutoResolvable != nil && c.AutoResolvable != *opts.AutoResolvable {
			continue
		}
		filtered = append(filtered, c)
	}
	total := len(filtered)

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (d *Detector) run(ctx context.Context, scope string, force bool) ([]Conflict, error) {
	now := d.now()

	if !force {
		d.mu.Lock()
		cached, ok := d.cache[scope]
		d.mu.Unlock()
		if ok && now.Sub(cached.at) < d.cacheTTL {
			return cached.conflicts, nil
		}
	}

	snap, err := d.loadSnapshot(ctx, scope, now)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	conflicts = append(conflicts, d.inheritancePass(snap)...)
	conflicts = append(conflicts, d.overridePass(snap)...)
	conflicts = append(conflicts, d.priorityPass(snap)...)
	conflicts = append(conflicts, d.conditionPass(snap)...)

	for i := range conflicts {
		conflicts[i].DetectedAt = now
		conflicts[i].ID = conflictID(conflicts[i])
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Type != conflicts[j].Type {
			return conflicts[i].Type < conflicts[j].Type
		}
		if conflicts[i].DepartmentID != conflicts[j].DepartmentID {
			return conflicts[i].DepartmentID < conflicts[j].DepartmentID
		}
		if conflicts[i].Resource != conflicts[j].Resource {
			return conflicts[i].Resource < conflicts[j].Resource
		}
		if conflicts[i].Action != conflicts[j].Action {
			return conflicts[i].Action < conflicts[j].Action
		}
		return conflicts[i].ID < conflicts[j].ID
	})

	counts := make(map[string]int)
	for _, c := range conflicts {
		counts[string(c.Type)+"/"+string(c.Severity)]++
	}
	obs.ObserveConflictRun(counts)

	d.mu.Lock()
	d.cache[scope] = detectorRun{conflicts: conflicts, at: now}
	d.mu.Unlock()
	return conflicts, nil
}

// snapshot is one consistent load of departments and their active records.
type snapshot struct {
	depts   []dept.Department
	byID    map[string]dept.Department
	byDept  map[string][]Record
	records map[raKey][]Record // keyed per department+resource+action
}

type raKey struct {
	dept     string
	resource string
	action   string
}

func (d *Detector) loadSnapshot(ctx context.Context, scope string, now time.Time) (*snapshot, error) {
	var (
		departments []dept.Department
		err         error
	)
	if scope == "" {
		departments, err = d.depts.All(ctx)
	} else {
		departments, err = d.depts.Subtree(ctx, scope)
	}
	if err != nil {
		if errors.Is(err, dept.ErrNotFound) {
			return nil, fmt.Errorf("%w: scope department %s", ErrNotFound, scope)
		}
		return nil, fmt.Errorf("%w: load departments: %v", ErrStorage, err)
	}

	ids := make([]string, len(departments))
	byID := make(map[string]dept.Department, len(departments))
	for i, dep := range departments {
		ids[i] = dep.ID
		byID[dep.ID] = dep
	}

	recs, err := d.records.ForDepartments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: load records: %v", ErrStorage, err)
	}

	snap := &snapshot{
		depts:   departments,
		byID:    byID,
		byDept:  make(map[string][]Record),
		records: make(map[raKey][]Record),
	}
	for _, rec := range recs {
		if !rec.Active(now) {
			continue
		}
		snap.byDept[rec.DepartmentID] = append(snap.byDept[rec.DepartmentID], rec)
		k := raKey{rec.DepartmentID, rec.Resource, rec.Action}
		snap.records[k] = append(snap.records[k], rec)
	}
	return snap, nil
}

// inheritancePass flags a department whose inheriting records disagree with
// the parent's records for the same (resource, action).
func (d *Detector) inheritancePass(snap *snapshot) []Conflict {
	var out []Conflict
	for _, dep := range snap.depts {
		if dep.ParentID == "" {
			continue
		}
		parent, inScope := snap.byID[dep.ParentID]
		if !inScope {
			// Scope root's parent lies outside the snapshot; an unscoped
			// run covers that edge.
			continue
		}
		for _, rec := range snap.byDept[dep.ID] {
			if !rec.InheritFromParent {
				continue
			}
			parentRecs := snap.records[raKey{parent.ID, rec.Resource, rec.Action}]
			for _, prec := range parentRecs {
				if prec.Granted == rec.Granted {
					continue
				}
				out = append(out, Conflict{
					Type:               ConflictInheritance,
					Severity:           scoreSeverity(rec.Resource, rec.Action, 2),
					Resource:           rec.Resource,
					Action:             rec.Action,
					DepartmentID:       dep.ID,
					DepartmentName:     dep.Name,
					ParentDepartmentID: parent.ID, ParentDepartmentName: parent.Name,
					Records: []Record{rec, prec},
					Description: fmt.Sprintf("%s inherits %s:%s from %s but stores the opposite value",
						dep.Name, rec.Resource, rec.Action, parent.Name),
					SuggestedResolution: ResolvePriorityBased,
					AutoResolvable:      true,
				})
			}
		}
	}
	return out
}

// overridePass flags descendants whose direct records contradict an ancestor
// record carrying override_children.
func (d *Detector) overridePass(snap *snapshot) []Conflict {
	var out []Conflict
	for _, ancestor := range snap.depts {
		for _, orec := range snap.byDept[ancestor.ID] {
			if !orec.OverrideChildren {
				continue
			}
			for _, desc := range snap.depts {
				if desc.ID == ancestor.ID || !desc.HasAncestor(ancestor.ID) {
					continue
				}
				for _, drec := range snap.records[raKey{desc.ID, orec.Resource, orec.Action}] {
					if drec.Granted == orec.Granted {
						continue
					}
					out = append(out, Conflict{
						Type:               ConflictOverride,
						Severity:           scoreSeverity(orec.Resource, orec.Action, 2),
						Resource:           orec.Resource,
						Action:             orec.Action,
						DepartmentID:       desc.ID,
						DepartmentName:     desc.Name,
						ParentDepartmentID: ancestor.ID, ParentDepartmentName: ancestor.Name,
						Records: []Record{orec, drec},
						Description: fmt.Sprintf("%s overrides %s:%s for descendants but %s stores the opposite value",
							ancestor.Name, orec.Resource, orec.Action, desc.Name),
						SuggestedResolution: ResolveKeepParent,
						AutoResolvable:      true,
					})
				}
			}
		}
	}
	return out
}

// priorityPass flags same-priority records at one department whose granted
// values differ. Priority ties are inherently ambiguous, never auto-resolved.
func (d *Detector) priorityPass(snap *snapshot) []Conflict {
	var out []Conflict
	for _, dep := range snap.depts {
		grouped := make(map[raKey]map[int][]Record)
		for _, rec := range snap.byDept[dep.ID] {
			k := raKey{dep.ID, rec.Resource, rec.Action}
			if grouped[k] == nil {
				grouped[k] = make(map[int][]Record)
			}
			grouped[k][rec.Priority] = append(grouped[k][rec.Priority], rec)
		}
		for k, byPrio := range grouped {
			for prio, recs := range byPrio {
				if len(recs) < 2 || !grantedValuesDiffer(recs) {
					continue
				}
				out = append(out, Conflict{
					Type:           ConflictPriority,
					Severity:       scoreSeverity(k.resource, k.action, len(recs)),
					Resource:       k.resource,
					Action:         k.action,
					DepartmentID:   dep.ID,
					DepartmentName: dep.Name,
					Records:        recs,
					Description: fmt.Sprintf("%d records for %s:%s at %s share priority %d with conflicting values",
						len(recs), k.resource, k.action, dep.Name, prio),
					SuggestedResolution: ResolveManual,
					AutoResolvable:      false,
				})
			}
		}
	}
	return out
}

// conditionPass flags record pairs on the same (resource, action) whose
// conditions share a key with disjoint allowed-value sets.
func (d *Detector) conditionPass(snap *snapshot) []Conflict {
	var out []Conflict
	for _, dep := range snap.depts {
		byRA := make(map[raKey][]Record)
		for _, rec := range snap.byDept[dep.ID] {
			if len(rec.Conditions) == 0 {
				continue
			}
			k := raKey{dep.ID, rec.Resource, rec.Action}
			byRA[k] = append(byRA[k], rec)
		}
		for k, recs := range byRA {
			for i := 0; i < len(recs); i++ {
				for j := i + 1; j < len(recs); j++ {
					key, disjoint := disjointConditionKey(recs[i], recs[j])
					if !disjoint {
						continue
					}
					out = append(out, Conflict{
						Type:           ConflictCondition,
						Severity:       scoreSeverity(k.resource, k.action, 2),
						Resource:       k.resource,
						Action:         k.action,
						DepartmentID:   dep.ID,
						DepartmentName: dep.Name,
						Records:        []Record{recs[i], recs[j]},
						Description: fmt.Sprintf("records for %s:%s at %s disagree on condition %q with no shared value",
							k.resource, k.action, dep.Name, key),
						SuggestedResolution: ResolveManual,
						AutoResolvable:      false,
					})
				}
			}
		}
	}
	return out
}

// disjointConditionKey reports the first condition key two records share with
// no overlapping allowed value.
func disjointConditionKey(a, b Record) (string, bool) {
	for _, ca := range a.Conditions {
		for _, cb := range b.Conditions {
			if ca.Key != cb.Key {
				continue
			}
			setA := ca.AllowedSet()
			overlap := false
			for v := range cb.AllowedSet() {
				if _, ok := setA[v]; ok {
					overlap = true
					break
				}
			}
			if !overlap {
				return ca.Key, true
			}
		}
	}
	return "", false
}

func grantedValuesDiffer(recs []Record) bool {
	for _, r := range recs[1:] {
		if r.Granted != recs[0].Granted {
			return true
		}
	}
	return false
}

var (
	criticalResources = map[string]bool{"users": true, "departments": true, "roles": true, "permissions": true}
	criticalActions   = map[string]bool{"create": true, "delete": true, "manage": true}
)

// scoreSeverity ranks a conflict by how sensitive its (resource, action) pair
// is and, failing that, by how many records are implicated.
func scoreSeverity(resource, action string, records int) Severity {
	res := criticalResources[resource]
	act := criticalActions[action]
	switch {
	case res && act:
		return SeverityCritical
	case res || act:
		return SeverityHigh
	case records > 3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// conflictID derives the stable identity hash for a conflict.
func conflictID(c Conflict) string {
	recIDs := make([]string, len(c.Records))
	for i, r := range c.Records {
		recIDs[i] = r.ID
	}
	sort.Strings(recIDs)
	payload := strings.Join([]string{
		string(c.Type), c.DepartmentID, c.Resource, c.Action, strings.Join(recIDs, ","),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

func (d *Detector) markResolved(ctx context.Context, conflicts []Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	ids := make([]string, len(conflicts))
	for i, c := range conflicts {
		ids[i] = c.ID
	}
	resolved, err := d.resolutions.ByConflictIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("%w: load resolutions: %v", ErrStorage, err)
	}
	for i := range conflicts {
		if res, ok := resolved[conflicts[i].ID]; ok {
			resCopy := res
			conflicts[i].Resolved = true
			conflicts[i].Resolution = &resCopy
		}
	}
	return nil
}
