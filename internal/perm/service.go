package perm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"trainhub.org/internal/audit"
	"trainhub.org/internal/auth"
	"trainhub.org/internal/dept"
	"trainhub.org/internal/obs"
)

// GetOptions shape a permission listing.
type GetOptions struct {
	IncludeInherited bool
	IncludeEffective bool
	Resource         string
	Action           string
}

// InheritedRecord is an ancestor record annotated with where it lives.
type InheritedRecord struct {
	Record
	SourceDepartmentName string `json:"source_department_name"`
}

// View is the result of a permission listing.
type View struct {
	Direct    []Record          `json:"direct"`
	Inherited []InheritedRecord `json:"inherited,omitempty"`
	Effective []Effective       `json:"effective,omitempty"`
}

// SetItem is one tuple of a SetPermissions batch.
type SetItem struct {
	Resource          string      `json:"resource"`
	Action            string      `json:"action"`
	Granted           bool        `json:"granted"`
	InheritFromParent bool        `json:"inherit_from_parent"`
	OverrideChildren  bool        `json:"override_children"`
	Priority          int         `json:"priority"`
	Conditions        []Condition `json:"conditions,omitempty"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
}

// SetOptions extend a SetPermissions batch.
type SetOptions struct {
	ApplyToChildren bool
	ApplyToMembers  bool
	Reason          string
}

// TemplateOptions extend a template application.
type TemplateOptions struct {
	OverrideExisting bool
	ApplyToChildren  bool
	ApplyToMembers   bool
	Reason           string
}

// ItemError pinpoints one failed tuple of a batch.
type ItemError struct {
	DepartmentID string `json:"department_id"`
	Resource     string `json:"resource"`
	Action       string `json:"action"`
	Error        string `json:"error"`
}

// Report is the partial-success result of a batch write. A bad tuple never
// fails the whole batch.
type Report struct {
	Created []Record    `json:"created"`
	Updated []Record    `json:"updated"`
	Skipped []Record    `json:"skipped,omitempty"`
	Errors  []ItemError `json:"errors"`
}

// Service exposes the engine's boundary operations to the request-handling
// layer. Every mutation routes through the change auditor in the same logical
// unit of work.
type Service struct {
	depts       dept.Store
	records     RecordStore
	templates   TemplateStore
	resolutions ResolutionStore
	members     MemberDirectory
	grants      MemberGrantStore
	auditor     *audit.Recorder
	resolver    *Resolver
	detector    *Detector
	now         func() time.Time
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithMembers wires the external membership directory and grant table used by
// member cascades.
func WithMembers(dir MemberDirectory, grants MemberGrantStore) ServiceOption {
	return func(s *Service) {
		s.members = dir
		s.grants = grants
	}
}

func NewService(depts dept.Store, records RecordStore, templates TemplateStore, resolutions ResolutionStore, auditor *audit.Recorder, opts ...ServiceOption) *Service {
	s := &Service{
		depts:       depts,
		records:     records,
		templates:   templates,
		resolutions: resolutions,
		auditor:     auditor,
		resolver:    NewResolver(depts, records),
		detector:    NewDetector(depts, records, resolutions),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver returns the read-side resolver for callers that only need
// effective decisions.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Resolve answers one effective-permission query.
func (s *Service) Resolve(ctx context.Context, q Query) (Effective, error) {
	return s.resolver.Resolve(ctx, q)
}

// Permissions lists a department's records, optionally with the ancestor
// records it could inherit and the fully resolved effective set.
func (s *Service) Permissions(ctx context.Context, departmentID string, opts GetOptions) (View, error) {
	d, err := s.depts.Get(ctx, departmentID)
	if err != nil {
		return View{}, fmt.Errorf("%w: department %s", ErrNotFound, departmentID)
	}

	direct, err := s.records.Direct(ctx, d.ID)
	if err != nil {
		return View{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	direct = filterRecords(direct, opts.Resource, opts.Action)

	view := View{Direct: direct}

	if opts.IncludeInherited || opts.IncludeEffective {
		seen := make(map[raKey]bool)
		for _, rec := range direct {
			seen[raKey{"", rec.Resource, rec.Action}] = true
		}
		for _, ancestorID := range d.Path {
			ancestor, err := s.depts.Get(ctx, ancestorID)
			if err != nil {
				return View{}, fmt.Errorf("%w: ancestor %s", ErrNotFound, ancestorID)
			}
			recs, err := s.records.Direct(ctx, ancestorID)
			if err != nil {
				return View{}, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			for _, rec := range filterRecords(recs, opts.Resource, opts.Action) {
				if !rec.Active(s.now()) {
					continue
				}
				if opts.IncludeInherited {
					view.Inherited = append(view.Inherited, InheritedRecord{
						Record:               rec,
						SourceDepartmentName: ancestor.Name,
					})
				}
				seen[raKey{"", rec.Resource, rec.Action}] = true
			}
		}
		if opts.IncludeEffective {
			pairs := make([]raKey, 0, len(seen))
			for k := range seen {
				pairs = append(pairs, k)
			}
			sort.Slice(pairs, func(i, j int) bool {
				if pairs[i].resource != pairs[j].resource {
					return pairs[i].resource < pairs[j].resource
				}
				return pairs[i].action < pairs[j].action
			})
			for _, k := range pairs {
				eff, err := s.resolver.Resolve(ctx, Query{
					DepartmentID: d.ID,
					Resource:     k.resource,
					Action:       k.action,
				})
				if err != nil {
					return View{}, err
				}
				view.Effective = append(view.Effective, eff)
			}
		}
	}
	return view, nil
}

// SetPermissions upserts a batch of records at the department, optionally
// cascading to descendants (as point-in-time snapshots) and to current active
// members. Tuples fail independently.
func (s *Service) SetPermissions(ctx context.Context, departmentID string, items []SetItem, opts SetOptions) (Report, error) {
	d, err := s.depts.Get(ctx, departmentID)
	if err != nil {
		return Report{}, fmt.Errorf("%w: department %s", ErrNotFound, departmentID)
	}
	if len(items) == 0 {
		return Report{}, fmt.Errorf("%w: empty permission batch", ErrValidation)
	}

	var descendants []dept.Department
	if opts.ApplyToChildren {
		sub, err := s.depts.Subtree(ctx, d.ID)
		if err != nil {
			return Report{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		descendants = sub[1:] // Subtree includes the department itself first
	}

	report := Report{Errors: []ItemError{}}
	actor := auth.ActorID(ctx)

	for _, item := range items {
		if err := s.validateItem(item); err != nil {
			report.Errors = append(report.Errors, itemError(d.ID, item, err))
			continue
		}
		if err := s.applyItem(ctx, d.ID, item, actor, opts.Reason, false, &report); err != nil {
			report.Errors = append(report.Errors, itemError(d.ID, item, err))
			continue
		}
		for _, child := range descendants {
			if err := s.applyItem(ctx, child.ID, item, actor, opts.Reason, true, &report); err != nil {
				report.Errors = append(report.Errors, itemError(child.ID, item, err))
			}
		}
		if opts.ApplyToMembers {
			if err := s.applyToMembers(ctx, d.ID, item.Resource, item.Action, item.Granted, actor, opts.Reason, &report); err != nil {
				report.Errors = append(report.Errors, itemError(d.ID, item, err))
			}
		}
	}
	return report, nil
}

// DeletePermission removes every record for the (department, resource,
// action) and audits each removal.
func (s *Service) DeletePermission(ctx context.Context, departmentID, resource, action, reason string) error {
	if err := ValidateIdent("resource", resource); err != nil {
		return err
	}
	if err := ValidateIdent("action", action); err != nil {
		return err
	}
	if _, err := s.depts.Get(ctx, departmentID); err != nil {
		return fmt.Errorf("%w: department %s", ErrNotFound, departmentID)
	}
	removed, err := s.records.Delete(ctx, departmentID, resource, action)
	if err != nil {
		return err
	}
	actor := auth.ActorID(ctx)
	for _, rec := range removed {
		s.recordAudit(ctx, &audit.Entry{
			TargetType: audit.TargetDepartment,
			TargetID:   departmentID,
			Resource:   resource,
			Action:     action,
			OldValue:   audit.BoolPtr(rec.Granted),
			NewValue:   nil,
			ChangeType: audit.ChangeDelete,
			ActorID:    actor,
			Reason:     reason,
			Metadata:   map[string]string{"record_id": rec.ID},
		})
	}
	return nil
}

// ApplyTemplate expands a named bundle of tuples into record writes at the
// target department. Existing records survive unless OverrideExisting is set;
// cascaded copies are point-in-time snapshots (inherit_from_parent=false).
func (s *Service) ApplyTemplate(ctx context.Context, templateID, departmentID string, opts TemplateOptions) (Report, error) {
	d, err := s.depts.Get(ctx, departmentID)
	if err != nil {
		return Report{}, fmt.Errorf("%w: department %s", ErrNotFound, departmentID)
	}
	tpl, err := s.templates.Template(ctx, templateID)
	if err != nil {
		return Report{}, err
	}

	var descendants []dept.Department
	if opts.ApplyToChildren {
		sub, err := s.depts.Subtree(ctx, d.ID)
		if err != nil {
			return Report{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		descendants = sub[1:]
	}

	report := Report{Errors: []ItemError{}}
	actor := auth.ActorID(ctx)
	reason := opts.Reason
	if reason == "" {
		reason = fmt.Sprintf("template %s applied", tpl.Name)
	}

	targets := append([]dept.Department{d}, descendants...)
	for _, tplItem := range tpl.Items {
		item := SetItem{
			Resource: tplItem.Resource,
			Action:   tplItem.Action,
			Granted:  tplItem.Granted,
		}
		if err := s.validateItem(item); err != nil {
			report.Errors = append(report.Errors, itemError(d.ID, item, err))
			continue
		}
		for _, target := range targets {
			if !opts.OverrideExisting {
				existing, err := s.records.DirectFor(ctx, target.ID, item.Resource, item.Action)
				if err != nil {
					report.Errors = append(report.Errors, itemError(target.ID, item, fmt.Errorf("%w: %v", ErrStorage, err)))
					continue
				}
				if len(existing) > 0 {
					report.Skipped = append(report.Skipped, existing[0])
					continue
				}
			}
			if err := s.applyItem(ctx, target.ID, item, actor, reason, true, &report); err != nil {
				report.Errors = append(report.Errors, itemError(target.ID, item, err))
			}
		}
		if opts.ApplyToMembers {
			if err := s.applyToMembers(ctx, d.ID, item.Resource, item.Action, item.Granted, actor, reason, &report); err != nil {
				report.Errors = append(report.Errors, itemError(d.ID, item, err))
			}
		}
	}
	return report, nil
}

// Templates lists the available permission templates.
func (s *Service) Templates(ctx context.Context) ([]Template, error) {
	tpls, err := s.templates.Templates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return tpls, nil
}

// DetectConflicts delegates to the detector.
func (s *Service) DetectConflicts(ctx context.Context, opts DetectOptions) ([]Conflict, int, error) {
	return s.detector.Detect(ctx, opts)
}

// ResolveConflict records a manual resolution for a currently detected
// conflict. The mark persists under the conflict's stable identity and is
// attached to every future detection until the disagreement disappears.
func (s *Service) ResolveConflict(ctx context.Context, conflictID, strategy, note string) error {
	conflictID = strings.TrimSpace(conflictID)
	if conflictID == "" {
		return fmt.Errorf("%w: conflict id is required", ErrValidation)
	}
	if strings.TrimSpace(note) == "" {
		return fmt.Errorf("%w: resolution note is required", ErrValidation)
	}
	switch strategy {
	case "":
		strategy = ResolveManual
	case ResolvePriorityBased, ResolveKeepParent, ResolveManual:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrValidation, strategy)
	}

	known, err := s.conflictExists(ctx, conflictID)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID)
	}

	return s.resolutions.Record(ctx, Resolution{
		ConflictID: conflictID,
		Strategy:   strategy,
		Note:       note,
		ResolvedBy: auth.ActorID(ctx),
		ResolvedAt: s.now(),
	})
}

// AuditTrail queries the audit store. When export is requested an advisory
// export entry is appended for compliance visibility.
func (s *Service) AuditTrail(ctx context.Context, f audit.Filter, export bool) ([]audit.Entry, int, error) {
	entries, total, err := s.auditor.Trail(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if export {
		target := f.TargetID
		if target == "" {
			target = "all"
		}
		s.recordAudit(ctx, &audit.Entry{
			TargetType: audit.TargetDepartment,
			TargetID:   target,
			ChangeType: audit.ChangeExport,
			ActorID:    auth.ActorID(ctx),
			Reason:     "audit trail export",
			Metadata:   map[string]string{"matched": fmt.Sprintf("%d", total)},
		})
	}
	return entries, total, nil
}

// PurgeAudit applies the audit retention policy and reports how many entries
// were removed.
func (s *Service) PurgeAudit(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention window must be positive", ErrValidation)
	}
	removed, err := s.auditor.PurgeOlderThan(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return removed, nil
}

// conflictExists pages through the current detection run looking for the id;
// the run count is unbounded, so one page is never enough.
func (s *Service) conflictExists(ctx context.Context, conflictID string) (bool, error) {
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		conflicts, total, err := s.detector.Detect(ctx, DetectOptions{Limit: pageSize, Offset: offset})
		if err != nil {
			return false, err
		}
		for _, c := range conflicts {
			if c.ID == conflictID {
				return true, nil
			}
		}
		if len(conflicts) == 0 || offset+pageSize >= total {
			return false, nil
		}
	}
}

func (s *Service) validateItem(item SetItem) error {
	if err := ValidateIdent("resource", item.Resource); err != nil {
		return err
	}
	if err := ValidateIdent("action", item.Action); err != nil {
		return err
	}
	if err := ValidatePriority(item.Priority); err != nil {
		return err
	}
	for _, c := range item.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if item.ExpiresAt != nil && !item.ExpiresAt.After(s.now()) {
		return fmt.Errorf("%w: expires_at is already in the past", ErrValidation)
	}
	return nil
}

// applyItem upserts one tuple at one department and audits the write.
// cascaded writes are stored as point-in-time snapshots: the inherit flag is
// severed so later parent edits do not re-link them.
func (s *Service) applyItem(ctx context.Context, departmentID string, item SetItem, actor, reason string, cascaded bool, report *Report) error {
	existing, err := s.records.DirectFor(ctx, departmentID, item.Resource, item.Action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var prior *Record
	for i := range existing {
		if existing[i].Priority == item.Priority {
			prior = &existing[i]
			break
		}
	}

	rec := Record{
		DepartmentID:      departmentID,
		Resource:          item.Resource,
		Action:            item.Action,
		Granted:           item.Granted,
		InheritFromParent: item.InheritFromParent && !cascaded,
		OverrideChildren:  item.OverrideChildren,
		Priority:          item.Priority,
		Conditions:        item.Conditions,
		ExpiresAt:         item.ExpiresAt,
		CreatedBy:         actor,
		UpdatedBy:         actor,
	}
	if prior != nil {
		rec.Version = prior.Version
	}

	saved, created, err := s.records.Upsert(ctx, rec)
	if err != nil {
		return err
	}

	entry := &audit.Entry{
		TargetType: audit.TargetDepartment,
		TargetID:   departmentID,
		Resource:   item.Resource,
		Action:     item.Action,
		NewValue:   audit.BoolPtr(item.Granted),
		ActorID:    actor,
		Reason:     reason,
		Metadata:   map[string]string{"record_id": saved.ID},
	}
	if created {
		entry.ChangeType = audit.ChangeCreate
		report.Created = append(report.Created, saved)
	} else {
		entry.ChangeType = audit.ChangeUpdate
		entry.OldValue = audit.BoolPtr(prior.Granted)
		report.Updated = append(report.Updated, saved)
	}
	s.recordAudit(ctx, entry)
	return nil
}

// applyToMembers materializes member-level grants for every current active
// member. Requires the membership collaborators to be wired.
func (s *Service) applyToMembers(ctx context.Context, departmentID, resource, action string, granted bool, actor, reason string, report *Report) error {
	if s.members == nil || s.grants == nil {
		return fmt.Errorf("%w: member cascade requested but no membership directory is configured", ErrValidation)
	}
	memberIDs, err := s.members.ActiveMembers(ctx, departmentID)
	if err != nil {
		return fmt.Errorf("%w: list members: %v", ErrStorage, err)
	}
	for _, userID := range memberIDs {
		if err := s.grants.UpsertMemberGrant(ctx, userID, resource, action, granted, actor); err != nil {
			report.Errors = append(report.Errors, ItemError{
				DepartmentID: departmentID,
				Resource:     resource,
				Action:       action,
				Error:        fmt.Sprintf("member %s: %v", userID, err),
			})
			continue
		}
		s.recordAudit(ctx, &audit.Entry{
			TargetType: audit.TargetUser,
			TargetID:   userID,
			Resource:   resource,
			Action:     action,
			NewValue:   audit.BoolPtr(granted),
			ChangeType: audit.ChangeUpdate,
			ActorID:    actor,
			Reason:     reason,
			Metadata:   map[string]string{"department_id": departmentID},
		})
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, entry *audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		// Only malformed entries reach here; storage failures are retried
		// inside the recorder.
		obs.LogError("audit entry rejected", map[string]any{"error": err.Error()})
	}
}

func itemError(departmentID string, item SetItem, err error) ItemError {
	return ItemError{
		DepartmentID: departmentID,
		Resource:     item.Resource,
		Action:       item.Action,
		Error:        err.Error(),
	}
}

func filterRecords(recs []Record, resource, action string) []Record {
	if resource == "" && action == "" {
		return recs
	}
	out := recs[:0:0]
	for _, rec := range recs {
		if resource != "" && rec.Resource != resource {
			continue
		}
		if action != "" && rec.Action != action {
			continue
		}
		out = append(out, rec)
	}
	return out
}
