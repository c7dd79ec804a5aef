package perm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"trainhub.org/internal/audit"
	"trainhub.org/internal/auth"
	"trainhub.org/internal/dept"
)

func newTestService(t *testing.T) (*Service, *Memory, *audit.Memory) {
	t.Helper()
	depts, store := buildTree(t)
	return newTestServiceWith(t, depts, store)
}

func newTestServiceWith(t *testing.T, depts *dept.Memory, store *Memory) (*Service, *Memory, *audit.Memory) {
	t.Helper()
	auditStore := audit.NewMemory()
	recorder := audit.NewRecorder(auditStore)
	svc := NewService(depts, store, store, store, recorder, WithMembers(store, store))
	return svc, store, auditStore
}

func actorCtx(id string) context.Context {
	return auth.ContextWithPrincipal(context.Background(), auth.Principal{ID: id})
}

func TestSetPermissionsPartialSuccess(t *testing.T) {
	svc, _, auditStore := newTestService(t)

	report, err := svc.SetPermissions(actorCtx("alice"), "eng", []SetItem{
		{Resource: "reports", Action: "read", Granted: true},
		{Resource: "Bad Resource", Action: "read", Granted: true},
		{Resource: "reports", Action: "write", Granted: false, Priority: 500},
	}, SetOptions{Reason: "quarterly review"})
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if len(report.Created) != 1 {
		t.Fatalf("want one created record, got %d", len(report.Created))
	}
	if len(report.Errors) != 2 {
		t.Fatalf("want two per-item errors, got %+v", report.Errors)
	}

	entries := auditStore.Entries()
	if len(entries) != 1 {
		t.Fatalf("want one audit entry for the successful write, got %d", len(entries))
	}
	e := entries[0]
	if e.ChangeType != audit.ChangeCreate || e.ActorID != "alice" || e.Reason != "quarterly review" {
		t.Fatalf("audit entry wrong: %+v", e)
	}
	if e.OldValue != nil || e.NewValue == nil || !*e.NewValue {
		t.Fatalf("create entry should carry nil old and true new, got %+v", e)
	}
}

func TestSetPermissionsUpdateRecordsOldValue(t *testing.T) {
	svc, _, auditStore := newTestService(t)
	ctx := actorCtx("alice")

	items := []SetItem{{Resource: "reports", Action: "read", Granted: true}}
	if _, err := svc.SetPermissions(ctx, "eng", items, SetOptions{}); err != nil {
		t.Fatalf("first set: %v", err)
	}
	items[0].Granted = false
	report, err := svc.SetPermissions(ctx, "eng", items, SetOptions{Reason: "revoked after incident"})
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if len(report.Updated) != 1 || len(report.Created) != 0 {
		t.Fatalf("second write should update, got %+v", report)
	}
	if report.Updated[0].Version != 2 {
		t.Fatalf("version should advance to 2, got %d", report.Updated[0].Version)
	}

	entries := auditStore.Entries()
	last := entries[len(entries)-1]
	if last.ChangeType != audit.ChangeUpdate {
		t.Fatalf("want update entry, got %+v", last)
	}
	if last.OldValue == nil || !*last.OldValue || last.NewValue == nil || *last.NewValue {
		t.Fatalf("update entry should carry old=true new=false, got %+v", last)
	}
}

// staleReadStore hides committed records from DirectFor, simulating a write
// that lands between the service's read and its upsert.
type staleReadStore struct {
	*Memory
}

func (s *staleReadStore) DirectFor(ctx context.Context, departmentID, resource, action string) ([]Record, error) {
	return nil, nil
}

func TestSetPermissionsRacedCreate(t *testing.T) {
	depts, store := buildTree(t)
	auditStore := audit.NewMemory()
	recorder := audit.NewRecorder(auditStore)
	svc := NewService(depts, &staleReadStore{store}, store, store, recorder, WithMembers(store, store))

	mustUpsert(t, store, Record{DepartmentID: "eng", Resource: "reports", Action: "read", Granted: true})

	report, err := svc.SetPermissions(actorCtx("alice"), "eng", []SetItem{
		{Resource: "reports", Action: "read", Granted: false},
	}, SetOptions{})
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if len(report.Created) != 0 || len(report.Updated) != 0 {
		t.Fatalf("raced write must not land, got %+v", report)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0].Error, "concurrent") {
		t.Fatalf("want one concurrency item error, got %+v", report.Errors)
	}

	recs, _ := store.DirectFor(context.Background(), "eng", "reports", "read")
	if len(recs) != 1 || !recs[0].Granted {
		t.Fatalf("first writer's record must survive, got %+v", recs)
	}
}

func TestSetPermissionsCascadeSnapshots(t *testing.T) {
	svc, store, _ := newTestService(t)

	report, err := svc.SetPermissions(actorCtx("alice"), "company", []SetItem{
		{Resource: "reports", Action: "read", Granted: true, InheritFromParent: true},
	}, SetOptions{ApplyToChildren: true})
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	// company plus eng, qa, mkt.
	if len(report.Created) != 4 {
		t.Fatalf("want 4 created records, got %d", len(report.Created))
	}

	own, err := store.DirectFor(context.Background(), "company", "reports", "read")
	if err != nil || len(own) != 1 || !own[0].InheritFromParent {
		t.Fatalf("the department's own record keeps its inherit flag: %+v (%v)", own, err)
	}
	for _, child := range []string{"eng", "qa", "mkt"} {
		recs, err := store.DirectFor(context.Background(), child, "reports", "read")
		if err != nil || len(recs) != 1 {
			t.Fatalf("%s: want one cascaded record, got %+v (%v)", child, recs, err)
		}
		if recs[0].InheritFromParent {
			t.Fatalf("%s: cascaded copies are point-in-time snapshots, inherit must be severed", child)
		}
	}
}

func TestSetPermissionsMemberCascade(t *testing.T) {
	svc, store, auditStore := newTestService(t)
	store.SetMembers("eng", "u1", "u2")

	_, err := svc.SetPermissions(actorCtx("alice"), "eng", []SetItem{
		{Resource: "reports", Action: "read", Granted: true},
	}, SetOptions{ApplyToMembers: true})
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}

	for _, user := range []string{"u1", "u2"} {
		granted, ok := store.MemberGrant(user, "reports", "read")
		if !ok || !granted {
			t.Fatalf("%s: want materialized grant, got ok=%v granted=%v", user, ok, granted)
		}
	}

	var userEntries int
	for _, e := range auditStore.Entries() {
		if e.TargetType == audit.TargetUser {
			userEntries++
		}
	}
	if userEntries != 2 {
		t.Fatalf("want one user audit entry per member, got %d", userEntries)
	}
}

func TestDeletePermissionAudits(t *testing.T) {
	svc, _, auditStore := newTestService(t)
	ctx := actorCtx("alice")

	if _, err := svc.SetPermissions(ctx, "eng", []SetItem{
		{Resource: "reports", Action: "read", Granted: true},
	}, SetOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := svc.DeletePermission(ctx, "eng", "reports", "read", "offboarding"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeletePermission(ctx, "eng", "reports", "read", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}

	entries := auditStore.Entries()
	last := entries[len(entries)-1]
	if last.ChangeType != audit.ChangeDelete || last.NewValue != nil {
		t.Fatalf("delete entry should carry nil new value, got %+v", last)
	}
	if last.OldValue == nil || !*last.OldValue {
		t.Fatalf("delete entry should preserve the removed value, got %+v", last)
	}
}

func TestApplyTemplate(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := actorCtx("alice")

	tpl := store.PutTemplate(Template{
		Name: "examiner-default",
		Items: []TemplateItem{
			{Resource: "reports", Action: "read", Granted: true},
			{Resource: "reports", Action: "write", Granted: false},
		},
	})

	// Existing record survives a non-overriding application.
	if _, err := svc.SetPermissions(ctx, "eng", []SetItem{
		{Resource: "reports", Action: "read", Granted: false},
	}, SetOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := svc.ApplyTemplate(ctx, tpl.ID, "eng", TemplateOptions{})
	if err != nil {
		t.Fatalf("apply template: %v", err)
	}
	if len(report.Skipped) != 1 || len(report.Created) != 1 {
		t.Fatalf("want one skipped and one created, got %+v", report)
	}
	recs, _ := store.DirectFor(ctx, "eng", "reports", "read")
	if len(recs) != 1 || recs[0].Granted {
		t.Fatalf("existing record must survive without override, got %+v", recs)
	}

	// OverrideExisting replaces it.
	report, err = svc.ApplyTemplate(ctx, tpl.ID, "eng", TemplateOptions{OverrideExisting: true})
	if err != nil {
		t.Fatalf("apply template override: %v", err)
	}
	if len(report.Updated) != 2 {
		t.Fatalf("override should update both tuples, got %+v", report)
	}
	recs, _ = store.DirectFor(ctx, "eng", "reports", "read")
	if len(recs) != 1 || !recs[0].Granted {
		t.Fatalf("override should flip the record, got %+v", recs)
	}
}

func TestApplyTemplateCascade(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := actorCtx("alice")

	tpl := store.PutTemplate(Template{
		Name:  "baseline",
		Items: []TemplateItem{{Resource: "reports", Action: "read", Granted: true}},
	})

	report, err := svc.ApplyTemplate(ctx, tpl.ID, "company", TemplateOptions{ApplyToChildren: true})
	if err != nil {
		t.Fatalf("apply template: %v", err)
	}
	if len(report.Created) != 4 {
		t.Fatalf("want the whole subtree covered, got %d", len(report.Created))
	}
	for _, created := range report.Created {
		if created.InheritFromParent {
			t.Fatalf("template writes are snapshots, inherit must be off: %+v", created)
		}
	}

	if _, err := svc.ApplyTemplate(ctx, "ghost", "company", TemplateOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown template should be ErrNotFound, got %v", err)
	}
}

func TestResolveConflictLifecycle(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := actorCtx("alice")

	mustUpsert(t, store, Record{DepartmentID: "company", Resource: "reports", Action: "read", Granted: true})
	mustUpsert(t, store, Record{DepartmentID: "eng", Resource: "reports", Action: "read", Granted: false, InheritFromParent: true})

	conflicts, _, err := svc.DetectConflicts(ctx, DetectOptions{})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("want one conflict, got %d", len(conflicts))
	}

	if err := svc.ResolveConflict(ctx, conflicts[0].ID, "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty note must be rejected, got %v", err)
	}
	if err := svc.ResolveConflict(ctx, conflicts[0].ID, "split_the_difference", "note"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown strategy must be rejected, got %v", err)
	}
	if err := svc.ResolveConflict(ctx, "feedfacefeedface", ResolveManual, "note"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conflict must be ErrNotFound, got %v", err)
	}

	if err := svc.ResolveConflict(ctx, conflicts[0].ID, ResolveKeepParent, "keeping the company default"); err != nil {
		t.Fatalf("resolve conflict: %v", err)
	}

	again, _, err := svc.DetectConflicts(ctx, DetectOptions{ForceRecheck: true})
	if err != nil {
		t.Fatalf("re-detect: %v", err)
	}
	if len(again) != 1 || !again[0].Resolved {
		t.Fatalf("conflict should be marked resolved, got %+v", again)
	}
	if again[0].Resolution.ResolvedBy != "alice" || again[0].Resolution.Strategy != ResolveKeepParent {
		t.Fatalf("resolution metadata wrong: %+v", again[0].Resolution)
	}
}

func TestResolveConflictBeyondFirstPage(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := actorCtx("alice")

	for i := 0; i < 520; i++ {
		res := fmt.Sprintf("res-%03d", i)
		mustUpsert(t, store, Record{DepartmentID: "company", Resource: res, Action: "read", Granted: true})
		mustUpsert(t, store, Record{DepartmentID: "eng", Resource: res, Action: "read", Granted: false, InheritFromParent: true})
	}

	page, total, err := svc.DetectConflicts(ctx, DetectOptions{Limit: 500, Offset: 500})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if total <= 500 || len(page) == 0 {
		t.Fatalf("want conflicts past the first page, got total=%d page=%d", total, len(page))
	}

	if err := svc.ResolveConflict(ctx, page[0].ID, ResolveManual, "consolidating read policy"); err != nil {
		t.Fatalf("resolve conflict on a later page: %v", err)
	}
}

func TestPermissionsView(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	mustUpsert(t, store, Record{DepartmentID: "company", Resource: "reports", Action: "read", Granted: true})
	mustUpsert(t, store, Record{DepartmentID: "eng", Resource: "deploy", Action: "execute", Granted: true})

	view, err := svc.Permissions(ctx, "eng", GetOptions{IncludeInherited: true, IncludeEffective: true})
	if err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if len(view.Direct) != 1 || view.Direct[0].Resource != "deploy" {
		t.Fatalf("direct listing wrong: %+v", view.Direct)
	}
	if len(view.Inherited) != 1 || view.Inherited[0].SourceDepartmentName != "Company" {
		t.Fatalf("inherited listing wrong: %+v", view.Inherited)
	}
	if len(view.Effective) != 2 {
		t.Fatalf("effective set should cover both pairs, got %+v", view.Effective)
	}

	filtered, err := svc.Permissions(ctx, "eng", GetOptions{Resource: "deploy"})
	if err != nil {
		t.Fatalf("filtered permissions: %v", err)
	}
	if len(filtered.Direct) != 1 || filtered.Direct[0].Resource != "deploy" {
		t.Fatalf("resource filter wrong: %+v", filtered.Direct)
	}

	if _, err := svc.Permissions(ctx, "ghost", GetOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown department should be ErrNotFound, got %v", err)
	}
}

func TestAuditTrailExport(t *testing.T) {
	svc, _, auditStore := newTestService(t)
	ctx := actorCtx("alice")

	if _, err := svc.SetPermissions(ctx, "eng", []SetItem{
		{Resource: "reports", Action: "read", Granted: true},
	}, SetOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	entries, total, err := svc.AuditTrail(ctx, audit.Filter{TargetID: "eng"}, true)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("want the seeded entry, got total=%d", total)
	}

	all := auditStore.Entries()
	last := all[len(all)-1]
	if last.ChangeType != audit.ChangeExport || last.ActorID != "alice" {
		t.Fatalf("export should append an advisory entry, got %+v", last)
	}
}

func TestPurgeAudit(t *testing.T) {
	svc, _, auditStore := newTestService(t)
	ctx := actorCtx("alice")

	old := &audit.Entry{
		TargetType: audit.TargetDepartment,
		TargetID:   "eng",
		ChangeType: audit.ChangeCreate,
		ActorID:    "alice",
		CreatedAt:  time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := auditStore.Append(ctx, old); err != nil {
		t.Fatalf("seed old entry: %v", err)
	}
	if _, err := svc.SetPermissions(ctx, "eng", []SetItem{
		{Resource: "reports", Action: "read", Granted: true},
	}, SetOptions{}); err != nil {
		t.Fatalf("seed fresh entry: %v", err)
	}

	removed, err := svc.PurgeAudit(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("want one purged entry, got %d", removed)
	}
	if _, err := svc.PurgeAudit(ctx, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("zero retention must be rejected, got %v", err)
	}
}
