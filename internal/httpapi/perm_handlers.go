package httpapi

import (
	"net/http"
	"strings"
	"time"

	"trainhub.org/internal/audit"
	"trainhub.org/internal/auth"
	"trainhub.org/internal/perm"
)

type setPermissionsRequest struct {
	Permissions     []perm.SetItem `json:"permissions"`
	ApplyToChildren bool           `json:"apply_to_children"`
	ApplyToMembers  bool           `json:"apply_to_members"`
	Reason          string         `json:"reason"`
}

type applyTemplateRequest struct {
	DepartmentID     string `json:"department_id"`
	OverrideExisting bool   `json:"override_existing"`
	ApplyToChildren  bool   `json:"apply_to_children"`
	ApplyToMembers   bool   `json:"apply_to_members"`
	Reason           string `json:"reason"`
}

type resolveConflictRequest struct {
	Strategy string `json:"strategy"`
	Note     string `json:"note"`
}

type listResponse[T any] struct {
	Items []T       `json:"items"`
	Total int       `json:"total"`
	AsOf  time.Time `json:"as_of"`
}

// handleDepartmentSubtree routes everything under /v1/departments/{id}/...
func (a *API) handleDepartmentSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/departments/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] != "permissions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	deptID := segments[0]

	switch {
	case len(segments) == 2:
		switch r.Method {
		case http.MethodGet:
			a.getPermissions(w, r, deptID)
		case http.MethodPut:
			a.setPermissions(w, r, deptID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}
	case len(segments) == 3 && segments[2] == "resolve":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.resolvePermission(w, r, deptID)
	case len(segments) == 4:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.deletePermission(w, r, deptID, segments[2], segments[3])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getPermissions(w http.ResponseWriter, r *http.Request, deptID string) {
	if err := a.requireCapability(r.Context(), auth.CapPermissionsRead); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapPermissionsRead)
		return
	}
	q := r.URL.Query()
	view, err := a.svc.Permissions(r.Context(), deptID, perm.GetOptions{
		IncludeInherited: q.Get("include_inherited") == "true",
		IncludeEffective: q.Get("include_effective") == "true",
		Resource:         q.Get("resource"),
		Action:           q.Get("action"),
	})
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) setPermissions(w http.ResponseWriter, r *http.Request, deptID string) {
	if err := a.requireCapability(r.Context(), auth.CapPermissionsWrite); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapPermissionsWrite)
		return
	}
	var req setPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	report, err := a.svc.SetPermissions(r.Context(), deptID, req.Permissions, perm.SetOptions{
		ApplyToChildren: req.ApplyToChildren,
		ApplyToMembers:  req.ApplyToMembers,
		Reason:          req.Reason,
	})
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	// Partial success is still success; the report carries per-item failures.
	writeJSON(w, http.StatusOK, report)
}

func (a *API) deletePermission(w http.ResponseWriter, r *http.Request, deptID, resource, action string) {
	if err := a.requireCapability(r.Context(), auth.CapPermissionsWrite); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapPermissionsWrite)
		return
	}
	reason := r.URL.Query().Get("reason")
	if err := a.svc.DeletePermission(r.Context(), deptID, resource, action, reason); err != nil {
		handlePermError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) resolvePermission(w http.ResponseWriter, r *http.Request, deptID string) {
	if err := a.requireCapability(r.Context(), auth.CapPermissionsRead); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapPermissionsRead)
		return
	}
	q := r.URL.Query()
	attrs := map[string]string{}
	for key, vals := range q {
		if strings.HasPrefix(key, "attr.") && len(vals) > 0 {
			attrs[strings.TrimPrefix(key, "attr.")] = vals[0]
		}
	}
	def, err := parseOptionalBool(q.Get("default"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "default must be a boolean")
		return
	}
	query := perm.Query{
		DepartmentID: deptID,
		Resource:     q.Get("resource"),
		Action:       q.Get("action"),
		Attributes:   attrs,
	}
	if def != nil {
		query.Default = *def
	}
	eff, err := a.svc.Resolve(r.Context(), query)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

func (a *API) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requireCapability(r.Context(), auth.CapPermissionsRead); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapPermissionsRead)
		return
	}
	templates, err := a.svc.Templates(r.Context())
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[perm.Template]{
		Items: templates,
		Total: len(templates),
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) handleTemplateResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/templates/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "apply" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requireCapability(r.Context(), auth.CapPermissionsWrite); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapPermissionsWrite)
		return
	}

	var req applyTemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DepartmentID) == "" {
		writeError(w, r, http.StatusBadRequest, "department_id is required")
		return
	}
	report, err := a.svc.ApplyTemplate(r.Context(), segments[0], req.DepartmentID, perm.TemplateOptions{
		OverrideExisting: req.OverrideExisting,
		ApplyToChildren:  req.ApplyToChildren,
		ApplyToMembers:   req.ApplyToMembers,
		Reason:           req.Reason,
	})
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requireCapability(r.Context(), auth.CapPermissionsRead); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapPermissionsRead)
		return
	}

	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	offset, err := parseBoundedInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	resolved, err := parseOptionalBool(q.Get("resolved"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "resolved must be a boolean")
		return
	}
	autoResolvable, err := parseOptionalBool(q.Get("auto_resolvable"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "auto_resolvable must be a boolean")
		return
	}

	conflicts, total, err := a.svc.DetectConflicts(r.Context(), perm.DetectOptions{
		Scope:          q.Get("scope"),
		ForceRecheck:   q.Get("force_recheck") == "true",
		Type:           perm.ConflictType(q.Get("type")),
		Severity:       perm.Severity(q.Get("severity")),
		Resolved:       resolved,
		AutoResolvable: autoResolvable,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[perm.Conflict]{
		Items: conflicts,
		Total: total,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) handleConflictResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/conflicts/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "resolve" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requireCapability(r.Context(), auth.CapConflictsManage); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapConflictsManage)
		return
	}

	var req resolveConflictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResolveConflict(r.Context(), segments[0], req.Strategy, req.Note); err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.auditTrail(w, r)
	case http.MethodDelete:
		a.auditPurge(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) auditTrail(w http.ResponseWriter, r *http.Request) {
	if err := a.requireCapability(r.Context(), auth.CapAuditRead); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapAuditRead)
		return
	}
	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	offset, err := parseBoundedInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	f := audit.Filter{
		TargetID:   q.Get("target_id"),
		Resource:   q.Get("resource"),
		Action:     q.Get("action"),
		ChangeType: audit.ChangeType(q.Get("change_type")),
		ActorID:    q.Get("actor_id"),
		Limit:      limit,
		Offset:     offset,
	}
	for param, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(q.Get(param))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, param+" must be RFC3339")
			return
		}
		*dst = ts
	}

	entries, total, err := a.svc.AuditTrail(r.Context(), f, q.Get("export") == "true")
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[audit.Entry]{
		Items: entries,
		Total: total,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) auditPurge(w http.ResponseWriter, r *http.Request) {
	if err := a.requireCapability(r.Context(), auth.CapAuditPurge); err != nil {
		writeError(w, r, http.StatusForbidden, "missing capability "+auth.CapAuditPurge)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("older_than"))
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, "older_than is required")
		return
	}
	olderThan, err := time.ParseDuration(raw)
	if err != nil || olderThan <= 0 {
		writeError(w, r, http.StatusBadRequest, "older_than must be a positive duration")
		return
	}
	removed, err := a.svc.PurgeAudit(r.Context(), olderThan)
	if err != nil {
		handlePermError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
