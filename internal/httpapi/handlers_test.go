package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"trainhub.org/internal/audit"
	"trainhub.org/internal/auth"
	"trainhub.org/internal/dept"
	"trainhub.org/internal/perm"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) (*apiClient, *perm.Memory) {
	t.Helper()

	t.Setenv("TRAINHUB_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	depts := dept.NewMemory()
	for _, d := range []struct{ id, name, parent string }{
		{"company", "Company", ""},
		{"eng", "Engineering", "company"},
		{"qa", "QA", "eng"},
	} {
		if _, err := depts.Add(d.id, d.name, d.parent); err != nil {
			t.Fatalf("add %s: %v", d.id, err)
		}
	}

	store := perm.NewMemory()
	recorder := audit.NewRecorder(audit.NewMemory())
	svc := perm.NewService(depts, store, store, store, recorder, perm.WithMembers(store, store))

	api := New(ReadyProbe{}, "test", svc)
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}, store
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(actor string, capabilities []string) map[string]string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/token", map[string]any{
		"actor":        actor,
		"capabilities": capabilities,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestPermissionsFlow(t *testing.T) {
	api, _ := newTestAPI(t)
	admin := api.obtainToken("alice", auth.AllCapabilities)

	// Grant at the root with cascade.
	resp := api.do(http.MethodPut, "/v1/departments/company/permissions", setPermissionsRequest{
		Permissions: []perm.SetItem{
			{Resource: "reports", Action: "read", Granted: true},
		},
		ApplyToChildren: true,
		Reason:          "initial rollout",
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set permissions: %d", resp.StatusCode)
	}
	report := decode[perm.Report](t, resp)
	if len(report.Created) != 3 {
		t.Fatalf("want 3 created (company, eng, qa), got %d", len(report.Created))
	}

	// Resolve at a leaf.
	resp = api.do(http.MethodGet, "/v1/departments/qa/permissions/resolve?resource=reports&action=read", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d", resp.StatusCode)
	}
	eff := decode[perm.Effective](t, resp)
	if !eff.Granted {
		t.Fatalf("qa should hold the cascaded grant: %+v", eff)
	}

	// Listing with inheritance annotations.
	resp = api.do(http.MethodGet, "/v1/departments/qa/permissions?include_inherited=true&include_effective=true", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	view := decode[perm.View](t, resp)
	if len(view.Direct) != 1 || len(view.Effective) == 0 {
		t.Fatalf("unexpected view: %+v", view)
	}

	// Delete and audit.
	resp = api.do(http.MethodDelete, "/v1/departments/qa/permissions/reports/read?reason=cleanup", nil, admin)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/audit?target_id=qa", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit trail: %d", resp.StatusCode)
	}
	trail := decode[listResponse[audit.Entry]](t, resp)
	if trail.Total != 2 { // cascade create + delete
		t.Fatalf("want 2 audit entries for qa, got %d", trail.Total)
	}
	if trail.Items[0].ChangeType != audit.ChangeDelete {
		t.Fatalf("trail must be newest first, got %+v", trail.Items[0])
	}
}

func TestConflictEndpoints(t *testing.T) {
	api, store := newTestAPI(t)
	admin := api.obtainToken("alice", auth.AllCapabilities)
	ctx := t.Context()

	if _, _, err := store.Upsert(ctx, perm.Record{DepartmentID: "company", Resource: "reports", Action: "read", Granted: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := store.Upsert(ctx, perm.Record{DepartmentID: "eng", Resource: "reports", Action: "read", Granted: false, InheritFromParent: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := api.do(http.MethodGet, "/v1/conflicts?type=inheritance", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conflicts: %d", resp.StatusCode)
	}
	conflicts := decode[listResponse[perm.Conflict]](t, resp)
	if conflicts.Total != 1 {
		t.Fatalf("want one conflict, got %d", conflicts.Total)
	}

	resp = api.do(http.MethodPost, "/v1/conflicts/"+conflicts.Items[0].ID+"/resolve", resolveConflictRequest{
		Strategy: perm.ResolveKeepParent,
		Note:     "keeping the company default",
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve conflict: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/conflicts/"+conflicts.Items[0].ID+"/resolve", resolveConflictRequest{
		Strategy: perm.ResolveKeepParent,
	}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing note should be 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTemplateEndpoints(t *testing.T) {
	api, store := newTestAPI(t)
	admin := api.obtainToken("alice", auth.AllCapabilities)

	tpl := store.PutTemplate(perm.Template{
		Name:  "examiner-default",
		Items: []perm.TemplateItem{{Resource: "reports", Action: "read", Granted: true}},
	})

	resp := api.do(http.MethodGet, "/v1/templates", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("templates: %d", resp.StatusCode)
	}
	templates := decode[listResponse[perm.Template]](t, resp)
	if templates.Total != 1 {
		t.Fatalf("want one template, got %d", templates.Total)
	}

	resp = api.do(http.MethodPost, "/v1/templates/"+tpl.ID+"/apply", applyTemplateRequest{
		DepartmentID:    "company",
		ApplyToChildren: true,
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("apply template: %d", resp.StatusCode)
	}
	report := decode[perm.Report](t, resp)
	if len(report.Created) != 3 {
		t.Fatalf("want the whole subtree covered, got %d", len(report.Created))
	}

	resp = api.do(http.MethodPost, "/v1/templates/ghost/apply", applyTemplateRequest{DepartmentID: "company"}, admin)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown template should be 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthEnforcement(t *testing.T) {
	api, _ := newTestAPI(t)

	// No token at all.
	resp := api.do(http.MethodGet, "/v1/departments/eng/permissions", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Token without the needed capability.
	readOnly := api.obtainToken("bob", []string{auth.CapPermissionsRead})
	resp = api.do(http.MethodPut, "/v1/departments/eng/permissions", setPermissionsRequest{
		Permissions: []perm.SetItem{{Resource: "reports", Action: "read", Granted: true}},
	}, readOnly)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 without perm:write, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Health endpoints stay public.
	resp = api.do(http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be public, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuditPurgeEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	admin := api.obtainToken("alice", auth.AllCapabilities)

	resp := api.do(http.MethodDelete, "/v1/audit?older_than=720h", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purge: %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	if _, ok := payload["removed"]; !ok {
		t.Fatalf("purge response missing removed count: %v", payload)
	}

	resp = api.do(http.MethodDelete, "/v1/audit", nil, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing older_than should be 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/auth/token", map[string]any{"actor": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp2 := api.do(http.MethodPost, "/v1/auth/token", map[string]any{"actor": "alice", "capabilities": []string{}}, nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty capabilities, got %d", resp2.StatusCode)
	}
}

func TestConflictQueryValidation(t *testing.T) {
	api, _ := newTestAPI(t)
	admin := api.obtainToken("alice", auth.AllCapabilities)

	for _, path := range []string{
		"/v1/conflicts?limit=9999",
		"/v1/conflicts?resolved=maybe",
	} {
		resp := api.do(http.MethodGet, path, nil, admin)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	q := url.Values{"scope": []string{"ghost"}}
	resp := api.do(http.MethodGet, "/v1/conflicts?"+q.Encode(), nil, admin)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown scope should be 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
