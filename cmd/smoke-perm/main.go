// smoke-perm drives a running trainhub-api through one full permission
// lifecycle: grant with cascade, resolve at a leaf, scan for conflicts and
// read back the audit trail. Exits non-zero on the first surprise.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type tokenResponse struct {
	Token string `json:"token"`
}

type effectiveResponse struct {
	Granted bool   `json:"granted"`
	Source  string `json:"source"`
}

type listResponse struct {
	Total int `json:"total"`
}

type reportResponse struct {
	Created []json.RawMessage `json:"created"`
	Updated []json.RawMessage `json:"updated"`
	Errors  []json.RawMessage `json:"errors"`
}

func main() {
	base := os.Getenv("TRAINHUB_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	var tok tokenResponse
	call(client, http.MethodPost, base+"/v1/auth/token", "", map[string]any{
		"actor":        "smoke",
		"capabilities": []string{"perm:read", "perm:write", "perm:conflicts", "audit:read"},
	}, &tok)
	if tok.Token == "" {
		log.Fatal("token endpoint returned no token")
	}

	var report reportResponse
	call(client, http.MethodPut, base+"/v1/departments/company/permissions", tok.Token, map[string]any{
		"permissions": []map[string]any{
			{"resource": "reports", "action": "read", "granted": true},
		},
		"apply_to_children": true,
		"reason":            "smoke test",
	}, &report)
	if len(report.Errors) != 0 {
		log.Fatalf("set permissions reported errors: %d", len(report.Errors))
	}
	if len(report.Created)+len(report.Updated) == 0 {
		log.Fatal("set permissions wrote nothing")
	}

	var eff effectiveResponse
	call(client, http.MethodGet, base+"/v1/departments/qa/permissions/resolve?resource=reports&action=read", tok.Token, nil, &eff)
	if !eff.Granted {
		log.Fatalf("qa should hold the cascaded grant, got granted=%v source=%s", eff.Granted, eff.Source)
	}

	var conflicts listResponse
	call(client, http.MethodGet, base+"/v1/conflicts?force_recheck=true", tok.Token, nil, &conflicts)

	var trail listResponse
	call(client, http.MethodGet, base+"/v1/audit?target_id=company", tok.Token, nil, &trail)
	if trail.Total == 0 {
		log.Fatal("audit trail is empty after a write")
	}

	fmt.Printf("✅ permission smoke test passed: writes=%d conflicts=%d audit=%d\n",
		len(report.Created)+len(report.Updated), conflicts.Total, trail.Total)
}

func call(client *http.Client, method, url, token string, body, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s: %v", url, err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Fatalf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}
