package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/departments/abc/permissions":     "/v1/departments/:id/permissions",
		"/v1/departments/abc/templates/tpl1":  "/v1/departments/:id/templates/:id",
		"/v1/conflicts/deadbeef/resolve":      "/v1/conflicts/:id/resolve",
		"/v1/templates/tpl1/apply":            "/v1/templates/:id/apply",
		"/v1/conflicts":                       "/v1/conflicts",
		"/v1/audit":                           "/v1/audit",
		"/v1/departments/abc/permissions?x=1": "/v1/departments/:id/permissions",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
