package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/parties/50001337":          "/v1/parties/:id",
		"/v1/parties/50001337/subunits": "/v1/parties/:id/subunits",
		"/v1/delegations/rules":         "/v1/delegations/rules",
		"/v1/authorizedparties?includeLegacy=true": "/v1/authorizedparties",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
