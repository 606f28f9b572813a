package server

import "testing"

func TestIsOriginAllowed_ExactAndWildcard(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://*.staging.example.com"}

	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://evil.com", false},
		{"https://foo.staging.example.com", true},
		{"https://foo.bar.staging.example.com", true},
		{"https://staging.example.com", false},
	}
	for _, tc := range cases {
		if got := isOriginAllowed(tc.origin, allowed); got != tc.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestIsOriginAllowed_WildcardStarAllowsEverything(t *testing.T) {
	if !isOriginAllowed("https://anything.example.org", []string{"*"}) {
		t.Error("expected \"*\" to allow every origin")
	}
}

func TestMatchWildcardOrigin_RejectsSlashInMatchedSegment(t *testing.T) {
	if matchWildcardOrigin("https://evil.com/.example.com", "https://*.example.com") {
		t.Error("expected a slash in the wildcard segment to be rejected")
	}
}
