package proxy

import (
	"testing"

	"github.com/koltyakov/steer/internal/domain"
)

func TestRewritePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		front string
		back  string
		path  string
		want  string
	}{
		{"identity", "", "", "/users", "/users"},
		{"front and back", "api/v1", "v1", "/api/v1/users", "/v1/users"},
		{"front only strips", "api", "", "/api/users", "/users"},
		{"front only to root", "api", "", "/api", "/"},
		{"back only prepends", "", "api", "/users", "/api/users"},
		{"no double slash", "api/", "v1/", "/api//users", "/v1/users"},
		{"missing leading slash tolerated", "api", "v2", "api/users", "/v2/users"},
		{"unmatched front left alone", "api", "v1", "/other/users", "/v1/other/users"},
		{"empty result becomes root", "api", "", "/api/", "/"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := domain.Mapping{FrontURI: trimTestURI(tc.front), BackURI: trimTestURI(tc.back)}
			if got := RewritePath(tc.path, m); got != tc.want {
				t.Fatalf("RewritePath(%q, front=%q back=%q): got %q, want %q",
					tc.path, tc.front, tc.back, got, tc.want)
			}
		})
	}
}

// trimTestURI mirrors the store's write normalization so tests describe rules
// the way operators type them.
func trimTestURI(v string) string {
	for len(v) > 0 && v[0] == '/' {
		v = v[1:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

func TestRewritePathNeverEmitsDoubleSlash(t *testing.T) {
	t.Parallel()

	mappings := []domain.Mapping{
		{FrontURI: "", BackURI: "a"},
		{FrontURI: "a", BackURI: ""},
		{FrontURI: "a", BackURI: "b/c"},
	}
	paths := []string{"/", "//", "/a//b", "/a/b/", "a//b"}
	for _, m := range mappings {
		for _, p := range paths {
			got := RewritePath(p, m)
			if len(got) == 0 || got[0] != '/' {
				t.Fatalf("RewritePath(%q, %+v) = %q: missing leading slash", p, m, got)
			}
			for i := 0; i+1 < len(got); i++ {
				if got[i] == '/' && got[i+1] == '/' {
					t.Fatalf("RewritePath(%q, %+v) = %q: double slash", p, m, got)
				}
			}
		}
	}
}

func TestTargetURLLoopback(t *testing.T) {
	t.Parallel()

	m := domain.Mapping{FrontURI: "api", BackPort: 3000, BackURI: "v1"}
	u, err := TargetURL(m, "/api/users", "id=1")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if got := u.String(); got != "http://localhost:3000/v1/users?id=1" {
		t.Fatalf("unexpected target %q", got)
	}
}

func TestTargetURLIdentityBypassesRewriter(t *testing.T) {
	t.Parallel()

	m := domain.Mapping{BackPort: 3001}
	u, err := TargetURL(m, "/a/b", "")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if u.Path != "/a/b" {
		t.Fatalf("identity mapping must forward the raw path, got %q", u.Path)
	}
	if got := u.String(); got != "http://localhost:3001/a/b" {
		t.Fatalf("unexpected target %q", got)
	}
}

func TestTargetURLExternalBackend(t *testing.T) {
	t.Parallel()

	m := domain.Mapping{BackPort: 8080, Backend: "https://api.external.com"}
	u, err := TargetURL(m, "/users", "")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if got := u.String(); got != "https://api.external.com:8080/users" {
		t.Fatalf("unexpected target %q", got)
	}
}

func TestTargetURLPreservesQueryBytes(t *testing.T) {
	t.Parallel()

	m := domain.Mapping{FrontURI: "api/v1", BackPort: 3000, BackURI: "v1"}
	u, err := TargetURL(m, "/api/v1/users/42", "q=1&x=%20y")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if u.RawQuery != "q=1&x=%20y" {
		t.Fatalf("query must pass through byte-for-byte, got %q", u.RawQuery)
	}
	if u.Path != "/v1/users/42" {
		t.Fatalf("unexpected path %q", u.Path)
	}
}

func TestTargetURLRejectsRelativeBackend(t *testing.T) {
	t.Parallel()

	m := domain.Mapping{BackPort: 3000, Backend: "not-a-url"}
	if _, err := TargetURL(m, "/", ""); err == nil {
		t.Fatal("expected error for relative backend")
	}
}
