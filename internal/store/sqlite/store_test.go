package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/steer/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustAdd(t *testing.T, s *Store, host, front string, port int, back string) domain.Mapping {
	t.Helper()
	m, err := s.Add(context.Background(), host, front, port, back, "")
	if err != nil {
		t.Fatalf("add mapping: %v", err)
	}
	return m
}

func TestOpenCreatesSchemaAndParentDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "data", "current.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := s.GetAll(context.Background()); err != nil {
		t.Fatalf("expected usable mappings table, got %v", err)
	}
}

func TestOpenBadPathIsStorageInit(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "\x00bad", "db"))
	if err == nil {
		t.Fatal("expected error for unusable path")
	}
	if !errors.Is(err, domain.ErrStorageInit) {
		t.Fatalf("expected ErrStorageInit, got %v", err)
	}
}

func TestAddAndGet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	added := mustAdd(t, s, "example.com", "api/v1", 3000, "v1")
	if added.ID == "" {
		t.Fatal("expected generated id")
	}
	if len(added.ID) != 36 {
		t.Fatalf("expected UUID id, got %q", added.ID)
	}

	m, err := s.Get(context.Background(), "example.com", "/api/v1/users")
	if err != nil {
		t.Fatalf("get mapping: %v", err)
	}
	if m.Domain != "example.com" || m.FrontURI != "api/v1" || m.BackPort != 3000 || m.BackURI != "v1" {
		t.Fatalf("unexpected mapping: %+v", m)
	}
}

func TestAddNormalizesURIs(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	m := mustAdd(t, s, "Example.COM", "/api/v1/", 3000, "/v1/")
	if m.Domain != "example.com" {
		t.Fatalf("expected lowercase domain, got %q", m.Domain)
	}
	if m.FrontURI != "api/v1" || m.BackURI != "v1" {
		t.Fatalf("expected trimmed URIs, got %q and %q", m.FrontURI, m.BackURI)
	}
}

func TestGetLongestMatchFirst(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	mustAdd(t, s, "example.com", "api", 3000, "")
	mustAdd(t, s, "example.com", "api/v1", 3001, "v1")
	mustAdd(t, s, "example.com", "api/v1/users", 3002, "v2")

	cases := map[string]int{
		"/api/v2/users":     3000,
		"/api/v1/posts":     3001,
		"/api/v1/users/123": 3002,
	}
	for path, wantPort := range cases {
		m, err := s.Get(context.Background(), "example.com", path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		if m.BackPort != wantPort {
			t.Fatalf("get %s: got port %d, want %d", path, m.BackPort, wantPort)
		}
	}
}

func TestGetEmptyFrontURIMatchesAnyPath(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	mustAdd(t, s, "example.com", "", 3001, "")

	for _, path := range []string{"/", "/a/b", "/anything?not=matched-here"} {
		m, err := s.Get(context.Background(), "example.com", path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		if m.BackPort != 3001 {
			t.Fatalf("get %s: got port %d", path, m.BackPort)
		}
	}
}

func TestGetUnknownHostIsRouteNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	mustAdd(t, s, "example.com", "", 3001, "")

	_, err := s.Get(context.Background(), "unknown.example", "/")
	if !errors.Is(err, domain.ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound, got %v", err)
	}
}

func TestDomainExists(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	mustAdd(t, s, "example.com", "api", 3000, "")

	ok, err := s.DomainExists(context.Background(), "example.com")
	if err != nil || !ok {
		t.Fatalf("expected example.com to exist, ok=%v err=%v", ok, err)
	}
	ok, err = s.DomainExists(context.Background(), "other.example")
	if err != nil || ok {
		t.Fatalf("expected other.example to be absent, ok=%v err=%v", ok, err)
	}
}

func TestGetAllSortedByDomainAndFrontURI(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	mustAdd(t, s, "b.example", "z", 3000, "")
	mustAdd(t, s, "a.example", "b", 3001, "")
	mustAdd(t, s, "a.example", "a", 3002, "")

	all, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 mappings, got %d", len(all))
	}
	wantOrder := []string{"a.example/a", "a.example/b", "b.example/z"}
	for i, m := range all {
		if got := m.Domain + "/" + m.FrontURI; got != wantOrder[i] {
			t.Fatalf("position %d: got %s, want %s", i, got, wantOrder[i])
		}
	}
}

func TestUpdateTouchesFields(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	m := mustAdd(t, s, "example.com", "api", 3000, "api")

	newPort := 4000
	newBack := "/v2/"
	changed, err := s.Update(context.Background(), m.ID, UpdateFields{BackPort: &newPort, BackURI: &newBack})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !changed {
		t.Fatal("expected update to affect the row")
	}

	got, err := s.GetByID(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.BackPort != 4000 || got.BackURI != "v2" {
		t.Fatalf("unexpected mapping after update: %+v", got)
	}
	if got.FrontURI != "api" {
		t.Fatalf("front_uri should be untouched, got %q", got.FrontURI)
	}
}

func TestUpdateNoFieldsIsNoop(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	m := mustAdd(t, s, "example.com", "api", 3000, "api")

	changed, err := s.Update(context.Background(), m.ID, UpdateFields{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if changed {
		t.Fatal("expected empty update to be a no-op")
	}
}

func TestDeleteByDomainAndFrontURI(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	mustAdd(t, s, "example.com", "api", 3000, "")
	mustAdd(t, s, "example.com", "web", 3001, "")

	front := "api"
	n, err := s.Delete(context.Background(), "example.com", &front)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}

	n, err = s.Delete(context.Background(), "example.com", nil)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining row removed, got %d", n)
	}
}

func TestHotReplaceSwapsContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "current.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()
	mustAdd(t, s, "only-in-a.example", "", 3000, "")

	candidate, err := Open(filepath.Join(dir, "candidate.db"))
	if err != nil {
		t.Fatalf("open candidate: %v", err)
	}
	mustAdd(t, candidate, "only-in-b.example", "", 4000, "")
	if err := candidate.Close(); err != nil {
		t.Fatalf("close candidate: %v", err)
	}

	if err := s.HotReplace(filepath.Join(dir, "candidate.db")); err != nil {
		t.Fatalf("hot replace: %v", err)
	}

	if _, err := s.Get(context.Background(), "only-in-a.example", "/"); !errors.Is(err, domain.ErrRouteNotFound) {
		t.Fatalf("expected pre-swap key to be gone, got %v", err)
	}
	m, err := s.Get(context.Background(), "only-in-b.example", "/")
	if err != nil {
		t.Fatalf("expected post-swap key, got %v", err)
	}
	if m.BackPort != 4000 {
		t.Fatalf("unexpected post-swap mapping: %+v", m)
	}
}

func TestHotReplaceRejectsMissingCandidate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "current.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()
	mustAdd(t, s, "keep.example", "", 3000, "")

	err = s.HotReplace(filepath.Join(dir, "does-not-exist.db"))
	if !errors.Is(err, domain.ErrHotReplaceFailed) {
		t.Fatalf("expected ErrHotReplaceFailed, got %v", err)
	}

	// The original database must keep serving.
	if _, err := s.Get(context.Background(), "keep.example", "/"); err != nil {
		t.Fatalf("original database lost after failed swap: %v", err)
	}
}

func TestHotReplaceRejectsNonDatabaseFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "current.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()
	mustAdd(t, s, "keep.example", "", 3000, "")

	empty := filepath.Join(dir, "empty.db")
	if err := os.WriteFile(empty, []byte("not a database"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.HotReplace(empty); !errors.Is(err, domain.ErrHotReplaceFailed) {
		t.Fatalf("expected ErrHotReplaceFailed, got %v", err)
	}
	if _, err := s.Get(context.Background(), "keep.example", "/"); err != nil {
		t.Fatalf("original database lost after failed swap: %v", err)
	}
}

func TestConcurrentReadsDuringHotReplace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "current.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = s.Close() }()
	mustAdd(t, s, "shared.example", "", 3000, "")

	candidate, err := Open(filepath.Join(dir, "candidate.db"))
	if err != nil {
		t.Fatalf("open candidate: %v", err)
	}
	mustAdd(t, candidate, "shared.example", "", 4000, "")
	if err := candidate.Close(); err != nil {
		t.Fatalf("close candidate: %v", err)
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				m, err := s.Get(context.Background(), "shared.example", "/")
				if err != nil {
					done <- err
					return
				}
				// Readers must always see one complete snapshot.
				if m.BackPort != 3000 && m.BackPort != 4000 {
					done <- errors.New("torn read")
					return
				}
			}
			done <- nil
		}()
	}

	if err := s.HotReplace(filepath.Join(dir, "candidate.db")); err != nil {
		t.Fatalf("hot replace: %v", err)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent reader: %v", err)
		}
	}
}
