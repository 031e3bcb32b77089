package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/steer/internal/domain"
)

func createSyncDB(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close %s: %v", name, err)
	}
	return path
}

func insertWithTimes(t *testing.T, path, id, host, front string, port int, back, backend, createdAt, updatedAt string) {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = s.Close() }()

	s.mu.RLock()
	_, err = s.db.Exec(`
INSERT INTO mappings (id, domain, front_uri, back_port, back_uri, backend, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, host, front, port, back, nullableString(backend), createdAt, updatedAt)
	s.mu.RUnlock()
	if err != nil {
		t.Fatalf("insert into %s: %v", path, err)
	}
}

func findMapping(t *testing.T, path, host, front string) (domain.Mapping, bool) {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = s.Close() }()

	m, err := s.FindByDomainAndFrontURI(context.Background(), host, front)
	if errors.Is(err, domain.ErrRouteNotFound) {
		return domain.Mapping{}, false
	}
	if err != nil {
		t.Fatalf("find in %s: %v", path, err)
	}
	return m, true
}

func TestSyncFirstRunCopiesAllRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := createSyncDB(t, dir, "source.db")
	target := createSyncDB(t, dir, "target.db")

	insertWithTimes(t, source, "id1", "example.com", "api/v1", 3000, "v1", "",
		"2024-01-01 00:00:00", "2024-01-01 00:00:00")
	insertWithTimes(t, source, "id2", "test.com", "api/v2", 4000, "v2", "http://backend.com",
		"2024-01-02 00:00:00", "2024-01-02 00:00:00")

	res, err := Sync(context.Background(), target, source, dir)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Fatalf("expected 2 inserts, got %+v", res)
	}

	m1, ok := findMapping(t, target, "example.com", "api/v1")
	if !ok {
		t.Fatal("expected example.com row in target")
	}
	if m1.BackPort != 3000 || m1.BackURI != "v1" || m1.Backend != "" {
		t.Fatalf("unexpected synced row: %+v", m1)
	}
	if m1.ID == "id1" {
		t.Fatal("expected a fresh id for the synced row")
	}

	m2, ok := findMapping(t, target, "test.com", "api/v2")
	if !ok {
		t.Fatal("expected test.com row in target")
	}
	if m2.Backend != "http://backend.com" {
		t.Fatalf("backend not carried over: %+v", m2)
	}

	if _, err := os.Stat(filepath.Join(dir, ".lastsync")); err != nil {
		t.Fatalf("expected .lastsync watermark: %v", err)
	}
}

func TestSyncWatermarkSkipsOlderRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := createSyncDB(t, dir, "source.db")
	target := createSyncDB(t, dir, "target.db")

	insertWithTimes(t, source, "id1", "old.com", "api", 3000, "api", "",
		"2024-01-01 00:00:00", "2024-01-01 00:00:00")
	insertWithTimes(t, source, "id2", "new.com", "api", 4000, "api", "",
		"2024-06-01 00:00:00", "2024-06-01 00:00:00")

	if err := writeLastSync(dir, "2024-03-01 00:00:00"); err != nil {
		t.Fatal(err)
	}

	res, err := Sync(context.Background(), target, source, dir)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Fatalf("expected only the newer row, got %+v", res)
	}
	if _, ok := findMapping(t, target, "old.com", "api"); ok {
		t.Fatal("old row should be skipped by watermark")
	}
	if _, ok := findMapping(t, target, "new.com", "api"); !ok {
		t.Fatal("new row should be synced")
	}
}

func TestSyncUpdatesChangedRowsInPlace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := createSyncDB(t, dir, "source.db")
	target := createSyncDB(t, dir, "target.db")

	insertWithTimes(t, source, "src-id", "example.com", "api", 5000, "new-api", "http://new-backend.com",
		"2024-01-01 00:00:00", "2024-06-01 00:00:00")
	insertWithTimes(t, target, "tgt-id", "example.com", "api", 3000, "old-api", "",
		"2024-01-01 00:00:00", "2024-01-01 00:00:00")

	res, err := Sync(context.Background(), target, source, dir)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("expected one in-place update, got %+v", res)
	}

	m, ok := findMapping(t, target, "example.com", "api")
	if !ok {
		t.Fatal("row vanished")
	}
	if m.ID != "tgt-id" {
		t.Fatalf("update must keep the target id, got %q", m.ID)
	}
	if m.BackPort != 5000 || m.BackURI != "new-api" || m.Backend != "http://new-backend.com" {
		t.Fatalf("row not updated: %+v", m)
	}
}

func TestSyncSkipsIdenticalRows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := createSyncDB(t, dir, "source.db")
	target := createSyncDB(t, dir, "target.db")

	insertWithTimes(t, source, "src-id", "example.com", "api", 3000, "api", "",
		"2024-01-01 00:00:00", "2024-06-01 00:00:00")
	insertWithTimes(t, target, "tgt-id", "example.com", "api", 3000, "api", "",
		"2024-01-01 00:00:00", "2024-01-01 00:00:00")

	res, err := Sync(context.Background(), target, source, dir)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 0 {
		t.Fatalf("identical rows must not be rewritten, got %+v", res)
	}
}

func TestSyncPreservesTargetOnlyRows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := createSyncDB(t, dir, "source.db")
	target := createSyncDB(t, dir, "target.db")

	insertWithTimes(t, target, "tgt-only", "target-only.com", "api", 8080, "api", "",
		"2024-01-01 00:00:00", "2024-01-01 00:00:00")
	insertWithTimes(t, source, "src-only", "source-only.com", "api", 9090, "api", "",
		"2024-01-01 00:00:00", "2024-06-01 00:00:00")

	res, err := Sync(context.Background(), target, source, dir)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := findMapping(t, target, "target-only.com", "api"); !ok {
		t.Fatal("target-only row lost")
	}
	if _, ok := findMapping(t, target, "source-only.com", "api"); !ok {
		t.Fatal("source row not copied")
	}
}

func TestReadLastSyncDefaultsToEpoch(t *testing.T) {
	t.Parallel()

	if got := readLastSync(t.TempDir()); got != syncEpoch {
		t.Fatalf("expected epoch watermark, got %q", got)
	}
}

func TestRoutedEqualIgnoresIDAndTimestamps(t *testing.T) {
	t.Parallel()

	base := domain.Mapping{
		ID:        "a",
		Domain:    "example.com",
		FrontURI:  "api",
		BackPort:  3000,
		BackURI:   "api",
		CreatedAt: "2024-01-01 00:00:00",
		UpdatedAt: "2024-01-01 00:00:00",
	}
	other := base
	other.ID = "b"
	other.UpdatedAt = "2025-01-01 00:00:00"
	if !base.RoutedEqual(other) {
		t.Fatal("id/timestamp differences must not count as changes")
	}

	other = base
	other.BackPort = 9999
	if base.RoutedEqual(other) {
		t.Fatal("port change must count as a change")
	}
	other = base
	other.Backend = "http://backend.com"
	if base.RoutedEqual(other) {
		t.Fatal("backend change must count as a change")
	}
}
