package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/steer/internal/domain"
)

const (
	syncEpoch        = "1970-01-01 00:00:00"
	lastSyncFilename = ".lastsync"
	sqliteTimeLayout = "2006-01-02 15:04:05"
)

// SyncResult reports what one incremental sync run changed.
type SyncResult struct {
	Inserted int
	Updated  int
}

// Sync copies mapping rows changed since the last watermark from the source
// database into the target. New (domain, front_uri) keys are inserted with
// fresh UUIDs; existing keys are updated in place when any routed field
// differs. The watermark lives in a .lastsync file inside syncDir and is
// advanced to the current UTC time on success.
func Sync(ctx context.Context, targetPath, sourcePath, syncDir string) (SyncResult, error) {
	var res SyncResult

	source, err := Open(sourcePath)
	if err != nil {
		return res, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = source.Close() }()

	target, err := Open(targetPath)
	if err != nil {
		return res, fmt.Errorf("open target: %w", err)
	}
	defer func() { _ = target.Close() }()

	since := readLastSync(syncDir)
	changed, err := source.changedSince(ctx, since)
	if err != nil {
		return res, fmt.Errorf("read changed rows: %w", err)
	}

	for _, record := range changed {
		existing, err := target.FindByDomainAndFrontURI(ctx, record.Domain, record.FrontURI)
		switch {
		case errors.Is(err, domain.ErrRouteNotFound):
			if err := target.insertWithTimestamps(ctx, record); err != nil {
				return res, err
			}
			res.Inserted++
		case err != nil:
			return res, err
		case !record.RoutedEqual(existing):
			if err := target.overwriteFrom(ctx, existing.ID, record); err != nil {
				return res, err
			}
			res.Updated++
		}
	}

	now := time.Now().UTC().Format(sqliteTimeLayout)
	if err := writeLastSync(syncDir, now); err != nil {
		return res, err
	}
	return res, nil
}

// changedSince returns rows whose updated_at exceeds the watermark, oldest
// first.
func (s *Store) changedSince(ctx context.Context, since string) ([]domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, domain.ErrStorageUnavailable
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+mappingColumns+`
FROM mappings
WHERE updated_at > ?
ORDER BY updated_at ASC`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// insertWithTimestamps inserts a synced row keeping the source timestamps but
// minting a new id, so ids never collide across synced databases.
func (s *Store) insertWithTimestamps(ctx context.Context, m domain.Mapping) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return domain.ErrStorageUnavailable
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO mappings (id, domain, front_uri, back_port, back_uri, backend, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), m.Domain, m.FrontURI, m.BackPort, m.BackURI,
		nullableString(m.Backend), m.CreatedAt, m.UpdatedAt)
	return err
}

// overwriteFrom replaces every routed field of the row targetID with the
// source record's values, carrying the source updated_at forward.
func (s *Store) overwriteFrom(ctx context.Context, targetID string, src domain.Mapping) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return domain.ErrStorageUnavailable
	}

	_, err := s.db.ExecContext(ctx, `
UPDATE mappings
SET domain = ?, front_uri = ?, back_port = ?, back_uri = ?, backend = ?, updated_at = ?
WHERE id = ?`,
		src.Domain, src.FrontURI, src.BackPort, src.BackURI,
		nullableString(src.Backend), src.UpdatedAt, targetID)
	return err
}

func lastSyncPath(dir string) string {
	return filepath.Join(dir, lastSyncFilename)
}

func readLastSync(dir string) string {
	b, err := os.ReadFile(lastSyncPath(dir))
	if err != nil {
		return syncEpoch
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return syncEpoch
	}
	return v
}

func writeLastSync(dir, timestamp string) error {
	return os.WriteFile(lastSyncPath(dir), []byte(timestamp), 0o644)
}
