// Package sqlite implements the steer mapping store backed by a SQLite
// database. The mappings table is the single source of routing truth and is
// shared with the admin tooling through the file itself (WAL journaling keeps
// readers consistent while another process writes).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/koltyakov/steer/internal/domain"
)

// Store wraps a SQLite database connection for all mapping persistence
// operations. The embedded RWMutex serializes hot replacement against
// in-flight lookups: readers hold the read lock for the life of one query and
// therefore observe either the pre- or post-swap snapshot, never a torn row.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

const mappingColumns = `id, domain, front_uri, back_port, back_uri, backend, created_at, updated_at`

const findMappingQuery = `
SELECT ` + mappingColumns + `
FROM mappings
WHERE domain = ?
AND (? LIKE '/' || front_uri || '%' OR front_uri = '')
ORDER BY LENGTH(front_uri) DESC, id
LIMIT 1`

// Open creates or opens the SQLite database at path, ensures the schema, and
// enables WAL mode so a single writer never blocks concurrent readers.
// Failures wrap [domain.ErrStorageInit].
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorageInit, err)
	}
	return &Store{db: db, path: path}, nil
}

func openDB(path string) (*sql.DB, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate creates the mappings table and its indexes if they do not exist.
// The schema is shared verbatim with the admin tool.
func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS mappings (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	front_uri TEXT NOT NULL,
	back_port INTEGER NOT NULL,
	back_uri TEXT NOT NULL,
	backend TEXT DEFAULT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_mappings_domain ON mappings(domain);
CREATE INDEX IF NOT EXISTS idx_mappings_front_uri ON mappings(front_uri);
CREATE INDEX IF NOT EXISTS idx_mappings_domain_front_uri ON mappings(domain, front_uri);
`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close flushes and releases the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Get returns the mapping for host whose front_uri is the longest prefix of
// requestPath (an empty front_uri matches any path), or
// [domain.ErrRouteNotFound] when no rule matches. Ties on length are broken
// deterministically by row id.
func (s *Store) Get(ctx context.Context, host, requestPath string) (domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return domain.Mapping{}, domain.ErrStorageUnavailable
	}

	row := s.db.QueryRowContext(ctx, findMappingQuery, host, requestPath)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Mapping{}, domain.ErrRouteNotFound
	}
	if err != nil {
		return domain.Mapping{}, err
	}
	return m, nil
}

// DomainExists reports whether any mapping is registered for host.
func (s *Store) DomainExists(ctx context.Context, host string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return false, domain.ErrStorageUnavailable
	}

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings WHERE domain = ?`, host).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetAll returns every mapping sorted by (domain, front_uri).
func (s *Store) GetAll(ctx context.Context) ([]domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, domain.ErrStorageUnavailable
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+mappingColumns+`
FROM mappings
ORDER BY domain, front_uri`)
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

// Add inserts a new mapping with a fresh UUID. Duplicate (domain, front_uri)
// keys are permitted; selection between duplicates is undefined. Leading and
// trailing slashes are trimmed from both URIs for consistency.
func (s *Store) Add(ctx context.Context, host, frontURI string, backPort int, backURI, backend string) (domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return domain.Mapping{}, domain.ErrStorageUnavailable
	}
	if backPort < 1 || backPort > 65535 {
		return domain.Mapping{}, errors.New("back port must be between 1 and 65535")
	}

	m := domain.Mapping{
		ID:       uuid.NewString(),
		Domain:   strings.ToLower(strings.TrimSpace(host)),
		FrontURI: trimURI(frontURI),
		BackPort: backPort,
		BackURI:  trimURI(backURI),
		Backend:  strings.TrimSpace(backend),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mappings (id, domain, front_uri, back_port, back_uri, backend)
VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Domain, m.FrontURI, m.BackPort, m.BackURI, nullableString(m.Backend))
	if err != nil {
		return domain.Mapping{}, err
	}
	return s.getByIDLocked(ctx, m.ID)
}

// UpdateFields holds the optional fields of a partial mapping update.
// Nil members are left untouched.
type UpdateFields struct {
	FrontURI *string
	BackURI  *string
	BackPort *int
	Backend  *string
}

// Update applies a partial update to the mapping with the given id and bumps
// updated_at. It reports whether a row was modified.
func (s *Store) Update(ctx context.Context, id string, f UpdateFields) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return false, domain.ErrStorageUnavailable
	}

	var sets []string
	var args []any
	if f.FrontURI != nil {
		sets = append(sets, "front_uri = ?")
		args = append(args, trimURI(*f.FrontURI))
	}
	if f.BackURI != nil {
		sets = append(sets, "back_uri = ?")
		args = append(args, trimURI(*f.BackURI))
	}
	if f.BackPort != nil {
		if *f.BackPort < 1 || *f.BackPort > 65535 {
			return false, errors.New("back port must be between 1 and 65535")
		}
		sets = append(sets, "back_port = ?")
		args = append(args, *f.BackPort)
	}
	if f.Backend != nil {
		sets = append(sets, "backend = ?")
		args = append(args, nullableString(strings.TrimSpace(*f.Backend)))
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE mappings SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Delete removes mappings by domain, optionally narrowed to one front_uri.
// It returns the number of rows removed.
func (s *Store) Delete(ctx context.Context, host string, frontURI *string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, domain.ErrStorageUnavailable
	}

	var res sql.Result
	var err error
	if frontURI != nil {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM mappings WHERE domain = ? AND front_uri = ?`, host, trimURI(*frontURI))
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM mappings WHERE domain = ?`, host)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetByID returns a single mapping by its id.
func (s *Store) GetByID(ctx context.Context, id string) (domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return domain.Mapping{}, domain.ErrStorageUnavailable
	}
	return s.getByIDLocked(ctx, id)
}

func (s *Store) getByIDLocked(ctx context.Context, id string) (domain.Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+mappingColumns+`
FROM mappings WHERE id = ?`, id)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Mapping{}, domain.ErrRouteNotFound
	}
	return m, err
}

// FindByDomainAndFrontURI returns the mapping with the exact logical routing
// key, or [domain.ErrRouteNotFound].
func (s *Store) FindByDomainAndFrontURI(ctx context.Context, host, frontURI string) (domain.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return domain.Mapping{}, domain.ErrStorageUnavailable
	}

	row := s.db.QueryRowContext(ctx, `
SELECT `+mappingColumns+`
FROM mappings WHERE domain = ? AND front_uri = ?`, host, trimURI(frontURI))
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Mapping{}, domain.ErrRouteNotFound
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(r rowScanner) (domain.Mapping, error) {
	var m domain.Mapping
	var backend sql.NullString
	err := r.Scan(&m.ID, &m.Domain, &m.FrontURI, &m.BackPort, &m.BackURI, &backend, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Mapping{}, err
	}
	if backend.Valid {
		m.Backend = backend.String
	}
	return m, nil
}

func trimURI(v string) string {
	return strings.Trim(strings.TrimSpace(v), "/")
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// HotReplace atomically swaps the backing database file for the one at
// newPath without restarting the worker. The candidate is verified first;
// then the current connection is closed, the file copied over, and the store
// reopened. A failure after the close reopens the original and returns
// [domain.ErrHotReplaceFailed]; if even that reopen fails the store is dead
// and [domain.ErrStorageUnavailable] is returned.
func (s *Store) HotReplace(newPath string) error {
	if err := verifyCandidate(newPath); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrHotReplaceFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("%w: close current: %w", domain.ErrHotReplaceFailed, err)
		}
		s.db = nil
	}
	// Stale WAL/SHM files belong to the closed database and must not be
	// replayed over the incoming file.
	removeSidecars(s.path)

	swapErr := copyFile(newPath, s.path)
	db, openErr := openDB(s.path)
	if swapErr != nil || openErr != nil {
		if openErr != nil {
			return fmt.Errorf("%w: reopen after swap: %w", domain.ErrStorageUnavailable, openErr)
		}
		s.db = db
		return fmt.Errorf("%w: %w", domain.ErrHotReplaceFailed, swapErr)
	}
	s.db = db
	return nil
}

// verifyCandidate ensures the replacement file opens and carries a mappings
// table before the live database is touched.
func verifyCandidate(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='mappings'`).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return errors.New("candidate database has no mappings table")
	}
	return nil
}

func removeSidecars(path string) {
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	// Copy into a sibling file and rename it over dst, so a failed copy never
	// leaves dst half-written.
	tmp := dst + ".swap"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
