// Package store persists changesets and backup records in SQLite so that
// proposals and snapshots survive process restarts. It is the only
// package that touches the database; callers map its row types onto
// their domain types.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ChangesetRow mirrors one row of the changesets table.
type ChangesetRow struct {
	ID        string
	Status    string
	SessionID string
	CreatedAt time.Time
	DecidedAt time.Time // zero when undecided
	Reason    string
	Stale     bool
	Files     []FileRow
}

// FileRow mirrors one row of the changeset_files table.
type FileRow struct {
	Path       string
	OldRef     string
	NewContent []byte
	Preview    string
}

// BackupRow mirrors one row of the backups table. Content is kept in the
// row so a backup is restorable with nothing but the database.
type BackupRow struct {
	ID         int64
	Path       string
	CreatedAt  time.Time
	ContentRef string
	Content    []byte
}

// Store wraps the SQLite database. A single connection with WAL keeps
// writers serialized; the mutex protects multi-statement sequences.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
	logger *zap.Logger
}

// Open initializes the database at path, creating the schema when absent.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, dbPath: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("database ready", zap.String("path", path))
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS changesets (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		decided_at INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		stale INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_changesets_status ON changesets(status);

	CREATE TABLE IF NOT EXISTS changeset_files (
		changeset_id TEXT NOT NULL REFERENCES changesets(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		old_ref TEXT NOT NULL DEFAULT '',
		new_content BLOB NOT NULL,
		preview TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (changeset_id, path)
	);

	CREATE TABLE IF NOT EXISTS backups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		content_ref TEXT NOT NULL,
		content BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_backups_path ON backups(path, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.dbPath
}

// InsertChangeset writes a new changeset and its files in one transaction.
func (s *Store) InsertChangeset(ctx context.Context, row ChangesetRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO changesets (id, status, session_id, created_at, decided_at, reason, stale)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Status, row.SessionID, row.CreatedAt.UnixNano(),
		decidedNanos(row.DecidedAt), row.Reason, boolInt(row.Stale))
	if err != nil {
		return fmt.Errorf("failed to insert changeset %s: %w", row.ID, err)
	}

	for i, f := range row.Files {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO changeset_files (changeset_id, path, position, old_ref, new_content, preview)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			row.ID, f.Path, i, f.OldRef, f.NewContent, f.Preview)
		if err != nil {
			return fmt.Errorf("failed to insert file %s for changeset %s: %w", f.Path, row.ID, err)
		}
	}

	return tx.Commit()
}

// UpdateChangesetStatus records a status transition.
func (s *Store) UpdateChangesetStatus(ctx context.Context, id, status, reason string, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE changesets SET status = ?, reason = ?, decided_at = ? WHERE id = ?`,
		status, reason, decidedNanos(decidedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update changeset %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("changeset %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkChangesetStale flags a changeset whose base files moved on disk.
func (s *Store) MarkChangesetStale(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE changesets SET stale = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark changeset %s stale: %w", id, err)
	}
	return nil
}

// GetChangeset loads one changeset with its files.
func (s *Store) GetChangeset(ctx context.Context, id string) (*ChangesetRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, session_id, created_at, decided_at, reason, stale
		 FROM changesets WHERE id = ?`, id)

	cs, err := scanChangeset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("changeset %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	if err := s.loadFiles(ctx, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// ListChangesets returns changesets newest first. When statuses is
// non-empty only those statuses are returned. Files are loaded for each.
func (s *Store) ListChangesets(ctx context.Context, statuses ...string) ([]ChangesetRow, error) {
	query := `SELECT id, status, session_id, created_at, decided_at, reason, stale FROM changesets`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changesets: %w", err)
	}
	defer rows.Close()

	var out []ChangesetRow
	for rows.Next() {
		cs, err := scanChangeset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list changesets: %w", err)
	}

	for i := range out {
		if err := s.loadFiles(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ChangesetsTouchingPath returns ids of changesets in the given statuses
// that contain the path. Used by the staleness watcher.
func (s *Store) ChangesetsTouchingPath(ctx context.Context, path string, statuses ...string) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT c.id FROM changesets c
		 JOIN changeset_files f ON f.changeset_id = c.id
		 WHERE f.path = ? AND c.status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
	args := []any{path}
	for _, st := range statuses {
		args = append(args, st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changesets for path %s: %w", path, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// loadFiles attaches file rows to a changeset.
func (s *Store) loadFiles(ctx context.Context, cs *ChangesetRow) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, old_ref, new_content, preview
		 FROM changeset_files WHERE changeset_id = ? ORDER BY position`, cs.ID)
	if err != nil {
		return fmt.Errorf("failed to load files for changeset %s: %w", cs.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var f FileRow
		if err := rows.Scan(&f.Path, &f.OldRef, &f.NewContent, &f.Preview); err != nil {
			return err
		}
		cs.Files = append(cs.Files, f)
	}
	return rows.Err()
}

// InsertBackup appends an immutable backup record.
func (s *Store) InsertBackup(ctx context.Context, row BackupRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (path, created_at, content_ref, content) VALUES (?, ?, ?, ?)`,
		row.Path, row.CreatedAt.UnixNano(), row.ContentRef, row.Content)
	if err != nil {
		return 0, fmt.Errorf("failed to insert backup for %s: %w", row.Path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read backup id: %w", err)
	}
	return id, nil
}

// GetBackup loads one backup record including content.
func (s *Store) GetBackup(ctx context.Context, id int64) (*BackupRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, created_at, content_ref, content FROM backups WHERE id = ?`, id)

	var b BackupRow
	var nanos int64
	if err := row.Scan(&b.ID, &b.Path, &nanos, &b.ContentRef, &b.Content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load backup %d: %w", id, err)
	}
	b.CreatedAt = time.Unix(0, nanos)
	return &b, nil
}

// ListBackups returns backup records for a path, newest first, without
// content. Empty path lists every record.
func (s *Store) ListBackups(ctx context.Context, path string) ([]BackupRow, error) {
	query := `SELECT id, path, created_at, content_ref FROM backups`
	var args []any
	if path != "" {
		query += ` WHERE path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var out []BackupRow
	for rows.Next() {
		var b BackupRow
		var nanos int64
		if err := rows.Scan(&b.ID, &b.Path, &nanos, &b.ContentRef); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(0, nanos)
		out = append(out, b)
	}
	return out, rows.Err()
}

// LatestBackup returns the most recent record for a path, without content.
func (s *Store) LatestBackup(ctx context.Context, path string) (*BackupRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, created_at, content_ref FROM backups
		 WHERE path = ? ORDER BY created_at DESC, id DESC LIMIT 1`, path)

	var b BackupRow
	var nanos int64
	if err := row.Scan(&b.ID, &b.Path, &nanos, &b.ContentRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup for %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest backup for %s: %w", path, err)
	}
	b.CreatedAt = time.Unix(0, nanos)
	return &b, nil
}

// BackupPaths returns every path that has at least one backup record.
func (s *Store) BackupPaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT path FROM backups ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneBackups deletes the oldest records for a path beyond keep. Returns
// the number of deleted rows.
func (s *Store) PruneBackups(ctx context.Context, path string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backups WHERE path = ? AND id NOT IN (
			SELECT id FROM backups WHERE path = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 )`, path, path, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune backups for %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeset(r rowScanner) (*ChangesetRow, error) {
	var cs ChangesetRow
	var created, decided int64
	var stale int
	if err := r.Scan(&cs.ID, &cs.Status, &cs.SessionID, &created, &decided, &cs.Reason, &stale); err != nil {
		return nil, err
	}
	cs.CreatedAt = time.Unix(0, created)
	if decided != 0 {
		cs.DecidedAt = time.Unix(0, decided)
	}
	cs.Stale = stale != 0
	return &cs, nil
}

func decidedNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
