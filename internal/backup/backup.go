// Package backup manages pre-change snapshots of managed files. Records
// are immutable once written and survive restarts; rotation trims the
// oldest snapshots per path.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homepilot/internal/store"
)

// ErrNoBackup is returned when a path has no snapshot to restore.
var ErrNoBackup = errors.New("no backup available")

// Record identifies one snapshot. ContentRef is the sha256 of the content
// and doubles as an integrity check on restore.
type Record struct {
	ID         int64     `json:"id"`
	Path       string    `json:"path"`
	Timestamp  time.Time `json:"timestamp"`
	ContentRef string    `json:"content_ref"`
}

// FileWriter writes a file back into the managed root atomically. The
// gateway implements it.
type FileWriter interface {
	WriteAtomic(ctx context.Context, path string, content []byte) error
}

// Store provides snapshot, restore, list and rotate over the database.
type Store struct {
	db     *store.Store
	logger *zap.Logger
}

// New wires the backup store to the shared database.
func New(db *store.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("backup")}
}

// Snapshot records the current content of a path. Append-only; existing
// records are never touched.
func (s *Store) Snapshot(ctx context.Context, path string, content []byte) (Record, error) {
	sum := sha256.Sum256(content)
	row := store.BackupRow{
		Path:       path,
		CreatedAt:  time.Now(),
		ContentRef: hex.EncodeToString(sum[:]),
		Content:    content,
	}

	id, err := s.db.InsertBackup(ctx, row)
	if err != nil {
		return Record{}, fmt.Errorf("snapshot %s: %w", path, err)
	}

	s.logger.Debug("snapshot taken",
		zap.String("path", path),
		zap.Int64("id", id),
		zap.Int("bytes", len(content)))

	return Record{ID: id, Path: path, Timestamp: row.CreatedAt, ContentRef: row.ContentRef}, nil
}

// Content returns the stored bytes for a record, verifying them against
// the record's ContentRef.
func (s *Store) Content(ctx context.Context, rec Record) ([]byte, error) {
	row, err := s.db.GetBackup(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load backup %d: %w", rec.ID, err)
	}

	sum := sha256.Sum256(row.Content)
	if ref := hex.EncodeToString(sum[:]); ref != row.ContentRef {
		return nil, fmt.Errorf("backup %d for %s: content hash mismatch", rec.ID, rec.Path)
	}
	return row.Content, nil
}

// Restore writes a record's content back to its original path.
func (s *Store) Restore(ctx context.Context, rec Record, w FileWriter) error {
	content, err := s.Content(ctx, rec)
	if err != nil {
		return err
	}
	if err := w.WriteAtomic(ctx, rec.Path, content); err != nil {
		return fmt.Errorf("restore %s from backup %d: %w", rec.Path, rec.ID, err)
	}
	s.logger.Info("restored file from backup",
		zap.String("path", rec.Path),
		zap.Int64("id", rec.ID),
		zap.Time("taken_at", rec.Timestamp))
	return nil
}

// List returns the records for a path, newest first.
func (s *Store) List(ctx context.Context, path string) ([]Record, error) {
	rows, err := s.db.ListBackups(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = toRecord(r)
	}
	return out, nil
}

// Latest returns the most recent record for a path.
func (s *Store) Latest(ctx context.Context, path string) (Record, error) {
	row, err := s.db.LatestBackup(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, fmt.Errorf("%s: %w", path, ErrNoBackup)
		}
		return Record{}, err
	}
	return toRecord(*row), nil
}

// LatestSet returns the most recent record per path. With no paths given
// it covers every path that has a snapshot.
func (s *Store) LatestSet(ctx context.Context, paths []string) ([]Record, error) {
	if len(paths) == 0 {
		all, err := s.db.BackupPaths(ctx)
		if err != nil {
			return nil, err
		}
		paths = all
	}

	out := make([]Record, 0, len(paths))
	for _, p := range paths {
		rec, err := s.Latest(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Rotate deletes the oldest records for a path beyond keep. The changeset
// manager only calls this after an application reached a terminal state,
// so snapshots belonging to an in-flight application are never removed.
func (s *Store) Rotate(ctx context.Context, path string, keep int) error {
	n, err := s.db.PruneBackups(ctx, path, keep)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("rotated backups",
			zap.String("path", path),
			zap.Int64("removed", n),
			zap.Int("keep", keep))
	}
	return nil
}

func toRecord(r store.BackupRow) Record {
	return Record{ID: r.ID, Path: r.Path, Timestamp: r.CreatedAt, ContentRef: r.ContentRef}
}
