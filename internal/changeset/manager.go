package changeset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homepilot/internal/backup"
	"homepilot/internal/diff"
	"homepilot/internal/gateway"
	"homepilot/internal/store"
)

// Options tunes the manager. Zero values fall back to the defaults below.
type Options struct {
	BackupKeep  int           // rotation depth per path
	ProposalTTL time.Duration // how long a proposal may sit undecided
}

const (
	defaultBackupKeep  = 5
	defaultProposalTTL = 24 * time.Hour
)

// Manager owns every changeset and backup record in the process. It is
// constructed once and shared by reference; all mutating operations on a
// given changeset id or file path are serialized internally.
type Manager struct {
	db      *store.Store
	backups *backup.Store
	gw      gateway.Gateway
	logger  *zap.Logger
	keep    int
	ttl     time.Duration

	mu        sync.Mutex
	deciding  map[string]bool
	pathLocks map[string]*sync.Mutex
}

// NewManager wires the manager to its collaborators.
func NewManager(db *store.Store, backups *backup.Store, gw gateway.Gateway, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	keep := opts.BackupKeep
	if keep <= 0 {
		keep = defaultBackupKeep
	}
	ttl := opts.ProposalTTL
	if ttl <= 0 {
		ttl = defaultProposalTTL
	}
	return &Manager{
		db:        db,
		backups:   backups,
		gw:        gw,
		logger:    logger.Named("changeset"),
		keep:      keep,
		ttl:       ttl,
		deciding:  make(map[string]bool),
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// Propose validates and stores a new changeset in status proposed.
//
// Paths are checked against the managed root before any other work. Files
// whose proposed content already matches the disk content are dropped; if
// nothing remains the proposal fails with ErrEmptyChangeset and nothing
// is stored.
func (m *Manager) Propose(ctx context.Context, sessionID string, files []ProposedFile) (*Changeset, error) {
	if len(files) == 0 {
		return nil, ErrEmptyChangeset
	}

	seen := make(map[string]bool, len(files))
	normalized := make([]ProposedFile, 0, len(files))
	for _, f := range files {
		clean, err := gateway.NormalizePath(f.Path)
		if err != nil {
			return nil, err
		}
		if seen[clean] {
			return nil, fmt.Errorf("%s: %w", clean, ErrDuplicatePath)
		}
		seen[clean] = true
		normalized = append(normalized, ProposedFile{Path: clean, Content: f.Content})
	}

	cs := &Changeset{
		ID:        "cs_" + uuid.NewString(),
		Status:    StatusProposed,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}

	for _, f := range normalized {
		current, err := m.gw.ReadFile(ctx, f.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read current content of %s: %w", f.Path, err)
		}
		old := string(current)
		if old == f.Content {
			continue
		}

		fc := FileChange{
			Path:       f.Path,
			NewContent: f.Content,
			Preview:    diff.Unified(f.Path, old, f.Content),
		}
		if err == nil {
			sum := sha256.Sum256(current)
			fc.OldRef = hex.EncodeToString(sum[:])
		}
		cs.Files = append(cs.Files, fc)
	}

	if len(cs.Files) == 0 {
		return nil, ErrEmptyChangeset
	}

	if err := m.db.InsertChangeset(ctx, toRow(cs)); err != nil {
		return nil, fmt.Errorf("store changeset: %w", err)
	}

	m.logger.Info("changeset proposed",
		zap.String("id", cs.ID),
		zap.String("session", sessionID),
		zap.Int("files", len(cs.Files)))
	return cs, nil
}

// Decide resolves a proposed changeset. Rejection records the decision
// and touches no files. Approval runs the apply pipeline: snapshot every
// affected file, write all new contents atomically, validate, reload, and
// on any failure restore the snapshots and end in rolled_back.
//
// Exactly one decision wins: concurrent calls for the same id, and any
// call after the changeset has left proposed, fail with ErrAlreadyDecided.
func (m *Manager) Decide(ctx context.Context, id string, approve bool, reason string) (*Changeset, error) {
	if err := m.beginDecide(id); err != nil {
		return nil, err
	}
	defer m.endDecide(id)

	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Status != StatusProposed {
		return nil, fmt.Errorf("%s is %s: %w", id, cs.Status, ErrAlreadyDecided)
	}

	if !approve {
		if reason == "" {
			reason = "rejected by user"
		}
		if err := m.transition(ctx, cs, StatusRejected, reason); err != nil {
			return nil, err
		}
		m.logger.Info("changeset rejected", zap.String("id", id), zap.String("reason", reason))
		return cs, nil
	}

	if err := m.transition(ctx, cs, StatusApproved, reason); err != nil {
		return nil, err
	}

	unlock := m.lockPaths(cs.Paths())
	defer unlock()

	if err := m.apply(ctx, cs); err != nil {
		return cs, err
	}

	for _, p := range cs.Paths() {
		if err := m.backups.Rotate(ctx, p, m.keep); err != nil {
			m.logger.Warn("backup rotation failed", zap.String("path", p), zap.Error(err))
		}
	}

	m.logger.Info("changeset applied",
		zap.String("id", id),
		zap.Int("files", len(cs.Files)))
	return cs, nil
}

// apply runs the snapshot / write / validate / reload sequence. Any
// failure after the first write restores the snapshots before the status
// reaches rolled_back.
func (m *Manager) apply(ctx context.Context, cs *Changeset) error {
	// Snapshot strictly before the first write. A file that does not
	// exist yet has nothing to snapshot; its path goes on the created
	// list so rollback deletes it instead of restoring it.
	snapshots := make([]backup.Record, 0, len(cs.Files))
	created := make([]string, 0, len(cs.Files))
	for _, f := range cs.Files {
		current, err := m.gw.ReadFile(ctx, f.Path)
		if errors.Is(err, fs.ErrNotExist) {
			created = append(created, f.Path)
			continue
		}
		if err != nil {
			return m.fail(ctx, cs, snapshots, created, fmt.Errorf("read %s before apply: %w", f.Path, err))
		}
		rec, err := m.backups.Snapshot(ctx, f.Path, current)
		if err != nil {
			return m.fail(ctx, cs, snapshots, created, fmt.Errorf("snapshot %s: %w", f.Path, err))
		}
		snapshots = append(snapshots, rec)
	}

	for _, f := range cs.Files {
		if err := m.gw.WriteAtomic(ctx, f.Path, []byte(f.NewContent)); err != nil {
			return m.fail(ctx, cs, snapshots, created, fmt.Errorf("write %s: %w", f.Path, err))
		}
	}

	if err := m.transition(ctx, cs, StatusValidating, ""); err != nil {
		return m.fail(ctx, cs, snapshots, created, err)
	}

	if err := m.gw.Validate(ctx); err != nil {
		return m.fail(ctx, cs, snapshots, created, fmt.Errorf("validation: %w", err))
	}

	if err := m.gw.Reload(ctx); err != nil {
		return m.fail(ctx, cs, snapshots, created, fmt.Errorf("reload: %w", err))
	}

	return m.transition(ctx, cs, StatusApplied, "")
}

// fail drives a failed application to rolled_back: every snapshot is
// restored and every created file removed, best effort with each attempt
// independent, then the terminal status is recorded with the original
// failure as reason.
func (m *Manager) fail(ctx context.Context, cs *Changeset, snapshots []backup.Record, created []string, cause error) error {
	m.logger.Error("changeset application failed, rolling back",
		zap.String("id", cs.ID),
		zap.Error(cause))

	if err := m.transition(ctx, cs, StatusFailed, cause.Error()); err != nil {
		m.logger.Error("failed to record failure", zap.String("id", cs.ID), zap.Error(err))
	}

	var restoreErrs []error
	for _, rec := range snapshots {
		if err := m.backups.Restore(ctx, rec, m.gw); err != nil {
			restoreErrs = append(restoreErrs, err)
			m.logger.Error("restore failed", zap.String("path", rec.Path), zap.Error(err))
		}
	}
	for _, p := range created {
		if err := m.gw.Remove(ctx, p); err != nil {
			restoreErrs = append(restoreErrs, err)
			m.logger.Error("remove of created file failed", zap.String("path", p), zap.Error(err))
		}
	}

	reason := cause.Error()
	if len(restoreErrs) > 0 {
		reason = fmt.Sprintf("%s (restore incomplete: %v)", reason, errors.Join(restoreErrs...))
	}
	if err := m.transition(ctx, cs, StatusRolledBack, reason); err != nil {
		m.logger.Error("failed to record rollback", zap.String("id", cs.ID), zap.Error(err))
	}

	return cause
}

// Rollback restores the most recent backup for each path, outside any
// changeset. With no paths it covers every path that has a snapshot.
// Restores are attempted independently; failures are aggregated.
func (m *Manager) Rollback(ctx context.Context, paths []string) error {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		clean, err := gateway.NormalizePath(p)
		if err != nil {
			return err
		}
		cleaned = append(cleaned, clean)
	}

	records, err := m.backups.LatestSet(ctx, cleaned)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return backup.ErrNoBackup
	}

	locked := make([]string, len(records))
	for i, rec := range records {
		locked[i] = rec.Path
	}
	unlock := m.lockPaths(locked)
	defer unlock()

	var errs []error
	for _, rec := range records {
		if err := m.backups.Restore(ctx, rec, m.gw); err != nil {
			errs = append(errs, err)
			m.logger.Error("rollback restore failed", zap.String("path", rec.Path), zap.Error(err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rollback incomplete: %w", errors.Join(errs...))
	}

	m.logger.Info("rollback completed", zap.Int("files", len(records)))
	return nil
}

// Get loads one changeset.
func (m *Manager) Get(ctx context.Context, id string) (*Changeset, error) {
	row, err := m.db.GetChangeset(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return fromRow(*row), nil
}

// List returns all changesets, newest first.
func (m *Manager) List(ctx context.Context) ([]*Changeset, error) {
	return m.list(ctx)
}

// ListPending returns proposed changesets, newest first.
func (m *Manager) ListPending(ctx context.Context) ([]*Changeset, error) {
	return m.list(ctx, StatusProposed)
}

func (m *Manager) list(ctx context.Context, statuses ...Status) ([]*Changeset, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := m.db.ListChangesets(ctx, names...)
	if err != nil {
		return nil, err
	}
	out := make([]*Changeset, len(rows))
	for i, row := range rows {
		out[i] = fromRow(row)
	}
	return out, nil
}

// ExpireStale rejects proposals older than the configured TTL. Returns
// the number of expired changesets.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	pending, err := m.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-m.ttl)
	expired := 0
	for _, cs := range pending {
		if !cs.CreatedAt.Before(cutoff) {
			continue
		}
		// Go through Decide so an in-flight approval of the same id wins
		// the race cleanly.
		if _, err := m.Decide(ctx, cs.ID, false, "expired"); err != nil {
			if errors.Is(err, ErrAlreadyDecided) {
				continue
			}
			return expired, err
		}
		expired++
	}

	if expired > 0 {
		m.logger.Info("expired stale proposals", zap.Int("count", expired))
	}
	return expired, nil
}

// markStale flags every proposed changeset touching the path. Called by
// the watcher.
func (m *Manager) markStale(ctx context.Context, path string) {
	ids, err := m.db.ChangesetsTouchingPath(ctx, path, string(StatusProposed))
	if err != nil {
		m.logger.Warn("stale check failed", zap.String("path", path), zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := m.db.MarkChangesetStale(ctx, id); err != nil {
			m.logger.Warn("failed to mark changeset stale", zap.String("id", id), zap.Error(err))
			continue
		}
		m.logger.Info("changeset base changed on disk",
			zap.String("id", id),
			zap.String("path", path))
	}
}

// beginDecide claims the single decision slot for an id.
func (m *Manager) beginDecide(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deciding[id] {
		return fmt.Errorf("%s: %w", id, ErrAlreadyDecided)
	}
	m.deciding[id] = true
	return nil
}

func (m *Manager) endDecide(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deciding, id)
}

// lockPaths acquires the per-path locks in sorted order so overlapping
// applications cannot deadlock, and returns the matching unlock.
func (m *Manager) lockPaths(paths []string) func() {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, 0, len(sorted))
	var prev string
	for i, p := range sorted {
		if i > 0 && p == prev {
			continue
		}
		prev = p
		locks = append(locks, m.pathLock(p))
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (m *Manager) pathLock(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		m.pathLocks[path] = l
	}
	return l
}

// transition persists a status change and updates the in-memory copy.
// Decision timestamps are recorded on the first transition out of
// proposed.
func (m *Manager) transition(ctx context.Context, cs *Changeset, next Status, reason string) error {
	decidedAt := cs.DecidedAt
	if decidedAt.IsZero() && next != StatusProposed {
		decidedAt = time.Now()
	}
	if reason == "" {
		reason = cs.Reason
	}
	if err := m.db.UpdateChangesetStatus(ctx, cs.ID, string(next), reason, decidedAt); err != nil {
		return fmt.Errorf("record %s -> %s: %w", cs.Status, next, err)
	}
	cs.Status = next
	cs.Reason = reason
	cs.DecidedAt = decidedAt
	return nil
}
