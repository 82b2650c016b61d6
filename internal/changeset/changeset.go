// Package changeset owns the lifecycle of proposed configuration edits:
// the status machine, diff previews, and the snapshot / atomic-write /
// validate / rollback pipeline that applies an approved changeset to the
// managed root.
package changeset

import (
	"time"

	"homepilot/internal/store"
)

// Status is the lifecycle state of a changeset.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusApproved   Status = "approved"
	StatusValidating Status = "validating"
	StatusApplied    Status = "applied"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusRejected, StatusRolledBack:
		return true
	}
	return false
}

// ProposedFile is one file edit as submitted to Propose. Path is relative
// to the managed root; Content is the full desired file content.
type ProposedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileChange is one file edit inside a stored changeset. OldRef is the
// sha256 of the pre-image at proposal time, empty for a new file.
type FileChange struct {
	Path       string `json:"path"`
	OldRef     string `json:"old_ref,omitempty"`
	NewContent string `json:"-"`
	Preview    string `json:"preview"`
}

// Changeset is a group of file edits that is applied or rejected as a
// unit. Once a terminal status is reached the changeset never changes
// again.
type Changeset struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	SessionID string       `json:"session_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	DecidedAt time.Time    `json:"decided_at"`
	Reason    string       `json:"reason,omitempty"`
	Stale     bool         `json:"stale,omitempty"`
	Files     []FileChange `json:"files"`
}

// Paths returns the managed-root-relative paths touched by the changeset.
func (c *Changeset) Paths() []string {
	out := make([]string, len(c.Files))
	for i, f := range c.Files {
		out[i] = f.Path
	}
	return out
}

func fromRow(row store.ChangesetRow) *Changeset {
	cs := &Changeset{
		ID:        row.ID,
		Status:    Status(row.Status),
		SessionID: row.SessionID,
		CreatedAt: row.CreatedAt,
		DecidedAt: row.DecidedAt,
		Reason:    row.Reason,
		Stale:     row.Stale,
	}
	for _, f := range row.Files {
		cs.Files = append(cs.Files, FileChange{
			Path:       f.Path,
			OldRef:     f.OldRef,
			NewContent: string(f.NewContent),
			Preview:    f.Preview,
		})
	}
	return cs
}

func toRow(cs *Changeset) store.ChangesetRow {
	row := store.ChangesetRow{
		ID:        cs.ID,
		Status:    string(cs.Status),
		SessionID: cs.SessionID,
		CreatedAt: cs.CreatedAt,
		DecidedAt: cs.DecidedAt,
		Reason:    cs.Reason,
		Stale:     cs.Stale,
	}
	for _, f := range cs.Files {
		row.Files = append(row.Files, store.FileRow{
			Path:       f.Path,
			OldRef:     f.OldRef,
			NewContent: []byte(f.NewContent),
			Preview:    f.Preview,
		})
	}
	return row
}
