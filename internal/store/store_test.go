package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChangesetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := ChangesetRow{
		ID:        "cs_1",
		Status:    "proposed",
		SessionID: "sess_1",
		CreatedAt: time.Now(),
		Files: []FileRow{
			{Path: "automations.yaml", OldRef: "abc", NewContent: []byte("new: content\n"), Preview: "+new: content"},
			{Path: "scripts.yaml", NewContent: []byte("x: 1\n")},
		},
	}
	if err := s.InsertChangeset(ctx, row); err != nil {
		t.Fatalf("InsertChangeset: %v", err)
	}

	got, err := s.GetChangeset(ctx, "cs_1")
	if err != nil {
		t.Fatalf("GetChangeset: %v", err)
	}
	if got.Status != "proposed" || got.SessionID != "sess_1" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.Files) != 2 {
		t.Fatalf("files = %d", len(got.Files))
	}
	if got.Files[0].Path != "automations.yaml" || string(got.Files[0].NewContent) != "new: content\n" {
		t.Errorf("file row mismatch: %+v", got.Files[0])
	}
	if !got.DecidedAt.IsZero() {
		t.Errorf("undecided changeset has DecidedAt %v", got.DecidedAt)
	}
}

func TestGetChangesetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetChangeset(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateChangesetStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertChangeset(ctx, ChangesetRow{ID: "cs_2", Status: "proposed", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	decided := time.Now()
	if err := s.UpdateChangesetStatus(ctx, "cs_2", "rejected", "not wanted", decided); err != nil {
		t.Fatalf("UpdateChangesetStatus: %v", err)
	}

	got, err := s.GetChangeset(ctx, "cs_2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "rejected" || got.Reason != "not wanted" {
		t.Errorf("update lost: %+v", got)
	}
	if got.DecidedAt.IsZero() {
		t.Error("DecidedAt not recorded")
	}

	err = s.UpdateChangesetStatus(ctx, "missing", "rejected", "", decided)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListChangesetsNewestFirstAndFiltered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, st := range []string{"proposed", "applied", "proposed"} {
		row := ChangesetRow{
			ID:        []string{"cs_a", "cs_b", "cs_c"}[i],
			Status:    st,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.InsertChangeset(ctx, row); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListChangesets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "cs_c" || all[2].ID != "cs_a" {
		t.Errorf("order wrong: %v", ids(all))
	}

	pending, err := s.ListChangesets(ctx, "proposed")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != "cs_c" || pending[1].ID != "cs_a" {
		t.Errorf("filter wrong: %v", ids(pending))
	}
}

func TestChangesetsTouchingPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := ChangesetRow{
		ID: "cs_t", Status: "proposed", CreatedAt: time.Now(),
		Files: []FileRow{{Path: "configuration.yaml", NewContent: []byte("a")}},
	}
	if err := s.InsertChangeset(ctx, row); err != nil {
		t.Fatal(err)
	}

	got, err := s.ChangesetsTouchingPath(ctx, "configuration.yaml", "proposed")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "cs_t" {
		t.Errorf("got %v", got)
	}

	got, err = s.ChangesetsTouchingPath(ctx, "other.yaml", "proposed")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %v", got)
	}
}

func TestBackupsLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	var lastID int64
	for i := 0; i < 4; i++ {
		id, err := s.InsertBackup(ctx, BackupRow{
			Path:       "configuration.yaml",
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
			ContentRef: "ref",
			Content:    []byte{byte(i)},
		})
		if err != nil {
			t.Fatalf("InsertBackup: %v", err)
		}
		lastID = id
	}

	list, err := s.ListBackups(ctx, "configuration.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 4 {
		t.Fatalf("len = %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Errorf("not newest first at %d", i)
		}
	}

	latest, err := s.LatestBackup(ctx, "configuration.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != lastID {
		t.Errorf("latest = %d, want %d", latest.ID, lastID)
	}

	full, err := s.GetBackup(ctx, lastID)
	if err != nil {
		t.Fatal(err)
	}
	if string(full.Content) != string([]byte{3}) {
		t.Errorf("content = %v", full.Content)
	}

	n, err := s.PruneBackups(ctx, "configuration.yaml", 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows", n)
	}
	list, _ = s.ListBackups(ctx, "configuration.yaml")
	if len(list) != 2 {
		t.Errorf("kept %d rows", len(list))
	}
	if list[0].ID != lastID {
		t.Errorf("prune removed the newest record")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertChangeset(ctx, ChangesetRow{
		ID: "cs_restart", Status: "proposed", CreatedAt: time.Now(),
		Files: []FileRow{{Path: "a.yaml", NewContent: []byte("v2")}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertBackup(ctx, BackupRow{Path: "a.yaml", CreatedAt: time.Now(), ContentRef: "r", Content: []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	cs, err := s2.GetChangeset(ctx, "cs_restart")
	if err != nil {
		t.Fatalf("changeset lost across reopen: %v", err)
	}
	if cs.Status != "proposed" || len(cs.Files) != 1 {
		t.Errorf("changeset corrupted: %+v", cs)
	}

	b, err := s2.LatestBackup(ctx, "a.yaml")
	if err != nil {
		t.Fatalf("backup lost across reopen: %v", err)
	}
	content, err := s2.GetBackup(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(content.Content) != "v1" {
		t.Errorf("backup content = %q", content.Content)
	}
}

func ids(rows []ChangesetRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func TestChangesetFilesKeepProposalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := ChangesetRow{
		ID:        "cs_order",
		Status:    "proposed",
		SessionID: "sess_1",
		CreatedAt: time.Now(),
		Files: []FileRow{
			{Path: "scripts.yaml", NewContent: []byte("b\n")},
			{Path: "automations.yaml", NewContent: []byte("a\n")},
			{Path: "packages/lights.yaml", NewContent: []byte("c\n")},
		},
	}
	if err := s.InsertChangeset(ctx, row); err != nil {
		t.Fatalf("InsertChangeset: %v", err)
	}

	got, err := s.GetChangeset(ctx, "cs_order")
	if err != nil {
		t.Fatalf("GetChangeset: %v", err)
	}
	want := []string{"scripts.yaml", "automations.yaml", "packages/lights.yaml"}
	if len(got.Files) != len(want) {
		t.Fatalf("got %d files, want %d", len(got.Files), len(want))
	}
	for i, p := range want {
		if got.Files[i].Path != p {
			t.Errorf("files[%d] = %q, want %q", i, got.Files[i].Path, p)
		}
	}
}
