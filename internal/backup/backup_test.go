package backup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"homepilot/internal/store"
)

type memWriter struct {
	files map[string][]byte
}

func (m *memWriter) WriteAtomic(_ context.Context, path string, content []byte) error {
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	m.files[path] = append([]byte(nil), content...)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func TestSnapshotAndContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Snapshot(ctx, "configuration.yaml", []byte("version: 1\n"))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rec.Path != "configuration.yaml" || rec.ContentRef == "" || rec.Timestamp.IsZero() {
		t.Errorf("record incomplete: %+v", rec)
	}

	content, err := s.Content(ctx, rec)
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if string(content) != "version: 1\n" {
		t.Errorf("content = %q", content)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Snapshot(ctx, "a.yaml", []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.List(ctx, "a.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID > recs[i-1].ID {
			t.Errorf("not newest first: %+v", recs)
		}
	}
}

func TestRestoreWritesOriginalBytes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Snapshot(ctx, "automations.yaml", []byte("- alias: original\n"))
	if err != nil {
		t.Fatal(err)
	}

	w := &memWriter{}
	if err := s.Restore(ctx, rec, w); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if string(w.files["automations.yaml"]) != "- alias: original\n" {
		t.Errorf("restored bytes = %q", w.files["automations.yaml"])
	}
}

func TestRotateKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last Record
	for i := 0; i < 5; i++ {
		rec, err := s.Snapshot(ctx, "b.yaml", []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		last = rec
	}

	if err := s.Rotate(ctx, "b.yaml", 2); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	recs, err := s.List(ctx, "b.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("kept %d records", len(recs))
	}
	if recs[0].ID != last.ID {
		t.Errorf("rotation removed the newest record")
	}

	// Rotated-away content is gone, kept content still restorable.
	if _, err := s.Content(ctx, recs[1]); err != nil {
		t.Errorf("kept record unreadable: %v", err)
	}
}

func TestLatestSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Snapshot(ctx, "a.yaml", []byte("a1")); err != nil {
		t.Fatal(err)
	}
	a2, err := s.Snapshot(ctx, "a.yaml", []byte("a2"))
	if err != nil {
		t.Fatal(err)
	}
	b1, err := s.Snapshot(ctx, "b.yaml", []byte("b1"))
	if err != nil {
		t.Fatal(err)
	}

	recs, err := s.LatestSet(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d", len(recs))
	}
	byPath := map[string]Record{}
	for _, r := range recs {
		byPath[r.Path] = r
	}
	if byPath["a.yaml"].ID != a2.ID || byPath["b.yaml"].ID != b1.ID {
		t.Errorf("latest set wrong: %+v", byPath)
	}
}

func TestLatestMissingPath(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Latest(context.Background(), "never-written.yaml")
	if !errors.Is(err, ErrNoBackup) {
		t.Errorf("err = %v, want ErrNoBackup", err)
	}
}
