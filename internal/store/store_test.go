package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := ValidateSchema(s.db); err != nil {
		t.Errorf("ValidateSchema: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("parent directory was not created")
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.RecordMask(ctx, "/img/a.png", "/img/a_mask.png", []byte("mask"), 1); err != nil {
		t.Fatalf("RecordMask: %v", err)
	}
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	masks, err := s.RecentMasks(ctx, 0)
	if err != nil {
		t.Fatalf("RecentMasks: %v", err)
	}
	if len(masks) != 1 {
		t.Fatalf("expected 1 mask after reopen, got %d", len(masks))
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestRecordMask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	png := []byte("not really a png")

	if err := s.RecordMask(ctx, "/img/cat.png", "/img/cat_mask.png", png, 3); err != nil {
		t.Fatalf("RecordMask: %v", err)
	}

	m, err := s.LatestForImage(ctx, "/img/cat.png")
	if err != nil {
		t.Fatalf("LatestForImage: %v", err)
	}
	if m == nil {
		t.Fatal("expected a record")
	}
	if m.MaskPath != "/img/cat_mask.png" {
		t.Errorf("unexpected mask path %s", m.MaskPath)
	}
	if m.MaskHash != blake2b.Sum256(png) {
		t.Error("hash mismatch")
	}
	if m.MaskSize != int64(len(png)) {
		t.Errorf("expected size %d, got %d", len(png), m.MaskSize)
	}
	if m.Layers != 3 {
		t.Errorf("expected 3 layers, got %d", m.Layers)
	}
	if time.Since(m.CreatedAt) > time.Minute {
		t.Errorf("unexpected timestamp %v", m.CreatedAt)
	}
}

func TestLatestForImageMissing(t *testing.T) {
	s := openTestStore(t)

	m, err := s.LatestForImage(context.Background(), "/nope.png")
	if err != nil {
		t.Fatalf("LatestForImage: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil, got %+v", m)
	}
}

func TestRecentMasksOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, name := range []string{"a", "b", "c"} {
		_, err := s.InsertSavedMask(ctx, &SavedMask{
			ImagePath: "/img/" + name + ".png",
			MaskPath:  "/img/" + name + "_mask.png",
			Layers:    1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertSavedMask: %v", err)
		}
	}

	masks, err := s.RecentMasks(ctx, 2)
	if err != nil {
		t.Fatalf("RecentMasks: %v", err)
	}
	if len(masks) != 2 {
		t.Fatalf("expected 2 masks, got %d", len(masks))
	}
	if masks[0].ImagePath != "/img/c.png" || masks[1].ImagePath != "/img/b.png" {
		t.Errorf("unexpected order: %s, %s", masks[0].ImagePath, masks[1].ImagePath)
	}
}

func TestMasksForImage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.RecordMask(ctx, "/img/a.png", "/img/a_mask.png", []byte{byte(i)}, i); err != nil {
			t.Fatalf("RecordMask: %v", err)
		}
	}
	if err := s.RecordMask(ctx, "/img/b.png", "/img/b_mask.png", []byte("b"), 1); err != nil {
		t.Fatalf("RecordMask: %v", err)
	}

	masks, err := s.MasksForImage(ctx, "/img/a.png")
	if err != nil {
		t.Fatalf("MasksForImage: %v", err)
	}
	if len(masks) != 3 {
		t.Errorf("expected 3 saves of a.png, got %d", len(masks))
	}
}

func TestWatchRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hash := blake2b.Sum256([]byte("image"))

	seen, err := s.SeenImage(ctx, hash)
	if err != nil {
		t.Fatalf("SeenImage: %v", err)
	}
	if seen {
		t.Error("new image reported as seen")
	}

	if _, err := s.InsertWatchRun(ctx, &WatchRun{
		ImagePath: "/in/a.png", ImageHash: hash, Prompt: "cat.", Outcome: RunFailed, Error: "connection refused",
	}); err != nil {
		t.Fatalf("InsertWatchRun: %v", err)
	}

	seen, _ = s.SeenImage(ctx, hash)
	if seen {
		t.Error("failed run should not mark the image as seen")
	}

	if _, err := s.InsertWatchRun(ctx, &WatchRun{
		ImagePath: "/in/a.png", ImageHash: hash, Prompt: "cat.", Outcome: RunSaved, Boxes: 2,
	}); err != nil {
		t.Fatalf("InsertWatchRun: %v", err)
	}

	seen, _ = s.SeenImage(ctx, hash)
	if !seen {
		t.Error("saved run should mark the image as seen")
	}

	runs, err := s.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Outcome != RunSaved || runs[0].Boxes != 2 {
		t.Errorf("unexpected newest run %+v", runs[0])
	}
	if runs[1].Error != "connection refused" {
		t.Errorf("error text lost: %q", runs[1].Error)
	}
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.SavedMasks != 0 || !st.LastSaveTime.IsZero() {
		t.Errorf("unexpected stats on empty store: %+v", st)
	}

	s.RecordMask(ctx, "/a.png", "/a_mask.png", []byte("1"), 1)
	s.RecordMask(ctx, "/a.png", "/a_mask.png", []byte("2"), 1)
	s.RecordMask(ctx, "/b.png", "/b_mask.png", []byte("3"), 1)
	s.InsertWatchRun(ctx, &WatchRun{ImagePath: "/b.png", Outcome: RunFailed})

	st, err = s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.SavedMasks != 3 {
		t.Errorf("expected 3 saved masks, got %d", st.SavedMasks)
	}
	if st.Images != 2 {
		t.Errorf("expected 2 images, got %d", st.Images)
	}
	if st.WatchRuns != 1 || st.FailedRuns != 1 {
		t.Errorf("unexpected run counts: %+v", st)
	}
	if st.LastSaveTime.IsZero() {
		t.Error("expected a last save time")
	}
}

func TestVerifyMask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a_mask.png")
	data := []byte("mask bytes")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	m := &SavedMask{MaskPath: path, MaskHash: blake2b.Sum256(data), MaskSize: int64(len(data))}

	if status, err := VerifyMask(m); err != nil || status != MaskIntact {
		t.Errorf("expected intact, got %v (%v)", status, err)
	}

	if err := os.WriteFile(path, []byte("edited"), 0644); err != nil {
		t.Fatal(err)
	}
	if status, _ := VerifyMask(m); status != MaskModified {
		t.Errorf("expected modified, got %v", status)
	}

	os.Remove(path)
	if status, _ := VerifyMask(m); status != MaskMissing {
		t.Errorf("expected missing, got %v", status)
	}
}

func TestVerifyLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	good := filepath.Join(dir, "good_mask.png")
	os.WriteFile(good, []byte("good"), 0644)
	s.RecordMask(ctx, "/good.png", good, []byte("good"), 1)

	// An older record with different content is shadowed by the newer one.
	gone := filepath.Join(dir, "gone_mask.png")
	s.InsertSavedMask(ctx, &SavedMask{ImagePath: "/good.png", MaskPath: gone, CreatedAt: time.Unix(1, 0)})
	s.RecordMask(ctx, "/gone.png", gone, []byte("gone"), 1)

	bad, err := s.VerifyLatest(ctx)
	if err != nil {
		t.Fatalf("VerifyLatest: %v", err)
	}
	if len(bad[MaskMissing]) != 1 || bad[MaskMissing][0].ImagePath != "/gone.png" {
		t.Errorf("expected gone.png missing, got %+v", bad)
	}
	if len(bad[MaskModified]) != 0 {
		t.Errorf("unexpected modified records %+v", bad[MaskModified])
	}
}

func TestOpenRejectsDamagedSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.db.Exec("DROP TABLE watch_runs"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	s.Close()

	// Both migrations are recorded as applied, so nothing recreates the table.
	if _, err := Open(dbPath); err == nil {
		t.Fatal("expected Open to fail on a schema missing watch_runs")
	}
}
