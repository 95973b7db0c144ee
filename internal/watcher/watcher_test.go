package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"
)

func TestHashFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.png")
	content := []byte("test content for hashing")

	if err := os.WriteFile(testFile, content, 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	hash1, size1, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if size1 != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), size1)
	}
	if hash1 != blake2b.Sum256(content) {
		t.Error("hash does not match BLAKE2b-256 of content")
	}

	if err := os.WriteFile(testFile, []byte("different content"), 0600); err != nil {
		t.Fatalf("failed to modify test file: %v", err)
	}
	hash2, _, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("second HashFile failed: %v", err)
	}
	if hash1 == hash2 {
		t.Error("different content should produce different hash")
	}
}

func TestHashFileNotFound(t *testing.T) {
	_, _, err := HashFile("/nonexistent/file.png")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestStartRequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := New(Config{Dir: file})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.fsWatcher.Close()

	if err := w.Start(); err == nil {
		t.Error("expected error watching a file")
	}
}

func pngOnly(name string) bool {
	return strings.HasSuffix(name, ".png") && !strings.HasSuffix(name, "_mask.png")
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWatcherAnnouncesStableImages(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := New(Config{Dir: tmpDir, Debounce: 50 * time.Millisecond, Filter: pngOnly})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("skip"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "cat_mask.png"), []byte("skip"), 0600); err != nil {
		t.Fatal(err)
	}
	content := []byte("image bytes")
	path := filepath.Join(tmpDir, "cat.png")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, w)
	if ev.Path != path {
		t.Errorf("expected %s, got %s", path, ev.Path)
	}
	if ev.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), ev.Size)
	}
	if ev.Hash != blake2b.Sum256(content) {
		t.Error("unexpected hash")
	}

	select {
	case ev := <-w.Events():
		t.Errorf("unexpected second event for %s", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
	if n := w.TrackedFiles(); n != 0 {
		t.Errorf("expected no tracked files, got %d", n)
	}
}

func TestWatcherIncludeExisting(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "old.png")
	if err := os.WriteFile(path, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := New(Config{Dir: tmpDir, Debounce: 20 * time.Millisecond, Filter: pngOnly, IncludeExisting: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if ev := waitEvent(t, w); ev.Path != path {
		t.Errorf("expected %s, got %s", path, ev.Path)
	}
	if w.Dir() != tmpDir {
		t.Errorf("unexpected dir %s", w.Dir())
	}
}

func TestWatcherStopClosesChannels(t *testing.T) {
	w, err := New(Config{Dir: t.TempDir(), Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed")
	}
}
