package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSweepOutputs(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	write := func(name string, mod time.Time) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	write("old.mp3", old)
	write("fresh.mp3", now)
	write("stale.mp3.partial", old)
	write("notes.txt", old)

	scratch := filepath.Join(dir, ".run-abc")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chtimes(scratch, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	active := filepath.Join(dir, ".run-live")
	if err := os.MkdirAll(active, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	removed, err := sweepOutputs(dir, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removals, got %d", removed)
	}
	for name, want := range map[string]bool{
		"old.mp3":           false,
		"fresh.mp3":         true,
		"stale.mp3.partial": false,
		"notes.txt":         true,
		".run-abc":          false,
		".run-live":         true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != want {
			t.Fatalf("%s: exists=%v want %v", name, exists, want)
		}
	}
}

func TestSweepOutputsKeepsAudioWithoutRetention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.mp3")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-1000 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	removed, err := sweepOutputs(dir, 0, time.Now())
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing removed, got %d %v", removed, err)
	}
}
