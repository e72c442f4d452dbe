package prompt

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.txt")
	if err := os.WriteFile(path, []byte("You are a tax assistant.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if got != "You are a tax assistant." {
		t.Fatalf("Load() = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.txt")
	if err := os.WriteFile(path, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path, nil)
	if err != nil {
		t.Fatalf("Watch() = %v", err)
	}
	defer w.Close()

	if got := w.Current(); got != "first" {
		t.Fatalf("Current() = %q, want %q", got, "first")
	}

	if err := os.WriteFile(path, []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current() == "second" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Current() = %q after rewrite, want %q", w.Current(), "second")
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.txt")
	if err := os.WriteFile(path, []byte("prompt"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path, nil)
	if err != nil {
		t.Fatalf("Watch() = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("noise"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := w.Current(); got != "prompt" {
		t.Fatalf("Current() = %q, sibling write must not change it", got)
	}
}
