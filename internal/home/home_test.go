package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	d := New("/tmp/fhirsieve-test")
	if d.Root() != "/tmp/fhirsieve-test" {
		t.Errorf("expected root /tmp/fhirsieve-test, got %s", d.Root())
	}
}

func TestDefault(t *testing.T) {
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if d.Root() == "" {
		t.Fatal("expected non-empty root")
	}
	// Should end with "fhirsieve".
	if filepath.Base(d.Root()) != "fhirsieve" {
		t.Errorf("expected root to end with 'fhirsieve', got %s", d.Root())
	}
}

func TestStatePath(t *testing.T) {
	d := New("/data")
	if got := d.StatePath(); got != "/data/watch-state.json" {
		t.Errorf("got %s", got)
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "fhirsieve")
	d := New(root)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}

	// Calling again should be idempotent.
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists (idempotent): %v", err)
	}
}
