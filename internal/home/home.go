// Package home manages the fhirsieve home directory layout.
//
// The home directory owns the tool's persistent state between runs.
//
// Layout:
//
//	<root>/
//	  watch-state.json   (processed-file fingerprints for watch mode)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a fhirsieve home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/fhirsieve
//   - macOS:   ~/Library/Application Support/fhirsieve
//   - Windows: %APPDATA%/fhirsieve
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "fhirsieve")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// StatePath returns the path to the watch state file.
func (d Dir) StatePath() string {
	return filepath.Join(d.root, "watch-state.json")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
