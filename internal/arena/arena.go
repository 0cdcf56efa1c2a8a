// Package arena manages the ephemeral working directory that holds one
// filter run's output artifacts.
//
// Layout:
//
//	<parent>/<prefix>-<name>/
//	  <Type>.ndjson            (one artifact per source file with matches)
//	  .<Type>.ndjson.partial   (in-flight staging, renamed on completion)
//	  .patterns-<rand>         (transient per-task identifier snapshots)
//	  SUMMARY.txt              (run report)
//
// The directory outlives every task and is removed only by an explicit
// Release call, so partial results survive soft failures for inspection.
package arena

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"

	"fhirsieve/internal/logging"
)

func init() {
	petname.NonDeterministicMode()
}

// nameAttempts bounds retries when a generated directory name collides.
const nameAttempts = 5

// Config holds arena creation options.
type Config struct {
	// ParentDir is where the working directory is created.
	// Defaults to the system temp directory.
	ParentDir string

	// Prefix is the leading component of the directory name.
	// Defaults to "fhirsieve".
	Prefix string

	Logger *slog.Logger
}

// Arena is a handle to one run's working directory.
type Arena struct {
	root   string
	logger *slog.Logger
}

// New creates a fresh, uniquely named working directory and returns its
// handle. Names are human-readable; on repeated collisions New falls back
// to a random suffix.
func New(cfg Config) (*Arena, error) {
	parent := cfg.ParentDir
	if parent == "" {
		parent = os.TempDir()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fhirsieve"
	}
	logger := logging.Default(cfg.Logger).With("component", "arena")

	if err := os.MkdirAll(parent, 0o750); err != nil {
		return nil, fmt.Errorf("create arena parent %s: %w", parent, err)
	}

	root, err := mkUnique(parent, prefix)
	if err != nil {
		return nil, err
	}

	logger.Info("working directory created", "path", root)
	return &Arena{root: root, logger: logger}, nil
}

// mkUnique creates a directory with a readable generated name, retrying on
// collision and falling back to MkdirTemp.
func mkUnique(parent, prefix string) (string, error) {
	for range nameAttempts {
		name := fmt.Sprintf("%s-%s", prefix, petname.Generate(2, "-"))
		root := filepath.Join(parent, name)
		err := os.Mkdir(root, 0o750)
		if err == nil {
			return root, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create working directory: %w", err)
		}
	}
	root, err := os.MkdirTemp(parent, prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return root, nil
}

// Root returns the working directory path.
func (a *Arena) Root() string {
	return a.root
}

// Path returns the location of a named artifact inside the arena.
func (a *Arena) Path(name string) string {
	return filepath.Join(a.root, name)
}

// WriteTransient materializes src as a transient file inside the arena,
// using CreateTemp naming. The returned cleanup removes the file; callers
// run it on every exit path.
func (a *Arena) WriteTransient(pattern string, src io.WriterTo) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp(a.root, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create transient file: %w", err)
	}
	_, err = src.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("write transient file: %w", err)
	}
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}

// Artifacts lists the artifact names currently present in the arena,
// sorted. Hidden files (staging, transients) and the summary are not
// artifacts.
func (a *Arena) Artifacts() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Release removes the working directory and everything beneath it.
// Releasing an already-released arena is a no-op.
func (a *Arena) Release() error {
	if err := os.RemoveAll(a.root); err != nil {
		return fmt.Errorf("release working directory: %w", err)
	}
	a.logger.Info("working directory released", "path", a.root)
	return nil
}
