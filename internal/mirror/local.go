package mirror

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// dirSink copies artifacts into a local directory. Files are written to a
// temporary name first and renamed into place, so readers never observe a
// partial copy.
type dirSink struct {
	dir string
}

func newDirSink(dir string) (*dirSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create mirror directory: %w", err)
	}
	return &dirSink{dir: dir}, nil
}

func (s *dirSink) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".mirror-*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return err
	}
	if err := tmp.Chmod(0o640); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *dirSink) String() string {
	return s.dir
}
