// Package source discovers newline-delimited record files in a dump
// directory and opens them with transparent decompression.
package source

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the on-disk encoding of a source file.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// CompressionFor returns the compression implied by a file name.
func CompressionFor(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return CompressionGzip
	case strings.HasSuffix(path, ".zst"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// File is one discovered source file. Read-only once discovered.
type File struct {
	Path        string
	Size        int64
	Compression Compression
}

// Stem returns the base name with any compression suffix stripped. Output
// artifacts produced from this file take this name.
func (f File) Stem() string {
	base := filepath.Base(f.Path)
	switch f.Compression {
	case CompressionGzip:
		return strings.TrimSuffix(base, ".gz")
	case CompressionZstd:
		return strings.TrimSuffix(base, ".zst")
	}
	return base
}

// Open returns a reader over the file's decompressed contents. For plain
// files the result is the underlying *os.File, so callers can hand the
// descriptor straight to a subprocess.
func (f File) Open() (io.ReadCloser, error) {
	raw, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	switch f.Compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		return &decompressReader{Reader: gz, closers: []io.Closer{gz, raw}}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(raw, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("open zstd reader: %w", err)
		}
		return &decompressReader{Reader: dec, closers: []io.Closer{dec.IOReadCloser(), raw}}, nil
	default:
		return raw, nil
	}
}

// decompressReader closes the decompressor before the underlying file.
type decompressReader struct {
	io.Reader
	closers []io.Closer
}

func (d *decompressReader) Close() error {
	var firstErr error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DefaultPatterns matches the plain and compressed record files a dump
// directory usually holds.
var DefaultPatterns = []string{"*.ndjson", "*.ndjson.gz", "*.ndjson.zst"}

// Discover returns the regular files under dir matching any of the glob
// patterns (DefaultPatterns when none are given). Paths are deduplicated,
// and when the same stem exists in several encodings the least compressed
// variant wins so a file is never filtered twice into the same artifact.
// Results are sorted by path. An empty result is not an error; callers
// decide whether that is fatal.
func Discover(dir string, patterns []string) ([]File, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}

	seen := make(map[string]bool)
	byStem := make(map[string]File)
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true

			f := File{Path: abs, Size: info.Size(), Compression: CompressionFor(abs)}
			if prev, ok := byStem[f.Stem()]; ok && prev.Compression <= f.Compression {
				continue
			}
			byStem[f.Stem()] = f
		}
	}

	files := make([]File, 0, len(byStem))
	for _, f := range byStem {
		files = append(files, f)
	}
	slices.SortFunc(files, func(a, b File) int {
		return strings.Compare(a.Path, b.Path)
	})
	return files, nil
}
