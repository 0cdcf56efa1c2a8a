// Package mirror copies finished run artifacts out of the working directory
// to a durable destination: a local directory or an object store bucket.
//
// The destination is selected by URL scheme: s3://bucket/prefix,
// gs://bucket/prefix, az://container/prefix. Anything without a scheme is
// treated as a local directory path. Mirroring never deletes or releases
// the source directory.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"fhirsieve/internal/fhir"
	"fhirsieve/internal/logging"
)

var ErrBadDestination = errors.New("invalid mirror destination")

// Sink stores one named artifact at the mirror destination.
type Sink interface {
	Put(ctx context.Context, name string, body io.Reader, size int64) error
	String() string
}

type Config struct {
	// Dest selects the destination: s3://bucket/prefix, gs://bucket/prefix,
	// az://container/prefix, or a local directory path.
	Dest string

	// S3 settings for S3-compatible stores. Endpoint switches the client to
	// path-style addressing; AccessKey and SecretKey bypass the default
	// credential chain.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	Logger *slog.Logger
}

// Mirror copies artifacts to a single destination.
type Mirror struct {
	sink   Sink
	logger *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Mirror, error) {
	sink, err := newSink(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Mirror{
		sink:   sink,
		logger: logging.Default(cfg.Logger).With("component", "mirror"),
	}, nil
}

// Dest returns a printable form of the destination.
func (m *Mirror) Dest() string {
	return m.sink.String()
}

// CopyDir mirrors every regular file in dir whose name does not start with
// a dot, in lexical order. Returns the names copied. The first failure
// aborts the pass; files already copied stay at the destination.
func (m *Mirror) CopyDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)

	if err := m.Copy(ctx, dir, names); err != nil {
		return nil, err
	}
	return names, nil
}

// Copy mirrors the named files from dir. The first failure aborts the
// pass; files already copied stay at the destination.
func (m *Mirror) Copy(ctx context.Context, dir string, names []string) error {
	for _, name := range names {
		if err := m.copyFile(ctx, dir, name); err != nil {
			return fmt.Errorf("mirror %s: %w", name, err)
		}
	}

	m.logger.Info("artifacts mirrored", "dest", m.sink.String(), "files", len(names))
	return nil
}

func (m *Mirror) copyFile(ctx context.Context, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	if err := m.sink.Put(ctx, name, f, info.Size()); err != nil {
		return err
	}

	m.logger.Debug("artifact mirrored", "name", name, "bytes", info.Size())
	return nil
}

func newSink(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.Dest == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadDestination)
	}

	scheme, bucket, prefix, ok := splitDest(cfg.Dest)
	if !ok {
		return newDirSink(cfg.Dest)
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket in %q", ErrBadDestination, cfg.Dest)
	}

	switch scheme {
	case "s3":
		return newS3Sink(ctx, bucket, prefix, cfg)
	case "gs":
		return newGCSSink(ctx, bucket, prefix)
	case "az":
		return newAzureSink(bucket, prefix)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadDestination, scheme)
	}
}

// splitDest splits scheme://bucket/prefix. ok is false when dest carries no
// scheme and should be treated as a local path.
func splitDest(dest string) (scheme, bucket, prefix string, ok bool) {
	scheme, rest, found := strings.Cut(dest, "://")
	if !found || scheme == "" {
		return "", "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return scheme, bucket, strings.Trim(prefix, "/"), true
}

// contentTypeFor picks the upload content type from the artifact name.
func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".ndjson"):
		return fhir.MediaTypeNDJSON
	case strings.HasSuffix(name, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
