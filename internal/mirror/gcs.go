package mirror

import (
	"context"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
)

// gcsSink uploads artifacts to a Google Cloud Storage bucket using
// application default credentials.
type gcsSink struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

func newGCSSink(ctx context.Context, bucket, prefix string) (*gcsSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &gcsSink{
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: prefix,
	}, nil
}

func (s *gcsSink) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	w := s.bucket.Object(path.Join(s.prefix, name)).NewWriter(ctx)
	w.ContentType = contentTypeFor(name)

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *gcsSink) String() string {
	return "gs://" + path.Join(s.name, s.prefix)
}
