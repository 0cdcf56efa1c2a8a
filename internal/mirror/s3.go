package mirror

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Sink uploads artifacts to an S3 bucket. A custom endpoint switches the
// client to path-style addressing so S3-compatible stores work too.
type s3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

func newS3Sink(ctx context.Context, bucket, prefix string, cfg Config) (*s3Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Sink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *s3Sink) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path.Join(s.prefix, name)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentTypeFor(name)),
	})
	return err
}

func (s *s3Sink) String() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}
