package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fleetfw.io/fleetfw/pkg/options"
)

// s3Source serves manifests and payloads from an S3-compatible bucket. The
// base URL has the form s3://bucket/prefix; payload URLs inside manifests may
// be s3://bucket/key as well.
type s3Source struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Source builds a source for an s3:// base URL.
func NewS3Source(base string, opts *options.S3Options) (Source, error) {
	bucket, prefix, err := splitS3URL(base)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &s3Source{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *s3Source) Manifest(ctx context.Context, model string) ([]byte, error) {
	key := strings.TrimLeft(s.prefix+"/"+model+".json", "/")
	u := "s3://" + s.bucket + "/" + key

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3(u, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyS3(u, err)
	}
	return data, nil
}

func (s *s3Source) Object(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := splitS3URL(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Retryable: false, Err: err}
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3(rawURL, err)
	}
	// GetObject is lazy; surface missing keys now rather than at first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyS3(rawURL, err)
	}
	return obj, nil
}

func classifyS3(u string, err error) error {
	resp := minio.ToErrorResponse(err)
	retryable := resp.StatusCode == 0 || resp.StatusCode >= 500
	return &FetchError{URL: u, Retryable: retryable, Err: err}
}

func splitS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not a valid s3 url: %q", raw)
	}
	return u.Host, strings.TrimLeft(u.Path, "/"), nil
}
