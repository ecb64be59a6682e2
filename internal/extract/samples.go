package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SampleSink persists raw page payloads verbatim for inspection. Sinks are
// diagnostic only: callers must tolerate failures, and the nop sink is used
// when sampling is not configured.
type SampleSink interface {
	Put(ctx context.Context, name string, payload []byte) error
}

// newSampleSink selects a sink: an object-store URI wins over a local
// directory; with neither configured sampling is disabled.
func newSampleSink(dir, uri string) (SampleSink, error) {
	if uri != "" {
		return newObjectSink(uri)
	}
	if dir != "" {
		return &dirSink{root: dir}, nil
	}
	return nopSink{}, nil
}

type nopSink struct{}

func (nopSink) Put(ctx context.Context, name string, payload []byte) error { return nil }

// dirSink writes each payload as a file under a local directory.
type dirSink struct {
	root string
}

func (s *dirSink) Put(ctx context.Context, name string, payload []byte) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create samples dir: %w", err)
	}
	return os.WriteFile(filepath.Join(s.root, name), payload, 0o644)
}

// objectSink writes payloads to a MinIO/S3 bucket. The URI has the form
// minio://bucket/prefix; endpoint and credentials come from the
// MINIO_ENDPOINT_URL, MINIO_ACCESS_KEY_ID and MINIO_SECRET_ACCESS_KEY
// environment variables.
type objectSink struct {
	client *minio.Client
	bucket string
	prefix string
}

func newObjectSink(rawURI string) (*objectSink, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("invalid samples uri: %w", err)
	}
	if u.Scheme != "minio" && u.Scheme != "s3" {
		return nil, fmt.Errorf("unsupported samples uri scheme %q", u.Scheme)
	}
	bucket := u.Host
	if bucket == "" {
		return nil, fmt.Errorf("samples uri %q has no bucket", rawURI)
	}

	endpointURL := os.Getenv("MINIO_ENDPOINT_URL")
	if endpointURL == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT_URL is required for object-store sampling")
	}
	eu, err := url.Parse(endpointURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MINIO_ENDPOINT_URL: %w", err)
	}
	endpoint := eu.Host
	if endpoint == "" {
		endpoint = endpointURL
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("MINIO_ACCESS_KEY_ID"),
			os.Getenv("MINIO_SECRET_ACCESS_KEY"),
			"",
		),
		Secure: eu.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	return &objectSink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

func (s *objectSink) Put(ctx context.Context, name string, payload []byte) error {
	key := name
	if s.prefix != "" {
		key = s.prefix + "/" + name
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put sample object %s: %w", key, err)
	}
	return nil
}
