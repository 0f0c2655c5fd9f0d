// Package gcs provides an archive store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Config captures the parameters required to mirror archives to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// ArchiveStore writes archives to a configured GCS bucket.
type ArchiveStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ pipeline.ArchiveSink = (*ArchiveStore)(nil)

// New creates a GCS-backed archive store.
func New(client *storage.Client, cfg Config) (*ArchiveStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArchiveStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Name identifies the sink in logs and metrics.
func (s *ArchiveStore) Name() string {
	return "gcs"
}

// PutObject uploads r and returns a gs:// URI. GCS only publishes an object
// once the writer closes, so a failed upload leaves nothing behind.
func (s *ArchiveStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	object := s.objectName(name)
	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}

// ListObjects returns the names under prefix relative to the configured
// store prefix, sorted.
func (s *ArchiveStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		out = append(out, s.relativeName(attrs.Name))
	}
	sort.Strings(out)
	return out, nil
}

// DeleteObject removes name. Deleting a missing object is not an error.
func (s *ArchiveStore) DeleteObject(ctx context.Context, name string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectName(name)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *ArchiveStore) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	if name == "" {
		return s.prefix + "/"
	}
	return path.Join(s.prefix, name)
}

func (s *ArchiveStore) relativeName(object string) string {
	if s.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, s.prefix+"/")
}
