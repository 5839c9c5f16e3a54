// Package archive stores raw source pages as NDJSON objects in an S3
// compatible bucket. Archiving is best effort: failures are logged and never
// affect the sync run.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the minimal object API the archiver needs.
type ObjectStore interface {
	Ping(ctx context.Context) error
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// Key identifies one archived page.
type Key struct {
	Source    string
	Partition string
	RunID     string
	Page      int
}

// Archiver writes pages to a bucket under a prefix.
// A nil *Archiver is valid and archives nothing.
type Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
}

// New returns an archiver for cfg, or nil when archiving is disabled.
// Endpoints with a file:// scheme write to a local directory instead of S3.
func New(cfg config.ArchiveConfig) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var store ObjectStore
	if strings.HasPrefix(cfg.Endpoint, "file://") {
		store = NewLocalStore(strings.TrimPrefix(cfg.Endpoint, "file://"))
	} else {
		s3, err := NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		store = s3
	}
	return NewWithStore(store, cfg.Bucket, cfg.Prefix), nil
}

// NewWithStore builds an archiver over an existing store.
func NewWithStore(store ObjectStore, bucket, prefix string) *Archiver {
	return &Archiver{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ObjectKey returns <prefix>/<source>/<partition>/<run_id>/page-<n>.ndjson.
func (a *Archiver) ObjectKey(k Key) string {
	return path.Join(a.prefix, k.Source, safeSegment(k.Partition), k.RunID, fmt.Sprintf("page-%05d.ndjson", k.Page))
}

// Prepare makes sure the bucket exists.
func (a *Archiver) Prepare(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.store.EnsureBucket(ctx, a.bucket)
}

// Ping checks the object store is reachable.
func (a *Archiver) Ping(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.store.Ping(ctx)
}

// Page archives one page of raw records. Errors are logged, not returned.
func (a *Archiver) Page(ctx context.Context, k Key, records []map[string]any) {
	if a == nil || len(records) == 0 {
		return
	}
	log := logging.For(k.Source, k.Partition)
	data, err := EncodeNDJSON(records)
	if err != nil {
		log.Warn("archive encode page %d: %v", k.Page, err)
		return
	}
	key := a.ObjectKey(k)
	if err := a.store.PutObject(ctx, a.bucket, key, data); err != nil {
		log.Warn("archive %s: %v", key, err)
		return
	}
	log.Debug("archived %d records to %s", len(records), key)
}

// EncodeNDJSON renders one JSON document per line.
func EncodeNDJSON(records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// safeSegment keeps partition keys (which may be URLs or contain slashes) as one path segment.
func safeSegment(s string) string {
	if s == "" {
		return "_"
	}
	return url.PathEscape(s)
}

// S3Store implements ObjectStore with the minio-go SDK.
type S3Store struct {
	client *minio.Client
	region string
}

// NewS3Store creates a MinIO/S3 client from cfg.
func NewS3Store(cfg config.ArchiveConfig) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating archive client: %w", err)
	}
	return &S3Store{client: client, region: cfg.Region}, nil
}

// Ping lists buckets as a health check.
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("archive ping: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", bucket, err)
	}
	return nil
}

// PutObject uploads data as an NDJSON object.
func (s *S3Store) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

// LocalStore persists objects on disk, one directory per bucket.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(s.root, 0o755)
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, bucket), 0o755)
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}
