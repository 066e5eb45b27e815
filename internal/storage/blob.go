package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// BlobStore writes artifacts to a gocloud bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	scheme  string
	name    string
	backend string
}

// NewGCSStore creates a new GCS store.
// Uses Application Default Credentials (ADC) for authentication.
func NewGCSStore(bucketName string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(context.Background(), "gs://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return &BlobStore{bucket: bucket, scheme: "gs", name: bucketName, backend: "gcs"}, nil
}

// S3URL builds the gocloud URL of an S3-compatible bucket.
// For AWS: s3://bucket-name?region=us-east-1
// For custom endpoint: s3://bucket-name?endpoint=https://s3.us-west-000.backblazeb2.com&region=us-west-000
func S3URL(bucketName, endpoint, region string) string {
	bucketURL := "s3://" + bucketName
	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		// custom endpoints generally need path-style addressing
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL += "?" + params.Encode()
	}
	return bucketURL
}

// NewS3Store creates a new S3-compatible store.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(bucketName, endpoint, region string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(context.Background(), S3URL(bucketName, endpoint, region))
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return &BlobStore{bucket: bucket, scheme: "s3", name: bucketName, backend: "s3"}, nil
}

// NewBlobStore wraps an open bucket, e.g. a fileblob bucket.
func NewBlobStore(bucket *blob.Bucket, scheme, name string) *BlobStore {
	return &BlobStore{bucket: bucket, scheme: scheme, name: name, backend: scheme}
}

// WriteTemp streams r to a temporary key.
func (s *BlobStore) WriteTemp(ctx context.Context, key string, r io.Reader) (string, error) {
	tempKey := key + ".tmp." + uuid.New().String()

	w, err := s.bucket.NewWriter(ctx, tempKey, nil)
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", tempKey, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("write data to %s: %w", tempKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", tempKey, err)
	}
	return tempKey, nil
}

// Finalize moves a temp object into place with the copy + delete pattern.
func (s *BlobStore) Finalize(ctx context.Context, tempKey, key string) error {
	if err := s.bucket.Copy(ctx, key, tempKey, nil); err != nil {
		s.bucket.Delete(ctx, tempKey)
		return fmt.Errorf("finalize %s -> %s: %w", tempKey, key, err)
	}
	s.bucket.Delete(ctx, tempKey) // ignore errors
	return nil
}

// Abort removes temporary objects without publishing.
func (s *BlobStore) Abort(ctx context.Context, tempKeys []string) error {
	var lastErr error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Exists checks if an object exists.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return fmt.Sprintf("%s://%s/%s", s.scheme, s.name, key)
}

func (s *BlobStore) Backend() string { return s.backend }

// Close releases the bucket.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements ArtifactStore.
var _ ArtifactStore = (*BlobStore)(nil)
