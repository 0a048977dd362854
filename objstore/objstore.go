// Package objstore provides a generic object store abstraction with a MinIO
// implementation. Higher layers (artifact) build deterministic path schemes
// on top of it.
package objstore

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// ObjectStore is a generic interface for object store operations.
type ObjectStore interface {
	Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, obj string) error
}

// MinioObjStore is an implementation of ObjectStore using MinIO.
type MinioObjStore struct {
	client *minio.Client
}

// NewMinioObjectStore creates a new MinioObjStore with the provided client.
func NewMinioObjectStore(client *minio.Client) *MinioObjStore {
	return &MinioObjStore{client: client}
}

// Put uploads an object. Re-uploading to the same path overwrites, which is
// what retried tasks rely on.
func (s *MinioObjStore) Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, obj, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Get retrieves an object.
func (s *MinioObjStore) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, obj, minio.GetObjectOptions{})
}

// Delete removes an object.
func (s *MinioObjStore) Delete(ctx context.Context, bucket, obj string) error {
	return s.client.RemoveObject(ctx, bucket, obj, minio.RemoveObjectOptions{})
}
