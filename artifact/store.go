// Package artifact stores generated images and client reference images in
// object storage under deterministic paths and hands back stable public URLs.
//
// Result paths are keyed by (execution, batch index) so a retried task
// overwrites its own earlier upload instead of leaking a duplicate object.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/masstock/masstock/objstore"
)

var (
	// ErrStorageUnavailable marks a transient storage failure; callers may retry.
	ErrStorageUnavailable = errors.New("object storage unavailable")
	// ErrStorageConflict marks a non-transient failure (bad bucket, policy).
	ErrStorageConflict = errors.New("object storage conflict")
)

// Store uploads artifacts to a single bucket and derives public URLs from a
// configured base URL.
type Store struct {
	objStore      objstore.ObjectStore
	bucket        string
	publicBaseURL string
	now           func() time.Time
}

// NewStore creates an artifact store over the given object store.
func NewStore(os objstore.ObjectStore, bucket, publicBaseURL string) *Store {
	return &Store{
		objStore:      os,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		now:           time.Now,
	}
}

// PutResult uploads a generated image for one batch of an execution and
// returns its public URL and storage path. The path prefix is deterministic
// per (executionID, batchIndex); the timestamp suffix only disambiguates the
// object name for humans browsing the bucket.
func (s *Store) PutResult(ctx context.Context, executionID uuid.UUID, batchIndex int, data []byte, mime string) (url, storagePath string, err error) {
	ext := extensionFor(data, mime)
	storagePath = fmt.Sprintf("workflow-results/%s/%d-%d%s", executionID, batchIndex, s.now().Unix(), ext)

	if err := s.put(ctx, storagePath, data, mime); err != nil {
		return "", "", err
	}
	return s.PublicURL(storagePath), storagePath, nil
}

// PutReference uploads a client-supplied reference image and returns its
// public URL and storage path. References live under the client's own prefix.
func (s *Store) PutReference(ctx context.Context, clientID uuid.UUID, data []byte, mime string) (url, storagePath string, err error) {
	ext := extensionFor(data, mime)
	storagePath = fmt.Sprintf("reference-images/%s/%s%s", clientID, uuid.New(), ext)

	if err := s.put(ctx, storagePath, data, mime); err != nil {
		return "", "", err
	}
	return s.PublicURL(storagePath), storagePath, nil
}

// Get reads an object's bytes by storage path. Workers use it to pull
// reference and master images back for generation.
func (s *Store) Get(ctx context.Context, storagePath string) ([]byte, error) {
	rc, err := s.objStore.Get(ctx, s.bucket, storagePath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorageUnavailable, storagePath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorageUnavailable, storagePath, err)
	}
	return data, nil
}

// Delete removes an object by storage path. Used by reference-image cleanup.
func (s *Store) Delete(ctx context.Context, storagePath string) error {
	return s.objStore.Delete(ctx, s.bucket, storagePath)
}

// PublicURL returns the stable public URL for a storage path.
func (s *Store) PublicURL(storagePath string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, storagePath)
}

func (s *Store) put(ctx context.Context, storagePath string, data []byte, mime string) error {
	err := s.objStore.Put(ctx, s.bucket, storagePath, bytes.NewReader(data), int64(len(data)), mime)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: put %s: %v", ErrStorageUnavailable, storagePath, err)
	}
	return nil
}

// extensionFor picks a file extension from the declared mime type, falling
// back to content sniffing when the declaration is absent or unknown.
func extensionFor(data []byte, declared string) string {
	switch declared {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	mt := mimetype.Detect(data)
	if ext := mt.Extension(); ext != "" {
		return ext
	}
	return ".bin"
}
