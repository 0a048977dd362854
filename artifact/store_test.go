package artifact

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masstock/masstock/objstore"
)

func TestPutResult(t *testing.T) {
	execID := uuid.MustParse("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")

	t.Run("uploads under deterministic execution prefix", func(t *testing.T) {
		var gotBucket, gotObj, gotContentType string
		var gotSize int64
		mock := objstore.GenerateObjectStoreMock()
		mock.PutFunc = func(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
			gotBucket, gotObj, gotSize, gotContentType = bucket, obj, size, contentType
			return nil
		}

		s := NewStore(mock, "masstock-artifacts", "https://cdn.example.com/")
		s.now = func() time.Time { return time.Unix(1700000000, 0) }

		url, path, err := s.PutResult(context.Background(), execID, 2, []byte("imagedata"), "image/png")
		require.NoError(t, err)

		assert.Equal(t, "masstock-artifacts", gotBucket)
		assert.Equal(t, "workflow-results/0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0/2-1700000000.png", gotObj)
		assert.Equal(t, int64(9), gotSize)
		assert.Equal(t, "image/png", gotContentType)
		assert.Equal(t, gotObj, path)
		assert.Equal(t, "https://cdn.example.com/masstock-artifacts/"+path, url)
	})

	t.Run("storage failure maps to ErrStorageUnavailable", func(t *testing.T) {
		mock := objstore.GenerateObjectStoreMock()
		mock.PutFunc = func(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
			return errors.New("connection refused")
		}

		s := NewStore(mock, "masstock-artifacts", "https://cdn.example.com")
		_, _, err := s.PutResult(context.Background(), execID, 0, []byte("x"), "image/png")
		assert.ErrorIs(t, err, ErrStorageUnavailable)
	})

	t.Run("context cancellation is not wrapped as unavailable", func(t *testing.T) {
		mock := objstore.GenerateObjectStoreMock()
		mock.PutFunc = func(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
			return ctx.Err()
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		s := NewStore(mock, "masstock-artifacts", "https://cdn.example.com")
		_, _, err := s.PutResult(ctx, execID, 0, []byte("x"), "image/png")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrStorageUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPutReference(t *testing.T) {
	clientID := uuid.New()

	var gotObj string
	mock := objstore.GenerateObjectStoreMock()
	mock.PutFunc = func(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
		gotObj = obj
		return nil
	}

	s := NewStore(mock, "masstock-artifacts", "https://cdn.example.com")
	url, path, err := s.PutReference(context.Background(), clientID, []byte("refdata"), "image/jpeg")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotObj, "reference-images/"+clientID.String()+"/"))
	assert.True(t, strings.HasSuffix(gotObj, ".jpg"))
	assert.Equal(t, gotObj, path)
	assert.Equal(t, "https://cdn.example.com/masstock-artifacts/"+gotObj, url)
}

func TestExtensionFor(t *testing.T) {
	// Minimal real PNG header so sniffing has something to chew on.
	pngHeader := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

	assert.Equal(t, ".png", extensionFor(nil, "image/png"))
	assert.Equal(t, ".jpg", extensionFor(nil, "image/jpeg"))
	assert.Equal(t, ".webp", extensionFor(nil, "image/webp"))
	assert.Equal(t, ".png", extensionFor(pngHeader, ""))
}
