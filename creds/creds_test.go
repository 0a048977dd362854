package creds

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masstock/masstock/store"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type credentialStoreMock struct {
	GetClientCredentialFunc func(ctx context.Context, clientID uuid.UUID, provider string) (store.ClientCredential, error)
}

func (m *credentialStoreMock) GetClientCredential(ctx context.Context, clientID uuid.UUID, provider string) (store.ClientCredential, error) {
	return m.GetClientCredentialFunc(ctx, clientID, provider)
}

func notFoundStore() *credentialStoreMock {
	return &credentialStoreMock{
		GetClientCredentialFunc: func(ctx context.Context, clientID uuid.UUID, provider string) (store.ClientCredential, error) {
			return store.ClientCredential{}, store.ErrNotFound
		},
	}
}

func TestNewResolver(t *testing.T) {
	t.Run("rejects non-hex key", func(t *testing.T) {
		_, err := NewResolver(notFoundStore(), "not-hex", "")
		assert.Error(t, err)
	})

	t.Run("rejects short key", func(t *testing.T) {
		_, err := NewResolver(notFoundStore(), "0001", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "32 bytes")
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	clientID := uuid.New()

	t.Run("decrypts the client's stored credential", func(t *testing.T) {
		r, err := NewResolver(nil, testKeyHex, "process-key")
		require.NoError(t, err)
		ciphertext, err := r.Encrypt("client-secret")
		require.NoError(t, err)

		r.repo = &credentialStoreMock{
			GetClientCredentialFunc: func(ctx context.Context, id uuid.UUID, provider string) (store.ClientCredential, error) {
				assert.Equal(t, clientID, id)
				assert.Equal(t, "gemini", provider)
				return store.ClientCredential{ClientID: id, Provider: provider, Ciphertext: ciphertext}, nil
			},
		}

		key, err := r.Resolve(ctx, clientID, "gemini")
		require.NoError(t, err)
		assert.Equal(t, "client-secret", key)
	})

	t.Run("falls back to the process key when none is stored", func(t *testing.T) {
		r, err := NewResolver(notFoundStore(), testKeyHex, "process-key")
		require.NoError(t, err)

		key, err := r.Resolve(ctx, clientID, "gemini")
		require.NoError(t, err)
		assert.Equal(t, "process-key", key)
	})

	t.Run("no stored credential and no process key is auth failure", func(t *testing.T) {
		r, err := NewResolver(notFoundStore(), testKeyHex, "")
		require.NoError(t, err)

		_, err = r.Resolve(ctx, clientID, "gemini")
		assert.ErrorIs(t, err, ErrAuthFailure)
	})

	t.Run("any malformed ciphertext is auth failure", func(t *testing.T) {
		for name, ciphertext := range map[string][]byte{
			"empty":     {},
			"too short": {1, 2, 3},
			"garbage":   []byte(strings.Repeat("x", 64)),
		} {
			t.Run(name, func(t *testing.T) {
				r, err := NewResolver(&credentialStoreMock{
					GetClientCredentialFunc: func(ctx context.Context, id uuid.UUID, provider string) (store.ClientCredential, error) {
						return store.ClientCredential{Ciphertext: ciphertext}, nil
					},
				}, testKeyHex, "process-key")
				require.NoError(t, err)

				_, err = r.Resolve(ctx, clientID, "gemini")
				assert.ErrorIs(t, err, ErrAuthFailure)
			})
		}
	})

	t.Run("tampered ciphertext is auth failure", func(t *testing.T) {
		r, err := NewResolver(nil, testKeyHex, "")
		require.NoError(t, err)
		ciphertext, err := r.Encrypt("client-secret")
		require.NoError(t, err)
		ciphertext[len(ciphertext)-1] ^= 0xff

		r.repo = &credentialStoreMock{
			GetClientCredentialFunc: func(ctx context.Context, id uuid.UUID, provider string) (store.ClientCredential, error) {
				return store.ClientCredential{Ciphertext: ciphertext}, nil
			},
		}

		_, err = r.Resolve(ctx, clientID, "gemini")
		assert.ErrorIs(t, err, ErrAuthFailure)
	})

	t.Run("repo outage is not auth failure", func(t *testing.T) {
		dbErr := errors.New("connection refused")
		r, err := NewResolver(&credentialStoreMock{
			GetClientCredentialFunc: func(ctx context.Context, id uuid.UUID, provider string) (store.ClientCredential, error) {
				return store.ClientCredential{}, dbErr
			},
		}, testKeyHex, "process-key")
		require.NoError(t, err)

		_, err = r.Resolve(ctx, clientID, "gemini")
		assert.ErrorIs(t, err, dbErr)
		assert.NotErrorIs(t, err, ErrAuthFailure)
	})
}

func TestEncryptRoundTrip(t *testing.T) {
	r, err := NewResolver(nil, testKeyHex, "")
	require.NoError(t, err)

	a, err := r.Encrypt("secret")
	require.NoError(t, err)
	b, err := r.Encrypt("secret")
	require.NoError(t, err)
	// Fresh nonce per seal.
	assert.NotEqual(t, a, b)

	plaintext, err := r.decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, "secret", plaintext)
}
