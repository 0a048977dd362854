// Package creds resolves the generation credential for a task: the client's
// own encrypted provider key when one is stored, otherwise the process-wide
// key. Ciphertexts are AES-256-GCM with the nonce prepended.
package creds

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/masstock/masstock/store"
)

// ErrAuthFailure covers every resolution failure: missing credential and any
// decryption anomaly alike. Collapsing them denies an attacker a ciphertext
// oracle and maps directly onto the task's auth_failure outcome.
var ErrAuthFailure = errors.New("credential resolution failed")

// CredentialStore is the slice of the repo the resolver needs.
type CredentialStore interface {
	GetClientCredential(ctx context.Context, clientID uuid.UUID, provider string) (store.ClientCredential, error)
}

// Resolver turns (client, provider) into a plaintext API key.
type Resolver struct {
	repo       CredentialStore
	aead       cipher.AEAD
	processKey string
}

// NewResolver creates a resolver. encryptionKeyHex is the 32-byte AES key in
// hex; processKey is the fallback credential and may be empty.
func NewResolver(repo CredentialStore, encryptionKeyHex, processKey string) (*Resolver, error) {
	key, err := hex.DecodeString(encryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Resolver{repo: repo, aead: aead, processKey: processKey}, nil
}

// Resolve returns the credential a task must use. Missing per-client
// credentials fall back to the process key; everything else that goes wrong,
// including a ciphertext that fails authentication, is ErrAuthFailure.
func (r *Resolver) Resolve(ctx context.Context, clientID uuid.UUID, provider string) (string, error) {
	cred, err := r.repo.GetClientCredential(ctx, clientID, provider)
	switch {
	case err == nil:
		plaintext, err := r.decrypt(cred.Ciphertext)
		if err != nil {
			return "", ErrAuthFailure
		}
		return plaintext, nil
	case errors.Is(err, store.ErrNotFound):
		if r.processKey == "" {
			return "", ErrAuthFailure
		}
		return r.processKey, nil
	default:
		return "", fmt.Errorf("load credential: %w", err)
	}
}

// Encrypt seals a plaintext key for storage.
func (r *Resolver) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return r.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

func (r *Resolver) decrypt(ciphertext []byte) (string, error) {
	ns := r.aead.NonceSize()
	if len(ciphertext) < ns {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := r.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
