package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetClientCredential returns a client's encrypted provider credential.
func (r *Repo) GetClientCredential(ctx context.Context, clientID uuid.UUID, provider string) (ClientCredential, error) {
	const q = `
		SELECT client_id, provider, ciphertext, created_at, updated_at
		FROM client_credentials
		WHERE client_id = $1 AND provider = $2`
	var c ClientCredential
	err := r.db.QueryRow(ctx, q, clientID, provider).
		Scan(&c.ClientID, &c.Provider, &c.Ciphertext, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClientCredential{}, ErrNotFound
		}
		return ClientCredential{}, err
	}
	return c, nil
}

// UpsertClientCredential stores or replaces a client's credential.
func (r *Repo) UpsertClientCredential(ctx context.Context, c ClientCredential) error {
	const q = `
		INSERT INTO client_credentials (client_id, provider, ciphertext)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id, provider)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = now()`
	_, err := r.db.Exec(ctx, q, c.ClientID, c.Provider, c.Ciphertext)
	return err
}

// DeleteClientCredential removes a client's credential for a provider.
func (r *Repo) DeleteClientCredential(ctx context.Context, clientID uuid.UUID, provider string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM client_credentials WHERE client_id = $1 AND provider = $2`,
		clientID, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
