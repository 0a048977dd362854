package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const workflowColumns = `id, client_id, name, type, model, config, created_at, updated_at`

func scanWorkflow(row pgx.Row) (Workflow, error) {
	var w Workflow
	err := row.Scan(&w.ID, &w.ClientID, &w.Name, &w.Type, &w.Model, &w.Config, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// CreateWorkflow inserts a workflow and fills in generated fields.
func (r *Repo) CreateWorkflow(ctx context.Context, w *Workflow) error {
	const q = `
		INSERT INTO workflows (client_id, name, type, model, config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	return r.db.QueryRow(ctx, q, w.ClientID, w.Name, w.Type, w.Model, w.Config).
		Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
}

// GetWorkflow fetches one workflow within scope.
func (r *Repo) GetWorkflow(ctx context.Context, scope Scope, workflowID uuid.UUID) (Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	args := []any{workflowID}
	if !scope.Admin {
		q += ` AND client_id = $2`
		args = append(args, scope.ClientID)
	}

	w, err := scanWorkflow(r.db.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, err
	}
	return w, nil
}

// ListWorkflows returns the workflows visible in scope, newest first.
func (r *Repo) ListWorkflows(ctx context.Context, scope Scope) ([]Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if !scope.Admin {
		q += ` WHERE client_id = $1`
		args = append(args, scope.ClientID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
