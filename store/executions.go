package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateExecution inserts a new execution in status pending and fills in the
// generated ID and created_at.
func (r *Repo) CreateExecution(ctx context.Context, e *Execution) error {
	const q = `
		INSERT INTO executions (workflow_id, client_id, user_id, status, progress, total_batches, input_data)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		RETURNING id, created_at`
	return r.db.QueryRow(ctx, q,
		e.WorkflowID, e.ClientID, e.UserID, StatusPending, e.TotalBatches, e.InputData,
	).Scan(&e.ID, &e.CreatedAt)
}

// MarkProcessing moves an execution from pending to processing. Finding the
// row already processing means the job was redelivered: the call succeeds and
// retry_count is bumped. A terminal execution yields ErrAlreadyTerminal.
func (r *Repo) MarkProcessing(ctx context.Context, executionID uuid.UUID) error {
	const q = `
		UPDATE executions SET status = $2, started_at = now()
		WHERE id = $1 AND status = $3`
	tag, err := r.db.Exec(ctx, q, executionID, StatusProcessing, StatusPending)
	if err != nil {
		return fmt.Errorf("mark execution processing: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = r.db.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, executionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	switch {
	case status == StatusProcessing:
		return r.RequeueIncrement(ctx, executionID)
	case IsTerminal(status):
		return ErrAlreadyTerminal
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, status, StatusProcessing)
	}
}

// RequeueIncrement records one redelivery of an execution's job.
func (r *Repo) RequeueIncrement(ctx context.Context, executionID uuid.UUID) error {
	const q = `UPDATE executions SET retry_count = retry_count + 1 WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, executionID)
	if err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTotalBatches records the expanded task count once the worker knows it.
func (r *Repo) SetTotalBatches(ctx context.Context, executionID uuid.UUID, total int) error {
	const q = `UPDATE executions SET total_batches = $2 WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, executionID, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PreCreateBatches inserts pending batch rows for an execution. Re-running it
// for a redelivered job leaves existing rows, including already-terminal
// ones, untouched.
func (r *Repo) PreCreateBatches(ctx context.Context, executionID uuid.UUID, seeds []BatchSeed) error {
	const q = `
		INSERT INTO batch_results (execution_id, batch_index, status, prompt)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id, batch_index) DO NOTHING`
	for _, s := range seeds {
		if _, err := r.db.Exec(ctx, q, executionID, s.BatchIndex, StatusPending, s.Prompt); err != nil {
			return fmt.Errorf("pre-create batch %d: %w", s.BatchIndex, err)
		}
	}
	return nil
}

// GetBatchStatus returns the status of one batch row.
func (r *Repo) GetBatchStatus(ctx context.Context, executionID uuid.UUID, batchIndex int) (string, error) {
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT status FROM batch_results WHERE execution_id = $1 AND batch_index = $2`,
		executionID, batchIndex,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// WriteBatchResult moves a batch row to a terminal status. The guard on the
// current status makes the terminal write happen at most once; a second
// writer gets ErrAlreadyTerminal and must treat the row as settled. The
// execution's progress is bumped in the same call and never moves backwards.
func (r *Repo) WriteBatchResult(ctx context.Context, res BatchResult, progressPercent int) error {
	if !IsTerminal(res.Status) {
		return fmt.Errorf("%w: batch result status must be terminal, got %q", ErrInvalidState, res.Status)
	}

	const q = `
		UPDATE batch_results
		SET status = $3, image_url = $4, storage_path = $5,
		    error_message = $6, error_kind = $7,
		    cost_usd = $8, processing_ms = $9, updated_at = now()
		WHERE execution_id = $1 AND batch_index = $2
		  AND status NOT IN ($10, $11)`
	tag, err := r.db.Exec(ctx, q,
		res.ExecutionID, res.BatchIndex, res.Status,
		res.ImageURL, res.StoragePath, res.ErrorMessage, res.ErrorKind,
		res.CostUSD, res.ProcessingMS,
		StatusCompleted, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("write batch result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetBatchStatus(ctx, res.ExecutionID, res.BatchIndex); err != nil {
			return err
		}
		return ErrAlreadyTerminal
	}

	const pq = `UPDATE executions SET progress = GREATEST(progress, $2) WHERE id = $1`
	if _, err := r.db.Exec(ctx, pq, res.ExecutionID, progressPercent); err != nil {
		return fmt.Errorf("bump execution progress: %w", err)
	}
	return nil
}

// FinalizeExecution moves a processing execution to its terminal status based
// on its batch rows: at least one completed batch means completed, none means
// failed. The summary is stored verbatim. Finalizing an already-terminal
// execution is a no-op so a redelivered job cannot flip the outcome.
func (r *Repo) FinalizeExecution(ctx context.Context, executionID uuid.UUID, summary json.RawMessage, errorMessage *string) (string, error) {
	var completed int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM batch_results WHERE execution_id = $1 AND status = $2`,
		executionID, StatusCompleted,
	).Scan(&completed)
	if err != nil {
		return "", fmt.Errorf("count completed batches: %w", err)
	}

	final := StatusCompleted
	if completed == 0 {
		final = StatusFailed
	}

	const q = `
		UPDATE executions
		SET status = $2, progress = 100, output_summary = $3, error_message = $4,
		    duration_seconds = EXTRACT(EPOCH FROM (now() - started_at)),
		    completed_at = now()
		WHERE id = $1 AND status = $5`
	tag, err := r.db.Exec(ctx, q, executionID, final, summary, errorMessage, StatusProcessing)
	if err != nil {
		return "", fmt.Errorf("finalize execution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return final, nil
	}

	var status string
	err = r.db.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, executionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if IsTerminal(status) {
		return status, nil
	}
	return "", fmt.Errorf("%w: %s -> %s", ErrInvalidState, status, final)
}

// FailExecution force-fails an execution regardless of batch rows. Used when
// a job dies before any batch could run. Terminal executions are untouched.
func (r *Repo) FailExecution(ctx context.Context, executionID uuid.UUID, errorMessage string) error {
	const q = `
		UPDATE executions
		SET status = $2, error_message = $3, completed_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5)`
	_, err := r.db.Exec(ctx, q, executionID, StatusFailed, errorMessage, StatusCompleted, StatusFailed)
	return err
}

const executionColumns = `id, workflow_id, client_id, user_id, status, progress, total_batches,
	retry_count, input_data, output_summary, error_message, duration_seconds,
	created_at, started_at, completed_at`

func scanExecution(row pgx.Row) (Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID, &e.WorkflowID, &e.ClientID, &e.UserID, &e.Status, &e.Progress, &e.TotalBatches,
		&e.RetryCount, &e.InputData, &e.OutputSummary, &e.ErrorMessage, &e.DurationSeconds,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	)
	return e, err
}

// GetExecution fetches one execution within scope.
func (r *Repo) GetExecution(ctx context.Context, scope Scope, executionID uuid.UUID) (Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`
	args := []any{executionID}
	if !scope.Admin {
		q += ` AND client_id = $2`
		args = append(args, scope.ClientID)
	}

	e, err := scanExecution(r.db.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Execution{}, ErrNotFound
		}
		return Execution{}, err
	}
	return e, nil
}

// ListExecutions returns executions within scope, newest first.
func (r *Repo) ListExecutions(ctx context.Context, scope Scope, f ExecutionFilter) ([]Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !scope.Admin {
		q += ` AND client_id = ` + arg(scope.ClientID)
	}
	if f.WorkflowID != nil {
		q += ` AND workflow_id = ` + arg(*f.WorkflowID)
	}
	if f.UserID != nil {
		q += ` AND user_id = ` + arg(*f.UserID)
	}
	if f.Status != nil {
		q += ` AND status = ` + arg(*f.Status)
	}
	if f.From != nil {
		q += ` AND created_at >= ` + arg(*f.From)
	}
	if f.To != nil {
		q += ` AND created_at <= ` + arg(*f.To)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	q += ` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListBatchResults returns an execution's batch rows ordered by index. The
// scope check rides on the join so out-of-scope executions read as not found.
func (r *Repo) ListBatchResults(ctx context.Context, scope Scope, executionID uuid.UUID) ([]BatchResult, error) {
	if _, err := r.GetExecution(ctx, scope, executionID); err != nil {
		return nil, err
	}

	const q = `
		SELECT id, execution_id, batch_index, status, prompt, image_url, storage_path,
		       error_message, error_kind, cost_usd, processing_ms, created_at, updated_at
		FROM batch_results
		WHERE execution_id = $1
		ORDER BY batch_index`
	rows, err := r.db.Query(ctx, q, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchResult
	for rows.Next() {
		var b BatchResult
		err := rows.Scan(
			&b.ID, &b.ExecutionID, &b.BatchIndex, &b.Status, &b.Prompt, &b.ImageURL, &b.StoragePath,
			&b.ErrorMessage, &b.ErrorKind, &b.CostUSD, &b.ProcessingMS, &b.CreatedAt, &b.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
