// Package worker executes workflow jobs pulled off the queue. One handler
// invocation runs one execution end to end: mark processing, expand the
// input into tasks, fan the tasks out under a bounded concurrency, write
// per-batch results and finalize.
//
// Every step is written to survive redelivery. Batch rows are the source of
// truth; a second worker re-running the same job skips already-terminal
// batches and re-derives the same summary.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
	"golang.org/x/sync/errgroup"

	"github.com/masstock/masstock/artifact"
	"github.com/masstock/masstock/creds"
	"github.com/masstock/masstock/imagegen"
	"github.com/masstock/masstock/metrics"
	"github.com/masstock/masstock/queue"
	"github.com/masstock/masstock/ratelimit"
	"github.com/masstock/masstock/store"
)

// In-task retry policy for transient generation and storage failures. These
// retries happen inside the queue lease; job-level retries sit above them.
const (
	taskRetries    = 2
	taskRetryDelay = time.Second
)

// ExecutionStore is the slice of the repo the worker drives.
type ExecutionStore interface {
	MarkProcessing(ctx context.Context, executionID uuid.UUID) error
	GetExecution(ctx context.Context, scope store.Scope, executionID uuid.UUID) (store.Execution, error)
	GetWorkflow(ctx context.Context, scope store.Scope, workflowID uuid.UUID) (store.Workflow, error)
	SetTotalBatches(ctx context.Context, executionID uuid.UUID, total int) error
	PreCreateBatches(ctx context.Context, executionID uuid.UUID, seeds []store.BatchSeed) error
	GetBatchStatus(ctx context.Context, executionID uuid.UUID, batchIndex int) (string, error)
	WriteBatchResult(ctx context.Context, res store.BatchResult, progressPercent int) error
	ListBatchResults(ctx context.Context, scope store.Scope, executionID uuid.UUID) ([]store.BatchResult, error)
	FinalizeExecution(ctx context.Context, executionID uuid.UUID, summary json.RawMessage, errorMessage *string) (string, error)
	FailExecution(ctx context.Context, executionID uuid.UUID, errorMessage string) error
}

// Artifacts is the slice of the artifact store the worker uses.
type Artifacts interface {
	PutResult(ctx context.Context, executionID uuid.UUID, batchIndex int, data []byte, mime string) (url, storagePath string, err error)
	Get(ctx context.Context, storagePath string) ([]byte, error)
}

// CredentialResolver yields the provider key for a client.
type CredentialResolver interface {
	Resolve(ctx context.Context, clientID uuid.UUID, provider string) (string, error)
}

// Config tunes per-execution fan-out.
type Config struct {
	PromptConcurrencyFlash int // default 15
	PromptConcurrencyPro   int // default 10
}

func (c *Config) applyDefaults() {
	if c.PromptConcurrencyFlash <= 0 {
		c.PromptConcurrencyFlash = 15
	}
	if c.PromptConcurrencyPro <= 0 {
		c.PromptConcurrencyPro = 10
	}
}

// Worker turns queue jobs into finished executions.
type Worker struct {
	repo      ExecutionStore
	artifacts Artifacts
	gate      ratelimit.Gate
	gen       imagegen.Generator
	creds     CredentialResolver
	logger    *logharbour.Logger
	metrics   metrics.Metrics // nil disables recording
	cfg       Config
}

// New creates a worker.
func New(repo ExecutionStore, artifacts Artifacts, gate ratelimit.Gate, gen imagegen.Generator, cr CredentialResolver, logger *logharbour.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		repo:      repo,
		artifacts: artifacts,
		gate:      gate,
		gen:       gen,
		creds:     cr,
		logger:    logger,
		cfg:       cfg,
	}
}

// WithMetrics is a method to inject a metrics backend into the Worker.
func (w *Worker) WithMetrics(m metrics.Metrics) *Worker {
	w.metrics = m
	return w
}

// Handle is the queue.Handler for workflow execution jobs.
func (w *Worker) Handle(ctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
	execID := job.ExecutionID

	err := w.repo.MarkProcessing(ctx, execID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyTerminal):
		// Redelivered after a finished run; nothing to do.
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: execution %s does not exist", queue.ErrPermanent, execID)
	default:
		return fmt.Errorf("mark processing: %w", err)
	}

	exec, err := w.repo.GetExecution(ctx, store.AdminScope(), execID)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	workflow, err := w.repo.GetWorkflow(ctx, store.AdminScope(), exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	tasks, err := expandTasks(workflow.Type, exec.InputData)
	if err != nil {
		// Bad input cannot become good on retry: fail fast, ack the job.
		w.logger.Error(err).LogActivity("Execution input rejected", map[string]any{
			"executionID": execID.String(),
		})
		if ferr := w.repo.FailExecution(ctx, execID, err.Error()); ferr != nil {
			return fmt.Errorf("fail execution after bad input: %w", ferr)
		}
		return nil
	}

	if err := w.repo.SetTotalBatches(ctx, execID, len(tasks)); err != nil {
		return fmt.Errorf("set total batches: %w", err)
	}
	if err := w.repo.PreCreateBatches(ctx, execID, prompts(tasks)); err != nil {
		return fmt.Errorf("pre-create batches: %w", err)
	}

	w.logger.Info().LogActivity("Execution fan-out started", map[string]any{
		"executionID": execID.String(),
		"workflow":    workflow.Type,
		"model":       workflow.Model,
		"tasks":       len(tasks),
	})

	if err := w.fanOut(ctx, exec, workflow, tasks, progress); err != nil {
		return err
	}

	return w.finalize(ctx, exec, len(tasks))
}

// fanOut runs all tasks under the model's concurrency bound. Only
// infrastructure failures (rate gate loss, repo writes) abort the group;
// per-task generation failures are recorded on their batch row and the rest
// of the execution proceeds.
func (w *Worker) fanOut(ctx context.Context, exec store.Execution, workflow store.Workflow, tasks []Task, progress queue.ProgressFunc) error {
	conc := w.cfg.PromptConcurrencyFlash
	if workflow.Model == imagegen.ModelPro {
		conc = w.cfg.PromptConcurrencyPro
	}

	var done atomic.Int64
	total := int64(len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			status, err := w.repo.GetBatchStatus(gctx, exec.ID, task.BatchIndex)
			if err != nil {
				return fmt.Errorf("check batch %d: %w", task.BatchIndex, err)
			}
			if store.IsTerminal(status) {
				done.Add(1)
				return nil
			}

			if err := w.runTask(gctx, exec, workflow, task, &done, total); err != nil {
				return err
			}

			pct := int(done.Add(1) * 100 / total)
			if perr := progress(gctx, pct); perr != nil && gctx.Err() == nil {
				w.logger.Warn().LogActivity("Progress publish failed", map[string]any{
					"executionID": exec.ID.String(),
					"error":       perr.Error(),
				})
			}
			return nil
		})
	}
	return g.Wait()
}

// runTask produces one image and writes its batch row. The returned error is
// nil for task-level failures; those land on the row instead.
func (w *Worker) runTask(ctx context.Context, exec store.Execution, workflow store.Workflow, task Task, done *atomic.Int64, total int64) error {
	start := time.Now()

	var res imagegen.Result
	var genErr error
	switch task.Kind {
	case TaskResize:
		res, genErr = w.runResize(ctx, exec, workflow, task)
	default:
		res, genErr = w.runGenerate(ctx, exec, workflow, task)
	}

	pct := int((done.Load() + 1) * 100 / total)

	if genErr != nil {
		if ctx.Err() != nil {
			// Lease lost or shutting down: leave the row pending for redelivery.
			return genErr
		}
		if errors.Is(genErr, ratelimit.ErrCancelled) || errors.Is(genErr, ratelimit.ErrUnavailable) {
			return genErr
		}
		if w.metrics != nil {
			w.metrics.RecordWithLabels(metrics.TasksTotal, 1, workflow.Model, string(imagegen.KindOf(genErr)))
		}
		return w.writeFailure(ctx, exec.ID, task.BatchIndex, genErr, pct, time.Since(start))
	}

	if w.metrics != nil {
		w.metrics.RecordWithLabels(metrics.TasksTotal, 1, workflow.Model, "completed")
		w.metrics.RecordWithLabels(metrics.GenerationSeconds, float64(res.ProcessingMS)/1000, workflow.Model)
		w.metrics.RecordWithLabels(metrics.GenerationCostUSD, res.CostUSD, workflow.Model)
	}

	url, storagePath, upErr := w.putWithRetry(ctx, exec.ID, task.BatchIndex, res.Data, res.MimeType)
	if upErr != nil {
		if ctx.Err() != nil {
			return upErr
		}
		return w.writeFailure(ctx, exec.ID, task.BatchIndex, upErr, pct, time.Since(start))
	}

	err := w.repo.WriteBatchResult(ctx, store.BatchResult{
		ExecutionID:  exec.ID,
		BatchIndex:   task.BatchIndex,
		Status:       store.StatusCompleted,
		ImageURL:     &url,
		StoragePath:  &storagePath,
		CostUSD:      res.CostUSD,
		ProcessingMS: res.ProcessingMS,
	}, pct)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		// Another worker settled this batch first.
		return nil
	}
	return err
}

// runGenerate resolves the credential and calls the model, retrying
// transient and quota failures inside the task.
func (w *Worker) runGenerate(ctx context.Context, exec store.Execution, workflow store.Workflow, task Task) (imagegen.Result, error) {
	refs, err := w.loadRefs(ctx, task.RefPaths)
	if err != nil {
		return imagegen.Result{}, err
	}

	credential, err := w.creds.Resolve(ctx, exec.ClientID, "gemini")
	if err != nil {
		if errors.Is(err, creds.ErrAuthFailure) {
			return imagegen.Result{}, &imagegen.Error{Kind: imagegen.KindAuthFailure, Message: "no usable credential"}
		}
		return imagegen.Result{}, err
	}

	var input nanoBananaInput
	_ = json.Unmarshal(exec.InputData, &input)

	params := imagegen.Params{
		Prompt:          task.Prompt,
		Model:           workflow.Model,
		AspectRatio:     input.AspectRatio,
		Size:            input.Size,
		ReferenceImages: refs,
		Credential:      credential,
	}
	return w.generateWithRetry(ctx, workflow.Model, params)
}

func (w *Worker) generateWithRetry(ctx context.Context, model string, params imagegen.Params) (imagegen.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= taskRetries; attempt++ {
		if attempt > 0 {
			delay := taskRetryDelay * time.Duration(attempt)
			var ge *imagegen.Error
			if errors.As(lastErr, &ge) && ge.RetryAfter > 0 {
				delay = ge.RetryAfter
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return imagegen.Result{}, err
			}
		}

		if err := w.gate.Acquire(ctx, model); err != nil {
			return imagegen.Result{}, err
		}

		res, err := w.gen.Generate(ctx, params)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var ge *imagegen.Error
		if errors.As(err, &ge) && !ge.Retryable() {
			return imagegen.Result{}, err
		}
		if ctx.Err() != nil {
			return imagegen.Result{}, err
		}
	}
	return imagegen.Result{}, lastErr
}

// runResize adapts one master to one format. Crop and padding run locally
// and cost nothing; the regenerate path goes through the model like any
// generation.
func (w *Worker) runResize(ctx context.Context, exec store.Execution, workflow store.Workflow, task Task) (imagegen.Result, error) {
	start := time.Now()

	masterBytes, err := w.artifacts.Get(ctx, task.MasterPath)
	if err != nil {
		return imagegen.Result{}, err
	}
	master, _, err := image.Decode(bytes.NewReader(masterBytes))
	if err != nil {
		return imagegen.Result{}, &imagegen.Error{Kind: imagegen.KindInvalidInput, Message: fmt.Sprintf("master %s is not a decodable image", task.MasterPath)}
	}

	sb := master.Bounds()
	strategy := classifyResize(sb.Dx(), sb.Dy(), task.TargetW, task.TargetH)

	if strategy == StrategyAIRegenerate {
		credential, err := w.creds.Resolve(ctx, exec.ClientID, "gemini")
		if err != nil {
			if errors.Is(err, creds.ErrAuthFailure) {
				return imagegen.Result{}, &imagegen.Error{Kind: imagegen.KindAuthFailure, Message: "no usable credential"}
			}
			return imagegen.Result{}, err
		}
		return w.generateWithRetry(ctx, workflow.Model, imagegen.Params{
			Prompt:          regeneratePrompt(task.TargetW, task.TargetH),
			Model:           workflow.Model,
			ReferenceImages: []imagegen.RefImage{{MimeType: "image/png", Data: masterBytes}},
			Credential:      credential,
		})
	}

	data, err := resizeLocal(master, task.TargetW, task.TargetH, strategy)
	if err != nil {
		return imagegen.Result{}, err
	}
	return imagegen.Result{
		Data:         data,
		MimeType:     "image/png",
		ProcessingMS: time.Since(start).Milliseconds(),
		CostUSD:      0,
	}, nil
}

func (w *Worker) loadRefs(ctx context.Context, paths []string) ([]imagegen.RefImage, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	refs := make([]imagegen.RefImage, 0, len(paths))
	for _, p := range paths {
		data, err := w.artifacts.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		refs = append(refs, imagegen.RefImage{MimeType: "image/png", Data: data})
	}
	return refs, nil
}

func (w *Worker) putWithRetry(ctx context.Context, execID uuid.UUID, batchIndex int, data []byte, mime string) (string, string, error) {
	var lastErr error
	for attempt := 0; attempt <= taskRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, taskRetryDelay*time.Duration(attempt)); err != nil {
				return "", "", err
			}
		}
		url, path, err := w.artifacts.PutResult(ctx, execID, batchIndex, data, mime)
		if err == nil {
			return url, path, nil
		}
		lastErr = err
		if !errors.Is(err, artifact.ErrStorageUnavailable) || ctx.Err() != nil {
			return "", "", err
		}
	}
	return "", "", lastErr
}

func (w *Worker) writeFailure(ctx context.Context, execID uuid.UUID, batchIndex int, cause error, pct int, elapsed time.Duration) error {
	msg := cause.Error()
	kind := string(imagegen.KindOf(cause))

	err := w.repo.WriteBatchResult(ctx, store.BatchResult{
		ExecutionID:  execID,
		BatchIndex:   batchIndex,
		Status:       store.StatusFailed,
		ErrorMessage: &msg,
		ErrorKind:    &kind,
		ProcessingMS: elapsed.Milliseconds(),
	}, pct)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write failed batch %d: %w", batchIndex, err)
	}

	w.logger.Warn().LogActivity("Batch failed", map[string]any{
		"executionID": execID.String(),
		"batchIndex":  batchIndex,
		"kind":        kind,
		"error":       msg,
	})
	return nil
}

// Summary is the output_summary written on finalize.
type Summary struct {
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Results         []BatchSummary `json:"results"`
	TotalCostUSD    float64        `json:"total_cost_usd"`
	AvgProcessingMS int64          `json:"avg_processing_ms"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// BatchSummary is one batch's line in the summary.
type BatchSummary struct {
	BatchIndex int     `json:"batch_index"`
	Status     string  `json:"status"`
	URL        *string `json:"url,omitempty"`
	Error      *string `json:"error,omitempty"`
}

func (w *Worker) finalize(ctx context.Context, exec store.Execution, total int) error {
	results, err := w.repo.ListBatchResults(ctx, store.AdminScope(), exec.ID)
	if err != nil {
		return fmt.Errorf("list batch results: %w", err)
	}

	summary := Summary{Total: total}
	var totalMS int64
	var firstErr *string
	for _, r := range results {
		line := BatchSummary{BatchIndex: r.BatchIndex, Status: r.Status, URL: r.ImageURL, Error: r.ErrorMessage}
		summary.Results = append(summary.Results, line)
		switch r.Status {
		case store.StatusCompleted:
			summary.Completed++
			summary.TotalCostUSD += r.CostUSD
			totalMS += r.ProcessingMS
		case store.StatusFailed:
			summary.Failed++
			if firstErr == nil {
				firstErr = r.ErrorMessage
			}
		}
	}
	if summary.Completed > 0 {
		summary.AvgProcessingMS = totalMS / int64(summary.Completed)
	}
	if exec.StartedAt != nil {
		summary.DurationSeconds = time.Since(*exec.StartedAt).Seconds()
	}

	var errMsg *string
	if summary.Completed == 0 {
		errMsg = firstErr
		if errMsg == nil {
			s := "no batch produced an artifact"
			errMsg = &s
		}
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	final, err := w.repo.FinalizeExecution(ctx, exec.ID, raw, errMsg)
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}

	if w.metrics != nil {
		w.metrics.RecordWithLabels(metrics.ExecutionsTotal, 1, final)
	}

	w.logger.LogDataChange("Execution finalized", logharbour.ChangeInfo{
		Entity: "Execution",
		Op:     "Finalize",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: store.StatusProcessing, NewVal: final},
		},
	})
	return nil
}

// OnDead is the queue.DeadHandler: a job that exhausted its attempts fails
// its execution so clients are not left polling a zombie.
func (w *Worker) OnDead(ctx context.Context, job queue.Job, cause error) {
	msg := fmt.Sprintf("job exhausted retries: %v", cause)
	if err := w.repo.FailExecution(ctx, job.ExecutionID, msg); err != nil {
		w.logger.Error(err).LogActivity("Failed to fail execution of dead job", map[string]any{
			"executionID": job.ExecutionID.String(),
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
