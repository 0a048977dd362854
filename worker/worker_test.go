package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masstock/masstock/creds"
	"github.com/masstock/masstock/imagegen"
	"github.com/masstock/masstock/queue"
	"github.com/masstock/masstock/ratelimit"
	"github.com/masstock/masstock/store"
)

// fakeRepo is an in-memory ExecutionStore with the same transition rules as
// the SQL layer.
type fakeRepo struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*store.Execution
	workflows  map[uuid.UUID]*store.Workflow
	batches    map[uuid.UUID]map[int]*store.BatchResult
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		executions: make(map[uuid.UUID]*store.Execution),
		workflows:  make(map[uuid.UUID]*store.Workflow),
		batches:    make(map[uuid.UUID]map[int]*store.BatchResult),
	}
}

func (f *fakeRepo) addExecution(workflowType, model string, input string) *store.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &store.Workflow{ID: uuid.New(), ClientID: uuid.New(), Type: workflowType, Model: model}
	f.workflows[w.ID] = w
	now := time.Now()
	e := &store.Execution{
		ID: uuid.New(), WorkflowID: w.ID, ClientID: w.ClientID, UserID: uuid.New(),
		Status: store.StatusPending, InputData: json.RawMessage(input), StartedAt: &now,
	}
	f.executions[e.ID] = e
	f.batches[e.ID] = make(map[int]*store.BatchResult)
	return e
}

func (f *fakeRepo) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	switch e.Status {
	case store.StatusPending:
		e.Status = store.StatusProcessing
		return nil
	case store.StatusProcessing:
		// Same transition rule as the SQL layer: a second delivery counts.
		e.RetryCount++
		return nil
	default:
		return store.ErrAlreadyTerminal
	}
}

func (f *fakeRepo) GetExecution(ctx context.Context, scope store.Scope, id uuid.UUID) (store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.Execution{}, store.ErrNotFound
	}
	return *e, nil
}

func (f *fakeRepo) GetWorkflow(ctx context.Context, scope store.Scope, id uuid.UUID) (store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return store.Workflow{}, store.ErrNotFound
	}
	return *w, nil
}

func (f *fakeRepo) SetTotalBatches(ctx context.Context, id uuid.UUID, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.TotalBatches = total
	return nil
}

func (f *fakeRepo) PreCreateBatches(ctx context.Context, id uuid.UUID, seeds []store.BatchSeed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range seeds {
		if _, exists := f.batches[id][s.BatchIndex]; !exists {
			f.batches[id][s.BatchIndex] = &store.BatchResult{
				ExecutionID: id, BatchIndex: s.BatchIndex, Status: store.StatusPending, Prompt: s.Prompt,
			}
		}
	}
	return nil
}

func (f *fakeRepo) GetBatchStatus(ctx context.Context, id uuid.UUID, idx int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id][idx]
	if !ok {
		return "", store.ErrNotFound
	}
	return b.Status, nil
}

func (f *fakeRepo) WriteBatchResult(ctx context.Context, res store.BatchResult, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[res.ExecutionID][res.BatchIndex]
	if !ok {
		return store.ErrNotFound
	}
	if store.IsTerminal(b.Status) {
		return store.ErrAlreadyTerminal
	}
	prompt := b.Prompt
	*b = res
	b.Prompt = prompt
	if e := f.executions[res.ExecutionID]; e != nil && pct > e.Progress {
		e.Progress = pct
	}
	return nil
}

func (f *fakeRepo) ListBatchResults(ctx context.Context, scope store.Scope, id uuid.UUID) ([]store.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.BatchResult
	for i := 0; i < len(f.batches[id]); i++ {
		out = append(out, *f.batches[id][i])
	}
	return out, nil
}

func (f *fakeRepo) FinalizeExecution(ctx context.Context, id uuid.UUID, summary json.RawMessage, errMsg *string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if store.IsTerminal(e.Status) {
		return e.Status, nil
	}
	completed := 0
	for _, b := range f.batches[id] {
		if b.Status == store.StatusCompleted {
			completed++
		}
	}
	if completed > 0 {
		e.Status = store.StatusCompleted
	} else {
		e.Status = store.StatusFailed
	}
	e.Progress = 100
	e.OutputSummary = summary
	e.ErrorMessage = errMsg
	if e.StartedAt != nil {
		d := time.Since(*e.StartedAt).Seconds()
		e.DurationSeconds = &d
	}
	return e.Status, nil
}

func (f *fakeRepo) FailExecution(ctx context.Context, id uuid.UUID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.IsTerminal(e.Status) {
		e.Status = store.StatusFailed
		e.ErrorMessage = &msg
	}
	return nil
}

type artifactsMock struct {
	PutResultFunc func(ctx context.Context, executionID uuid.UUID, batchIndex int, data []byte, mime string) (string, string, error)
	GetFunc       func(ctx context.Context, storagePath string) ([]byte, error)
}

func (m *artifactsMock) PutResult(ctx context.Context, executionID uuid.UUID, batchIndex int, data []byte, mime string) (string, string, error) {
	return m.PutResultFunc(ctx, executionID, batchIndex, data, mime)
}

func (m *artifactsMock) Get(ctx context.Context, storagePath string) ([]byte, error) {
	return m.GetFunc(ctx, storagePath)
}

func okArtifacts() *artifactsMock {
	return &artifactsMock{
		PutResultFunc: func(ctx context.Context, executionID uuid.UUID, batchIndex int, data []byte, mime string) (string, string, error) {
			path := fmt.Sprintf("workflow-results/%s/%d.png", executionID, batchIndex)
			return "https://cdn.example.com/" + path, path, nil
		},
		GetFunc: func(ctx context.Context, storagePath string) ([]byte, error) {
			return []byte("ref"), nil
		},
	}
}

type resolverMock struct {
	ResolveFunc func(ctx context.Context, clientID uuid.UUID, provider string) (string, error)
}

func (m *resolverMock) Resolve(ctx context.Context, clientID uuid.UUID, provider string) (string, error) {
	return m.ResolveFunc(ctx, clientID, provider)
}

func okResolver() *resolverMock {
	return &resolverMock{
		ResolveFunc: func(ctx context.Context, clientID uuid.UUID, provider string) (string, error) {
			return "api-key", nil
		},
	}
}

func openGate() ratelimit.Gate {
	return ratelimit.NewMemoryGate(nil)
}

func newTestWorker(repo ExecutionStore, gen imagegen.Generator) *Worker {
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	return New(repo, okArtifacts(), openGate(), gen, okResolver(), logger, Config{})
}

func noProgress(ctx context.Context, pct int) error { return nil }

func nanoBananaJob(e *store.Execution) queue.Job {
	return queue.Job{ID: uuid.New().String(), Type: "workflow_execution", ExecutionID: e.ID}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("all prompts succeed", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash,
			`{"prompts":["one","two","three"],"aspect_ratio":"1:1","size":"2K"}`)

		var calls sync.Map
		gen := &imagegen.GeneratorMock{
			GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
				calls.Store(p.Prompt, true)
				assert.Equal(t, "1:1", p.AspectRatio)
				assert.Equal(t, "api-key", p.Credential)
				return imagegen.Result{Data: []byte("img"), MimeType: "image/png", ProcessingMS: 100, CostUSD: 0.039}, nil
			},
		}

		w := newTestWorker(repo, gen)
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, 3, got.TotalBatches)

		var summary Summary
		require.NoError(t, json.Unmarshal(got.OutputSummary, &summary))
		assert.Equal(t, 3, summary.Total)
		assert.Equal(t, 3, summary.Completed)
		assert.Zero(t, summary.Failed)
		assert.InDelta(t, 3*0.039, summary.TotalCostUSD, 1e-9)
		assert.Equal(t, int64(100), summary.AvgProcessingMS)
		require.Len(t, summary.Results, 3)
		assert.NotNil(t, summary.Results[0].URL)
	})

	t.Run("one invalid prompt does not fail the execution", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash,
			`{"prompts":["fine","policy violation","fine too"]}`)

		gen := &imagegen.GeneratorMock{
			GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
				if p.Prompt == "policy violation" {
					return imagegen.Result{}, &imagegen.Error{Kind: imagegen.KindInvalidInput, Message: "blocked"}
				}
				return imagegen.Result{Data: []byte("img"), MimeType: "image/png", CostUSD: 0.039}, nil
			},
		}

		w := newTestWorker(repo, gen)
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusCompleted, got.Status)

		var summary Summary
		require.NoError(t, json.Unmarshal(got.OutputSummary, &summary))
		assert.Equal(t, 2, summary.Completed)
		assert.Equal(t, 1, summary.Failed)

		status, err := repo.GetBatchStatus(ctx, e.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, status)
	})

	t.Run("every prompt failing fails the execution", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash, `{"prompts":["a","b"]}`)

		gen := &imagegen.GeneratorMock{
			GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
				return imagegen.Result{}, &imagegen.Error{Kind: imagegen.KindInvalidInput, Message: "blocked"}
			},
		}

		w := newTestWorker(repo, gen)
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
	})

	t.Run("transient failures are retried inside the task", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeStandard, imagegen.ModelFlash, `{"prompt":"one shot"}`)

		attempts := 0
		gen := &imagegen.GeneratorMock{
			GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
				attempts++
				if attempts < 3 {
					return imagegen.Result{}, &imagegen.Error{Kind: imagegen.KindTransient, Message: "flaky"}
				}
				return imagegen.Result{Data: []byte("img"), MimeType: "image/png"}, nil
			},
		}

		w := newTestWorker(repo, gen)
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		assert.Equal(t, 3, attempts)
		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusCompleted, got.Status)
	})

	t.Run("auth failure marks the batch failed without retrying", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeStandard, imagegen.ModelFlash, `{"prompt":"x"}`)

		attempts := 0
		gen := &imagegen.GeneratorMock{
			GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
				attempts++
				return imagegen.Result{}, &imagegen.Error{Kind: imagegen.KindAuthFailure, Message: "bad key"}
			},
		}

		w := newTestWorker(repo, gen)
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		assert.Equal(t, 1, attempts)
		results, _ := repo.ListBatchResults(ctx, store.AdminScope(), e.ID)
		require.Len(t, results, 1)
		assert.Equal(t, store.StatusFailed, results[0].Status)
		require.NotNil(t, results[0].ErrorKind)
		assert.Equal(t, string(imagegen.KindAuthFailure), *results[0].ErrorKind)
	})

	t.Run("redelivery skips already-terminal batches", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash, `{"prompts":["a","b"]}`)
		e.Status = store.StatusProcessing

		// First delivery settled batch 0.
		require.NoError(t, repo.PreCreateBatches(ctx, e.ID, []store.BatchSeed{{BatchIndex: 0, Prompt: "a"}, {BatchIndex: 1, Prompt: "b"}}))
		url := "https://cdn.example.com/old.png"
		require.NoError(t, repo.WriteBatchResult(ctx, store.BatchResult{
			ExecutionID: e.ID, BatchIndex: 0, Status: store.StatusCompleted, ImageURL: &url,
		}, 50))

		var generated []string
		var mu sync.Mutex
		gen := &imagegen.GeneratorMock{
			GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
				mu.Lock()
				generated = append(generated, p.Prompt)
				mu.Unlock()
				return imagegen.Result{Data: []byte("img"), MimeType: "image/png"}, nil
			},
		}

		w := newTestWorker(repo, gen)
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		assert.Equal(t, []string{"b"}, generated)
		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusCompleted, got.Status)
	})

	t.Run("redelivery bumps the execution retry count", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash, `{"prompts":["a","b"]}`)

		// First delivery marked the execution processing, then its consumer died.
		require.NoError(t, repo.MarkProcessing(ctx, e.ID))

		w := newTestWorker(repo, imagegen.GenerateGeneratorMock())
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusCompleted, got.Status)
		assert.GreaterOrEqual(t, got.RetryCount, 1)
	})

	t.Run("terminal execution is acked untouched", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash, `{"prompts":["a"]}`)
		e.Status = store.StatusCompleted

		gen := &imagegen.GeneratorMock{
			GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
				t.Fatal("must not generate for a terminal execution")
				return imagegen.Result{}, nil
			},
		}

		w := newTestWorker(repo, gen)
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))
	})

	t.Run("missing execution is a permanent job failure", func(t *testing.T) {
		w := newTestWorker(newFakeRepo(), imagegen.GenerateGeneratorMock())
		err := w.Handle(ctx, queue.Job{ID: "j", ExecutionID: uuid.New()}, noProgress)
		assert.ErrorIs(t, err, queue.ErrPermanent)
	})

	t.Run("unparseable input fails the execution fast", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash, `{"prompts":[]}`)

		w := newTestWorker(repo, imagegen.GenerateGeneratorMock())
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Contains(t, *got.ErrorMessage, "prompts")
	})

	t.Run("progress is published as batches finish", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash, `{"prompts":["a","b","c","d"]}`)

		var mu sync.Mutex
		var seen []int
		progress := func(ctx context.Context, pct int) error {
			mu.Lock()
			seen = append(seen, pct)
			mu.Unlock()
			return nil
		}

		w := newTestWorker(repo, imagegen.GenerateGeneratorMock())
		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), progress))

		assert.Len(t, seen, 4)
		assert.Contains(t, seen, 100)
	})

	t.Run("dead job fails its execution", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash, `{"prompts":["a"]}`)

		w := newTestWorker(repo, imagegen.GenerateGeneratorMock())
		w.OnDead(ctx, nanoBananaJob(e), fmt.Errorf("redis gone"))

		got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
		assert.Equal(t, store.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Contains(t, *got.ErrorMessage, "exhausted retries")
	})

	t.Run("credential auth failure fails the batch", func(t *testing.T) {
		repo := newFakeRepo()
		e := repo.addExecution(store.TypeStandard, imagegen.ModelFlash, `{"prompt":"x"}`)

		logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
		w := New(repo, okArtifacts(), openGate(), imagegen.GenerateGeneratorMock(), &resolverMock{
			ResolveFunc: func(ctx context.Context, clientID uuid.UUID, provider string) (string, error) {
				return "", creds.ErrAuthFailure
			},
		}, logger, Config{})

		require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

		results, _ := repo.ListBatchResults(ctx, store.AdminScope(), e.ID)
		require.Len(t, results, 1)
		assert.Equal(t, store.StatusFailed, results[0].Status)
		require.NotNil(t, results[0].ErrorKind)
		assert.Equal(t, string(imagegen.KindAuthFailure), *results[0].ErrorKind)
	})
}

func TestHandleConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	e := repo.addExecution(store.TypeNanoBanana, imagegen.ModelFlash,
		`{"prompts":["p0","p1","p2","p3","p4","p5","p6","p7"]}`)

	var inflight, peak atomic.Int64
	gen := &imagegen.GeneratorMock{
		GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
			cur := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return imagegen.Result{Data: []byte("img"), MimeType: "image/png", CostUSD: 0.039}, nil
		},
	}

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	w := New(repo, okArtifacts(), openGate(), gen, okResolver(), logger, Config{PromptConcurrencyFlash: 2})

	require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

	assert.LessOrEqual(t, peak.Load(), int64(2))
	got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 8, got.TotalBatches)
}

func TestHandleSmartResizer(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	e := repo.addExecution(store.TypeSmartResizer, imagegen.ModelFlash,
		`{"master_paths":["reference-images/c/m.png"],"formats":[{"name":"square","width":100,"height":100},{"name":"banner","width":400,"height":80}]}`)

	// 100x100 master: square is a pure scale (crop path), the 5:1 banner is
	// extreme enough to regenerate.
	master := encodePNG(t, 100, 100)
	artifacts := okArtifacts()
	artifacts.GetFunc = func(ctx context.Context, storagePath string) ([]byte, error) {
		return master, nil
	}

	regenerated := 0
	gen := &imagegen.GeneratorMock{
		GenerateFunc: func(ctx context.Context, p imagegen.Params) (imagegen.Result, error) {
			regenerated++
			assert.Contains(t, p.Prompt, "aspect ratio")
			require.Len(t, p.ReferenceImages, 1)
			return imagegen.Result{Data: []byte("img"), MimeType: "image/png", CostUSD: 0.039}, nil
		},
	}

	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	w := New(repo, artifacts, openGate(), gen, okResolver(), logger, Config{})

	require.NoError(t, w.Handle(ctx, nanoBananaJob(e), noProgress))

	assert.Equal(t, 1, regenerated)
	got, _ := repo.GetExecution(ctx, store.AdminScope(), e.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)

	results, _ := repo.ListBatchResults(ctx, store.AdminScope(), e.ID)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, store.StatusCompleted, r.Status)
	}
}
