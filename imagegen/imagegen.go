// Package imagegen abstracts the upstream generative image model. The
// concrete client targets the Gemini REST API; callers only see Generator,
// so tests and alternate providers plug in behind the same contract.
//
// Generators do not rate-limit themselves. Admission is the caller's job.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Model variants. Each has its own rate bucket, concurrency and price.
const (
	ModelFlash = "flash"
	ModelPro   = "pro"
)

// Kind classifies generation failures for retry decisions.
type Kind string

const (
	// KindInvalidInput: the prompt or a reference violates provider policy.
	// Never retried.
	KindInvalidInput Kind = "invalid_input"
	// KindTransient: network trouble or provider 5xx. Retryable.
	KindTransient Kind = "transient"
	// KindQuotaExhausted: provider 429. Retryable after the hint, if any.
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindAuthFailure: bad or missing credential. Never retried, fails the task.
	KindAuthFailure Kind = "auth_failure"
)

// Error is a classified generation failure.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // only set for quota_exhausted, 0 means no hint
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("imagegen %s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("imagegen %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the failure may succeed on another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindQuotaExhausted
}

// KindOf extracts the Kind from an error chain, defaulting to transient so
// unclassified failures stay retryable.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransient
}

// Params describes one generation request.
type Params struct {
	Prompt          string
	Model           string // flash or pro
	AspectRatio     string // e.g. "1:1", "16:9"
	Size            string // "1K", "2K" or "4K"
	ReferenceImages []RefImage
	Credential      string
}

// RefImage is an inline reference image passed to the model.
type RefImage struct {
	MimeType string
	Data     []byte
}

// Result is one generated image.
type Result struct {
	Data         []byte
	MimeType     string
	ProcessingMS int64
	CostUSD      float64
}

// Generator produces one image per call.
type Generator interface {
	Generate(ctx context.Context, p Params) (Result, error)
}

// CostUSD returns the per-image price of a model variant.
func CostUSD(model string) float64 {
	switch model {
	case ModelPro:
		return 0.24
	default:
		return 0.039
	}
}
