// Package api is the HTTP surface of the execution subsystem: workflow
// triggering, execution progress and results. Handlers are gin handlers;
// authentication context (client, user, role) is set by the router's auth
// middleware before any handler runs.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/masstock/masstock/router"
	"github.com/masstock/masstock/store"
	"github.com/masstock/masstock/wscutils"
)

// ExecutionStore is the slice of the repo the API reads and writes.
type ExecutionStore interface {
	GetWorkflow(ctx context.Context, scope store.Scope, workflowID uuid.UUID) (store.Workflow, error)
	ListWorkflows(ctx context.Context, scope store.Scope) ([]store.Workflow, error)
	CreateExecution(ctx context.Context, e *store.Execution) error
	GetExecution(ctx context.Context, scope store.Scope, executionID uuid.UUID) (store.Execution, error)
	ListExecutions(ctx context.Context, scope store.Scope, f store.ExecutionFilter) ([]store.Execution, error)
	ListBatchResults(ctx context.Context, scope store.Scope, executionID uuid.UUID) ([]store.BatchResult, error)
}

// Enqueuer hands accepted executions to the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, executionID uuid.UUID, payload any) (string, error)
}

// ReferenceUploader stores client reference images.
type ReferenceUploader interface {
	PutReference(ctx context.Context, clientID uuid.UUID, data []byte, mime string) (url, storagePath string, err error)
}

// Handler carries the API's dependencies.
type Handler struct {
	repo    ExecutionStore
	queue   Enqueuer
	uploads ReferenceUploader
	cache   *StatusCache // nil disables read caching
	logger  *logharbour.Logger
}

// NewHandler creates the API handler set.
func NewHandler(repo ExecutionStore, q Enqueuer, uploads ReferenceUploader, cache *StatusCache, logger *logharbour.Logger) *Handler {
	return &Handler{
		repo:    repo,
		queue:   q,
		uploads: uploads,
		cache:   cache,
		logger:  logger,
	}
}

// scopeFrom builds the tenant scope from the auth context the middleware
// stored. Requests without one were let through unauthenticated; refuse.
func scopeFrom(c *gin.Context) (store.Scope, uuid.UUID, *wscutils.ApiError) {
	claims, ok := router.AuthFrom(c)
	if !ok {
		return store.Scope{}, uuid.Nil, wscutils.NewApiError(http.StatusUnauthorized, wscutils.ErrCodeUnauthorized, "missing authentication")
	}
	if claims.Role == router.RoleAdmin {
		return store.AdminScope(), claims.UserID, nil
	}
	return store.ClientScope(claims.ClientID), claims.UserID, nil
}

func sendStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		wscutils.SendError(c, wscutils.NewApiError(http.StatusNotFound, wscutils.ErrCodeNotFound, "resource not found"))
	default:
		wscutils.SendError(c, err)
	}
}
