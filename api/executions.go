package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/masstock/masstock/store"
	"github.com/masstock/masstock/wscutils"
)

// JobTypeWorkflowExecution is the queue job type for execution runs.
const JobTypeWorkflowExecution = "workflow_execution"

// ExecuteWorkflow handles POST /workflows/:workflow_id/execute. It validates
// the input against the workflow's type, uploads reference images, persists
// the execution as pending and enqueues the job. Clients get 202 with the
// execution ID to poll.
func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	scope, userID, aerr := scopeFrom(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}

	workflowID, err := uuid.Parse(c.Param("workflow_id"))
	if err != nil {
		wscutils.SendError(c, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid workflow id"))
		return
	}

	var req ExecuteWorkflowRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if ve := wscutils.WscValidate(req); len(ve) > 0 {
		wscutils.SendError(c, wscutils.ValidationError(ve))
		return
	}

	workflow, err := h.repo.GetWorkflow(c.Request.Context(), scope, workflowID)
	if err != nil {
		sendStoreError(c, err)
		return
	}

	if aerr := validateInput(workflow.Type, req.Input); aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}

	refs, aerr := decodeReferences(req.ReferenceImages)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}

	input := req.Input
	if len(refs) > 0 {
		paths := make([]string, 0, len(refs))
		for _, ref := range refs {
			_, path, err := h.uploads.PutReference(c.Request.Context(), workflow.ClientID, ref.data, ref.mime)
			if err != nil {
				wscutils.SendError(c, fmt.Errorf("store reference image: %w", err))
				return
			}
			paths = append(paths, path)
		}
		input, err = withReferencePaths(input, paths)
		if err != nil {
			wscutils.SendError(c, err)
			return
		}
	}

	exec := store.Execution{
		WorkflowID: workflow.ID,
		ClientID:   workflow.ClientID,
		UserID:     userID,
		InputData:  input,
	}
	if err := h.repo.CreateExecution(c.Request.Context(), &exec); err != nil {
		wscutils.SendError(c, fmt.Errorf("create execution: %w", err))
		return
	}

	// Enqueue after persistence. If this fails the execution stays pending
	// and a janitor re-enqueues it; the client still gets its ID.
	if _, err := h.queue.Enqueue(c.Request.Context(), JobTypeWorkflowExecution, exec.ID, nil); err != nil {
		h.logger.Error(err).LogActivity("Enqueue failed, execution left pending", map[string]any{
			"executionID": exec.ID.String(),
		})
	}

	h.logger.Info().LogActivity("Execution accepted", map[string]any{
		"executionID": exec.ID.String(),
		"workflowID":  workflow.ID.String(),
		"type":        workflow.Type,
	})

	wscutils.SendSuccess(c, http.StatusAccepted, ExecuteWorkflowResponse{
		ExecutionID: exec.ID,
		Status:      store.StatusPending,
	})
}

// GetExecution handles GET /executions/:execution_id. Terminal executions
// are served from the Redis cache to keep pollers off Postgres.
func (h *Handler) GetExecution(c *gin.Context) {
	scope, _, aerr := scopeFrom(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}
	executionID, err := uuid.Parse(c.Param("execution_id"))
	if err != nil {
		wscutils.SendError(c, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid execution id"))
		return
	}

	if h.cache != nil {
		if exec, ok := h.cache.Get(c.Request.Context(), scope, executionID); ok {
			wscutils.SendSuccess(c, http.StatusOK, toExecutionResponse(exec))
			return
		}
	}

	exec, err := h.repo.GetExecution(c.Request.Context(), scope, executionID)
	if err != nil {
		sendStoreError(c, err)
		return
	}
	if h.cache != nil {
		h.cache.Put(c.Request.Context(), exec)
	}
	wscutils.SendSuccess(c, http.StatusOK, toExecutionResponse(exec))
}

// ListBatchResults handles GET /executions/:execution_id/batch-results.
func (h *Handler) ListBatchResults(c *gin.Context) {
	scope, _, aerr := scopeFrom(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}
	executionID, err := uuid.Parse(c.Param("execution_id"))
	if err != nil {
		wscutils.SendError(c, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid execution id"))
		return
	}

	results, err := h.repo.ListBatchResults(c.Request.Context(), scope, executionID)
	if err != nil {
		sendStoreError(c, err)
		return
	}

	out := make([]BatchResultResponse, 0, len(results))
	for _, r := range results {
		out = append(out, BatchResultResponse{
			BatchIndex:   r.BatchIndex,
			Status:       r.Status,
			Prompt:       r.Prompt,
			ImageURL:     r.ImageURL,
			ErrorMessage: r.ErrorMessage,
			ErrorKind:    r.ErrorKind,
			CostUSD:      r.CostUSD,
			ProcessingMS: r.ProcessingMS,
		})
	}
	wscutils.SendSuccess(c, http.StatusOK, gin.H{"batch_results": out})
}

// ListExecutions handles GET /executions with optional workflow_id, user_id,
// status and created_at range filters, limit/offset pagination and a fields
// selection.
func (h *Handler) ListExecutions(c *gin.Context) {
	scope, _, aerr := scopeFrom(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}

	filter, aerr := filterFromQuery(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}
	fields, aerr := fieldsFromQuery(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}

	execs, err := h.repo.ListExecutions(c.Request.Context(), scope, filter)
	if err != nil {
		wscutils.SendError(c, err)
		return
	}
	sendExecutionList(c, execs, filter, fields)
}

// ListWorkflowExecutions handles GET /workflows/:workflow_id/executions,
// the same listing pre-filtered to one workflow.
func (h *Handler) ListWorkflowExecutions(c *gin.Context) {
	scope, _, aerr := scopeFrom(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}
	workflowID, err := uuid.Parse(c.Param("workflow_id"))
	if err != nil {
		wscutils.SendError(c, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid workflow id"))
		return
	}
	// The workflow must be visible in scope before listing under it.
	if _, err := h.repo.GetWorkflow(c.Request.Context(), scope, workflowID); err != nil {
		sendStoreError(c, err)
		return
	}

	filter, aerr := filterFromQuery(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}
	filter.WorkflowID = &workflowID
	fields, aerr := fieldsFromQuery(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}

	execs, err := h.repo.ListExecutions(c.Request.Context(), scope, filter)
	if err != nil {
		wscutils.SendError(c, err)
		return
	}
	sendExecutionList(c, execs, filter, fields)
}

func sendExecutionList(c *gin.Context, execs []store.Execution, filter store.ExecutionFilter, fields []string) {
	out := make([]ExecutionResponse, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionResponse(e))
	}

	resp := ExecutionListResponse{Executions: out, Limit: filter.Limit, Offset: filter.Offset}
	if len(fields) > 0 {
		projected, err := projectFields(out, fields)
		if err != nil {
			wscutils.SendError(c, err)
			return
		}
		resp.Executions = projected
	}
	wscutils.SendSuccess(c, http.StatusOK, resp)
}

func filterFromQuery(c *gin.Context) (store.ExecutionFilter, *wscutils.ApiError) {
	f := store.ExecutionFilter{Limit: DefaultPageSize}

	if v := c.Query("workflow_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid workflow_id filter")
		}
		f.WorkflowID = &id
	}
	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid user_id filter")
		}
		f.UserID = &id
	}
	if v := c.Query("status"); v != "" {
		switch v {
		case store.StatusPending, store.StatusProcessing, store.StatusCompleted, store.StatusFailed:
			f.Status = &v
		default:
			return f, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid status filter")
		}
	}
	if v := c.Query("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "from must be an RFC 3339 timestamp")
		}
		f.From = &ts
	}
	if v := c.Query("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "to must be an RFC 3339 timestamp")
		}
		f.To = &ts
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid limit")
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "invalid offset")
		}
		f.Offset = n
	}
	return f, nil
}

// executionFieldNames is the whitelist for the fields query param. Keys are
// the JSON names of ExecutionResponse.
var executionFieldNames = map[string]bool{
	"id": true, "workflow_id": true, "status": true, "progress": true,
	"total_batches": true, "retry_count": true, "output_summary": true,
	"error_message": true, "duration_seconds": true,
	"created_at": true, "started_at": true, "completed_at": true,
}

func fieldsFromQuery(c *gin.Context) ([]string, *wscutils.ApiError) {
	v := c.Query("fields")
	if v == "" {
		return nil, nil
	}
	fields := strings.Split(v, ",")
	for i, fld := range fields {
		fld = strings.TrimSpace(fld)
		if !executionFieldNames[fld] {
			return nil, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation,
				fmt.Sprintf("unknown field %q", fld))
		}
		fields[i] = fld
	}
	return fields, nil
}

// projectFields trims each execution to the requested JSON fields. The id is
// always kept so rows stay addressable.
func projectFields(execs []ExecutionResponse, fields []string) ([]map[string]json.RawMessage, error) {
	out := make([]map[string]json.RawMessage, 0, len(execs))
	for _, e := range execs {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		var full map[string]json.RawMessage
		if err := json.Unmarshal(raw, &full); err != nil {
			return nil, err
		}
		row := make(map[string]json.RawMessage, len(fields)+1)
		row["id"] = full["id"]
		for _, fld := range fields {
			if v, ok := full[fld]; ok {
				row[fld] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// validateInput checks the workflow-type-specific required fields. Only
// presence is admitted here; deep parsing happens in the worker.
func validateInput(workflowType string, input json.RawMessage) *wscutils.ApiError {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "input must be a JSON object")
	}

	requireList := func(key, missingCode, emptyCode string) *wscutils.ApiError {
		raw, ok := fields[key]
		if !ok {
			return wscutils.NewApiError(http.StatusBadRequest, missingCode, fmt.Sprintf("input.%s is required", key))
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return wscutils.NewApiError(http.StatusBadRequest, missingCode, fmt.Sprintf("input.%s must be an array", key))
		}
		if len(list) == 0 {
			return wscutils.NewApiError(http.StatusBadRequest, emptyCode, fmt.Sprintf("input.%s must not be empty", key))
		}
		return nil
	}

	switch workflowType {
	case store.TypeNanoBanana:
		return requireList("prompts", wscutils.ErrCodeMissingPrompts, wscutils.ErrCodeEmptyPrompts)
	case store.TypeStandard:
		raw, ok := fields["prompt"]
		if !ok {
			return wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeMissingPrompts, "input.prompt is required")
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeEmptyPrompts, "input.prompt must be a non-empty string")
		}
		return nil
	case store.TypeSmartResizer:
		if aerr := requireList("master_paths", wscutils.ErrCodeValidation, wscutils.ErrCodeValidation); aerr != nil {
			return aerr
		}
		return requireList("formats", wscutils.ErrCodeValidation, wscutils.ErrCodeValidation)
	case store.TypeRoomRedesigner:
		return requireList("room_paths", wscutils.ErrCodeValidation, wscutils.ErrCodeValidation)
	default:
		return wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation, "unknown workflow type")
	}
}

type decodedRef struct {
	data []byte
	mime string
}

func decodeReferences(refs []ReferenceImage) ([]decodedRef, *wscutils.ApiError) {
	if len(refs) > MaxReferenceImages {
		return nil, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeTooManyRefs,
			fmt.Sprintf("at most %d reference images are allowed", MaxReferenceImages))
	}
	out := make([]decodedRef, 0, len(refs))
	for i, ref := range refs {
		data, err := base64.StdEncoding.DecodeString(ref.Data)
		if err != nil {
			return nil, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeValidation,
				fmt.Sprintf("reference image %d is not valid base64", i))
		}
		if len(data) > MaxReferenceImageSize {
			return nil, wscutils.NewApiError(http.StatusBadRequest, wscutils.ErrCodeRefTooLarge,
				fmt.Sprintf("reference image %d exceeds %d bytes", i, MaxReferenceImageSize))
		}
		out = append(out, decodedRef{data: data, mime: ref.MimeType})
	}
	return out, nil
}

// withReferencePaths records the stored reference paths on the input object
// so the worker can load them.
func withReferencePaths(input json.RawMessage, paths []string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil, fmt.Errorf("merge reference paths: %w", err)
	}
	raw, err := json.Marshal(paths)
	if err != nil {
		return nil, err
	}
	fields["reference_paths"] = raw
	return json.Marshal(fields)
}
