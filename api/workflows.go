package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/masstock/masstock/wscutils"
)

// ListWorkflows handles GET /workflows.
func (h *Handler) ListWorkflows(c *gin.Context) {
	scope, _, aerr := scopeFrom(c)
	if aerr != nil {
		wscutils.SendError(c, aerr)
		return
	}

	workflows, err := h.repo.ListWorkflows(c.Request.Context(), scope)
	if err != nil {
		wscutils.SendError(c, err)
		return
	}

	out := make([]WorkflowResponse, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, WorkflowResponse{
			ID:        w.ID,
			Name:      w.Name,
			Type:      w.Type,
			Model:     w.Model,
			Config:    w.Config,
			CreatedAt: w.CreatedAt,
		})
	}
	wscutils.SendSuccess(c, http.StatusOK, gin.H{"workflows": out})
}

// GetWorkflow handles GET /workflows/:workflow_id.
func (h *Handler) GetWorkflow(c *gin.Context) {
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

	w, err := h.repo.GetWorkflow(c.Request.Context(), scope, workflowID)
	if err != nil {
		sendStoreError(c, err)
		return
	}
	wscutils.SendSuccess(c, http.StatusOK, WorkflowResponse{
		ID:        w.ID,
		Name:      w.Name,
		Type:      w.Type,
		Model:     w.Model,
		Config:    w.Config,
		CreatedAt: w.CreatedAt,
	})
}
