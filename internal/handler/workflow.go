// Package handler implements the thin REST surface spec §6 describes:
// it only ever reads the engine/registry contracts, never duplicates
// scheduling or validation logic.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orbitmesh/orbitmesh/internal/definition"
	apperrors "github.com/orbitmesh/orbitmesh/internal/errors"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

type WorkflowHandler struct {
	defs      *definition.Registry
	instances store.InstanceStore
	engine    EngineAPI
}

// EngineAPI is the slice of *engine.Engine the REST surface drives,
// kept as an interface so handler tests can stub it without a live
// scheduling loop.
type EngineAPI interface {
	StartInstance(ctx context.Context, workflowID string, version int, vars map[string]any) (string, error)
	SignalEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error
	ApproveStep(ctx context.Context, instanceID, stepID string, approved bool, note string) error
}

func NewWorkflowHandler(defs *definition.Registry, instances store.InstanceStore, eng EngineAPI) *WorkflowHandler {
	return &WorkflowHandler{defs: defs, instances: instances, engine: eng}
}

func (h *WorkflowHandler) Register(r gin.IRouter) {
	r.GET("/workflows", h.listWorkflows)
	r.POST("/workflows", h.registerWorkflow)
	r.GET("/workflows/:id", h.getWorkflow)
	r.POST("/workflows/:id/start", h.startWorkflow)
	r.GET("/workflows/instances", h.listInstances)
	r.POST("/instances/:id/signal", h.signalInstance)
	r.POST("/instances/:id/steps/:stepId/approve", h.approveStep)
}

func (h *WorkflowHandler) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, h.defs.List())
}

func (h *WorkflowHandler) registerWorkflow(c *gin.Context) {
	var def workflow.WorkflowDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.defs.Register(&def); err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (h *WorkflowHandler) getWorkflow(c *gin.Context) {
	def, err := h.defs.Get(c.Param("id"), 0)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *WorkflowHandler) startWorkflow(c *gin.Context) {
	var body struct {
		Version   int            `json:"version"`
		Variables map[string]any `json:"variables"`
	}
	// An empty body is valid here (start with no variables); any other
	// bind failure is a genuine bad request.
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.engine.StartInstance(c, c.Param("id"), body.Version, body.Variables)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"instanceId": id})
}

func (h *WorkflowHandler) listInstances(c *gin.Context) {
	workflowID := c.Query("workflowId")
	instances, err := h.instances.ListByWorkflow(c, workflowID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (h *WorkflowHandler) signalInstance(c *gin.Context) {
	var body struct {
		EventName string          `json:"eventName"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.SignalEvent(c, c.Param("id"), body.EventName, body.Payload); err != nil {
		writeAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WorkflowHandler) approveStep(c *gin.Context) {
	var body struct {
		Approved bool   `json:"approved"`
		Note     string `json:"note"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.engine.ApproveStep(c, c.Param("id"), c.Param("stepId"), body.Approved, body.Note); err != nil {
		writeAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeAppError(c *gin.Context, err error) {
	if ae, ok := err.(*apperrors.AppError); ok {
		c.JSON(ae.HTTPStatus(), gin.H{"error": ae.Message, "kind": ae.Kind})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
