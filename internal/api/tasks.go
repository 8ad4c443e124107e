package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/errors"
	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/orchestrator"
)

// TaskHandler exposes task execution over HTTP for clients that do not
// embed the orchestrator (the REPL does).
type TaskHandler struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewTaskHandler creates a task handler over the orchestrator.
func NewTaskHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *TaskHandler {
	if log == nil {
		log = logger.Default()
	}
	return &TaskHandler{
		orch:   orch,
		logger: log.WithFields(zap.String("component", "task-api")),
	}
}

// ExecuteRequest is the payload for POST /tasks.
type ExecuteRequest struct {
	Task   string `json:"task" binding:"required"`
	Mode   string `json:"mode"`
	Agents int    `json:"agents"`
}

// Execute runs a task through the orchestrator.
// POST /tasks
func (h *TaskHandler) Execute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	mode := orchestrator.Mode(req.Mode)
	if req.Mode == "" {
		mode = orchestrator.ModeAuto
	}
	switch mode {
	case orchestrator.ModeAuto, orchestrator.ModeSingle, orchestrator.ModeMulti:
	default:
		appErr := errors.ValidationError("mode", "must be one of: auto, single, multi")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	response, err := h.orch.Execute(c.Request.Context(), req.Task, mode, req.Agents)
	if err != nil {
		h.logger.Error("task execution failed", zap.Error(err))
		appErr := errors.Wrap(err, "task execution failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"response": response,
		"mode":     string(mode),
	})
}

// FleetStatus reports the scheduler's current load.
// GET /fleet/status
func (h *TaskHandler) FleetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.FleetStatus())
}
