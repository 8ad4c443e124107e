// Package api exposes the HTTP query surface over the event store.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/errors"
	"github.com/fleethub/fleethub/internal/common/logger"
	"github.com/fleethub/fleethub/internal/events/bus"
	"github.com/fleethub/fleethub/internal/events/store"
)

// Handler contains HTTP handlers for the observability API.
type Handler struct {
	store  *store.Store
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(eventStore *store.Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		store:  eventStore,
		logger: log.WithFields(zap.String("component", "query-api")),
	}
}

// Root returns the service descriptor.
// GET /
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Fleethub Observability API",
		"version": "1.0.0",
		"endpoints": gin.H{
			"events":    "/events",
			"projects":  "/projects/{project}/stats",
			"agents":    "/agents/{agent_id}/timeline",
			"websocket": "/ws",
		},
	})
}

// GetEvents proxies the event store query.
// GET /events?kind&project&agent_id&limit=100&offset=0
func (h *Handler) GetEvents(c *gin.Context) {
	kind := bus.Kind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		appErr := errors.ValidationError("kind", "unknown event kind: "+string(kind))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	filter := store.Filter{
		Kind:    kind,
		Project: c.Query("project"),
		AgentID: c.Query("agent_id"),
	}

	result, err := h.store.Query(c.Request.Context(), filter, limit, offset)
	if err != nil {
		h.logger.Error("failed to query events", zap.Error(err))
		appErr := errors.Wrap(err, "failed to query events")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if result == nil {
		result = []*bus.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": result,
		"count":  len(result),
		"limit":  limit,
		"offset": offset,
	})
}

// GetProjectStats returns aggregate statistics for a project.
// GET /projects/:project/stats
func (h *Handler) GetProjectStats(c *gin.Context) {
	project := c.Param("project")
	if project == "" {
		appErr := errors.BadRequest("project is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	stats, err := h.store.ProjectStats(c.Request.Context(), project)
	if err != nil {
		h.logger.Error("failed to aggregate project stats",
			zap.String("project", project),
			zap.Error(err))
		appErr := errors.Wrap(err, "failed to aggregate project stats")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetAgentTimeline returns all events for an agent in chronological order.
// GET /agents/:agent_id/timeline
func (h *Handler) GetAgentTimeline(c *gin.Context) {
	agentID := c.Param("agent_id")
	if agentID == "" {
		appErr := errors.BadRequest("agent_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	timeline, err := h.store.AgentTimeline(c.Request.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to load agent timeline",
			zap.String("agent_id", agentID),
			zap.Error(err))
		appErr := errors.Wrap(err, "failed to load agent timeline")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if timeline == nil {
		timeline = []*bus.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id": agentID,
		"events":   timeline,
		"count":    len(timeline),
	})
}

// ListProjects lists distinct projects with event counts.
// GET /projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list projects", zap.Error(err))
		appErr := errors.Wrap(err, "failed to list projects")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"projects": projects,
		"count":    len(projects),
	})
}

// ClearProjectEvents destructively removes every event for a project.
// DELETE /projects/:project/events
func (h *Handler) ClearProjectEvents(c *gin.Context) {
	project := c.Param("project")
	if project == "" {
		appErr := errors.BadRequest("project is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	removed, err := h.store.ClearProject(c.Request.Context(), project)
	if err != nil {
		h.logger.Error("failed to clear project events",
			zap.String("project", project),
			zap.Error(err))
		appErr := errors.Wrap(err, "failed to clear project events")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "cleared all events for project: " + project,
		"project": project,
		"removed": removed,
	})
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
