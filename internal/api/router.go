package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleethub/fleethub/internal/common/httpmw"
	"github.com/fleethub/fleethub/internal/common/logger"
	gateway "github.com/fleethub/fleethub/internal/gateway/websocket"
)

// RouterDeps carries the collaborators the router wires up. TaskHandler,
// WSHandler, and MetricsHandler are optional; their routes are omitted when
// absent.
type RouterDeps struct {
	Handler        *Handler
	TaskHandler    *TaskHandler
	WSHandler      *gateway.Handler
	MetricsHandler http.Handler
	Logger         *logger.Logger
}

// NewRouter builds the gin engine with all query endpoints, the websocket
// feed, and the metrics endpoint.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(deps.Logger, "query-api"))
	router.Use(httpmw.OtelTracing("query-api"))

	router.GET("/", deps.Handler.Root)
	router.GET("/healthz", deps.Handler.Healthz)
	router.GET("/events", deps.Handler.GetEvents)
	router.GET("/projects", deps.Handler.ListProjects)
	router.GET("/projects/:project/stats", deps.Handler.GetProjectStats)
	router.DELETE("/projects/:project/events", deps.Handler.ClearProjectEvents)
	router.GET("/agents/:agent_id/timeline", deps.Handler.GetAgentTimeline)

	if deps.TaskHandler != nil {
		router.POST("/tasks", deps.TaskHandler.Execute)
		router.GET("/fleet/status", deps.TaskHandler.FleetStatus)
	}
	if deps.WSHandler != nil {
		router.GET("/ws", deps.WSHandler.Serve)
	}
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	return router
}
