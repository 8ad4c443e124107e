package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary origins in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// greeting is the JSON document sent to each client on connect.
type greeting struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// Handler upgrades HTTP requests to websocket connections feeding the
// event stream.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a websocket handler over the hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Serve handles GET /ws: upgrade, greet, then stream events until the
// connection drops.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	welcome := greeting{
		Type:      "connected",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   "Connected to Fleethub event stream",
	}
	data, err := json.Marshal(welcome)
	if err == nil {
		client.sendBytes(data)
	}
}
