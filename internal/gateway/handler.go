package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentmesh/chatgateway/internal/auth"
	"github.com/agentmesh/chatgateway/internal/hub"
	"github.com/agentmesh/chatgateway/internal/logger"
	"github.com/agentmesh/chatgateway/internal/streaming"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler owns the single WebSocket upgrade endpoint: it authenticates the
// caller, registers the connection with the Hub, and hands every decoded
// inbound frame to the Dispatcher until the socket closes.
type Handler struct {
	hub        *hub.Hub
	dispatcher *Dispatcher
	log        *logger.Logger
}

func NewHandler(h *hub.Hub, d *Dispatcher, log *logger.Logger) *Handler {
	return &Handler{hub: h, dispatcher: d, log: log.WithComponent("ws_handler")}
}

// ServeWS handles GET /ws. The caller's user_id has already been attached
// to the gin context by the auth middleware (falling back to a query-param
// bearer token, since the browser WebSocket API can't set headers).
func (h *Handler) ServeWS(c *gin.Context) {
	log := h.log.WithContext(c.Request.Context())

	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	connection := h.hub.Connect(connID, userID, conn)
	defer h.hub.Disconnect(connection)

	log.Info("websocket connection established",
		slog.String("connection_id", connID), slog.String("user_id", userID))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go h.keepAlive(connection, done)
	defer close(done)

	ctx := logger.WithUserID(c.Request.Context(), userID)

	for {
		var raw map[string]interface{}
		if err := conn.ReadJSON(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("connection closed unexpectedly",
					slog.String("connection_id", connID), slog.String("error", err.Error()))
			}
			return
		}
		h.dispatchSafely(ctx, connection, userID, raw)
	}
}

// dispatchSafely recovers a panic in one frame's handling so that a single
// malformed or unexpected frame cannot take down the whole read loop.
func (h *Handler) dispatchSafely(ctx context.Context, connection *hub.Connection, userID string, raw map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic while dispatching frame", slog.Any("panic", r))
		}
	}()
	h.dispatcher.Handle(ctx, connection, userID, raw)
}

// keepAlive pings the socket through the Connection's own writer lock, so a
// ping can never interleave with a JSON frame a Stream State is concurrently
// sending to the same connection.
func (h *Handler) keepAlive(connection *hub.Connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := connection.Ping(writeDeadlineForPing); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

const writeDeadlineForPing = 10 * time.Second

// HealthCheck is a trivial liveness probe; it deliberately carries no
// dependency on the Registry or Store so it can never report unhealthy
// because of a transient upstream issue.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StreamsSnapshot exposes Registry.ActiveStreams() for operability; no
// invariant depends on a client ever calling this.
func StreamsSnapshot(registry *streaming.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"streams": registry.ActiveStreams(),
			"metrics": registry.Metrics(),
		})
	}
}
