package hub

import (
	"log/slog"
	"sync"

	"github.com/agentmesh/chatgateway/internal/logger"
	"github.com/gorilla/websocket"
)

// Hub is the set of live WebSocket connections, indexed by user_id. It owns
// only membership bookkeeping and per-socket write serialization; it has no
// opinion about streams or frame routing — that is the Session Dispatcher's
// job, one level up.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Connection
	log    *logger.Logger
}

func New(log *logger.Logger) *Hub {
	return &Hub{
		byUser: make(map[string]map[string]*Connection),
		log:    log,
	}
}

// Connect registers a newly-upgraded socket under its user_id and returns
// the Connection handle the Dispatcher reads frames from and subscribes
// with.
func (h *Hub) Connect(id, userID string, conn *websocket.Conn) *Connection {
	c := newConnection(id, userID, conn)

	h.mu.Lock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Connection)
	}
	h.byUser[userID][id] = c
	h.mu.Unlock()

	h.log.Info("connection registered", slog.String("connection_id", id), slog.String("user_id", userID))
	return c
}

// Disconnect removes a connection from membership. Any subscriptions it
// still holds on Stream States are left to be pruned lazily on the next
// failed send, per the Stream State's own contract.
func (h *Hub) Disconnect(c *Connection) {
	c.markClosed()

	h.mu.Lock()
	if conns, ok := h.byUser[c.userID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	h.mu.Unlock()

	h.log.Info("connection removed", slog.String("connection_id", c.id), slog.String("user_id", c.userID))
}

// LookupUserConnections returns a snapshot of the connections currently
// registered for user_id. Used by the admin co-subscribe rule.
func (h *Hub) LookupUserConnections(userID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.byUser[userID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}
