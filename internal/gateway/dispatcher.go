package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentmesh/chatgateway/internal/hub"
	"github.com/agentmesh/chatgateway/internal/logger"
	"github.com/agentmesh/chatgateway/internal/store"
	"github.com/agentmesh/chatgateway/internal/streaming"
)

// inboundFrame is the envelope for every client->gateway frame; fields not
// relevant to Type are simply left zero.
type inboundFrame struct {
	Type         string          `json:"type"`
	ChatID       string          `json:"chat_id,omitempty"`
	StreamID     string          `json:"stream_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	Model        string          `json:"model,omitempty"`
	MetaInfo     string          `json:"meta_info,omitempty"`
	EnabledTools map[string]bool `json:"enabled_tools,omitempty"`
}

const (
	inTypeMessage       = "message"
	inTypeSubscribe     = "subscribe"
	inTypeStop          = "stop"
	inTypePing          = "ping"
	inTypeMCPToolResult = "mcp_tool_result"
)

// Dispatcher routes decoded client frames to the Registry, the Message
// Store, and the Connection Hub. A single Dispatcher is shared by every
// connection: the per-connection read loop lives in Handler.ServeWS, which
// passes each frame to Handle together with the connection it came from.
type Dispatcher struct {
	registry    *streaming.Registry
	store       store.Store
	hub         *hub.Hub
	runner      *streaming.Runner
	distributed *streaming.DistributedCancelService
	adminUserID string
	log         *logger.Logger
}

func NewDispatcher(
	registry *streaming.Registry,
	st store.Store,
	h *hub.Hub,
	runner *streaming.Runner,
	distributed *streaming.DistributedCancelService,
	adminUserID string,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		store:       st,
		hub:         h,
		runner:      runner,
		distributed: distributed,
		adminUserID: adminUserID,
		log:         log.WithComponent("dispatcher"),
	}
}

// Handle processes one decoded inbound frame from conn, owned by userID.
func (d *Dispatcher) Handle(ctx context.Context, conn *hub.Connection, userID string, raw map[string]interface{}) {
	frame, err := decodeInboundFrame(raw)
	if err != nil {
		d.log.Warn("failed to decode inbound frame", slog.String("error", err.Error()))
		return
	}

	switch frame.Type {
	case inTypeMessage:
		d.handleMessage(ctx, conn, userID, frame)
	case inTypeSubscribe:
		d.handleSubscribe(conn, frame)
	case inTypeStop:
		d.handleStop(ctx, frame)
	case inTypePing:
		_ = conn.Send(streaming.Frame{Type: streaming.FramePong})
	case inTypeMCPToolResult:
		d.log.Debug("mcp_tool_result received, routed to side channel (out of core scope)")
	default:
		d.log.Info("ignoring unrecognized frame type", slog.String("type", frame.Type))
	}
}

// handleMessage implements §4.5's dominant path: persist the user turn,
// create a Stream State, launch its Runner, and subscribe the originating
// connection (plus, for the admin co-subscribe rule, every live connection
// belonging to the chat's real owner).
func (d *Dispatcher) handleMessage(ctx context.Context, conn *hub.Connection, senderID string, frame inboundFrame) {
	ownerID, err := d.store.GetChatOwner(ctx, frame.ChatID)
	if err != nil {
		d.sendError(conn, "", frame.ChatID, "chat not found")
		return
	}
	if ownerID != senderID && senderID != d.adminUserID {
		d.sendError(conn, "", frame.ChatID, "chat not owned by sender")
		return
	}

	userMsg, err := d.store.AppendUserMessage(ctx, frame.ChatID, frame.Content)
	if err != nil {
		d.sendError(conn, "", frame.ChatID, "failed to persist message: "+err.Error())
		return
	}

	_ = conn.Send(streaming.Frame{
		Type: streaming.FrameMessage, ChatID: frame.ChatID, Role: "user",
		Content: userMsg.Content, ID: userMsg.ID, CreatedAt: userMsg.CreatedAt.Format(time.RFC3339),
	})

	streamID := fmt.Sprintf("stream-%s-%d", frame.ChatID, time.Now().UnixMilli())

	runCtx, cancel := context.WithCancel(context.Background())
	state, err := d.registry.Create(streamID, frame.ChatID, ownerID, cancel)
	if err != nil {
		cancel()
		d.sendError(conn, "", frame.ChatID, err.Error())
		return
	}

	go d.runner.Run(runCtx, state, streaming.RunParams{
		ChatID:       frame.ChatID,
		UserID:       ownerID,
		Model:        frame.Model,
		EnabledTools: frame.EnabledTools,
	})

	d.subscribeAndConfirm(conn, state, false)

	if senderID != ownerID {
		for _, ownerConn := range d.hub.LookupUserConnections(ownerID) {
			if ownerConn.ID() == conn.ID() {
				continue
			}
			d.subscribeAndConfirm(ownerConn, state, false)
		}
	}
}

// handleSubscribe resolves a stream by stream_id or chat_id and subscribes
// the connection, sending subscription_confirmed only when the resolved
// stream was still Running at the moment of subscribe.
func (d *Dispatcher) handleSubscribe(conn *hub.Connection, frame inboundFrame) {
	state := d.resolveStream(frame)
	if state == nil {
		_ = conn.Send(streaming.Frame{Type: streaming.FrameNoActiveStream, ChatID: frame.ChatID})
		return
	}
	d.subscribeAndConfirm(conn, state, true)
}

func (d *Dispatcher) subscribeAndConfirm(conn *hub.Connection, state *streaming.State, sendConfirmed bool) {
	status := state.Subscribe(conn)
	if sendConfirmed && status == streaming.StatusRunning {
		_ = conn.Send(streaming.Frame{
			Type: streaming.FrameSubscriptionConfirmed, StreamID: state.StreamID(), ChatID: state.ChatID(),
		})
	}
}

// handleStop resolves the target stream and cancels it. Idempotent and
// silent when the target is absent or already terminal; if nothing local
// matches and a distributed cancel service is wired, the stop is forwarded
// to whichever instance owns the stream.
func (d *Dispatcher) handleStop(ctx context.Context, frame inboundFrame) {
	state := d.resolveStream(frame)
	if state != nil {
		d.registry.Cancel(state.StreamID())
		return
	}

	if d.distributed == nil {
		return
	}
	streamID := frame.StreamID
	if streamID == "" && frame.ChatID != "" {
		streamID = frame.ChatID
	}
	if _, err := d.distributed.RequestCancel(ctx, streamID, frame.ChatID, ""); err != nil {
		d.log.Warn("distributed cancel request failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) resolveStream(frame inboundFrame) *streaming.State {
	if frame.StreamID != "" {
		if state := d.registry.Get(frame.StreamID); state != nil {
			return state
		}
		return nil
	}
	if frame.ChatID != "" {
		return d.registry.ActiveForChat(frame.ChatID)
	}
	return nil
}

func (d *Dispatcher) sendError(conn *hub.Connection, streamID, chatID, message string) {
	_ = conn.Send(streaming.Frame{Type: streaming.FrameError, StreamID: streamID, ChatID: chatID, Message: message})
}

func decodeInboundFrame(raw map[string]interface{}) (inboundFrame, error) {
	var f inboundFrame
	typ, _ := raw["type"].(string)
	if typ == "" {
		return f, fmt.Errorf("missing frame type")
	}
	f.Type = strings.TrimSpace(typ)
	f.ChatID, _ = raw["chat_id"].(string)
	f.StreamID, _ = raw["stream_id"].(string)
	f.Content, _ = raw["content"].(string)
	f.Model, _ = raw["model"].(string)
	f.MetaInfo, _ = raw["meta_info"].(string)
	if tools, ok := raw["enabled_tools"].(map[string]interface{}); ok {
		f.EnabledTools = make(map[string]bool, len(tools))
		for k, v := range tools {
			if b, ok := v.(bool); ok {
				f.EnabledTools[k] = b
			}
		}
	}
	return f, nil
}
