package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmesh/chatgateway/internal/logger"
	"github.com/nats-io/nats.go"
)

const (
	streamCancelSubject      = "stream.cancel"
	distributedCancelTimeout = 5 * time.Second
)

// CancelRequest is a distributed stream cancellation request published to
// every instance in the deployment.
type CancelRequest struct {
	StreamID string `json:"stream_id"`
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
}

// CancelResponse is the result of a distributed cancel, returned only by
// the instance that actually owns the target stream.
type CancelResponse struct {
	Found      bool   `json:"found"`
	Status     Status `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	InstanceID string `json:"instance_id"`
}

// DistributedCancelService forwards `stop` requests between instances in a
// multi-process deployment, via NATS request-reply. Stream State lives only
// in the memory of the instance that created it; when a `stop` arrives
// somewhere else, this publishes a cancel request and whichever instance
// owns the stream replies.
type DistributedCancelService struct {
	nc           *nats.Conn
	registry     *Registry
	log          *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewDistributedCancelService returns nil if nc is nil, so callers can wire
// it unconditionally and skip Start/Stop when NATS_URL is unset.
func NewDistributedCancelService(nc *nats.Conn, registry *Registry, log *logger.Logger, instanceID string) *DistributedCancelService {
	if nc == nil {
		return nil
	}
	return &DistributedCancelService{
		nc:         nc,
		registry:   registry,
		log:        log.WithComponent("distributed-cancel"),
		instanceID: instanceID,
	}
}

func (s *DistributedCancelService) Start() error {
	sub, err := s.nc.Subscribe(streamCancelSubject, s.handleCancelRequest)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", streamCancelSubject, err)
	}
	s.subscription = sub
	s.log.Info("distributed cancel service started", slog.String("instance_id", s.instanceID))
	return nil
}

func (s *DistributedCancelService) Stop() error {
	if s.subscription == nil {
		return nil
	}
	if err := s.subscription.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return nil
}

// RequestCancel asks every other instance to cancel streamID. It returns
// Found=false, nil error if nobody owns it within the timeout — the caller
// treats that the same as a local miss.
func (s *DistributedCancelService) RequestCancel(ctx context.Context, streamID, chatID, userID string) (*CancelResponse, error) {
	req := CancelRequest{StreamID: streamID, ChatID: chatID, UserID: userID}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, distributedCancelTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, streamCancelSubject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return &CancelResponse{Found: false}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}

	var resp CancelResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal cancel response: %w", err)
	}
	return &resp, nil
}

// handleCancelRequest replies only when this instance's Registry actually
// owns the target stream, so the real owner is the only responder.
func (s *DistributedCancelService) handleCancelRequest(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("received invalid distributed cancel request", slog.String("error", err.Error()))
		return
	}

	state := s.registry.Get(req.StreamID)
	if state == nil && req.ChatID != "" {
		state = s.registry.ActiveForChat(req.ChatID)
	}
	if state == nil {
		return
	}

	state.Cancel()

	resp := CancelResponse{Found: true, Status: state.StatusNow(), InstanceID: s.instanceID}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal distributed cancel response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Error("failed to send distributed cancel response", slog.String("error", err.Error()))
	}
}
