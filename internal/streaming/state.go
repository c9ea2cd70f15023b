package streaming

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/chatgateway/internal/logger"
)

// State owns one agent response: its accumulated content, its meta-info
// lines, its subscriber set, and its terminal status. Every mutating
// operation is serialized through mu, and per the ordering guarantee in the
// concurrency model, subscriber notification happens while that lock is
// held — a subscriber's Send is short, and further serialized by its own
// connection's writer lock, so this never becomes a bottleneck.
type State struct {
	streamID string
	chatID   string
	userID   string

	mu                 sync.Mutex
	accumulatedContent string
	metaInfo           []string
	subscribers        map[string]Subscriber
	status             Status
	errorText          string
	startTime          time.Time
	endTime            time.Time

	cancelled atomic.Bool
	cancelRun context.CancelFunc

	tokenUsage *TokenUsage

	log *logger.Logger
}

// New creates a Stream State in the Running status. cancelRun is the
// runner_handle: calling it asks the Stream Runner to stop at its next
// cooperative checkpoint.
func New(streamID, chatID, userID string, cancelRun context.CancelFunc, log *logger.Logger) *State {
	return &State{
		streamID:    streamID,
		chatID:      chatID,
		userID:      userID,
		subscribers: make(map[string]Subscriber),
		status:      StatusRunning,
		startTime:   time.Now(),
		cancelRun:   cancelRun,
		log:         log,
	}
}

func (s *State) StreamID() string { return s.streamID }
func (s *State) ChatID() string   { return s.chatID }
func (s *State) UserID() string   { return s.userID }

// IsCancelled is the cooperative checkpoint flag the Stream Runner polls
// without taking the state lock.
func (s *State) IsCancelled() bool {
	return s.cancelled.Load()
}

// broadcastAndPruneLocked sends frame to every current subscriber and
// removes any that fail. Callers must hold mu.
func (s *State) broadcastAndPruneLocked(frame Frame) {
	var dead []string
	for id, sub := range s.subscribers {
		if err := sub.Send(frame); err != nil {
			dead = append(dead, id)
			continue
		}
		if frame.Type == FrameMessageChunk || frame.Type == FrameMetaInfoUpdate {
			chunksDelivered.Inc()
		}
	}
	for _, id := range dead {
		delete(s.subscribers, id)
		subscribersDropped.Inc()
		s.log.Debug("dropped unreachable subscriber",
			slog.String("stream_id", s.streamID), slog.String("subscriber_id", id))
	}
}

// AppendChunk extends accumulated_content and fans the delta out to every
// current subscriber. A no-op once the stream has left Running.
func (s *State) AppendChunk(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}
	s.accumulatedContent += text
	s.broadcastAndPruneLocked(Frame{
		Type: FrameMessageChunk, StreamID: s.streamID, ChatID: s.chatID, Content: text,
	})
}

// AppendMeta extends meta_info and fans the update out the same way
// AppendChunk does for content.
func (s *State) AppendMeta(info string) {
	if info == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}
	s.metaInfo = append(s.metaInfo, info)
	s.broadcastAndPruneLocked(Frame{
		Type: FrameMetaInfoUpdate, StreamID: s.streamID, ChatID: s.chatID, Content: info,
	})
}

// MarkComplete transitions Running -> Completed and sends message_complete.
func (s *State) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}
	s.status = StatusCompleted
	s.endTime = time.Now()
	streamsActive.Dec()
	s.broadcastAndPruneLocked(Frame{Type: FrameMessageComplete, StreamID: s.streamID, ChatID: s.chatID})
}

// MarkError transitions Running -> Errored and sends an error frame.
func (s *State) MarkError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}
	s.status = StatusErrored
	s.errorText = message
	s.endTime = time.Now()
	streamsActive.Dec()
	s.broadcastAndPruneLocked(Frame{Type: FrameError, StreamID: s.streamID, ChatID: s.chatID, Message: message})
}

// MarkCancelled transitions Running -> Cancelled. It sends message_complete,
// not error: cancellation is a user outcome.
func (s *State) MarkCancelled() {
	s.cancelled.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}
	s.status = StatusCancelled
	s.endTime = time.Now()
	streamsActive.Dec()
	s.broadcastAndPruneLocked(Frame{Type: FrameMessageComplete, StreamID: s.streamID, ChatID: s.chatID})
}

// Cancel marks the stream cancelled and signals the Stream Runner to stop.
// Safe to call more than once and from any goroutine.
func (s *State) Cancel() {
	s.MarkCancelled()
	if s.cancelRun != nil {
		s.cancelRun()
	}
}

// Subscribe adds sub to the subscriber set and, atomically under the same
// lock, replays the full prefix: message_start, one consolidated
// message_chunk of everything accumulated so far (if any), one
// meta_info_update per recorded element, and the terminal frame if the
// stream has already left Running. It returns the status observed at the
// moment of subscribe so the caller can decide whether a
// subscription_confirmed frame is still appropriate (only when Running).
//
// If any send in the replay fails, the subscription is discarded silently;
// the caller must not assume message_start was actually delivered.
func (s *State) Subscribe(sub Subscriber) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[sub.ID()] = sub

	if err := sub.Send(Frame{Type: FrameMessageStart, StreamID: s.streamID, ChatID: s.chatID, Role: "assistant"}); err != nil {
		delete(s.subscribers, sub.ID())
		return s.status
	}

	if s.accumulatedContent != "" {
		if err := sub.Send(Frame{Type: FrameMessageChunk, StreamID: s.streamID, ChatID: s.chatID, Content: s.accumulatedContent}); err != nil {
			delete(s.subscribers, sub.ID())
			return s.status
		}
	}

	for _, info := range s.metaInfo {
		if err := sub.Send(Frame{Type: FrameMetaInfoUpdate, StreamID: s.streamID, ChatID: s.chatID, Content: info}); err != nil {
			delete(s.subscribers, sub.ID())
			return s.status
		}
	}

	if s.status != StatusRunning {
		frame := Frame{Type: FrameMessageComplete, StreamID: s.streamID, ChatID: s.chatID}
		if s.status == StatusErrored {
			frame.Type = FrameError
			frame.Message = s.errorText
		}
		if err := sub.Send(frame); err != nil {
			delete(s.subscribers, sub.ID())
		}
	}

	return s.status
}

// Unsubscribe removes a subscriber. Idempotent.
func (s *State) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, subscriberID)
}

func (s *State) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulatedContent
}

func (s *State) StatusNow() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

func (s *State) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		StreamID:        s.streamID,
		ChatID:          s.chatID,
		UserID:          s.userID,
		Status:          s.status,
		SubscriberCount: len(s.subscribers),
		ContentLength:   len(s.accumulatedContent),
		StartTime:       s.startTime,
		EndTime:         s.endTime,
		TokenUsage:      s.tokenUsage,
	}
}

// SetTokenUsage records the most recently observed usage accounting. Called
// by the Stream Runner; never gates any invariant.
func (s *State) SetTokenUsage(usage TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenUsage = &usage
}
