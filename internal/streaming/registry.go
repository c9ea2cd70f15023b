package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/agentmesh/chatgateway/internal/errors"
	"github.com/agentmesh/chatgateway/internal/logger"
)

// Registry is the process-wide map pair: stream_id -> State and
// chat_id -> the stream currently Running for that chat. Both maps sit
// behind one coarse mutex whose critical sections are O(1) lookups,
// inserts, and removals; anything that blocks (sends, I/O) happens on a
// per-State lock instead, never here.
type Registry struct {
	mu           sync.Mutex
	streams      map[string]*State
	activeByChat map[string]string

	retention time.Duration
	log       *logger.Logger

	stopJanitor chan struct{}
	janitorWg   sync.WaitGroup
}

// NewRegistry builds an empty Registry and starts its janitor goroutine on
// the given cadence, reaping terminal streams older than retention.
func NewRegistry(retention, janitorInterval time.Duration, log *logger.Logger) *Registry {
	r := &Registry{
		streams:      make(map[string]*State),
		activeByChat: make(map[string]string),
		retention:    retention,
		log:          log,
		stopJanitor:  make(chan struct{}),
	}

	r.janitorWg.Add(1)
	go r.janitorLoop(janitorInterval)

	return r
}

// Create inserts a fresh Running State for stream_id under chat_id, unless
// another stream is already Running for that chat_id, in which case it
// fails with a BusyChat *errors.StreamError. A terminal entry left behind
// by a previous stream for the same chat is silently overwritten.
func (r *Registry) Create(streamID, chatID, userID string, cancelRun context.CancelFunc) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.activeByChat[chatID]; ok {
		if existing, ok := r.streams[existingID]; ok && existing.StatusNow() == StatusRunning {
			busyChatRejections.Inc()
			return nil, apperrors.NewStreamError(apperrors.KindBusyChat, "chat "+chatID+" already has a running stream")
		}
	}

	state := New(streamID, chatID, userID, cancelRun, r.log)
	r.streams[streamID] = state
	r.activeByChat[chatID] = streamID
	streamsCreated.Inc()
	streamsActive.Inc()

	r.log.Info("stream created",
		slog.String("stream_id", streamID), slog.String("chat_id", chatID), slog.String("user_id", userID))

	return state, nil
}

// Get returns the State for stream_id, or nil if absent.
func (r *Registry) Get(streamID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[streamID]
}

// ActiveForChat returns the Running State for chat_id, or nil if there is
// none — either because nothing was ever created, or because the mapped
// stream has already gone terminal (left for the janitor to clean up).
func (r *Registry) ActiveForChat(chatID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	streamID, ok := r.activeByChat[chatID]
	if !ok {
		return nil
	}
	state, ok := r.streams[streamID]
	if !ok || state.StatusNow() != StatusRunning {
		return nil
	}
	return state
}

// Cancel locates stream_id and invokes its Cancel(). A no-op if absent.
func (r *Registry) Cancel(streamID string) {
	r.mu.Lock()
	state := r.streams[streamID]
	r.mu.Unlock()

	if state == nil {
		return
	}
	state.Cancel()
}

// Metrics summarizes the status of every stream still held in the
// Registry, regardless of how long ago it went terminal.
func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	var m Metrics
	for _, state := range r.streams {
		switch state.StatusNow() {
		case StatusRunning:
			m.Running++
		case StatusCompleted:
			m.Completed++
		case StatusErrored:
			m.Errored++
		case StatusCancelled:
			m.Cancelled++
		}
	}
	return m
}

// ActiveStreams snapshots every stream currently tracked, for the admin
// observability surface.
func (r *Registry) ActiveStreams() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.streams))
	for _, state := range r.streams {
		infos = append(infos, state.Info())
	}
	return infos
}

// reap removes every State whose status is terminal and whose end_time is
// older than the retention window. A Running stream is never touched
// regardless of age (P9).
func (r *Registry) reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.retention)
	cleaned := 0

	for streamID, state := range r.streams {
		if state.StatusNow() == StatusRunning {
			continue
		}
		if state.EndTime().After(cutoff) {
			continue
		}

		delete(r.streams, streamID)
		if r.activeByChat[state.ChatID()] == streamID {
			delete(r.activeByChat, state.ChatID())
		}
		cleaned++
		streamsReaped.Inc()
	}

	return cleaned
}

func (r *Registry) janitorLoop(interval time.Duration) {
	defer r.janitorWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cleaned := r.reap(); cleaned > 0 {
				r.log.Info("janitor reaped terminal streams", slog.Int("count", cleaned))
			}
		case <-r.stopJanitor:
			return
		}
	}
}

// Shutdown stops the janitor goroutine. It does not cancel any Running
// streams; that is the caller's responsibility during graceful shutdown.
func (r *Registry) Shutdown() {
	close(r.stopJanitor)
	r.janitorWg.Wait()
}
