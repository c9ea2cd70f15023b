package store

import (
	"context"
	"time"
)

// Store is the Message Store collaborator from the gateway's point of view:
// the only persistence surface the Stream Multiplexer is allowed to touch.
// Append calls, an activity bump, a one-time title set, and a meta_info
// append — nothing else.
type Store interface {
	// GetChatOwner returns the chat's owning user_id, or a *errors.StreamError
	// with Kind KindChatNotFound if the chat does not exist.
	GetChatOwner(ctx context.Context, chatID string) (string, error)

	// LoadHistory returns the full conversation in chronological order.
	LoadHistory(ctx context.Context, chatID string) ([]Message, error)

	// LoadMetaInfo returns the chat's accumulated meta_info string.
	LoadMetaInfo(ctx context.Context, chatID string) (string, error)

	// AppendUserMessage persists a user turn synchronously: the Dispatcher
	// needs the generated id/timestamp immediately to echo it back.
	AppendUserMessage(ctx context.Context, chatID, content string) (Message, error)

	// AppendAssistantMessageAsync enqueues an assistant (or partial-on-cancel)
	// turn for background persistence. It never blocks the caller on
	// Firestore latency; a full queue or a write failure is logged, not
	// returned, matching the PersistError policy: the stream's terminal
	// status never depends on this write succeeding.
	AppendAssistantMessageAsync(chatID, content string, isError bool)

	// UpdateChatActivity bumps chat.updated_at to now.
	UpdateChatActivity(ctx context.Context, chatID string) error

	// AppendChatMetaInfo appends info to chat.meta_info, joined by "\n\n"
	// when non-empty, matching the Stream Runner's wire contract.
	AppendChatMetaInfo(ctx context.Context, chatID, info string) error

	// MaybeSetInitialTitle sets chat.title to the first 50 characters of
	// content plus an ellipsis, but only the first time a chat receives a
	// user message.
	MaybeSetInitialTitle(ctx context.Context, chatID, content string) error

	// Close releases background resources (the async worker pool).
	Close()
}

// deriveTitle implements the "first 50 characters + ellipsis if longer"
// rule against runes, not bytes, so multi-byte content isn't split mid-rune.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleMaxRunes {
		return content
	}
	return string(runes[:titleMaxRunes]) + "…"
}

func appendMetaInfo(existing, info string) string {
	if existing == "" {
		return info
	}
	return existing + "\n\n" + info
}

func timeNow() time.Time {
	return time.Now().UTC()
}
