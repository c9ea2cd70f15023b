package store

import (
	"context"
	"strings"
	"testing"

	apperrors "github.com/agentmesh/chatgateway/internal/errors"
)

func TestMemoryStore_GetChatOwnerUnknownChatReturnsChatNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetChatOwner(context.Background(), "nope")
	if !apperrors.Is(err, apperrors.KindChatNotFound) {
		t.Fatalf("expected KindChatNotFound, got %v", err)
	}
}

func TestMemoryStore_AppendUserMessageSetsTitleOnlyOnce(t *testing.T) {
	s := NewMemoryStore()
	s.SeedChat("chat-1", "user-1")

	if _, err := s.AppendUserMessage(context.Background(), "chat-1", "hello world"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AppendUserMessage(context.Background(), "chat-1", "a second message"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := s.chats["chat-1"].Title; got != "hello world" {
		t.Fatalf("expected title set from first message only, got %q", got)
	}
}

func TestMemoryStore_DeriveTitleTruncatesByRuneWithEllipsis(t *testing.T) {
	long := strings.Repeat("é", 60) // multi-byte rune, exercises rune-safety
	got := deriveTitle(long)
	runes := []rune(got)
	if len(runes) != titleMaxRunes+1 { // +1 for the ellipsis rune
		t.Fatalf("expected %d runes, got %d (%q)", titleMaxRunes+1, len(runes), got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
}

func TestMemoryStore_DeriveTitleLeavesShortContentUntouched(t *testing.T) {
	got := deriveTitle("short")
	if got != "short" {
		t.Fatalf("expected unchanged short content, got %q", got)
	}
}

func TestMemoryStore_AppendChatMetaInfoJoinsWithDoubleNewline(t *testing.T) {
	s := NewMemoryStore()
	s.SeedChat("chat-1", "user-1")

	if err := s.AppendChatMetaInfo(context.Background(), "chat-1", "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.AppendChatMetaInfo(context.Background(), "chat-1", "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.LoadMetaInfo(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "first\n\nsecond" {
		t.Fatalf("expected joined meta_info, got %q", got)
	}
}

func TestMemoryStore_LoadHistoryOrdersChronologically(t *testing.T) {
	s := NewMemoryStore()
	s.SeedChat("chat-1", "user-1")

	s.AppendUserMessage(context.Background(), "chat-1", "first")
	s.AppendAssistantMessageAsync("chat-1", "reply", false)
	s.AppendUserMessage(context.Background(), "chat-1", "second")

	history, err := s.LoadHistory(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].Content != "first" || history[1].Content != "reply" || history[2].Content != "second" {
		t.Fatalf("unexpected ordering: %+v", history)
	}
}

func TestMemoryStore_AppendAssistantMessageAsyncRecordsIsError(t *testing.T) {
	s := NewMemoryStore()
	s.SeedChat("chat-1", "user-1")

	s.AppendAssistantMessageAsync("chat-1", "boom", true)

	history, _ := s.LoadHistory(context.Background(), "chat-1")
	if len(history) != 1 || !history[0].IsError || history[0].Role != "assistant" {
		t.Fatalf("expected one error-flagged assistant message, got %+v", history)
	}
}

func TestMemoryStore_AppendAssistantMessageAsyncUnknownChatIsNoop(t *testing.T) {
	s := NewMemoryStore()
	s.AppendAssistantMessageAsync("nope", "content", false) // must not panic
}

func TestMemoryStore_MaybeSetInitialTitleIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	s.SeedChat("chat-1", "user-1")

	if err := s.MaybeSetInitialTitle(context.Background(), "chat-1", "first title"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.MaybeSetInitialTitle(context.Background(), "chat-1", "second title attempt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := s.chats["chat-1"].Title; got != "first title" {
		t.Fatalf("expected title unchanged by second call, got %q", got)
	}
}
