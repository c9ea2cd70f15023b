package store

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/agentmesh/chatgateway/internal/errors"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local development
// without a Firestore project configured.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]*ChatDoc
	messages map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*ChatDoc),
		messages: make(map[string][]Message),
	}
}

// SeedChat registers a chat and its owner so tests can exercise the Store
// without a real database. It is a test helper, not part of the Store
// interface.
func (s *MemoryStore) SeedChat(chatID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = &ChatDoc{ID: chatID, UserID: userID}
}

func (s *MemoryStore) GetChatOwner(ctx context.Context, chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return "", apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}
	return chat.UserID, nil
}

func (s *MemoryStore) LoadHistory(ctx context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}
	out := make([]Message, len(s.messages[chatID]))
	copy(out, s.messages[chatID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) LoadMetaInfo(ctx context.Context, chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return "", apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}
	return chat.MetaInfo, nil
}

func (s *MemoryStore) AppendUserMessage(ctx context.Context, chatID, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return Message{}, apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}

	msg := Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      "user",
		Content:   content,
		CreatedAt: timeNow(),
	}
	s.messages[chatID] = append(s.messages[chatID], msg)

	if chat.Title == "" {
		chat.Title = deriveTitle(content)
	}
	chat.UpdatedAt = timeNow()

	return msg, nil
}

func (s *MemoryStore) AppendAssistantMessageAsync(chatID, content string, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return
	}
	s.messages[chatID] = append(s.messages[chatID], Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      "assistant",
		Content:   content,
		IsError:   isError,
		CreatedAt: timeNow(),
	})
	s.chats[chatID].UpdatedAt = timeNow()
}

func (s *MemoryStore) UpdateChatActivity(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}
	chat.UpdatedAt = timeNow()
	return nil
}

func (s *MemoryStore) AppendChatMetaInfo(ctx context.Context, chatID, info string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}
	chat.MetaInfo = appendMetaInfo(chat.MetaInfo, info)
	return nil
}

func (s *MemoryStore) MaybeSetInitialTitle(ctx context.Context, chatID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}
	if chat.Title != "" {
		return nil
	}
	chat.Title = deriveTitle(content)
	return nil
}

func (s *MemoryStore) Close() {}
