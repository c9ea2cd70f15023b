package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	apperrors "github.com/agentmesh/chatgateway/internal/errors"
	"github.com/agentmesh/chatgateway/internal/logger"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	assistantQueueSize  = 500
	assistantWorkers    = 5
	firestoreOpTimeout  = 30 * time.Second
)

type assistantWrite struct {
	chatID  string
	content string
	isError bool
}

// FirestoreStore persists chats/messages the way the teacher's Firestore
// client does: doc paths under /chats/{userId}/{chatId}/messages/{messageId},
// idempotent writes via docRef.Create, status.Code(err) classification.
type FirestoreStore struct {
	client *firestore.Client
	log    *logger.Logger

	queue   chan assistantWrite
	wg      sync.WaitGroup
	closed  atomic.Bool
	stopped chan struct{}
}

func NewFirestoreStore(client *firestore.Client, log *logger.Logger) *FirestoreStore {
	s := &FirestoreStore{
		client:  client,
		log:     log,
		queue:   make(chan assistantWrite, assistantQueueSize),
		stopped: make(chan struct{}),
	}

	for i := 0; i < assistantWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	return s
}

func (s *FirestoreStore) worker() {
	defer s.wg.Done()
	for {
		select {
		case w := <-s.queue:
			s.persistAssistant(w)
		case <-s.stopped:
			for {
				select {
				case w := <-s.queue:
					s.persistAssistant(w)
				default:
					return
				}
			}
		}
	}
}

func (s *FirestoreStore) persistAssistant(w assistantWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), firestoreOpTimeout)
	defer cancel()

	owner, err := s.GetChatOwner(ctx, w.chatID)
	if err != nil {
		s.log.Error("persist assistant message: chat owner lookup failed",
			slog.String("chat_id", w.chatID), slog.String("error", err.Error()))
		return
	}

	msg := Message{
		ID:        uuid.New().String(),
		ChatID:    w.chatID,
		Role:      "assistant",
		Content:   w.content,
		IsError:   w.isError,
		CreatedAt: timeNow(),
	}

	docRef := s.client.Collection("chats").Doc(owner).Collection(w.chatID).
		Collection("messages").Doc(msg.ID)

	if _, err := docRef.Create(ctx, msg); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return
		}
		s.log.Error("persist assistant message failed",
			slog.String("chat_id", w.chatID), slog.String("error", err.Error()))
		return
	}

	if err := s.UpdateChatActivity(ctx, w.chatID); err != nil {
		s.log.Error("update chat activity after assistant persist failed",
			slog.String("chat_id", w.chatID), slog.String("error", err.Error()))
	}
}

func (s *FirestoreStore) GetChatOwner(ctx context.Context, chatID string) (string, error) {
	docs, err := s.client.CollectionGroup("chats").Where("id", "==", chatID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", apperrors.NewStreamError(apperrors.KindPersistError, "chat lookup failed: "+err.Error())
	}
	if len(docs) == 0 {
		return "", apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}

	var chat ChatDoc
	if err := docs[0].DataTo(&chat); err != nil {
		return "", apperrors.NewStreamError(apperrors.KindPersistError, "chat decode failed: "+err.Error())
	}
	return chat.UserID, nil
}

func (s *FirestoreStore) chatDoc(ctx context.Context, chatID string) (*firestore.DocumentRef, *ChatDoc, error) {
	docs, err := s.client.CollectionGroup("chats").Where("id", "==", chatID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, nil, apperrors.NewStreamError(apperrors.KindPersistError, "chat lookup failed: "+err.Error())
	}
	if len(docs) == 0 {
		return nil, nil, apperrors.NewStreamError(apperrors.KindChatNotFound, "chat "+chatID+" not found")
	}
	var chat ChatDoc
	if err := docs[0].DataTo(&chat); err != nil {
		return nil, nil, apperrors.NewStreamError(apperrors.KindPersistError, "chat decode failed: "+err.Error())
	}
	return docs[0].Ref, &chat, nil
}

func (s *FirestoreStore) LoadHistory(ctx context.Context, chatID string) ([]Message, error) {
	owner, err := s.GetChatOwner(ctx, chatID)
	if err != nil {
		return nil, err
	}

	iter := s.client.Collection("chats").Doc(owner).Collection(chatID).
		Collection("messages").OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var history []Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, apperrors.NewStreamError(apperrors.KindPersistError, "history load failed: "+err.Error())
		}
		var m Message
		if err := doc.DataTo(&m); err != nil {
			continue
		}
		history = append(history, m)
	}
	return history, nil
}

func (s *FirestoreStore) LoadMetaInfo(ctx context.Context, chatID string) (string, error) {
	_, chat, err := s.chatDoc(ctx, chatID)
	if err != nil {
		return "", err
	}
	return chat.MetaInfo, nil
}

func (s *FirestoreStore) AppendUserMessage(ctx context.Context, chatID, content string) (Message, error) {
	owner, err := s.GetChatOwner(ctx, chatID)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      "user",
		Content:   content,
		CreatedAt: timeNow(),
	}

	docRef := s.client.Collection("chats").Doc(owner).Collection(chatID).
		Collection("messages").Doc(msg.ID)

	if _, err := docRef.Create(ctx, msg); err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return Message{}, apperrors.NewStreamError(apperrors.KindPersistError, "append user message failed: "+err.Error())
		}
	}

	if err := s.MaybeSetInitialTitle(ctx, chatID, content); err != nil {
		s.log.Warn("initial title assignment failed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
	}
	if err := s.UpdateChatActivity(ctx, chatID); err != nil {
		s.log.Warn("chat activity bump failed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
	}

	return msg, nil
}

func (s *FirestoreStore) AppendAssistantMessageAsync(chatID, content string, isError bool) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- assistantWrite{chatID: chatID, content: content, isError: isError}:
	default:
		s.log.Warn("assistant message queue full, dropping write", slog.String("chat_id", chatID))
	}
}

func (s *FirestoreStore) UpdateChatActivity(ctx context.Context, chatID string) error {
	ref, _, err := s.chatDoc(ctx, chatID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{{Path: "updatedAt", Value: timeNow()}})
	if err != nil {
		return apperrors.NewStreamError(apperrors.KindPersistError, "update chat activity failed: "+err.Error())
	}
	return nil
}

func (s *FirestoreStore) AppendChatMetaInfo(ctx context.Context, chatID, info string) error {
	ref, chat, err := s.chatDoc(ctx, chatID)
	if err != nil {
		return err
	}
	merged := appendMetaInfo(chat.MetaInfo, info)
	_, err = ref.Update(ctx, []firestore.Update{{Path: "metaInfo", Value: merged}})
	if err != nil {
		return apperrors.NewStreamError(apperrors.KindPersistError, "append chat meta_info failed: "+err.Error())
	}
	return nil
}

func (s *FirestoreStore) MaybeSetInitialTitle(ctx context.Context, chatID, content string) error {
	ref, chat, err := s.chatDoc(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Title != "" {
		return nil
	}
	_, err = ref.Update(ctx, []firestore.Update{{Path: "title", Value: deriveTitle(content)}})
	if err != nil {
		return apperrors.NewStreamError(apperrors.KindPersistError, "set initial title failed: "+err.Error())
	}
	return nil
}

func (s *FirestoreStore) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.stopped)
	s.wg.Wait()
}
