package service

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
)

// ConversationStore - индекс членства и настройки чатов (repository.ConversationRepository).
type ConversationStore interface {
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	UpdateTimer(ctx context.Context, id string, timerMs int64) error
	UpdateMemberLastRead(ctx context.Context, conversationID, userID string, t time.Time) error
}

// MessageStore - журнал сообщений (repository.MessageRepository).
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (bool, error)
	SoftDelete(ctx context.Context, id string) (bool, error)
	ToggleReaction(ctx context.Context, id, userID, emoji string) (string, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Broadcaster доставляет события живым сессиям (ws.Hub). Ошибки доставки не возвращаются:
// отключившаяся сессия просто не получит событие.
type Broadcaster interface {
	ToConversation(ctx context.Context, conversationID string, ev event.Event)
	ToConversationExcept(ctx context.Context, conversationID, exceptUserID string, ev event.Event)
	ToUser(ctx context.Context, userID string, ev event.Event)
	Evict(ctx context.Context, conversationID, userID string)
}

// Observer получает уведомление о каждом новом сообщении после рассылки.
// Реализация не должна блокировать: долгая работа уходит в свою горутину.
type Observer interface {
	MessageCreated(conv *model.Conversation, msg *model.Message, participantIDs []string)
}

// plainText убирает HTML-теги из пользовательского текста. Экранирование, которое добавляет StrictPolicy,
// снимается: текст хранится как набран, экранирует клиент при выводе.
func plainText(p *bluemonday.Policy, s string) string {
	return strings.TrimSpace(html.UnescapeString(p.Sanitize(s)))
}

// storeErr переводит ошибку хранилища в apperr: ErrNotFound -> NotFound(what), остальное -> Transient.
func storeErr(op, what string, err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.NotFound(what + " not found")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	logger.Errorf("%s: %v", op, err)
	return apperr.Transient(op, err)
}

// requireParticipant возвращает Forbidden, если userID не участник чата.
func requireParticipant(ctx context.Context, convs ConversationStore, conversationID, userID string) error {
	ok, err := convs.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return storeErr("membership", "conversation", err)
	}
	if !ok {
		return apperr.Forbidden("not a participant of this conversation")
	}
	return nil
}
