package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
	"github.com/whisper/internal/model"
)

// TimerChangedText - текст системного сообщения о смене таймера; клиент показывает его после имени отправителя.
const TimerChangedText = "updated disappearing messages timer."

type SendInput struct {
	ConversationID  string            `json:"conversation_id" validate:"required"`
	Content         string            `json:"content" validate:"max=4000"`
	Type            model.MessageType `json:"type"`
	MediaURL        string            `json:"media_url" validate:"omitempty,max=2048"`
	MediaType       string            `json:"media_type" validate:"omitempty,max=128"`
	ThumbnailURL    string            `json:"thumbnail_url" validate:"omitempty,max=2048"`
	FileName        string            `json:"file_name" validate:"omitempty,max=255"`
	FileSize        int64             `json:"file_size" validate:"gte=0"`
	ReplyToID       string            `json:"reply_to_id"`
	ForwardedFromID string            `json:"forwarded_from_id" validate:"omitempty,uuid"`
}

type editInput struct {
	MessageID string `validate:"required"`
	Content   string `validate:"required,max=4000"`
}

type reactInput struct {
	MessageID string `validate:"required"`
	Emoji     string `validate:"required,max=32"`
}

// Messaging применяет действия пользователей над сообщениями и рассылает результат участникам чата.
// Рассылка происходит только после успешной записи в хранилище.
type Messaging struct {
	convs     ConversationStore
	msgs      MessageStore
	users     UserStore
	bc        Broadcaster
	validate  *validator.Validate
	policy    *bluemonday.Policy
	tracer    trace.Tracer
	now       func() time.Time
	mu        sync.RWMutex
	observers []Observer
}

func NewMessaging(convs ConversationStore, msgs MessageStore, users UserStore, bc Broadcaster) *Messaging {
	return &Messaging{
		convs:    convs,
		msgs:     msgs,
		users:    users,
		bc:       bc,
		validate: validator.New(),
		policy:   bluemonday.StrictPolicy(),
		tracer:   otel.Tracer("github.com/whisper/internal/service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddObserver подписывает o на новые сообщения (бот, push-уведомления).
func (s *Messaging) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Messaging) sanitize(text string) string {
	return plainText(s.policy, text)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperr.Code(err))
	return err
}

// CanJoin проверяет, что userID может подписаться на события чата.
func (s *Messaging) CanJoin(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return apperr.InvalidState("conversation_id required")
	}
	return requireParticipant(ctx, s.convs, conversationID, userID)
}

// Send сохраняет новое сообщение и рассылает его всем сессиям чата, включая другие сессии отправителя.
func (s *Messaging) Send(ctx context.Context, senderID string, in SendInput) (*model.Message, error) {
	defer logger.DeferLogDuration("messaging.Send", time.Now())()
	ctx, span := s.tracer.Start(ctx, "messaging.send", trace.WithAttributes(
		attribute.String("conversation_id", in.ConversationID),
		attribute.String("sender_id", senderID),
	))
	defer span.End()

	if err := s.validate.Struct(in); err != nil {
		return nil, fail(span, invalidInput(err))
	}
	if in.Type == "" {
		in.Type = model.MessageText
	}
	if !in.Type.Valid() {
		return nil, fail(span, apperr.InvalidState("unknown message type"))
	}
	content := s.sanitize(in.Content)
	if content == "" && in.MediaURL == "" {
		return nil, fail(span, apperr.InvalidState("content or media_url required"))
	}

	conv, err := s.convs.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, fail(span, storeErr("messaging.Send conversation", "conversation", err))
	}
	if err := requireParticipant(ctx, s.convs, conv.ID, senderID); err != nil {
		return nil, fail(span, err)
	}

	var parent *model.Message
	if in.ReplyToID != "" {
		parent, err = s.msgs.GetByID(ctx, in.ReplyToID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fail(span, apperr.InvalidState("reply target not found"))
		}
		if err != nil {
			return nil, fail(span, storeErr("messaging.Send reply", "message", err))
		}
		if parent.ConversationID != conv.ID {
			return nil, fail(span, apperr.InvalidState("reply target belongs to another conversation"))
		}
	}

	now := s.now()
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Type:           in.Type,
		Status:         model.MessageStatusSent,
		ReadBy:         []model.ReadReceipt{},
		Reactions:      map[string]string{},
		MediaURL:       in.MediaURL,
		MediaType:      in.MediaType,
		ThumbnailURL:   in.ThumbnailURL,
		FileName:       strings.TrimSpace(strings.ReplaceAll(in.FileName, "+", " ")),
		FileSize:       in.FileSize,
		ExpiresAt:      conv.ExpiryFor(now),
		CreatedAt:      now,
	}
	if parent != nil {
		m.ReplyToID = &parent.ID
		m.ReplyTo = parent.Preview()
	}
	if in.ForwardedFromID != "" {
		fwd := in.ForwardedFromID
		m.ForwardedFromID = &fwd
	}

	if err := s.msgs.Create(ctx, m); err != nil {
		return nil, fail(span, storeErr("messaging.Send create", "message", err))
	}
	s.hydrateSender(ctx, m)

	s.bc.ToConversation(ctx, conv.ID, event.Event{Type: event.NewMessage, Payload: m})
	metrics.MessagesSent().WithLabelValues(string(m.Type)).Inc()

	s.notifyObservers(ctx, conv, m)
	return m, nil
}

// PostAs сохраняет и рассылает сообщение от имени служебного участника (бот) без проверки содержимого клиента.
func (s *Messaging) PostAs(ctx context.Context, senderID, conversationID, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("messaging.PostAs", time.Now())()
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, storeErr("messaging.PostAs conversation", "conversation", err)
	}
	now := s.now()
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Type:           model.MessageText,
		Status:         model.MessageStatusSent,
		ReadBy:         []model.ReadReceipt{},
		Reactions:      map[string]string{},
		ExpiresAt:      conv.ExpiryFor(now),
		CreatedAt:      now,
	}
	if err := s.msgs.Create(ctx, m); err != nil {
		return nil, storeErr("messaging.PostAs create", "message", err)
	}
	s.hydrateSender(ctx, m)
	s.bc.ToConversation(ctx, conv.ID, event.Event{Type: event.NewMessage, Payload: m})
	metrics.MessagesSent().WithLabelValues(string(m.Type)).Inc()
	s.notifyObservers(ctx, conv, m)
	return m, nil
}

func (s *Messaging) hydrateSender(ctx context.Context, m *model.Message) {
	sender, err := s.users.GetByID(ctx, m.SenderID)
	if err != nil {
		logger.Errorf("messaging: sender %s for message %s: %v", m.SenderID, m.ID, err)
		return
	}
	pub := sender.ToPublic()
	m.Sender = &pub
}

func (s *Messaging) notifyObservers(ctx context.Context, conv *model.Conversation, m *model.Message) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	if len(observers) == 0 {
		return
	}
	ids, err := s.convs.ParticipantIDs(ctx, conv.ID)
	if err != nil {
		logger.Errorf("messaging: participants of %s for observers: %v", conv.ID, err)
		return
	}
	for _, o := range observers {
		o.MessageCreated(conv, m, ids)
	}
}

// Edit меняет текст сообщения. Только автор; удалённое сообщение редактировать нельзя.
func (s *Messaging) Edit(ctx context.Context, userID, messageID, content string) (*event.MessageEditedPayload, error) {
	defer logger.DeferLogDuration("messaging.Edit", time.Now())()
	ctx, span := s.tracer.Start(ctx, "messaging.edit", trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	in := editInput{MessageID: messageID, Content: s.sanitize(content)}
	if err := s.validate.Struct(in); err != nil {
		return nil, fail(span, invalidInput(err))
	}
	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return nil, fail(span, storeErr("messaging.Edit get", "message", err))
	}
	if m.SenderID != userID {
		return nil, fail(span, apperr.Forbidden("only the sender can edit a message"))
	}
	if m.IsDeleted {
		return nil, fail(span, apperr.InvalidState("message is deleted"))
	}
	now := s.now()
	changed, err := s.msgs.UpdateContent(ctx, messageID, in.Content, now)
	if err != nil {
		return nil, fail(span, storeErr("messaging.Edit update", "message", err))
	}
	if !changed {
		return nil, fail(span, apperr.InvalidState("message is deleted"))
	}

	payload := &event.MessageEditedPayload{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		Content:        in.Content,
		EditedAt:       now,
	}
	s.bc.ToConversation(ctx, m.ConversationID, event.Event{Type: event.MessageEdited, Payload: payload})
	return payload, nil
}

// Delete превращает сообщение в надгробие. Только автор, одинаково для WebSocket и HTTP.
// Повторное удаление - успешный no-op без рассылки.
func (s *Messaging) Delete(ctx context.Context, userID, messageID string) error {
	defer logger.DeferLogDuration("messaging.Delete", time.Now())()
	ctx, span := s.tracer.Start(ctx, "messaging.delete", trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	if messageID == "" {
		return fail(span, apperr.InvalidState("message_id required"))
	}
	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return fail(span, storeErr("messaging.Delete get", "message", err))
	}
	if m.SenderID != userID {
		return fail(span, apperr.Forbidden("only the sender can delete a message"))
	}
	if m.IsDeleted {
		return nil
	}
	changed, err := s.msgs.SoftDelete(ctx, messageID)
	if err != nil {
		return fail(span, storeErr("messaging.Delete update", "message", err))
	}
	if !changed {
		return nil
	}
	s.bc.ToConversation(ctx, m.ConversationID, event.Event{Type: event.MessageDeleted, Payload: event.MessageDeletedPayload{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
	}})
	return nil
}

// React переключает реакцию: та же эмодзи снимается, другая заменяет прежнюю.
func (s *Messaging) React(ctx context.Context, userID, messageID, emoji string) (*event.ReactionPayload, error) {
	defer logger.DeferLogDuration("messaging.React", time.Now())()
	ctx, span := s.tracer.Start(ctx, "messaging.react", trace.WithAttributes(attribute.String("message_id", messageID)))
	defer span.End()

	in := reactInput{MessageID: messageID, Emoji: strings.TrimSpace(emoji)}
	if err := s.validate.Struct(in); err != nil {
		return nil, fail(span, invalidInput(err))
	}
	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return nil, fail(span, storeErr("messaging.React get", "message", err))
	}
	if err := requireParticipant(ctx, s.convs, m.ConversationID, userID); err != nil {
		return nil, fail(span, err)
	}
	if m.IsDeleted {
		return nil, fail(span, apperr.InvalidState("message is deleted"))
	}
	result, err := s.msgs.ToggleReaction(ctx, messageID, userID, in.Emoji)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fail(span, apperr.InvalidState("message is deleted"))
	}
	if err != nil {
		return nil, fail(span, storeErr("messaging.React toggle", "message", err))
	}

	payload := &event.ReactionPayload{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		UserID:         userID,
		Emoji:          result,
	}
	s.bc.ToConversation(ctx, m.ConversationID, event.Event{Type: event.MessageReaction, Payload: payload})
	return payload, nil
}

// MarkRead отмечает прочитанными все чужие сообщения чата. Рассылка - только если что-то изменилось.
func (s *Messaging) MarkRead(ctx context.Context, userID, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("messaging.MarkRead", time.Now())()
	ctx, span := s.tracer.Start(ctx, "messaging.mark_read", trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer span.End()

	if conversationID == "" {
		return nil, fail(span, apperr.InvalidState("conversation_id required"))
	}
	if err := requireParticipant(ctx, s.convs, conversationID, userID); err != nil {
		return nil, fail(span, err)
	}
	now := s.now()
	ids, err := s.msgs.MarkRead(ctx, conversationID, userID, now)
	if err != nil {
		return nil, fail(span, storeErr("messaging.MarkRead", "conversation", err))
	}
	if err := s.convs.UpdateMemberLastRead(ctx, conversationID, userID, now); err != nil {
		logger.Errorf("messaging: last_read_at conv=%s user=%s: %v", conversationID, userID, err)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	s.bc.ToConversation(ctx, conversationID, event.Event{Type: event.MessagesRead, Payload: event.MessagesReadPayload{
		ConversationID: conversationID,
		MessageIDs:     ids,
		UserID:         userID,
		ReadAt:         now,
	}})
	return ids, nil
}

// UpdateTimer меняет таймер исчезающих сообщений (0 - выключен) и публикует системное сообщение.
// Уже отправленные сообщения сохраняют свой expires_at.
func (s *Messaging) UpdateTimer(ctx context.Context, userID, conversationID string, timerMs int64) error {
	defer logger.DeferLogDuration("messaging.UpdateTimer", time.Now())()
	ctx, span := s.tracer.Start(ctx, "messaging.update_timer", trace.WithAttributes(
		attribute.String("conversation_id", conversationID),
		attribute.Int64("timer_ms", timerMs),
	))
	defer span.End()

	if conversationID == "" {
		return fail(span, apperr.InvalidState("conversation_id required"))
	}
	if timerMs < 0 || timerMs > model.MaxMessageTimer {
		return fail(span, apperr.InvalidState("timer must be between 0 and 30 days"))
	}
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return fail(span, storeErr("messaging.UpdateTimer get", "conversation", err))
	}
	if err := requireParticipant(ctx, s.convs, conv.ID, userID); err != nil {
		return fail(span, err)
	}
	if err := s.convs.UpdateTimer(ctx, conv.ID, timerMs); err != nil {
		return fail(span, storeErr("messaging.UpdateTimer update", "conversation", err))
	}
	s.bc.ToConversation(ctx, conv.ID, event.Event{Type: event.TimerUpdated, Payload: event.TimerUpdatedPayload{
		ConversationID: conv.ID,
		Timer:          timerMs,
		UpdatedBy:      userID,
	}})

	now := s.now()
	sys := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       userID,
		Content:        TimerChangedText,
		Type:           model.MessageSystem,
		Status:         model.MessageStatusSent,
		ReadBy:         []model.ReadReceipt{},
		Reactions:      map[string]string{},
		CreatedAt:      now,
	}
	if err := s.msgs.Create(ctx, sys); err != nil {
		// Таймер уже сохранён и разослан; теряется только уведомление в ленте.
		logger.Errorf("messaging: timer system message conv=%s: %v", conv.ID, err)
		return nil
	}
	s.hydrateSender(ctx, sys)
	s.bc.ToConversation(ctx, conv.ID, event.Event{Type: event.NewMessage, Payload: sys})
	return nil
}

// Typing пересылает индикатор набора остальным участникам; ничего не сохраняется.
func (s *Messaging) Typing(ctx context.Context, userID, conversationID string) error {
	if err := s.CanJoin(ctx, userID, conversationID); err != nil {
		return err
	}
	s.bc.ToConversationExcept(ctx, conversationID, userID, event.Event{Type: event.Typing, Payload: event.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}})
	return nil
}
