package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	maxGroupSize    = 256
)

// ConversationIndex - полный набор операций над чатами и участниками (repository.ConversationRepository).
type ConversationIndex interface {
	ConversationStore
	GetOrCreatePrivate(ctx context.Context, userA, userB string) (*model.Conversation, bool, error)
	CreateGroup(ctx context.Context, c *model.Conversation, memberIDs []string) error
	UpdateGroup(ctx context.Context, id, name, description, iconURL string) error
	AddParticipant(ctx context.Context, p *model.Participant) (bool, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	EnsureAdmin(ctx context.Context, conversationID string) (string, error)
	Participants(ctx context.Context, conversationID string) ([]model.ParticipantView, error)
	Role(ctx context.Context, conversationID, userID string) (model.Role, error)
	ListForUser(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

type MessageLister interface {
	ListByConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]model.Message, error)
}

type GroupInput struct {
	Name           string   `json:"name" validate:"required,max=100"`
	Description    string   `json:"description" validate:"max=500"`
	IconURL        string   `json:"icon_url" validate:"omitempty,max=2048"`
	ParticipantIDs []string `json:"participant_ids" validate:"max=255,dive,required"`
}

type GroupUpdate struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	IconURL     string `json:"icon_url" validate:"omitempty,max=2048"`
}

// Conversations управляет личными чатами и группами и рассылает изменения состава.
type Conversations struct {
	convs    ConversationIndex
	msgs     MessageLister
	users    UserStore
	bc       Broadcaster
	validate *validator.Validate
	policy   *bluemonday.Policy
	now      func() time.Time
}

func NewConversations(convs ConversationIndex, msgs MessageLister, users UserStore, bc Broadcaster) *Conversations {
	return &Conversations{
		convs:    convs,
		msgs:     msgs,
		users:    users,
		bc:       bc,
		validate: validator.New(),
		policy:   bluemonday.StrictPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Conversations) List(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	list, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, storeErr("conversations.List", "conversation", err)
	}
	if list == nil {
		list = []model.ConversationSummary{}
	}
	return list, nil
}

// Get возвращает чат с участниками; только для участников.
func (s *Conversations) Get(ctx context.Context, userID, conversationID string) (*model.ConversationSummary, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, storeErr("conversations.Get", "conversation", err)
	}
	if err := requireParticipant(ctx, s.convs, conv.ID, userID); err != nil {
		return nil, err
	}
	return s.summary(ctx, conv)
}

func (s *Conversations) summary(ctx context.Context, conv *model.Conversation) (*model.ConversationSummary, error) {
	parts, err := s.convs.Participants(ctx, conv.ID)
	if err != nil {
		return nil, storeErr("conversations.participants", "conversation", err)
	}
	return &model.ConversationSummary{Conversation: *conv, Participants: parts}, nil
}

// Messages - страница истории от новых к старым; before - курсор по created_at.
func (s *Conversations) Messages(ctx context.Context, userID, conversationID string, before *time.Time, limit int) ([]model.Message, error) {
	if err := requireParticipant(ctx, s.convs, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	list, err := s.msgs.ListByConversation(ctx, conversationID, before, limit)
	if err != nil {
		return nil, storeErr("conversations.Messages", "conversation", err)
	}
	if list == nil {
		list = []model.Message{}
	}
	return list, nil
}

// OpenPrivate возвращает личный чат с otherID, создавая его при первом обращении.
func (s *Conversations) OpenPrivate(ctx context.Context, userID, otherID string) (*model.ConversationSummary, bool, error) {
	defer logger.DeferLogDuration("conversations.OpenPrivate", time.Now())()
	if otherID == "" {
		return nil, false, apperr.InvalidState("participant_id required")
	}
	if otherID == userID {
		return nil, false, apperr.InvalidState("cannot start a conversation with yourself")
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		return nil, false, storeErr("conversations.OpenPrivate user", "user", err)
	}
	conv, created, err := s.convs.GetOrCreatePrivate(ctx, userID, otherID)
	if err != nil {
		return nil, false, storeErr("conversations.OpenPrivate", "conversation", err)
	}
	sum, err := s.summary(ctx, conv)
	if err != nil {
		return nil, false, err
	}
	if created {
		ev := event.Event{Type: event.ConversationCreated, Payload: sum}
		s.bc.ToUser(ctx, userID, ev)
		s.bc.ToUser(ctx, otherID, ev)
	}
	return sum, created, nil
}

// CreateGroup создаёт группу; создатель становится админом.
func (s *Conversations) CreateGroup(ctx context.Context, userID string, in GroupInput) (*model.ConversationSummary, error) {
	defer logger.DeferLogDuration("conversations.CreateGroup", time.Now())()
	in.Name = s.clean(in.Name)
	in.Description = s.clean(in.Description)
	if err := s.validate.Struct(in); err != nil {
		return nil, invalidInput(err)
	}
	members := dedupe(in.ParticipantIDs, userID)
	if len(members)+1 > maxGroupSize {
		return nil, apperr.InvalidState("too many participants")
	}
	for _, id := range members {
		if _, err := s.users.GetByID(ctx, id); err != nil {
			return nil, storeErr("conversations.CreateGroup user", "user", err)
		}
	}
	now := s.now()
	conv := &model.Conversation{
		ID:          uuid.New().String(),
		Type:        model.ConversationGroup,
		Name:        in.Name,
		Description: in.Description,
		IconURL:     in.IconURL,
		CreatedBy:   userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.convs.CreateGroup(ctx, conv, members); err != nil {
		return nil, storeErr("conversations.CreateGroup", "conversation", err)
	}
	sum, err := s.summary(ctx, conv)
	if err != nil {
		return nil, err
	}
	ev := event.Event{Type: event.ConversationCreated, Payload: sum}
	s.bc.ToUser(ctx, userID, ev)
	for _, id := range members {
		s.bc.ToUser(ctx, id, ev)
	}
	return sum, nil
}

// UpdateGroup меняет название, описание и иконку. Только админ.
func (s *Conversations) UpdateGroup(ctx context.Context, userID, conversationID string, in GroupUpdate) (*model.ConversationSummary, error) {
	defer logger.DeferLogDuration("conversations.UpdateGroup", time.Now())()
	in.Name = s.clean(in.Name)
	in.Description = s.clean(in.Description)
	if err := s.validate.Struct(in); err != nil {
		return nil, invalidInput(err)
	}
	conv, err := s.requireAdmin(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.convs.UpdateGroup(ctx, conv.ID, in.Name, in.Description, in.IconURL); err != nil {
		return nil, storeErr("conversations.UpdateGroup", "conversation", err)
	}
	conv.Name, conv.Description, conv.IconURL = in.Name, in.Description, in.IconURL
	conv.UpdatedAt = s.now()
	sum, err := s.summary(ctx, conv)
	if err != nil {
		return nil, err
	}
	s.bc.ToConversation(ctx, conv.ID, event.Event{Type: event.ConversationUpdated, Payload: sum})
	return sum, nil
}

// AddParticipants добавляет пользователей в группу. Только админ. Уже состоящие пропускаются.
func (s *Conversations) AddParticipants(ctx context.Context, userID, conversationID string, userIDs []string) ([]string, error) {
	defer logger.DeferLogDuration("conversations.AddParticipants", time.Now())()
	ids := dedupe(userIDs, "")
	if len(ids) == 0 {
		return nil, apperr.InvalidState("user_ids required")
	}
	conv, err := s.requireAdmin(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	added := make([]string, 0, len(ids))
	for _, id := range ids {
		u, err := s.users.GetByID(ctx, id)
		if err != nil {
			return added, storeErr("conversations.AddParticipants user", "user", err)
		}
		ok, err := s.convs.AddParticipant(ctx, &model.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           model.RoleMember,
			JoinedAt:       now,
		})
		if err != nil {
			return added, storeErr("conversations.AddParticipants", "conversation", err)
		}
		if !ok {
			continue
		}
		added = append(added, id)
		pub := u.ToPublic()
		s.bc.ToConversation(ctx, conv.ID, event.Event{Type: event.ParticipantAdded, Payload: event.ParticipantPayload{
			ConversationID: conv.ID,
			UserID:         id,
			Username:       u.Username,
			Role:           model.RoleMember,
			ActorID:        userID,
			Participant:    &pub,
		}})
	}
	if len(added) > 0 {
		if sum, err := s.summary(ctx, conv); err == nil {
			ev := event.Event{Type: event.ConversationCreated, Payload: sum}
			for _, id := range added {
				s.bc.ToUser(ctx, id, ev)
			}
		}
	}
	return added, nil
}

// RemoveParticipant исключает участника из группы. Только админ; себя - через Leave.
func (s *Conversations) RemoveParticipant(ctx context.Context, userID, conversationID, targetID string) error {
	defer logger.DeferLogDuration("conversations.RemoveParticipant", time.Now())()
	if targetID == userID {
		return s.Leave(ctx, userID, conversationID)
	}
	conv, err := s.requireAdmin(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if err := s.convs.RemoveParticipant(ctx, conv.ID, targetID); err != nil {
		return storeErr("conversations.RemoveParticipant", "participant", err)
	}
	s.afterRemoval(ctx, conv.ID, event.ParticipantPayload{
		ConversationID: conv.ID,
		UserID:         targetID,
		ActorID:        userID,
	})
	return nil
}

// Leave - выход из группы. Если ушёл последний админ, админом становится самый ранний участник.
func (s *Conversations) Leave(ctx context.Context, userID, conversationID string) error {
	defer logger.DeferLogDuration("conversations.Leave", time.Now())()
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return storeErr("conversations.Leave", "conversation", err)
	}
	if conv.Type != model.ConversationGroup {
		return apperr.InvalidState("only groups can be left")
	}
	if err := s.convs.RemoveParticipant(ctx, conv.ID, userID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Forbidden("not a participant of this conversation")
		}
		return storeErr("conversations.Leave", "conversation", err)
	}
	s.afterRemoval(ctx, conv.ID, event.ParticipantPayload{
		ConversationID: conv.ID,
		UserID:         userID,
		ActorID:        userID,
		IsLeave:        true,
	})

	promoted, err := s.convs.EnsureAdmin(ctx, conv.ID)
	if err != nil {
		logger.Errorf("conversations: ensure admin conv=%s: %v", conv.ID, err)
		return nil
	}
	if promoted != "" {
		logger.Infof("conversations: %s promoted to admin in %s", promoted, conv.ID)
		if sum, err := s.summary(ctx, conv); err == nil {
			s.bc.ToConversation(ctx, conv.ID, event.Event{Type: event.ConversationUpdated, Payload: sum})
		}
	}
	return nil
}

// afterRemoval оповещает оставшихся и самого удалённого, затем отписывает его сессии от комнаты.
func (s *Conversations) afterRemoval(ctx context.Context, conversationID string, p event.ParticipantPayload) {
	ev := event.Event{Type: event.ParticipantRemoved, Payload: p}
	s.bc.ToConversationExcept(ctx, conversationID, p.UserID, ev)
	s.bc.ToUser(ctx, p.UserID, ev)
	s.bc.Evict(ctx, conversationID, p.UserID)
}

func (s *Conversations) requireAdmin(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, storeErr("conversations.requireAdmin", "conversation", err)
	}
	if conv.Type != model.ConversationGroup {
		return nil, apperr.InvalidState("not a group")
	}
	role, err := s.convs.Role(ctx, conv.ID, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}
	if err != nil {
		return nil, storeErr("conversations.requireAdmin role", "conversation", err)
	}
	if role != model.RoleAdmin {
		return nil, apperr.Forbidden("only group admins can do this")
	}
	return conv, nil
}

func (s *Conversations) clean(v string) string {
	return plainText(s.policy, v)
}

func invalidInput(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return apperr.InvalidState(strings.ToLower(f.Field()) + " failed " + f.Tag() + " validation")
	}
	return apperr.InvalidState("invalid request")
}

// dedupe убирает пустые и повторяющиеся id, а также skip.
func dedupe(ids []string, skip string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == skip {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
