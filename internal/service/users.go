package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage"
)

const searchLimit = 20

type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	UpdateProfile(ctx context.Context, u *model.User) error
	Search(ctx context.Context, query, excludeID string, limit int) ([]model.UserPublic, error)
	AreContacts(ctx context.Context, a, b string) (bool, error)
}

// ProfileInput - частичное обновление профиля: nil-поля не меняются.
type ProfileInput struct {
	Username  *string                `json:"username" validate:"omitempty,min=1,max=50"`
	Bio       *string                `json:"bio" validate:"omitempty,max=500"`
	AvatarURL *string                `json:"avatar_url" validate:"omitempty,max=2048"`
	Privacy   *model.PrivacySettings `json:"privacy"`
	Settings  *model.AppSettings     `json:"settings"`
}

type Users struct {
	users    UserDirectory
	presence storage.PresenceStore
	validate *validator.Validate
	policy   *bluemonday.Policy
	botID    string
}

func NewUsers(users UserDirectory, presence storage.PresenceStore, botID string) *Users {
	return &Users{
		users:    users,
		presence: presence,
		validate: validator.New(),
		policy:   bluemonday.StrictPolicy(),
		botID:    botID,
	}
}

func (s *Users) Me(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, storeErr("users.Me", "user", err)
	}
	return u, nil
}

func (s *Users) Public(ctx context.Context, id string) (*model.UserPublic, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("users.Public", "user", err)
	}
	pub := u.ToPublic()
	return &pub, nil
}

func (s *Users) Bot(ctx context.Context) (*model.UserPublic, error) {
	if s.botID == "" {
		return nil, apperr.NotFound("bot is disabled")
	}
	return s.Public(ctx, s.botID)
}

func (s *Users) Search(ctx context.Context, userID, query string) ([]model.UserPublic, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return []model.UserPublic{}, nil
	}
	if len(q) > 100 {
		q = q[:100]
	}
	list, err := s.users.Search(ctx, q, userID, searchLimit)
	if err != nil {
		return nil, storeErr("users.Search", "user", err)
	}
	if list == nil {
		list = []model.UserPublic{}
	}
	return list, nil
}

// UpdateProfile применяет ProfileInput; текстовые поля очищаются от HTML, настройки проверяются.
func (s *Users) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*model.User, error) {
	defer logger.DeferLogDuration("users.UpdateProfile", time.Now())()
	if in.Username != nil {
		v := plainText(s.policy, *in.Username)
		in.Username = &v
		if v == "" {
			return nil, apperr.InvalidState("username must not be empty")
		}
	}
	if in.Bio != nil {
		v := plainText(s.policy, *in.Bio)
		in.Bio = &v
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, invalidInput(err)
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, storeErr("users.UpdateProfile get", "user", err)
	}
	if in.Username != nil {
		u.Username = *in.Username
	}
	if in.Bio != nil {
		u.Bio = *in.Bio
	}
	if in.AvatarURL != nil {
		u.AvatarURL = strings.TrimSpace(*in.AvatarURL)
	}
	if in.Privacy != nil {
		p := in.Privacy.Normalize()
		if err := p.Validate(); err != nil {
			return nil, apperr.InvalidState(err.Error())
		}
		u.Privacy = p
	}
	if in.Settings != nil {
		st := in.Settings.Normalize()
		if err := st.Validate(); err != nil {
			return nil, apperr.InvalidState(err.Error())
		}
		u.Settings = st
	}
	if err := s.users.UpdateProfile(ctx, u); err != nil {
		return nil, storeErr("users.UpdateProfile", "user", err)
	}
	return u, nil
}

// Status - онлайн из presence, last seen из кеша presence или из users.last_seen_at.
// last seen скрывается согласно privacy.last_seen цели; себе он виден всегда.
func (s *Users) Status(ctx context.Context, viewerID, targetID string) (*model.UserStatus, error) {
	target, err := s.users.GetByID(ctx, targetID)
	if err != nil {
		return nil, storeErr("users.Status", "user", err)
	}
	st := &model.UserStatus{UserID: target.ID}

	online, err := s.presence.IsOnline(ctx, target.ID)
	if err != nil {
		logger.Errorf("users: presence of %s: %v", target.ID, err)
	}
	st.Online = online || target.IsBot

	visible, err := s.lastSeenVisible(ctx, viewerID, target)
	if err != nil {
		return nil, err
	}
	if !visible || st.Online {
		return st, nil
	}
	seen, ok, err := s.presence.LastSeen(ctx, target.ID)
	if err != nil {
		logger.Errorf("users: last seen of %s: %v", target.ID, err)
	}
	if !ok || seen.IsZero() {
		seen = target.LastSeenAt
	}
	if !seen.IsZero() {
		st.LastSeen = &seen
	}
	return st, nil
}

func (s *Users) lastSeenVisible(ctx context.Context, viewerID string, target *model.User) (bool, error) {
	if viewerID == target.ID {
		return true, nil
	}
	switch target.Privacy.Normalize().LastSeen {
	case model.VisibilityNobody:
		return false, nil
	case model.VisibilityContacts:
		ok, err := s.users.AreContacts(ctx, viewerID, target.ID)
		if err != nil {
			return false, storeErr("users.Status contacts", "user", err)
		}
		return ok, nil
	default:
		return true, nil
	}
}
