package model

import "time"

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// MaxMessageTimer - верхняя граница таймера исчезающих сообщений.
const MaxMessageTimer = int64(30 * 24 * time.Hour / time.Millisecond)

type Conversation struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	IconURL     string           `json:"icon_url,omitempty"`
	// MessageTimer в миллисекундах; 0 - исчезающие сообщения выключены.
	MessageTimer int64     `json:"message_timer"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExpiryFor возвращает expires_at для сообщения, отправленного в sentAt, или nil при выключенном таймере.
func (c *Conversation) ExpiryFor(sentAt time.Time) *time.Time {
	if c.MessageTimer <= 0 {
		return nil
	}
	t := sentAt.Add(time.Duration(c.MessageTimer) * time.Millisecond)
	return &t
}

// PairKey - ключ уникальности личного чата для неупорядоченной пары пользователей.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}

type ParticipantView struct {
	UserPublic
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type ConversationSummary struct {
	Conversation
	Participants []ParticipantView `json:"participants"`
	LastMessage  *Message          `json:"last_message,omitempty"`
	UnreadCount  int               `json:"unread_count"`
}
