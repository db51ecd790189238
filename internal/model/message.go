package model

import "time"

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageCall     MessageType = "call"
	MessageSystem   MessageType = "system"
)

// Valid reports whether t may be sent by a client. System messages are server-only.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageDocument,
		MessageSticker, MessageLocation, MessageCall:
		return true
	}
	return false
}

// HasMedia reports whether the type carries a media reference.
func (t MessageType) HasMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageDocument, MessageSticker:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// DeletedTombstone replaces the content of a deleted message.
const DeletedTombstone = "This message was deleted"

type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Message struct {
	ID              string            `json:"id"`
	ConversationID  string            `json:"conversation_id"`
	SenderID        string            `json:"sender_id"`
	Content         string            `json:"content"`
	Type            MessageType       `json:"type"`
	Status          MessageStatus     `json:"status"`
	ReadBy          []ReadReceipt     `json:"read_by"`
	Reactions       map[string]string `json:"reactions"`
	MediaURL        string            `json:"media_url,omitempty"`
	MediaType       string            `json:"media_type,omitempty"`
	ThumbnailURL    string            `json:"thumbnail_url,omitempty"`
	FileName        string            `json:"file_name,omitempty"`
	FileSize        int64             `json:"file_size,omitempty"`
	ReplyToID       *string           `json:"reply_to_id,omitempty"`
	ForwardedFromID *string           `json:"forwarded_from_id,omitempty"`
	IsDeleted       bool              `json:"is_deleted"`
	EditedAt        *time.Time        `json:"edited_at,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Sender          *UserPublic       `json:"sender,omitempty"`
	ReplyTo         *MessagePreview   `json:"reply_to,omitempty"`
}

// MessagePreview is the reply-to excerpt attached to hydrated messages.
type MessagePreview struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	IsDeleted bool        `json:"is_deleted"`
	Sender    *UserPublic `json:"sender,omitempty"`
}

func (m *Message) Preview() *MessagePreview {
	return &MessagePreview{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		IsDeleted: m.IsDeleted,
		Sender:    m.Sender,
	}
}

func (m *Message) IsReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MarkReadBy appends a receipt unless userID already has one. Reports whether it changed.
func (m *Message) MarkReadBy(userID string, at time.Time) bool {
	if m.SenderID == userID || m.IsReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	return true
}

// ToggleReaction removes the user's reaction when it equals emoji and sets it otherwise.
// Returns the resulting reaction, empty when removed.
func (m *Message) ToggleReaction(userID, emoji string) string {
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	if m.Reactions[userID] == emoji {
		delete(m.Reactions, userID)
		return ""
	}
	m.Reactions[userID] = emoji
	return emoji
}

// Tombstone turns m into a deleted placeholder.
func (m *Message) Tombstone() {
	m.IsDeleted = true
	m.Content = DeletedTombstone
	m.MediaURL = ""
	m.MediaType = ""
	m.ThumbnailURL = ""
	m.FileName = ""
	m.FileSize = 0
}

// Expired reports whether m has passed its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// ExpiredMessage identifies a message removed by the sweeper.
type ExpiredMessage struct {
	ID             string
	ConversationID string
}
