package ws

import (
	"encoding/json"

	"github.com/whisper/internal/event"
	"github.com/whisper/internal/model"
)

// Входящие события клиента.
const (
	InJoinConversation  = "join_conversation"
	InLeaveConversation = "leave_conversation"
	InSendMessage       = "send_message"
	InEditMessage       = "edit_message"
	InDeleteMessage     = "delete_message"
	InReactMessage      = "react_message"
	InMarkRead          = "mark_read"
	InUpdateTimer       = "update_disappearing_timer"
	InTyping            = "typing"

	InCallInitiate = "call_initiate"
	InCallAccept   = "call_accept"
	InCallReject   = "call_reject"
	InCallEnd      = "call_end"
	InICECandidate = "ice_candidate"
)

// IncomingMessage - то, что присылает клиент. Поля плоские, используются в зависимости от Type.
type IncomingMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`

	// Медиа
	MessageType  model.MessageType `json:"message_type,omitempty"`
	MediaURL     string            `json:"media_url,omitempty"`
	MediaType    string            `json:"media_type,omitempty"`
	ThumbnailURL string            `json:"thumbnail_url,omitempty"`
	FileName     string            `json:"file_name,omitempty"`
	FileSize     int64             `json:"file_size,omitempty"`

	ReplyToID       string `json:"reply_to_id,omitempty"`
	ForwardedFromID string `json:"forwarded_from_id,omitempty"`

	// edit/delete/react
	MessageID string `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	// Таймер исчезающих сообщений, мс
	Timer *int64 `json:"timer,omitempty"`

	// Звонки
	CallID     string          `json:"call_id,omitempty"`
	ReceiverID string          `json:"receiver_id,omitempty"`
	CallType   model.CallType  `json:"call_type,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

func errorEvent(in, code, message string) event.Event {
	return event.Event{Type: event.Error, Payload: event.ErrorPayload{Event: in, Code: code, Message: message}}
}
