// Package event defines the server -> client realtime events and their payloads.
package event

import (
	"encoding/json"
	"time"

	"github.com/whisper/internal/model"
)

type Type string

const (
	NewMessage          Type = "new_message"
	MessageEdited       Type = "message_edited"
	MessageDeleted      Type = "message_deleted"
	MessageReaction     Type = "message_reaction"
	MessagesRead        Type = "messages_read"
	TimerUpdated        Type = "timer_updated"
	Typing              Type = "typing"
	Joined              Type = "joined_conversation"
	UserOnline          Type = "user_online"
	UserOffline         Type = "user_offline"
	ConversationCreated Type = "conversation_created"
	ConversationUpdated Type = "conversation_updated"
	ParticipantAdded    Type = "participant_added"
	ParticipantRemoved  Type = "participant_removed"

	IncomingCall  Type = "incoming_call"
	CallInitiated Type = "call_initiated"
	CallAccepted  Type = "call_accepted"
	CallRejected  Type = "call_rejected"
	CallEnded     Type = "call_ended"
	CallFailed    Type = "call_failed"
	ICECandidate  Type = "ice_candidate"
	CallError     Type = "call_error"

	Error Type = "error"
)

// Event is what the server sends to a client.
// Payload uses typed structs; events relayed from other nodes carry json.RawMessage.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

type MessageEditedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Expired        bool   `json:"expired,omitempty"`
}

// ReactionPayload carries the resulting reaction; Emoji is empty when it was removed.
type ReactionPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageIDs     []string  `json:"message_ids"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

type TimerUpdatedPayload struct {
	ConversationID string `json:"conversation_id"`
	Timer          int64  `json:"timer"`
	UpdatedBy      string `json:"updated_by"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type JoinedPayload struct {
	ConversationID string `json:"conversation_id"`
}

type UserStatusPayload struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type ParticipantPayload struct {
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Username       string            `json:"username,omitempty"`
	Role           model.Role        `json:"role,omitempty"`
	ActorID        string            `json:"actor_id,omitempty"`
	IsLeave        bool              `json:"is_leave,omitempty"`
	Participant    *model.UserPublic `json:"participant,omitempty"`
}

type IncomingCallPayload struct {
	CallID string           `json:"call_id"`
	Caller model.UserPublic `json:"caller"`
	Type   model.CallType   `json:"type"`
	Offer  json.RawMessage  `json:"offer,omitempty"`
}

type CallPayload struct {
	CallID   string          `json:"call_id"`
	Answer   json.RawMessage `json:"answer,omitempty"`
	Duration int             `json:"duration,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type ICECandidatePayload struct {
	CallID    string          `json:"call_id,omitempty"`
	SenderID  string          `json:"sender_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
