package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/service"
)

// Messenger - операции над сообщениями (service.Messaging).
type Messenger interface {
	CanJoin(ctx context.Context, userID, conversationID string) error
	Send(ctx context.Context, senderID string, in service.SendInput) (*model.Message, error)
	Edit(ctx context.Context, userID, messageID, content string) (*event.MessageEditedPayload, error)
	Delete(ctx context.Context, userID, messageID string) error
	React(ctx context.Context, userID, messageID, emoji string) (*event.ReactionPayload, error)
	MarkRead(ctx context.Context, userID, conversationID string) ([]string, error)
	UpdateTimer(ctx context.Context, userID, conversationID string, timerMs int64) error
	Typing(ctx context.Context, userID, conversationID string) error
}

// Caller - сигнализация звонков (callserver.Relay).
type Caller interface {
	Initiate(ctx context.Context, callerID, receiverID string, callType model.CallType, offer json.RawMessage) (*model.Call, error)
	Accept(ctx context.Context, userID, callID string, answer json.RawMessage) (*model.Call, error)
	Reject(ctx context.Context, userID, callID string) (*model.Call, error)
	End(ctx context.Context, userID, callID string) (*model.Call, error)
	ICECandidate(ctx context.Context, senderID, receiverID, callID string, candidate json.RawMessage) error
}

// handleTimeout ограничивает обработку одного входящего сообщения.
const handleTimeout = 5 * time.Second

// Router разбирает входящие сообщения по типу. Ошибка уходит только в сессию-инициатор:
// call_error для звонков, error для остального.
type Router struct {
	hub   *Hub
	msgs  Messenger
	calls Caller
}

func NewRouter(hub *Hub, msgs Messenger, calls Caller) *Router {
	return &Router{hub: hub, msgs: msgs, calls: calls}
}

func (r *Router) Handle(ctx context.Context, c *Client, msg IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case InJoinConversation:
		err = r.handleJoin(ctx, c, msg)
	case InLeaveConversation:
		r.hub.Leave(c, msg.ConversationID)
	case InSendMessage:
		err = r.handleSend(ctx, c, msg)
	case InEditMessage:
		_, err = r.msgs.Edit(ctx, c.userID, msg.MessageID, msg.Content)
	case InDeleteMessage:
		err = r.msgs.Delete(ctx, c.userID, msg.MessageID)
	case InReactMessage:
		_, err = r.msgs.React(ctx, c.userID, msg.MessageID, msg.Emoji)
	case InMarkRead:
		_, err = r.msgs.MarkRead(ctx, c.userID, msg.ConversationID)
	case InUpdateTimer:
		err = r.handleTimer(ctx, c, msg)
	case InTyping:
		err = r.msgs.Typing(ctx, c.userID, msg.ConversationID)
	case InCallInitiate:
		_, err = r.calls.Initiate(ctx, c.userID, msg.ReceiverID, msg.CallType, msg.Offer)
	case InCallAccept:
		_, err = r.calls.Accept(ctx, c.userID, msg.CallID, msg.Answer)
	case InCallReject:
		_, err = r.calls.Reject(ctx, c.userID, msg.CallID)
	case InCallEnd:
		_, err = r.calls.End(ctx, c.userID, msg.CallID)
	case InICECandidate:
		err = r.calls.ICECandidate(ctx, c.userID, msg.ReceiverID, msg.CallID, msg.Candidate)
	default:
		err = apperr.InvalidState("unknown message type")
	}
	if err != nil {
		r.reject(c, msg, err)
	}
}

func (r *Router) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	if msg.ConversationID == "" {
		return apperr.InvalidState("conversation_id required")
	}
	if err := r.msgs.CanJoin(ctx, c.userID, msg.ConversationID); err != nil {
		return err
	}
	r.hub.Join(c, msg.ConversationID)
	r.hub.SendTo(c, event.Event{Type: event.Joined, Payload: event.JoinedPayload{ConversationID: msg.ConversationID}})
	return nil
}

func (r *Router) handleSend(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	_, err := r.msgs.Send(ctx, c.userID, service.SendInput{
		ConversationID:  msg.ConversationID,
		Content:         msg.Content,
		Type:            msg.MessageType,
		MediaURL:        msg.MediaURL,
		MediaType:       msg.MediaType,
		ThumbnailURL:    msg.ThumbnailURL,
		FileName:        msg.FileName,
		FileSize:        msg.FileSize,
		ReplyToID:       msg.ReplyToID,
		ForwardedFromID: msg.ForwardedFromID,
	})
	return err
}

func (r *Router) handleTimer(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleTimer", time.Now())()
	if msg.Timer == nil {
		return apperr.InvalidState("timer required")
	}
	return r.msgs.UpdateTimer(ctx, c.userID, msg.ConversationID, *msg.Timer)
}

func (r *Router) reject(c *Client, msg IncomingMessage, err error) {
	if apperr.Code(err) == "internal" {
		logger.Errorf("ws %s user=%s: %v", msg.Type, c.userID, err)
	} else {
		logger.Debugf("ws %s user=%s rejected: %v", msg.Type, c.userID, err)
	}
	ev := errorEvent(msg.Type, apperr.Code(err), apperr.Message(err))
	if strings.HasPrefix(msg.Type, "call_") || msg.Type == InICECandidate {
		ev.Type = event.CallError
	}
	r.hub.SendTo(c, ev)
}
