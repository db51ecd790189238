package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/internal/event"
	"github.com/whisper/internal/middleware"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/service"
)

// MessageService - те же операции, что и у WebSocket (service.Messaging), с теми же правами.
type MessageService interface {
	Send(ctx context.Context, senderID string, in service.SendInput) (*model.Message, error)
	Edit(ctx context.Context, userID, messageID, content string) (*event.MessageEditedPayload, error)
	Delete(ctx context.Context, userID, messageID string) error
	React(ctx context.Context, userID, messageID, emoji string) (*event.ReactionPayload, error)
	MarkRead(ctx context.Context, userID, conversationID string) ([]string, error)
	UpdateTimer(ctx context.Context, userID, conversationID string, timerMs int64) error
}

type MessageHandler struct {
	msgs MessageService
}

func NewMessageHandler(msgs MessageService) *MessageHandler {
	return &MessageHandler{msgs: msgs}
}

type editBody struct {
	Content string `json:"content"`
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editBody
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.msgs.Edit(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.msgs.Delete(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reactBody struct {
	Emoji string `json:"emoji"`
}

func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	var req reactBody
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.msgs.React(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.Emoji)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
