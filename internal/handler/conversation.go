package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/middleware"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/service"
)

type ConversationService interface {
	List(ctx context.Context, userID string) ([]model.ConversationSummary, error)
	Get(ctx context.Context, userID, conversationID string) (*model.ConversationSummary, error)
	Messages(ctx context.Context, userID, conversationID string, before *time.Time, limit int) ([]model.Message, error)
	OpenPrivate(ctx context.Context, userID, otherID string) (*model.ConversationSummary, bool, error)
	CreateGroup(ctx context.Context, userID string, in service.GroupInput) (*model.ConversationSummary, error)
	UpdateGroup(ctx context.Context, userID, conversationID string, in service.GroupUpdate) (*model.ConversationSummary, error)
	AddParticipants(ctx context.Context, userID, conversationID string, userIDs []string) ([]string, error)
	RemoveParticipant(ctx context.Context, userID, conversationID, targetID string) error
	Leave(ctx context.Context, userID, conversationID string) error
}

// ConversationHandler - чаты, группы и сообщения чата поверх HTTP.
type ConversationHandler struct {
	convs ConversationService
	msgs  MessageService
}

func NewConversationHandler(convs ConversationService, msgs MessageService) *ConversationHandler {
	return &ConversationHandler{convs: convs, msgs: msgs}
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.convs.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type openPrivateBody struct {
	ParticipantID string `json:"participant_id"`
}

// OpenPrivate возвращает личный чат с participant_id, создавая его при первом обращении (201).
func (h *ConversationHandler) OpenPrivate(w http.ResponseWriter, r *http.Request) {
	var req openPrivateBody
	if !decodeJSON(w, r, &req) {
		return
	}
	sum, created, err := h.convs.OpenPrivate(r.Context(), middleware.GetUserID(r.Context()), req.ParticipantID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sum)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	sum, err := h.convs.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Messages - история чата: ?limit (по умолчанию 50) и ?before (RFC3339) для подгрузки старых.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeAppError(w, apperr.InvalidState("before must be RFC3339"))
			return
		}
		before = &t
	}
	msgs, err := h.convs.Messages(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), before, queryInt(r, "limit", 0))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req service.SendInput
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ConversationID = chi.URLParam(r, "id")
	msg, err := h.msgs.Send(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type markReadResponse struct {
	MessageIDs []string `json:"message_ids"`
}

func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ids, err := h.msgs.MarkRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, markReadResponse{MessageIDs: ids})
}

type timerBody struct {
	Timer *int64 `json:"timer"`
}

func (h *ConversationHandler) UpdateTimer(w http.ResponseWriter, r *http.Request) {
	var req timerBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Timer == nil {
		writeAppError(w, apperr.InvalidState("timer required"))
		return
	}
	if err := h.msgs.UpdateTimer(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), *req.Timer); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req service.GroupInput
	if !decodeJSON(w, r, &req) {
		return
	}
	sum, err := h.convs.CreateGroup(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (h *ConversationHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req service.GroupUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	sum, err := h.convs.UpdateGroup(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type addParticipantsBody struct {
	UserIDs []string `json:"user_ids"`
}

type addParticipantsResponse struct {
	Added []string `json:"added"`
}

func (h *ConversationHandler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	var req addParticipantsBody
	if !decodeJSON(w, r, &req) {
		return
	}
	added, err := h.convs.AddParticipants(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.UserIDs)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if added == nil {
		added = []string{}
	}
	writeJSON(w, http.StatusOK, addParticipantsResponse{Added: added})
}

func (h *ConversationHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	err := h.convs.RemoveParticipant(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userId"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.convs.Leave(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
