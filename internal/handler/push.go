package handler

import (
	"net/http"

	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/middleware"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/storage"
)

// PushHandler хранит Web Push подписки текущего пользователя.
type PushHandler struct {
	subs storage.PushSubscriptionStore
}

func NewPushHandler(subs storage.PushSubscriptionStore) *PushHandler {
	return &PushHandler{subs: subs}
}

// SubscribeRequest - subscription из PushManager.subscribe().
type SubscribeRequest struct {
	Subscription model.PushSubscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Subscription.Valid() {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.subs.AddPushSubscription(r.Context(), userID, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s: %v", userID, err)
		writeError(w, http.StatusServiceUnavailable, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.subs.RemovePushSubscription(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusServiceUnavailable, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
