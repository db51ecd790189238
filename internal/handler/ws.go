package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/middleware"
	"github.com/whisper/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	limits         ws.Limits
	allowedOrigins string
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins - как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, limits ws.Limits, allowedOrigins string) *WSHandler {
	h := &WSHandler{hub: hub, limits: limits, allowedOrigins: strings.TrimSpace(allowedOrigins)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS поднимает сессию. Аутентификация проверяется до upgrade: без токена клиент получает 401.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeAppError(w, apperr.Unauthenticated("missing token"))
		return
	}
	if !h.checkOrigin(r) {
		writeAppError(w, apperr.Forbidden("origin not allowed"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade user=%s: %v", userID, err)
		return
	}

	// Сессия живёт дольше запроса: контекст не наследуется от r.Context().
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID, h.limits)
	client.Start(ctx, cancel)
	h.hub.Register(client)
	logger.Debugf("ws connected user=%s session=%s", userID, client.SessionID())
}
