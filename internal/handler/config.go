package handler

import (
	"net/http"

	"github.com/whisper/internal/config"
)

// ConfigHandler отдаёт клиенту публичные параметры: ICE-серверы и VAPID-ключ.
type ConfigHandler struct {
	iceServers     []config.IceServer
	vapidPublicKey string
}

// NewConfigHandler создаёт обработчик. Пустой vapidPublicKey означает, что push выключены.
func NewConfigHandler(iceServers []config.IceServer, vapidPublicKey string) *ConfigHandler {
	return &ConfigHandler{iceServers: iceServers, vapidPublicKey: vapidPublicKey}
}

func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPublicKey,
	})
}

func (h *ConfigHandler) GetCallConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ice_servers": h.iceServers,
	})
}
