package handler

import (
	"context"
	"net/http"

	"github.com/whisper/internal/middleware"
	"github.com/whisper/internal/model"
)

const (
	defaultCallHistory = 50
	maxCallHistory     = 100
)

// CallHistory - repository.CallRepository.
type CallHistory interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]model.Call, error)
}

type CallHandler struct {
	calls CallHistory
}

func NewCallHandler(calls CallHistory) *CallHandler {
	return &CallHandler{calls: calls}
}

// History - звонки, где пользователь звонил или принимал, новые первыми.
func (h *CallHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultCallHistory)
	if limit <= 0 || limit > maxCallHistory {
		limit = defaultCallHistory
	}
	calls, err := h.calls.ListForUser(r.Context(), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load calls")
		return
	}
	writeJSON(w, http.StatusOK, calls)
}
