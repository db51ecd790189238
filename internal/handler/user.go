package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/internal/middleware"
	"github.com/whisper/internal/model"
	"github.com/whisper/internal/service"
)

type UserService interface {
	Me(ctx context.Context, userID string) (*model.User, error)
	Public(ctx context.Context, id string) (*model.UserPublic, error)
	Bot(ctx context.Context) (*model.UserPublic, error)
	Search(ctx context.Context, userID, query string) ([]model.UserPublic, error)
	UpdateProfile(ctx context.Context, userID string, in service.ProfileInput) (*model.User, error)
	Status(ctx context.Context, viewerID, targetID string) (*model.UserStatus, error)
}

type UserHandler struct {
	users UserService
}

func NewUserHandler(users UserService) *UserHandler {
	return &UserHandler{users: users}
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Me(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req service.ProfileInput
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.users.UpdateProfile(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.Search(r.Context(), middleware.GetUserID(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Public(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := h.users.Bot(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (h *UserHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.users.Status(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
