package handler

import (
	"context"
	"net/http"

	"github.com/whisper/internal/service"
)

type AuthService interface {
	RequestCode(ctx context.Context, phone string) (string, error)
	VerifyCode(ctx context.Context, in service.VerifyInput) (*service.AuthResult, error)
}

type AuthHandler struct {
	auth AuthService
}

func NewAuthHandler(auth AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type requestCodeBody struct {
	Phone string `json:"phone"`
}

type requestCodeResponse struct {
	Sent bool `json:"sent"`
	// Code - только в режиме разработки.
	Code string `json:"code,omitempty"`
}

func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeBody
	if !decodeJSON(w, r, &req) {
		return
	}
	code, err := h.auth.RequestCode(r.Context(), req.Phone)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestCodeResponse{Sent: true, Code: code})
}

func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyInput
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.auth.VerifyCode(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
