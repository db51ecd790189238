package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/logger"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAppError переводит apperr в HTTP-статус; детали Transient клиенту не уходят.
func writeAppError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), errorResponse{Error: apperr.Message(err), Code: apperr.Code(err)})
}

// decodeJSON читает тело запроса (не больше maxBodyBytes) в v. Пустое тело - ошибка.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeAppError(w, apperr.InvalidState("request body required"))
			return false
		}
		writeAppError(w, apperr.InvalidState("invalid body"))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
