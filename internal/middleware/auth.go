package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/auth"
)

// TokenParser - auth.Issuer.
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// Authenticate проверяет JWT из "Authorization: Bearer" или, для WebSocket, из ?token=.
// Без валидного токена отвечает 401 до вызова обработчика.
func Authenticate(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			claims, err := tokens.Parse(token)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.UserID)))
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": apperr.Message(err),
		"code":  apperr.Code(err),
	})
}
