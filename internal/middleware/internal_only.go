package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/whisper/internal/apperr"
)

// InternalOnly пропускает запрос только с приватных/loopback IP или с заголовком X-Internal-Secret == secret.
// Используется для /metrics: наружу он не экспонируется.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if ip := clientIP(r); ip != "" && isPrivateIP(ip) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, apperr.Forbidden("internal endpoint"))
		})
	}
}

// clientIP - X-Real-Ip, первый адрес X-Forwarded-For или RemoteAddr.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx > 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
