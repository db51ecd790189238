package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
)

// Observe логирует каждый HTTP-запрос (method, маршрут, время) и пишет метрики запросов.
// Маршрут берётся из шаблона chi, чтобы id в пути не раздували кардинальность.
func Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)

		route := routePattern(r)
		elapsed := time.Since(start)
		logger.LogDuration("http "+r.Method+" "+route+" "+strconv.Itoa(rw.status), start)
		metrics.HTTPRequests().WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPLatency().WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
