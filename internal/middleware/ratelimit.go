package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/whisper/internal/apperr"
)

const rateLimitWindow = time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter - token bucket на ключ: perWindow запросов за window, всплеск до perWindow.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

func newRateLimiter(perWindow int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(window / time.Duration(perWindow)),
		burst:    perWindow,
		idle:     window,
		now:      time.Now,
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// prune удаляет ключи, простаивавшие дольше окна: их корзина к этому моменту снова полная.
func (r *rateLimiter) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idle)
	for key, v := range r.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(r.visitors, key)
		}
	}
}

// RateLimit ограничивает запросы: perMinute на IP и половину от этого на пользователя (если он уже известен).
// perMinute <= 0 отключает ограничение.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	perUser := perMinute / 2
	if perUser < 1 {
		perUser = 1
	}
	byIP := newRateLimiter(perMinute, rateLimitWindow)
	byUser := newRateLimiter(perUser, rateLimitWindow)
	var requests int
	var mu sync.Mutex

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			requests++
			if requests%1000 == 0 {
				byIP.prune()
				byUser.prune()
			}
			mu.Unlock()

			if !byIP.allow(clientIP(r)) {
				writeError(w, apperr.RateLimited("too many requests"))
				return
			}
			if userID := GetUserID(r.Context()); userID != "" && !byUser.allow("u:"+userID) {
				writeError(w, apperr.RateLimited("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
