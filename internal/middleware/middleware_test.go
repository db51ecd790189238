package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/internal/auth"
)

func echoUser(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetUserID(r.Context())))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthenticate(t *testing.T) {
	issuer := auth.NewIssuer("test-secret-0123456789abcdef0123456789", time.Hour)
	token, _, err := issuer.Issue("u-42")
	require.NoError(t, err)
	h := Authenticate(issuer)(http.HandlerFunc(echoUser))

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-42", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-42", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeError(t, rec)["code"])

	other := auth.NewIssuer("another-secret-0123456789abcdef01234567", time.Hour)
	forged, _, err := other.Issue("u-42")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalOnly(t *testing.T) {
	h := InternalOnly("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		remote string
		header map[string]string
		want   int
	}{
		{"loopback", "127.0.0.1:5000", nil, http.StatusNoContent},
		{"private", "10.1.2.3:5000", nil, http.StatusNoContent},
		{"public", "203.0.113.7:5000", nil, http.StatusForbidden},
		{"public with secret", "203.0.113.7:5000", map[string]string{"X-Internal-Secret": "s3cret"}, http.StatusNoContent},
		{"public with wrong secret", "203.0.113.7:5000", map[string]string{"X-Internal-Secret": "nope"}, http.StatusForbidden},
		{"forwarded public", "127.0.0.1:5000", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	call := func(remote, user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
		req.RemoteAddr = remote
		if user != "" {
			req = req.WithContext(WithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 4; i++ {
		assert.Equal(t, http.StatusOK, call("192.0.2.1:1000", ""))
	}
	assert.Equal(t, http.StatusTooManyRequests, call("192.0.2.1:1000", ""))
	assert.Equal(t, http.StatusOK, call("192.0.2.2:1000", ""), "other IPs are unaffected")

	assert.Equal(t, http.StatusOK, call("192.0.2.3:1000", "u1"))
	assert.Equal(t, http.StatusOK, call("192.0.2.4:1000", "u1"))
	assert.Equal(t, http.StatusTooManyRequests, call("192.0.2.5:1000", "u1"), "per-user budget is half")
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("k"))
	assert.False(t, rl.allow("k"))
	now = now.Add(61 * time.Second)
	assert.True(t, rl.allow("k"))

	now = now.Add(2 * time.Minute)
	rl.prune()
	assert.Empty(t, rl.visitors)
}

func TestRecoverJSON(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeError(t, rec)["code"])

	partial := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rec = httptest.NewRecorder()
	partial.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestObserveUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Observe)
	var seen string
	r.Get("/api/users/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		seen = routePattern(req)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/123", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "/api/users/{id}", seen)
}
