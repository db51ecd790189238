package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/whisper/internal/middleware"
)

// Handlers - все HTTP-обработчики API. Nil-поля не регистрируются.
type Handlers struct {
	Auth          *AuthHandler
	Users         *UserHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Calls         *CallHandler
	Push          *PushHandler
	Config        *ConfigHandler
	WS            *WSHandler
}

type RouterOptions struct {
	Tokens             middleware.TokenParser
	AllowedOrigins     string
	InternalSecret     string
	RateLimitPerMinute int
	Metrics            http.Handler
	Health             http.HandlerFunc
}

// compressExceptWS - gzip для API. Upgrade-запросы идут мимо: иначе writer не реализует http.Hijacker.
func compressExceptWS(next http.Handler) http.Handler {
	compressed := chimw.Compress(5)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// NewRouter собирает chi-роутер API: публичные /health и /api/auth, /metrics только изнутри,
// остальное за JWT.
func NewRouter(h Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(compressExceptWS)
	r.Use(middleware.Observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(opts.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := opts.Health
	if health == nil {
		health = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}
	}
	r.Get("/health", health)
	if opts.Metrics != nil {
		r.With(middleware.InternalOnly(opts.InternalSecret)).Handle("/metrics", opts.Metrics)
	}

	if h.Config != nil {
		r.Get("/api/config/push", h.Config.GetPushConfig)
		r.Get("/api/config/call", h.Config.GetCallConfig)
	}

	if h.Auth != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(opts.RateLimitPerMinute))
			r.Post("/api/auth/request-code", h.Auth.RequestCode)
			r.Post("/api/auth/verify-code", h.Auth.VerifyCode)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(opts.Tokens))
		if h.Users != nil {
			r.Get("/api/users/me", h.Users.GetProfile)
			r.Put("/api/users/me", h.Users.UpdateProfile)
			r.Get("/api/users/search", h.Users.Search)
			r.Get("/api/users/bot", h.Users.GetBot)
			r.Get("/api/users/{id}", h.Users.GetUser)
			r.Get("/api/users/{id}/status", h.Users.GetStatus)
		}
		if h.Conversations != nil {
			c := h.Conversations
			r.Get("/api/conversations", c.List)
			r.Post("/api/conversations", c.OpenPrivate)
			r.Get("/api/conversations/{id}", c.Get)
			r.Get("/api/conversations/{id}/messages", c.Messages)
			r.Post("/api/conversations/{id}/messages", c.SendMessage)
			r.Post("/api/conversations/{id}/read", c.MarkRead)
			r.Put("/api/conversations/{id}/timer", c.UpdateTimer)
			r.Post("/api/groups", c.CreateGroup)
			r.Get("/api/groups/{id}", c.Get)
			r.Put("/api/groups/{id}", c.UpdateGroup)
			r.Post("/api/groups/{id}/participants", c.AddParticipants)
			r.Delete("/api/groups/{id}/participants/{userId}", c.RemoveParticipant)
			r.Post("/api/groups/{id}/leave", c.Leave)
		}
		if h.Messages != nil {
			r.Put("/api/messages/{id}", h.Messages.Edit)
			r.Delete("/api/messages/{id}", h.Messages.Delete)
			r.Post("/api/messages/{id}/reactions", h.Messages.React)
		}
		if h.Calls != nil {
			r.Get("/api/calls", h.Calls.History)
		}
		if h.Push != nil {
			r.Post("/api/push/subscribe", h.Push.Subscribe)
			r.Delete("/api/push/subscribe", h.Push.Unsubscribe)
		}
		if h.WS != nil {
			r.Get("/ws", h.WS.ServeWS)
		}
	})
	return r
}
