// Package server is the HTTP front end. Session state lives in a signed
// cookie; everything else is delegated to chat.Service.
package server

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/chatbot/internal/chat"
	"github.com/comigor/chatbot/internal/config"
	"github.com/comigor/chatbot/internal/history"
	"github.com/comigor/chatbot/internal/logger"
	"github.com/comigor/chatbot/internal/metrics"
)

const conversationKey = "conversation_id"

// Conversations is the lookup side of the conversation store, plus the
// listing and deletion behind server.admin_api.
type Conversations interface {
	ListConversations(ctx context.Context) ([]history.Conversation, error)
	GetConversation(ctx context.Context, id string) (history.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]history.Message, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Server holds the HTTP handlers.
type Server struct {
	svc            *chat.Service
	conversations  Conversations
	cookies        sessions.Store
	cookieName     string
	allowedOrigins []string
	adminAPI       bool
}

// New creates a Server with a cookie session store built from cfg.Session.
func New(cfg config.Config, svc *chat.Service, conversations Conversations) *Server {
	store := sessions.NewCookieStore([]byte(cfg.Session.Secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cfg.Session.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Session.Secure,
		SameSite: http.SameSiteLaxMode,
	}

	name := cfg.Session.CookieName
	if name == "" {
		name = "chatbot"
	}

	return &Server{
		svc:            svc,
		conversations:  conversations,
		cookies:        store,
		cookieName:     name,
		allowedOrigins: cfg.Server.AllowedOrigins,
		adminAPI:       cfg.Server.AdminAPI,
	}
}

// Router returns the HTTP handler with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	// cors treats an empty origin list as "allow all", so only mount it
	// when origins are configured.
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
			AllowCredentials: !slices.Contains(s.allowedOrigins, "*"),
			MaxAge:           300,
		}))
	}

	r.Get("/", s.handleView)
	r.Post("/", s.handleSubmit)
	r.Delete("/", s.handleReset)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/{id}/messages", s.handleListMessages)
		if s.adminAPI {
			r.Get("/", s.handleListConversations)
			r.Delete("/{id}", s.handleDeleteConversation)
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)

		metrics.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		logger.L.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
