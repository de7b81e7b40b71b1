package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/persona-chat/internal/middleware"
	"github.com/capitalize-ai/persona-chat/internal/service"
	"github.com/capitalize-ai/persona-chat/pkg/logger"
)

// Deps wires the router.
type Deps struct {
	Directory     *service.Directory
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Issuer        *middleware.Issuer
	Logger        *logger.Logger

	// RateLimitRequests per RateLimitWindow per user; zero disables limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the development backend's routes.
func NewRouter(d Deps) http.Handler {
	log := logger.OrGlobal(d.Logger)

	healthHandler := NewHealthHandler(d.Messages)
	authHandler := NewAuthHandler(d.Directory, d.Issuer, log)
	personaHandler := NewPersonaHandler(d.Directory)
	conversationHandler := NewConversationHandler(d.Conversations, d.Directory, log)
	messageHandler := NewMessageHandler(d.Messages, log)
	streamHandler := NewStreamHandler(d.Messages, d.Directory, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/login", authHandler.Login)
	r.Post("/auth/refresh", authHandler.Refresh)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(d.Issuer))
		if d.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(d.RateLimitRequests, d.RateLimitWindow))
		}

		r.Get("/auth/me", authHandler.Me)
		r.Post("/auth/logout", authHandler.Logout)

		r.Get("/personas", personaHandler.List)
		r.Get("/personas/{personaID}", personaHandler.Get)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/persona/{personaID}", conversationHandler.ByPersona)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Use(conversationHandler.Load)

				r.Post("/messages", messageHandler.Send)
				r.Get("/messages/recent", messageHandler.Recent)
				r.Get("/messages/older", messageHandler.Older)
				r.Get("/messages/search", messageHandler.Search)
				r.Get("/messages/count", messageHandler.Count)
				r.With(middleware.RequireAdmin).Delete("/messages/{messageID}", messageHandler.Delete)
				r.Get("/messages/{messageID}/attachments", messageHandler.Attachments)

				r.Post("/reply", streamHandler.Reply)
			})
		})
	})

	return r
}
