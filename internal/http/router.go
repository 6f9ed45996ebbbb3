package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"conversation-stream-coordinator/internal/app"
	"conversation-stream-coordinator/internal/schema"
	"conversation-stream-coordinator/internal/service/session"
)

// NewRouter constructs the HTTP router for the session state API.
func NewRouter(application *app.Application, registry *session.Registry, validator *schema.Validator) http.Handler {
	h := &handlers{registry: registry, validator: validator}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/schemas", h.schemas)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.listSessions)
			r.Post("/", h.createSession)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.Get("/", h.getSession)
				r.Delete("/", h.deleteSession)
				r.Post("/clear", h.clearSession)
				r.Get("/messages", h.messages)
				r.Get("/items", h.items)
				r.Get("/timings", h.timings)
				r.Get("/timings/{messageId}", h.messageTimings)
				r.Get("/commits", h.commits)
				r.Post("/commits", h.commitAudio)
				r.Post("/commits/items/{itemId}/resolve", h.resolveItem)
				r.Put("/commits/{commitNumber}/transcript", h.setTranscriptComplete)
			})
		})
	})

	return r
}
