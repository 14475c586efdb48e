// Package api serves the read-only HTTP query surface and push token registration.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mqy/minichat/relay"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(core *relay.Core) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(chimw.Recoverer)

	// Any origin, like the websocket endpoint.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	h := NewHandler(core)

	r.Get("/healthz", h.Health)

	r.Route("/Chat", func(r chi.Router) {
		r.Get("/getChatMessages", h.GetChatMessages)
		r.Get("/GetUnReadMessagesCountForEvent", h.GetUnReadMessagesCountForEvent)
		r.Get("/GetMyConversations", h.GetMyConversations)
		r.Get("/GetMessagesSince", h.GetMessagesSince)
	})
	r.Post("/Push/RegisterToken", h.RegisterToken)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}
