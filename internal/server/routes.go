package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.getHealth)
		r.Get("/status", s.getStatus)
		r.Get("/models", s.getModels)
		r.Post("/chat", s.postChat)

		// Session introspection
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Get("/{sessionID}", s.getSession)
			r.Post("/{sessionID}/cancel", s.cancelSession)
		})
	})

	// WebSocket endpoint for the web panel
	r.Get("/ws", s.handleWS)
}
