package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)
		r.Get("/status", s.getSessionStatus)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)

			r.Get("/message", s.getMessages)
			r.Post("/prompt", s.sendPrompt)
			r.Post("/interrupt", s.interruptSession)
			r.Get("/pending", s.getPending)
		})
	})

	// Decisions
	r.Post("/permission/{requestID}", s.respondPermission)
	r.Post("/question/{requestID}", s.respondQuestion)

	r.Get("/config", s.getConfig)

	// Notifications
	r.Get("/event", s.allEvents)
	r.Get("/ws", s.serveWebsocket)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
}
