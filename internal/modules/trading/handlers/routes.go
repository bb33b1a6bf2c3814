package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all trading routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/trading", func(r chi.Router) {
		r.Get("/targets", h.HandleGetTargets)
		r.Get("/last-execution", h.HandleGetLastExecution)
	})
}
