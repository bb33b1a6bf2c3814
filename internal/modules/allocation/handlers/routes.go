package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all allocation routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/allocation", func(r chi.Router) {
		r.Get("/status", h.HandleGetStatus)
		r.Get("/weights", h.HandleGetWeights)
		r.Get("/signals", h.HandleGetSignals)
		r.Post("/signals", h.HandleSubmitSignals)
		r.Post("/cycle", h.HandleRunCycle)
		r.Get("/last-cycle", h.HandleGetLastCycle)
	})
}
