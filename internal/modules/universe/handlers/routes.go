package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all universe routes
func (h *UniverseHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/universe", func(r chi.Router) {
		r.Route("/securities", func(r chi.Router) {
			r.Get("/", h.HandleGetSecurities)
			r.Post("/", h.HandleAddSecurity)
			r.Delete("/{symbol}", func(w http.ResponseWriter, r *http.Request) {
				h.HandleRemoveSecurity(w, r, chi.URLParam(r, "symbol"))
			})
		})
	})
}
