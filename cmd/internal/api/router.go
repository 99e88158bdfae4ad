package api

import (
	"github.com/go-chi/chi/v5"
)

// Routes mounts the session resource on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Post("/sweep", h.Sweep)
		r.Get("/{id}", h.Get)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/credential", h.Credential)
		if h.history != nil {
			r.Get("/{id}/history", h.History)
		}
	})
}

// NewRouter returns a chi router serving only the session resource.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}
