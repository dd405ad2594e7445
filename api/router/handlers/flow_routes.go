package handlers

import (
	"flowproxy/core"

	"github.com/go-chi/chi/v5"
)

func RegisterFlowRoutes(r chi.Router, s *core.Session) {
	h := &FlowHandlers{Session: s}
	r.Get("/flows", h.ListFlows)
	r.Route("/flows/{flowID}", func(sub chi.Router) {
		sub.Get("/", h.GetFlow)
		sub.Post("/replay", h.ReplayFlow)
	})
	r.Get("/events", h.ListEvents)
}
