package handlers

import (
	"net/http"

	"flowproxy/core"

	"github.com/go-chi/chi/v5"
)

func RegisterHealthRoutes(r chi.Router, s *core.Session) {
	r.Get("/health", healthCheckHandler)
	r.Get("/stats", statsHandler(s))
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// StatsResponse summarises the running session.
type StatsResponse struct {
	Mode        string         `json:"mode" example:"regular"`
	Flows       int            `json:"flows"`
	CertsIssued int64          `json:"certs_issued"`
	Pool        core.PoolStats `json:"pool"`
}

func statsHandler(s *core.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{
			Mode:  string(s.Options.Mode),
			Flows: s.View.Len(),
			Pool:  s.Pool.Stats(),
		}
		if s.Certs != nil {
			resp.CertsIssued = s.Certs.Signed()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
