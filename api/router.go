package api

import (
	"net/http"
	"time"

	"flowproxy/api/router/handlers"
	"flowproxy/core"
	"flowproxy/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the control API router for session. All registered paths
// are relative to the /api base path.
func NewRouter(session *core.Session) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	handlers.RegisterHealthRoutes(r, session)
	handlers.RegisterFlowRoutes(r, session)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		logger.Error("API catch-all: unhandled route %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})
	return r
}

// NewServerMux mounts the API under /api/.
func NewServerMux(session *core.Session) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", NewRouter(session)))
	return mux
}
