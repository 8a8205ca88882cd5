// Package server implements the HTTP server and routing logic.
package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
	"github.com/LettoKarvat/RCAFORM/internal/server/handlers"
)

// allowCandidates is the order methods are listed in the Allow header.
var allowCandidates = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// NewRouter creates and configures the HTTP router.
//
// reg is optional. When set, HTTP metrics are registered in it and it is
// served at /metrics.
func NewRouter(svc *handlers.Services, cfg *handlers.Config, reg *prometheus.Registry) http.Handler {
	ch := handlers.NewCollectionHandler(svc.Collection)
	ah := handlers.NewAuthHandler(cfg)
	hh := handlers.NewHealthHandler(svc, cfg.Version)

	r := chi.NewRouter()
	r.Use(requestLogger, recoverer)
	if reg != nil {
		r.Use(newHTTPMetrics(reg).middleware)
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(req.Context(), w, dto.NotFound("route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		if allow := allowedMethods(r, req.URL.Path); allow != "" {
			w.Header().Set("Allow", allow)
		}
		writeError(req.Context(), w, dto.MethodNotAllowed(req.Method))
	})

	r.Method(http.MethodGet, "/healthz", Wrap(hh.Health, cfg))
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	r.Route("/collection", func(r chi.Router) {
		r.Method(http.MethodGet, "/", WrapAdmin(ch.List, ah, cfg))
		r.With(rateLimit(cfg.Submit, "submit")).Method(http.MethodPost, "/", Wrap(ch.Submit, cfg))
		r.Method(http.MethodPut, "/", WrapAdmin(ch.Replace, ah, cfg))
		r.Options("/", noContent)

		r.Method(http.MethodGet, "/export.csv", WrapAdminRaw(ch.ExportCSV, ah, cfg))
		r.Method(http.MethodPost, "/resync", WrapAdmin(ch.Resync, ah, cfg))
		r.Method(http.MethodPost, "/session", WrapAdmin(ah.CreateSession, ah, cfg))

		r.Method(http.MethodGet, "/{id}", WrapAdmin(ch.Get, ah, cfg))
		r.Method(http.MethodPatch, "/{id}", WrapAdmin(ch.Update, ah, cfg))
		r.Method(http.MethodDelete, "/{id}", WrapAdmin(ch.Delete, ah, cfg))
	})
	return r
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// allowedMethods lists the methods routed for path, comma separated.
func allowedMethods(mux *chi.Mux, path string) string {
	var allowed []string
	for _, m := range allowCandidates {
		if mux.Match(chi.NewRouteContext(), m, path) {
			allowed = append(allowed, m)
		}
	}
	return strings.Join(allowed, ",")
}
