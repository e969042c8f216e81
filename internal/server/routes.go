package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/gosuda/agentaudit/internal/api/v1"
	"github.com/gosuda/agentaudit/internal/api/ws"
)

func registerReadRoutes(api huma.API, deps Deps) {
	v1.RegisterSessionRoutes(api, deps.Reader, deps.Replayer)
}

func registerIngestRoutes(api huma.API, deps Deps) {
	v1.RegisterIngestRoutes(api, deps.Recorder, deps.Emitter)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/events", hub.ServeEvents)
	r.Get("/traces/{traceID}", hub.ServeTrace)
	r.Get("/sessions/{sessionID}", hub.ServeSession)
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
