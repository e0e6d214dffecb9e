package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/operational-cognos/gateway/pkg/middleware"
	"github.com/operational-cognos/gateway/pkg/storage"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Store      storage.Store
	Chat       http.Handler
	GatewayKey string
	// RateLimit wraps the chat endpoint when set.
	RateLimit func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	traces := NewTraceAPI(cfg.Store)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.RequestLogger)

	r.Get("/healthz", traces.handleHealth)
	r.Get("/readyz", traces.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/traces/{trace_id}", traces.handleTrace)

	r.Group(func(r chi.Router) {
		r.Use(middleware.GatewayAuth(cfg.GatewayKey))

		chat := cfg.Chat
		if cfg.RateLimit != nil {
			chat = cfg.RateLimit(chat)
		}
		r.Method(http.MethodPost, "/v1/chat/completions", chat)
		r.Post("/v1/reports/trust", traces.handleTrustReport)
		r.Get("/v1/usage", traces.handleUsage)
	})

	return r
}
