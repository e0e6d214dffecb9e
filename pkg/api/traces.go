package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/operational-cognos/gateway/pkg/gateway"
	"github.com/operational-cognos/gateway/pkg/report"
	"github.com/operational-cognos/gateway/pkg/storage"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "operational-cognos-gateway"

// TraceAPI serves trace lookup, trust reports, usage and health.
type TraceAPI struct {
	store   storage.Store
	reports *report.Builder
}

func NewTraceAPI(store storage.Store) *TraceAPI {
	return &TraceAPI{
		store:   store,
		reports: report.NewBuilder(store),
	}
}

type reportRequest struct {
	TraceIDs []string `json:"trace_ids"`
	Regime   *string  `json:"regime"`
	Format   string   `json:"format"`
}

func (api *TraceAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	gateway.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
	})
}

// handleReady reports whether the trace store answers.
func (api *TraceAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := api.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("trace store ping failed")
		gateway.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unavailable",
			"storage": "unhealthy",
		})
		return
	}
	gateway.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"storage": "healthy",
	})
}

func (api *TraceAPI) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := api.store.Get(ctx, traceID)
	if errors.Is(err, storage.ErrTraceNotFound) {
		gateway.WriteError(w, gateway.NotFound("Trace not found"))
		return
	}
	if err != nil {
		log.Error().Err(err).Str("component", "api").Str("trace_id", traceID).Msg("trace lookup failed")
		gateway.WriteError(w, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, rec)
}

func (api *TraceAPI) handleTrustReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, gateway.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		gateway.WriteError(w, gateway.InvalidRequest("Invalid JSON body", err.Error()))
		return
	}

	var violations []gateway.FieldError
	if req.TraceIDs == nil {
		violations = append(violations, gateway.FieldError{Field: "trace_ids", Message: "field required"})
	}
	if req.Regime == nil {
		violations = append(violations, gateway.FieldError{Field: "regime", Message: "field required"})
	}
	switch req.Format {
	case "":
		req.Format = report.FormatJSON
	case report.FormatJSON, report.FormatPDF:
	default:
		violations = append(violations, gateway.FieldError{Field: "format", Message: "must be one of json, pdf"})
	}
	if len(violations) > 0 {
		gateway.WriteError(w, gateway.InvalidRequest("Request does not match the trust report schema", violations))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rep, err := api.reports.Build(ctx, req.TraceIDs, *req.Regime, req.Format)
	if err != nil {
		log.Error().Err(err).Str("component", "api").Msg("trust report failed")
		gateway.WriteError(w, err)
		return
	}
	log.Info().
		Str("component", "api").
		Str("report_id", rep.ReportID).
		Int("requested", rep.Summary.RequestedCount).
		Int("missing", rep.Summary.MissingCount).
		Msg("trust report built")
	gateway.WriteJSON(w, http.StatusOK, rep)
}

// handleUsage returns the fleet-wide request and token aggregate.
func (api *TraceAPI) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	stats, err := api.store.Aggregate(ctx)
	if err != nil {
		log.Error().Err(err).Str("component", "api").Msg("usage aggregate failed")
		gateway.WriteError(w, err)
		return
	}
	gateway.WriteJSON(w, http.StatusOK, stats)
}
