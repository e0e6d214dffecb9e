package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/operational-cognos/gateway/pkg/ai"
	"github.com/operational-cognos/gateway/pkg/envelope"
	"github.com/operational-cognos/gateway/pkg/policy"
	"github.com/operational-cognos/gateway/pkg/storage"
	"github.com/operational-cognos/gateway/pkg/upstream"
)

// Trust headers attached to every successful completion.
const (
	HeaderTraceID    = "X-Cognos-Trace-Id"
	HeaderDecision   = "X-Cognos-Decision"
	HeaderTrustScore = "X-Cognos-Trust-Score"
	HeaderPolicy     = "X-Cognos-Policy"
)

// Values of the "mode" and "upstream" metadata keys.
const (
	modeMock = "mock"
	modeLive = "live"

	upstreamNone   = "none"
	upstreamJSON   = "json"
	upstreamStream = "stream"
	upstreamError  = "error"
)

const persistTimeout = 5 * time.Second

// Options is the immutable part of the handler configuration.
type Options struct {
	UpstreamAPIKey       string
	GatewayAPIKey        string
	DefaultPolicy        string
	Mock                 bool
	EstimateStreamTokens bool
}

// Completer sends one chat-completion request upstream.
type Completer interface {
	ChatCompletions(ctx context.Context, payload []byte, authorization string, stream bool) (*http.Response, error)
}

// Saver persists trace records.
type Saver interface {
	Save(ctx context.Context, rec *storage.TraceRecord) error
}

// Handler serves POST /v1/chat/completions. Gateway key authentication is
// applied in front of it by middleware.GatewayAuth.
type Handler struct {
	opts      Options
	store     Saver
	upstream  Completer
	evaluator policy.RiskEvaluator

	now     func() time.Time
	traceID func() string
}

// New creates a Handler. upstream may be nil when opts.Mock is set.
func New(opts Options, store Saver, up Completer, evaluator policy.RiskEvaluator) *Handler {
	if evaluator == nil {
		evaluator = policy.NewStaticEvaluator()
	}
	return &Handler{
		opts:      opts,
		store:     store,
		upstream:  up,
		evaluator: evaluator,
		now:       time.Now,
		traceID:   NewTraceID,
	}
}

// NewTraceID returns "tr_" followed by 12 lowercase hex characters.
func NewTraceID() string {
	return "tr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// flow carries the per-request state from validation to response.
type flow struct {
	call      *chatCall
	traceID   string
	createdAt time.Time
	decision  envelope.Decision
	risk      float64
	signals   envelope.Signals
	requestFP envelope.Fingerprint
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call, err := parseChatRequest(http.MaxBytesReader(w, r.Body, MaxBodyBytes), h.opts.DefaultPolicy)
	if err != nil {
		rejectedRequests.WithLabelValues("validation").Inc()
		WriteError(w, err)
		return
	}

	f, err := h.begin(r.Context(), call)
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.opts.Mock {
		h.serveMock(w, r, f)
		return
	}
	h.serveLive(w, r, f)
}

// begin assigns the trace id and resolves the decision.
func (h *Handler) begin(ctx context.Context, call *chatCall) (*flow, error) {
	f := &flow{
		call:      call,
		traceID:   h.traceID(),
		createdAt: h.now().UTC(),
	}

	assessment, err := h.evaluator.Evaluate(ctx, call.req.Model, call.evaluatorMessages())
	if err != nil {
		log.Error().Err(err).Str("component", "gateway").Str("trace_id", f.traceID).Msg("risk evaluation failed")
		return nil, err
	}
	f.decision, f.risk = policy.ResolveDecision(call.control.Mode, call.control.TargetRisk, assessment.Risk)
	f.signals = assessment.Signals

	f.requestFP, err = envelope.NewFingerprint(call.raw, call.req.Model)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (h *Handler) serveMock(w http.ResponseWriter, r *http.Request, f *flow) {
	if f.call.streaming() {
		env, err := h.persistStream(r.Context(), f, modeMock)
		if err != nil {
			WriteError(w, err)
			return
		}
		startStream(w, env)
		flusher, _ := w.(http.Flusher)
		for _, chunk := range upstream.MockStream(f.traceID) {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	body := upstream.MockCompletion(f.call.req.Model, f.createdAt)
	h.completeJSON(w, r, f, body, modeMock, upstreamNone)
}

func (h *Handler) serveLive(w http.ResponseWriter, r *http.Request, f *flow) {
	authorization, err := upstream.ResolveAuthorization(h.opts.UpstreamAPIKey, h.opts.GatewayAPIKey, r.Header)
	if err != nil {
		WriteError(w, configurationError("Missing upstream authorization"))
		return
	}

	payload, err := json.Marshal(f.call.upstreamPayload())
	if err != nil {
		WriteError(w, err)
		return
	}

	resp, err := h.upstream.ChatCompletions(r.Context(), payload, authorization, f.call.streaming())
	if err != nil {
		log.Error().Err(err).Str("component", "gateway").Str("trace_id", f.traceID).Msg("upstream transport failure")
		rejectedRequests.WithLabelValues("upstream_transport").Inc()
		WriteError(w, upstreamTransportError(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		h.serveUpstreamError(w, r, f, resp)
		return
	}

	if f.call.streaming() && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		env, err := h.persistStream(r.Context(), f, modeLive)
		if err != nil {
			WriteError(w, err)
			return
		}
		startStream(w, env)
		relayStream(r.Context(), w, resp.Body, f.traceID)
		return
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		if err == nil {
			err = errors.New("upstream body is not a JSON object")
		}
		WriteError(w, upstreamTransportError(err))
		return
	}
	h.completeJSON(w, r, f, body, modeLive, upstreamJSON)
}

// serveUpstreamError records an upstream application error as ESCALATE at
// full risk and passes the status through.
func (h *Handler) serveUpstreamError(w http.ResponseWriter, r *http.Request, f *flow, resp *http.Response) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		log.Warn().Err(err).
			Str("component", "gateway").
			Str("trace_id", f.traceID).
			Int("status", resp.StatusCode).
			Int("bytes_read", len(raw)).
			Msg("upstream error body read failed")
	}

	env, err := envelope.Build(envelope.Params{
		TraceID:  f.traceID,
		Policy:   f.call.control.PolicyID,
		Decision: envelope.DecisionEscalate,
		Risk:     1.0,
		Now:      h.now,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	respFP, err := envelope.NewFingerprint(map[string]any{"error": true, "status": resp.StatusCode}, f.call.req.Model)
	if err != nil {
		WriteError(w, err)
		return
	}

	rec := h.record(f, env, upstreamError, modeLive, map[string]any{"total_tokens": 0})
	rec.IsStream = f.call.streaming()
	rec.StatusCode = resp.StatusCode
	rec.ResponseFingerprint = &respFP
	if err := h.save(r.Context(), rec); err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, resp.StatusCode, map[string]any{
		"error":         "Upstream provider returned an error",
		"trace_id":      f.traceID,
		"upstream_body": jsonOrText(raw),
	})
}

// completeJSON attaches the envelope under "cognos", persists and responds.
func (h *Handler) completeJSON(w http.ResponseWriter, r *http.Request, f *flow, body map[string]any, mode, source string) {
	env, err := h.envelope(f)
	if err != nil {
		WriteError(w, err)
		return
	}
	body["cognos"] = env

	respFP, err := envelope.NewFingerprint(body, f.call.req.Model)
	if err != nil {
		WriteError(w, err)
		return
	}

	rec := h.record(f, env, source, mode, upstream.ExtractUsage(body))
	rec.ResponseFingerprint = &respFP
	if err := h.save(r.Context(), rec); err != nil {
		WriteError(w, err)
		return
	}

	setTrustHeaders(w, env)
	WriteJSON(w, http.StatusOK, body)
}

// persistStream stores the trace of a streamed completion before any byte
// is relayed. Its response fingerprint covers only a stream marker.
func (h *Handler) persistStream(ctx context.Context, f *flow, mode string) (envelope.Envelope, error) {
	env, err := h.envelope(f)
	if err != nil {
		return envelope.Envelope{}, err
	}
	marker, err := envelope.StreamMarkerFingerprint(f.traceID, f.call.req.Model)
	if err != nil {
		return envelope.Envelope{}, err
	}

	source := upstreamStream
	if mode == modeMock {
		source = upstreamNone
	}
	rec := h.record(f, env, source, mode, h.streamUsage(f))
	rec.IsStream = true
	rec.ResponseFingerprint = &marker
	return env, h.save(ctx, rec)
}

func startStream(w http.ResponseWriter, env envelope.Envelope) {
	setTrustHeaders(w, env)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

// streamUsage is zero unless stream token estimation is enabled, in which
// case the prompt is counted locally.
func (h *Handler) streamUsage(f *flow) map[string]any {
	if !h.opts.EstimateStreamTokens {
		return map[string]any{"total_tokens": 0}
	}
	contents := make([]string, len(f.call.req.Messages))
	for i, m := range f.call.req.Messages {
		contents[i] = m.Content
	}
	n, err := ai.CountMessages(f.call.req.Model, contents)
	if err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("trace_id", f.traceID).Msg("prompt token estimate failed")
		return map[string]any{"total_tokens": 0}
	}
	return map[string]any{
		"prompt_tokens":     n,
		"completion_tokens": 0,
		"total_tokens":      n,
		"estimated":         true,
	}
}

func (h *Handler) envelope(f *flow) (envelope.Envelope, error) {
	return envelope.Build(envelope.Params{
		TraceID:      f.traceID,
		Policy:       f.call.control.PolicyID,
		Decision:     f.decision,
		Risk:         f.risk,
		Signals:      f.signals,
		ShadowPct:    f.call.control.ShadowPct,
		ShadowModels: f.call.control.ShadowModels,
		Now:          h.now,
	})
}

func (h *Handler) record(f *flow, env envelope.Envelope, source, mode string, usage map[string]any) *storage.TraceRecord {
	rec := storage.NewTraceRecord(env, f.createdAt, f.call.req.Model)
	rec.RequestFingerprint = f.requestFP
	rec.Metadata = map[string]any{
		storage.MetaMode:      mode,
		storage.MetaUpstream:  source,
		storage.MetaUsage:     usage,
		storage.MetaRetention: f.call.control.Retention,
	}
	return rec
}

// save persists rec even if the caller has gone away; audit data is not
// dropped on disconnect.
func (h *Handler) save(ctx context.Context, rec *storage.TraceRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := h.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).Str("component", "gateway").Str("trace_id", rec.TraceID).Msg("trace persistence failed")
		return persistenceError(err)
	}
	tracesTotal.WithLabelValues(string(rec.Decision), rec.Metadata[storage.MetaUpstream].(string)).Inc()
	log.Info().
		Str("component", "gateway").
		Str("trace_id", rec.TraceID).
		Str("decision", string(rec.Decision)).
		Int("status", rec.StatusCode).
		Bool("stream", rec.IsStream).
		Msg("trace persisted")
	return nil
}

func setTrustHeaders(w http.ResponseWriter, env envelope.Envelope) {
	hdr := w.Header()
	hdr.Set(HeaderTraceID, env.TraceID)
	hdr.Set(HeaderDecision, string(env.Decision))
	hdr.Set(HeaderTrustScore, FormatScore(1.0-env.Risk))
	hdr.Set(HeaderPolicy, env.Policy)
}

// FormatScore renders a score with the shortest round-tripping digits and
// at least one decimal place ("0.88", "1.0").
func FormatScore(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// relayStream copies upstream bytes to the client as they arrive. It stops
// when upstream ends, the client write fails or ctx is done.
func relayStream(ctx context.Context, w http.ResponseWriter, body io.Reader, traceID string) {
	flusher, ok := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			log.Debug().Str("trace_id", traceID).Msg("client disconnected, stream relay stopped")
			return
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.Debug().Err(writeErr).Str("trace_id", traceID).Msg("client disconnected")
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Warn().Err(err).Str("trace_id", traceID).Msg("error reading upstream stream")
			}
			return
		}
	}
}

// jsonOrText decodes raw as JSON, falling back to its text.
func jsonOrText(raw []byte) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		return v
	}
	return string(raw)
}
