package storage

import (
	"time"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

// TraceRecord is the persisted audit record of one gateway-mediated request.
type TraceRecord struct {
	TraceID    string            `json:"trace_id"`
	CreatedAt  time.Time         `json:"created_at"`
	Decision   envelope.Decision `json:"decision"`
	Policy     string            `json:"policy"`
	TrustScore float64           `json:"trust_score"`
	Risk       float64           `json:"risk"`
	IsStream   bool              `json:"is_stream"`
	StatusCode int               `json:"status_code"`
	Model      *string           `json:"model"`

	RequestFingerprint envelope.Fingerprint `json:"request_fingerprint"`
	// ResponseFingerprint is nil when no response body was recorded; for
	// streams it is a stream-marker fingerprint.
	ResponseFingerprint *envelope.Fingerprint `json:"response_fingerprint"`

	Envelope envelope.Envelope `json:"envelope"`
	Metadata map[string]any    `json:"metadata"`
}

// Metadata keys always written by the gateway.
const (
	MetaMode      = "mode"
	MetaUpstream  = "upstream"
	MetaUsage     = "usage"
	MetaRetention = "retention"
)

// NewTraceRecord derives decision, policy, risk and trust score from env so
// the record and its envelope cannot disagree.
func NewTraceRecord(env envelope.Envelope, createdAt time.Time, model string) *TraceRecord {
	rec := &TraceRecord{
		TraceID:    env.TraceID,
		CreatedAt:  createdAt.UTC(),
		Decision:   env.Decision,
		Policy:     env.Policy,
		TrustScore: 1.0 - env.Risk,
		Risk:       env.Risk,
		StatusCode: 200,
		Envelope:   env,
		Metadata:   map[string]any{},
	}
	if model != "" {
		m := model
		rec.Model = &m
	}
	return rec
}

// UsageStats is the fleet-wide aggregate over every stored trace.
type UsageStats struct {
	Requests   int64            `json:"tvv_requests"`
	Tokens     int64            `json:"tvv_tokens"`
	ByDecision map[string]int64 `json:"by_decision"`
	ByModel    map[string]int64 `json:"by_model"`
}

func newUsageStats() *UsageStats {
	return &UsageStats{
		ByDecision: make(map[string]int64),
		ByModel:    make(map[string]int64),
	}
}
