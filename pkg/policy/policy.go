package policy

import (
	"context"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

// BaseRisk is the fixed risk reported for every completion until a real
// evaluator is plugged in.
const BaseRisk = 0.12

// Modes accepted at the request boundary.
const (
	ModeMonitor = "monitor"
	ModeEnforce = "enforce"
)

const (
	defaultThreshold = 0.5
	refineBand       = 0.2
	escalateBand     = 0.4
)

// ResolveDecision maps a mode and optional target risk to a decision. The
// returned risk is baseRisk clamped to [0,1] whatever the mode; only the
// decision label depends on mode and target.
//
// Any mode other than "monitor" is evaluated as enforce. Request validation
// restricts mode to monitor|enforce, so this fallback is not reachable from
// the HTTP surface.
func ResolveDecision(mode string, targetRisk *float64, baseRisk float64) (envelope.Decision, float64) {
	risk := clamp(baseRisk)
	if mode == ModeMonitor {
		return envelope.DecisionPass, risk
	}

	threshold := defaultThreshold
	if targetRisk != nil {
		threshold = *targetRisk
	}
	threshold = clamp(threshold)

	switch {
	case risk <= threshold:
		return envelope.DecisionPass, risk
	case risk <= clampHigh(threshold+refineBand):
		return envelope.DecisionRefine, risk
	case risk <= clampHigh(threshold+escalateBand):
		return envelope.DecisionEscalate, risk
	default:
		return envelope.DecisionBlock, risk
	}
}

// Assessment is what a RiskEvaluator reports for one request.
type Assessment struct {
	Risk    float64
	Signals envelope.Signals
}

// RiskEvaluator scores a chat request. Implementations must return a risk
// and signals within [0,1].
type RiskEvaluator interface {
	Evaluate(ctx context.Context, model string, messages []Message) (Assessment, error)
}

// Message is the subset of a chat message an evaluator sees.
type Message struct {
	Role    string
	Content string
}

// StaticEvaluator reports a constant risk and an all-zero signal vector. It
// does not look at content.
type StaticEvaluator struct {
	Risk float64
}

// NewStaticEvaluator returns the default evaluator at BaseRisk.
func NewStaticEvaluator() StaticEvaluator {
	return StaticEvaluator{Risk: BaseRisk}
}

func (s StaticEvaluator) Evaluate(ctx context.Context, model string, messages []Message) (Assessment, error) {
	return Assessment{Risk: clamp(s.Risk)}, nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	return clampHigh(v)
}

func clampHigh(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
