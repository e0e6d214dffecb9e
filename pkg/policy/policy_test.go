package policy

import (
	"context"
	"math"
	"testing"

	"github.com/operational-cognos/gateway/pkg/envelope"
)

func ptr(v float64) *float64 { return &v }

func TestResolveDecisionMonitorAlwaysPasses(t *testing.T) {
	targets := []*float64{nil, ptr(-5), ptr(-0.5), ptr(0), ptr(0.11), ptr(0.5), ptr(1), ptr(7), ptr(math.Inf(1))}
	for _, target := range targets {
		decision, risk := ResolveDecision(ModeMonitor, target, BaseRisk)
		if decision != envelope.DecisionPass || risk != BaseRisk {
			t.Fatalf("monitor target=%v: got (%s, %v)", target, decision, risk)
		}
	}
}

func TestResolveDecisionEnforce(t *testing.T) {
	tests := []struct {
		name   string
		target *float64
		want   envelope.Decision
	}{
		{name: "default_threshold", target: nil, want: envelope.DecisionPass},
		{name: "below_target", target: ptr(0.5), want: envelope.DecisionPass},
		{name: "exact_threshold", target: ptr(0.12), want: envelope.DecisionPass},
		{name: "just_above", target: ptr(0.11), want: envelope.DecisionRefine},
		{name: "refine_band", target: ptr(0.1), want: envelope.DecisionRefine},
		{name: "zero_target", target: ptr(0), want: envelope.DecisionRefine},
		// Negative targets clamp to 0, and 0.12 lies inside the 0..0.2 refine band.
		{name: "negative_clamps_to_zero", target: ptr(-0.5), want: envelope.DecisionRefine},
		{name: "very_negative_clamps_to_zero", target: ptr(-1.0), want: envelope.DecisionRefine},
		{name: "one", target: ptr(1), want: envelope.DecisionPass},
		{name: "above_one_clamps", target: ptr(1.5), want: envelope.DecisionPass},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			decision, risk := ResolveDecision(ModeEnforce, tt.target, BaseRisk)
			if decision != tt.want {
				t.Fatalf("decision = %s, want %s", decision, tt.want)
			}
			if risk != BaseRisk {
				t.Fatalf("risk = %v, want %v", risk, BaseRisk)
			}
		})
	}
}

func TestResolveDecisionBandsWithHigherBaseRisk(t *testing.T) {
	tests := []struct {
		base float64
		want envelope.Decision
	}{
		{base: 0.1, want: envelope.DecisionPass},
		{base: 0.25, want: envelope.DecisionRefine},
		{base: 0.35, want: envelope.DecisionEscalate},
		{base: 0.45, want: envelope.DecisionBlock},
	}
	for _, tt := range tests {
		decision, risk := ResolveDecision(ModeEnforce, ptr(0), tt.base)
		if decision != tt.want || risk != tt.base {
			t.Fatalf("base=%v: got (%s, %v), want %s", tt.base, decision, risk, tt.want)
		}
	}
}

func TestResolveDecisionBandsClampAtOne(t *testing.T) {
	decision, _ := ResolveDecision(ModeEnforce, ptr(0.9), 1.0)
	if decision != envelope.DecisionRefine {
		t.Fatalf("risk 1.0 at threshold 0.9 should refine, got %s", decision)
	}
}

func TestResolveDecisionClampsBaseRisk(t *testing.T) {
	if _, risk := ResolveDecision(ModeMonitor, nil, 3); risk != 1 {
		t.Fatalf("risk = %v, want 1", risk)
	}
	if _, risk := ResolveDecision(ModeMonitor, nil, -1); risk != 0 {
		t.Fatalf("risk = %v, want 0", risk)
	}
}

func TestResolveDecisionUnknownModeIsEnforceLike(t *testing.T) {
	decision, _ := ResolveDecision("unknown_mode", ptr(0.5), BaseRisk)
	if decision != envelope.DecisionPass {
		t.Fatalf("decision = %s", decision)
	}
	decision, _ = ResolveDecision("unknown_mode", ptr(0.05), BaseRisk)
	if decision != envelope.DecisionRefine {
		t.Fatalf("unknown mode should follow enforce bands, got %s", decision)
	}
}

func TestStaticEvaluator(t *testing.T) {
	a, err := NewStaticEvaluator().Evaluate(context.Background(), "m", []Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if a.Risk != BaseRisk {
		t.Fatalf("risk = %v", a.Risk)
	}
	if a.Signals != (envelope.Signals{}) {
		t.Fatalf("signals should be zero placeholders, got %+v", a.Signals)
	}
}
