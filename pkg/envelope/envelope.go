package envelope

import (
	"fmt"
	"time"
)

// Decision is the trust verdict attached to a completion.
type Decision string

const (
	DecisionPass     Decision = "PASS"
	DecisionRefine   Decision = "REFINE"
	DecisionEscalate Decision = "ESCALATE"
	DecisionBlock    Decision = "BLOCK"
)

// Valid reports whether d is one of the four verdicts.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPass, DecisionRefine, DecisionEscalate, DecisionBlock:
		return true
	}
	return false
}

// SignedBy is the attestation signer recorded on every envelope.
const SignedBy = "cognos"

// ShadowNote is carried by every shadow block. Shadow comparison is not
// implemented; the note says so to API consumers.
const ShadowNote = "shadow comparison not implemented: no shadow models were called, divergence is a fixed 0.0 placeholder"

// Signals is the per-response signal vector. Every score lies in [0,1].
type Signals struct {
	UE                float64 `json:"ue"`
	UA                float64 `json:"ua"`
	Divergence        float64 `json:"divergence"`
	CitationDensity   float64 `json:"citation_density"`
	Contradiction     float64 `json:"contradiction"`
	OutOfDistribution float64 `json:"out_of_distribution"`
}

// Attestation binds the envelope's verdict fields to a digest.
type Attestation struct {
	Hash      string    `json:"hash"`
	SignedBy  string    `json:"signed_by"`
	Timestamp time.Time `json:"ts"`
}

// Shadow describes a cross-model comparison request.
type Shadow struct {
	Enabled        bool     `json:"enabled"`
	Evaluated      bool     `json:"evaluated"`
	ComparedModels []string `json:"compared_models"`
	Divergence     float64  `json:"divergence"`
	Note           string   `json:"note"`
}

// Envelope is the trust envelope returned with a completion and stored with
// its trace.
type Envelope struct {
	Decision    Decision    `json:"decision"`
	Risk        float64     `json:"risk"`
	Signals     Signals     `json:"signals"`
	TraceID     string      `json:"trace_id"`
	Policy      string      `json:"policy"`
	Attestation Attestation `json:"attestation"`
	Shadow      *Shadow     `json:"shadow,omitempty"`
}

// Params are the inputs of Build.
type Params struct {
	TraceID      string
	Policy       string
	Decision     Decision
	Risk         float64
	Signals      Signals
	ShadowPct    float64
	ShadowModels []string

	// Now stamps the attestation; time.Now when nil.
	Now func() time.Time
}

// Build assembles an envelope and its attestation. The attestation hash
// depends only on trace id, policy, decision, risk and signals, so two
// builds from the same inputs carry the same hash.
func Build(p Params) (Envelope, error) {
	hash, err := AttestationHash(p.TraceID, p.Policy, p.Decision, p.Risk, p.Signals)
	if err != nil {
		return Envelope{}, fmt.Errorf("attestation for %s: %w", p.TraceID, err)
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	env := Envelope{
		Decision: p.Decision,
		Risk:     p.Risk,
		Signals:  p.Signals,
		TraceID:  p.TraceID,
		Policy:   p.Policy,
		Attestation: Attestation{
			Hash:      hash,
			SignedBy:  SignedBy,
			Timestamp: now().UTC(),
		},
	}
	if p.ShadowPct > 0 {
		env.Shadow = shadowPlaceholder(p.ShadowModels)
	}
	return env, nil
}

// AttestationHash digests {trace_id, policy, decision, risk, signals}.
func AttestationHash(traceID, policy string, decision Decision, risk float64, signals Signals) (string, error) {
	digest, _, err := SumCanonical(map[string]any{
		"trace_id": traceID,
		"policy":   policy,
		"decision": decision,
		"risk":     pyFloat(risk),
		"signals":  map[string]pyFloat{
			"ue":                  pyFloat(signals.UE),
			"ua":                  pyFloat(signals.UA),
			"divergence":          pyFloat(signals.Divergence),
			"citation_density":    pyFloat(signals.CitationDensity),
			"contradiction":       pyFloat(signals.Contradiction),
			"out_of_distribution": pyFloat(signals.OutOfDistribution),
		},
	})
	if err != nil {
		return "", err
	}
	return "sha256:" + digest, nil
}

// Verify recomputes the attestation hash and compares it to the stored one.
func (e Envelope) Verify() bool {
	hash, err := AttestationHash(e.TraceID, e.Policy, e.Decision, e.Risk, e.Signals)
	return err == nil && hash == e.Attestation.Hash
}

// shadowPlaceholder stands in for shadow-model comparison, which is not
// implemented.
func shadowPlaceholder(models []string) *Shadow {
	compared := make([]string, len(models))
	copy(compared, models)
	return &Shadow{
		Enabled:        true,
		Evaluated:      false,
		ComparedModels: compared,
		Divergence:     0.0,
		Note:           ShadowNote,
	}
}
