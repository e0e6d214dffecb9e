package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/operational-cognos/gateway/pkg/policy"
)

// Retention values accepted in the cognos control block.
const (
	RetentionNone         = "none"
	RetentionFingerprints = "fingerprints"
	RetentionEnhanced     = "enhanced"
)

// MaxBodyBytes bounds the size of a chat request body.
const MaxBodyBytes = 1 << 20

// ChatMessage is one entry of a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Control is the cognos block of a chat request.
type Control struct {
	Mode         string   `json:"mode"`
	PolicyID     string   `json:"policy_id"`
	TargetRisk   *float64 `json:"target_risk,omitempty"`
	ShadowPct    float64  `json:"shadow_pct"`
	ShadowModels []string `json:"shadow_models"`
	Retention    string   `json:"retention"`
}

// ChatRequest is the typed view of a chat-completion body. Fields it does not
// name are kept in the raw body and forwarded upstream unchanged.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature"`
	MaxTokens   *int          `json:"max_tokens"`
	Stream      *bool         `json:"stream"`
	Cognos      *Control      `json:"cognos"`
}

// chatCall is a validated request ready for dispatch.
type chatCall struct {
	req     ChatRequest
	control Control
	// raw is the body as decoded, nulls removed and cognos normalized.
	raw map[string]any
}

func (c *chatCall) streaming() bool {
	return c.req.Stream != nil && *c.req.Stream
}

// upstreamPayload is the raw body without the cognos block.
func (c *chatCall) upstreamPayload() map[string]any {
	out := make(map[string]any, len(c.raw))
	for k, v := range c.raw {
		if k != "cognos" {
			out[k] = v
		}
	}
	return out
}

func (c *chatCall) evaluatorMessages() []policy.Message {
	out := make([]policy.Message, len(c.req.Messages))
	for i, m := range c.req.Messages {
		out[i] = policy.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// parseChatRequest decodes and validates body.
func parseChatRequest(body io.Reader, defaultPolicy string) (*chatCall, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, InvalidRequest("Request body too large", fmt.Sprintf("limit is %d bytes", maxErr.Limit))
		}
		return nil, InvalidRequest("Invalid JSON body", err.Error())
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, InvalidRequest("Invalid JSON body", err.Error())
	}
	if raw == nil {
		return nil, InvalidRequest("Invalid JSON body", "body must be a JSON object")
	}

	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, InvalidRequest("Request does not match the chat completion schema", err.Error())
	}

	if violations := validate(&req, raw); len(violations) > 0 {
		return nil, InvalidRequest("Request does not match the chat completion schema", violations)
	}

	control := normalizeControl(req.Cognos, defaultPolicy)
	for k, v := range raw {
		if v == nil {
			delete(raw, k)
		}
	}
	raw["cognos"] = control

	return &chatCall{req: req, control: control, raw: raw}, nil
}

func validate(req *ChatRequest, raw map[string]any) []FieldError {
	var out []FieldError
	add := func(field, format string, args ...any) {
		out = append(out, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, ok := raw["model"]; !ok || req.Model == "" {
		add("model", "field required")
	}
	if _, ok := raw["messages"].([]any); !ok {
		add("messages", "field required")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			add(fmt.Sprintf("messages[%d].role", i), "must be one of system, user, assistant, tool; got %q", m.Role)
		}
	}
	if msgs, ok := raw["messages"].([]any); ok {
		for i, m := range msgs {
			obj, ok := m.(map[string]any)
			if !ok {
				add(fmt.Sprintf("messages[%d]", i), "must be an object")
				continue
			}
			if _, ok := obj["content"].(string); !ok {
				add(fmt.Sprintf("messages[%d].content", i), "must be a string")
			}
		}
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("temperature", "must be within [0, 2]")
	}
	if n := req.MaxTokens; n != nil && *n <= 0 {
		add("max_tokens", "must be a positive integer")
	}

	if c := req.Cognos; c != nil {
		block, _ := raw["cognos"].(map[string]any)
		_, modeSet := block["mode"]
		_, retentionSet := block["retention"]

		switch c.Mode {
		case policy.ModeMonitor, policy.ModeEnforce:
		case "":
			if modeSet {
				add("cognos.mode", "must be one of monitor, enforce")
			}
		default:
			add("cognos.mode", "must be one of monitor, enforce; got %q", c.Mode)
		}
		if r := c.TargetRisk; r != nil && (*r < 0 || *r > 1) {
			add("cognos.target_risk", "must be within [0, 1]")
		}
		if c.ShadowPct < 0 || c.ShadowPct > 1 {
			add("cognos.shadow_pct", "must be within [0, 1]")
		}
		switch c.Retention {
		case RetentionNone, RetentionFingerprints, RetentionEnhanced:
		case "":
			if retentionSet {
				add("cognos.retention", "must be one of none, fingerprints, enhanced")
			}
		default:
			add("cognos.retention", "must be one of none, fingerprints, enhanced; got %q", c.Retention)
		}
	}
	return out
}

// normalizeControl fills defaults. A missing or empty policy id becomes
// defaultPolicy.
func normalizeControl(c *Control, defaultPolicy string) Control {
	var out Control
	if c != nil {
		out = *c
	}
	if out.Mode == "" {
		out.Mode = policy.ModeMonitor
	}
	if out.PolicyID == "" {
		out.PolicyID = defaultPolicy
	}
	if out.Retention == "" {
		out.Retention = RetentionFingerprints
	}
	if out.ShadowModels == nil {
		out.ShadowModels = []string{}
	}
	return out
}
