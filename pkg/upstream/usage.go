package upstream

import "encoding/json"

// ExtractUsage reads the usage block of a completion body decoded with
// UseNumber. Non-integer prompt or completion counts become 0 and a missing
// or non-integer total becomes prompt + completion.
func ExtractUsage(body map[string]any) map[string]any {
	raw, present := body["usage"]
	if !present {
		raw = map[string]any{}
	}
	usage, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{"total_tokens": int64(0)}
	}

	prompt, _ := intValue(usage["prompt_tokens"])
	completion, _ := intValue(usage["completion_tokens"])
	total, ok := intValue(usage["total_tokens"])
	if !ok {
		total = prompt + completion
	}
	return map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      total,
	}
}

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
