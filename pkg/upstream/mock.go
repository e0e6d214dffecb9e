package upstream

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockContent is the assistant message of every mock completion.
const MockContent = "Mock response from CognOS gateway."

// MockCompletion is the canned non-streaming response used in mock mode.
// Token counts are fixed at 8 prompt, 6 completion.
func MockCompletion(model string, now time.Time) map[string]any {
	if model == "" {
		model = "mock:model"
	}
	return map[string]any{
		"id":      "chatcmpl_" + shortHex(),
		"object":  "chat.completion",
		"created": now.Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": MockContent},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     8,
			"completion_tokens": 6,
			"total_tokens":      14,
		},
	}
}

// MockStream returns the server-sent events of a mock streamed completion:
// one content chunk, a stop chunk and the [DONE] terminator.
func MockStream(traceID string) [][]byte {
	return [][]byte{
		[]byte(fmt.Sprintf(`data: {"id":"%s","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Mock response"},"finish_reason":null}]}`+"\n\n", traceID)),
		[]byte(`data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"),
		[]byte("data: [DONE]\n\n"),
	}
}

// shortHex is 12 lowercase hex characters from a random UUID.
func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
