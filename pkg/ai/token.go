package ai

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used for models tiktoken does not know, which covers
// most non-OpenAI providers.
const fallbackEncoding = "cl100k_base"

// CountTokens returns the number of tokens in a string for a specific model.
// A provider prefix such as "openai:" is ignored.
func CountTokens(model string, text string) (int, error) {
	tkm, err := tiktoken.EncodingForModel(bareModel(model))
	if err != nil {
		tkm, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return 0, fmt.Errorf("load %s encoding: %w", fallbackEncoding, err)
		}
	}
	return len(tkm.Encode(text, nil, nil)), nil
}

// CountMessages estimates prompt tokens over the concatenated message
// contents. It is an estimate; chat framing tokens are not counted.
func CountMessages(model string, contents []string) (int, error) {
	return CountTokens(model, strings.Join(contents, "\n"))
}

func bareModel(model string) string {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		return model[i+1:]
	}
	return model
}
