package aiclient

import (
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		// cl100k_base covers the chat model family; on failure the
		// character heuristic below takes over.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// EstimateInputTokens counts prompt tokens with tiktoken when the encoding is
// available, otherwise approximates with ceil(len/4).
func EstimateInputTokens(prompt string) int {
	if prompt == "" {
		return 0
	}
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(prompt, nil, nil))
	}
	return int(math.Ceil(float64(len(prompt)) / 4))
}

// EstimateUsage builds a usage record when the provider reported none: the
// prompt estimate as input and the streamed token count as output.
func EstimateUsage(prompt string, streamedTokens int) Usage {
	input := EstimateInputTokens(prompt)
	return Usage{
		Input:     input,
		Output:    streamedTokens,
		Total:     input + streamedTokens,
		Estimated: true,
	}
}

// SplitTokens breaks complete text into whitespace-delimited tokens for the
// synthesized streaming fallback.
func SplitTokens(text string) []string {
	return strings.Fields(text)
}
