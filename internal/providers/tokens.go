package providers

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Safety margin over the raw token count; cl100k is close but not exact
// for every served model.
const tokenFudgeFactor = 1.05

// Per-message format overhead (role markers, separators).
const messageOverheadTokens = 4

var (
	tkm     *tiktoken.Tiktoken
	tkmOnce sync.Once
)

func tokenizer() *tiktoken.Tiktoken {
	tkmOnce.Do(func() {
		var err error
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, using char heuristic", "error", err)
		}
	})
	return tkm
}

// EstimateTokens counts tokens in a string with tiktoken, falling back
// to a chars/4 heuristic if the encoding failed to load.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if tk := tokenizer(); tk != nil {
		return len(tk.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// EstimateMessageTokens counts tokens for one message including tool
// call payloads and format overhead.
func EstimateMessageTokens(m Message) int {
	tokens := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		tokens += EstimateTokens(tc.Name)
		if len(tc.Arguments) > 0 {
			if raw, err := json.Marshal(tc.Arguments); err == nil {
				tokens += EstimateTokens(string(raw))
			}
		}
	}
	return tokens + messageOverheadTokens
}

// EstimateTotalTokens counts tokens across messages with the safety
// margin applied.
func EstimateTotalTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(m)
	}
	return int(float64(total) * tokenFudgeFactor)
}

// TrimMessages drops oldest non-system messages until the conversation
// fits the budget. The system prompt always survives. Assistant/tool
// pairs are dropped together so the remaining transcript never
// references a missing tool call.
func TrimMessages(messages []Message, budgetTokens int) []Message {
	if budgetTokens <= 0 || EstimateTotalTokens(messages) <= budgetTokens {
		return messages
	}

	var system []Message
	rest := messages
	if len(messages) > 0 && messages[0].Role == "system" {
		system = messages[:1]
		rest = messages[1:]
	}

	// Drop from the front of the non-system tail until it fits.
	for len(rest) > 1 {
		candidate := append(append([]Message{}, system...), rest...)
		if EstimateTotalTokens(candidate) <= budgetTokens {
			return candidate
		}
		drop := 1
		// Keep tool results attached to their call: a dropped assistant
		// message with tool calls takes its tool messages with it.
		if len(rest[0].ToolCalls) > 0 {
			for drop < len(rest) && rest[drop].Role == "tool" {
				drop++
			}
		}
		rest = rest[drop:]
	}

	out := append(append([]Message{}, system...), rest...)
	slog.Debug("conversation trimmed to token budget",
		"kept", len(out), "dropped", len(messages)-len(out), "budget", budgetTokens)
	return out
}
