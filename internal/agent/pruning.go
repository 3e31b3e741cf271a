package agent

import (
	"fmt"
	"unicode/utf8"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
)

// Pruning thresholds. Ratios are measured against the model context
// window (in chars, estimated at 4 chars per token).
const (
	pruneKeepLastAssistants   = 3
	pruneSoftTrimRatio        = 0.3
	pruneHardClearRatio       = 0.5
	pruneMinPrunableToolChars = 50000
	pruneSoftTrimMaxChars     = 4000
	pruneSoftTrimHeadChars    = 1500
	pruneSoftTrimTailChars    = 1500
	pruneHardClearPlaceholder = "[Old tool result content cleared]"
	pruneCharsPerToken        = 4
)

// PruneHistory trims old tool results so long conversations keep fitting
// the context window.
//
// Two passes:
//  1. Soft trim: keep head + tail of long tool results, drop the middle.
//  2. Hard clear: replace whole tool results with a placeholder until the
//     estimate drops back under the hard ratio.
//
// Tool results newer than the last pruneKeepLastAssistants assistant
// messages are never touched, and nothing before the first user message
// is pruned. Returns a new slice only when something changed.
func PruneHistory(msgs []providers.Message, contextWindowTokens int) []providers.Message {
	if contextWindowTokens <= 0 || len(msgs) == 0 {
		return msgs
	}

	charWindow := contextWindowTokens * pruneCharsPerToken

	cutoffIndex := findAssistantCutoff(msgs, pruneKeepLastAssistants)
	if cutoffIndex < 0 {
		return msgs
	}

	pruneStart := len(msgs)
	for i, m := range msgs {
		if m.Role == "user" {
			pruneStart = i
			break
		}
	}

	totalChars := 0
	for _, m := range msgs {
		totalChars += messageChars(m)
	}

	ratio := float64(totalChars) / float64(charWindow)
	if ratio < pruneSoftTrimRatio {
		return msgs
	}

	var prunableIndexes []int
	for i := pruneStart; i < cutoffIndex; i++ {
		if msgs[i].Role == "tool" && msgs[i].Content != "" {
			prunableIndexes = append(prunableIndexes, i)
		}
	}
	if len(prunableIndexes) == 0 {
		return msgs
	}

	// Pass 1: soft trim, copying lazily.
	var result []providers.Message
	for _, idx := range prunableIndexes {
		msg := msgs[idx]
		msgChars := messageChars(msg)
		if msgChars <= pruneSoftTrimMaxChars {
			continue
		}
		if result == nil {
			result = make([]providers.Message, len(msgs))
			copy(result, msgs)
		}

		head := takeHead(msg.Content, pruneSoftTrimHeadChars)
		tail := takeTail(msg.Content, pruneSoftTrimTailChars)
		trimmed := fmt.Sprintf("%s\n...\n%s\n\n[Tool result trimmed: kept first %d chars and last %d chars of %d chars.]",
			head, tail, pruneSoftTrimHeadChars, pruneSoftTrimTailChars, msgChars)

		result[idx] = providers.Message{
			Role:       msg.Role,
			Content:    trimmed,
			ToolCallID: msg.ToolCallID,
		}
		totalChars += len(trimmed) - msgChars
	}

	output := msgs
	if result != nil {
		output = result
	}

	ratio = float64(totalChars) / float64(charWindow)
	if ratio < pruneHardClearRatio {
		return output
	}

	prunableChars := 0
	for _, idx := range prunableIndexes {
		prunableChars += messageChars(output[idx])
	}
	if prunableChars < pruneMinPrunableToolChars {
		return output
	}

	// Pass 2: hard clear oldest-first until under the hard ratio.
	if result == nil {
		result = make([]providers.Message, len(msgs))
		copy(result, msgs)
		output = result
	}

	for _, idx := range prunableIndexes {
		if ratio < pruneHardClearRatio {
			break
		}
		msg := output[idx]
		beforeChars := messageChars(msg)

		output[idx] = providers.Message{
			Role:       msg.Role,
			Content:    pruneHardClearPlaceholder,
			ToolCallID: msg.ToolCallID,
		}
		totalChars += len(pruneHardClearPlaceholder) - beforeChars
		ratio = float64(totalChars) / float64(charWindow)
	}

	return output
}

// findAssistantCutoff returns the index of the Nth-from-last assistant
// message. Messages at or after this index are protected. Returns -1 when
// fewer than keepLast assistant messages exist.
func findAssistantCutoff(msgs []providers.Message, keepLast int) int {
	if keepLast <= 0 {
		return len(msgs)
	}

	remaining := keepLast
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			remaining--
			if remaining == 0 {
				return i
			}
		}
	}
	return -1
}

func messageChars(m providers.Message) int {
	return utf8.RuneCountInString(m.Content)
}

// takeHead returns the first n runes of s.
func takeHead(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// takeTail returns the last n runes of s.
func takeTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
