package providers

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("empty string should be 0 tokens")
	}
	short := EstimateTokens("swap ten tokens")
	long := EstimateTokens(strings.Repeat("swap ten tokens on arbitrum ", 20))
	if short <= 0 {
		t.Errorf("short estimate = %d, want > 0", short)
	}
	if long <= short {
		t.Errorf("longer text should cost more tokens: %d vs %d", long, short)
	}
}

func TestEstimateMessageTokens_IncludesToolCalls(t *testing.T) {
	plain := Message{Role: "assistant", Content: "done"}
	withCall := Message{
		Role:    "assistant",
		Content: "done",
		ToolCalls: []ToolCall{{
			Name:      "dispatch_workflow",
			Arguments: map[string]interface{}{"workflow": "swap", "params": map[string]interface{}{"token": "ARB"}},
		}},
	}
	if EstimateMessageTokens(withCall) <= EstimateMessageTokens(plain) {
		t.Error("tool call payload should add to the estimate")
	}
}

func TestTrimMessages_UnderBudgetUntouched(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "prompt"},
		{Role: "user", Content: "hello there"},
	}
	out := TrimMessages(msgs, 1_000_000)
	if len(out) != 2 {
		t.Errorf("under-budget conversation should be untouched, got %d messages", len(out))
	}
}

func TestTrimMessages_KeepsSystemDropsOldest(t *testing.T) {
	filler := strings.Repeat("arbitrum swap lending bridge quote ", 30)
	msgs := []Message{{Role: "system", Content: "system prompt"}}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, Message{Role: "user", Content: filler})
		msgs = append(msgs, Message{Role: "assistant", Content: filler})
	}
	msgs = append(msgs, Message{Role: "user", Content: "latest question"})

	budget := EstimateTotalTokens(msgs) / 3
	out := TrimMessages(msgs, budget)

	if len(out) >= len(msgs) {
		t.Fatalf("nothing trimmed: %d messages", len(out))
	}
	if out[0].Role != "system" {
		t.Error("system prompt must survive trimming")
	}
	if out[len(out)-1].Content != "latest question" {
		t.Error("most recent message should survive")
	}
	if got := EstimateTotalTokens(out); got > budget {
		t.Errorf("still over budget: %d > %d", got, budget)
	}
}

func TestTrimMessages_DropsToolPairsTogether(t *testing.T) {
	filler := strings.Repeat("quote data ", 50)
	msgs := []Message{
		{Role: "system", Content: "prompt"},
		{Role: "user", Content: filler},
		{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "c1", Name: "get_quote", Arguments: map[string]interface{}{}}}},
		{Role: "tool", Content: filler, ToolCallID: "c1"},
		{Role: "assistant", Content: filler},
		{Role: "user", Content: "and now?"},
	}

	// Budget that forces dropping through the tool call pair.
	out := TrimMessages(msgs, EstimateTotalTokens(msgs)/4)

	for i, m := range out {
		if m.Role != "tool" {
			continue
		}
		if i == 0 || len(out[i-1].ToolCalls) == 0 {
			t.Errorf("orphan tool message at %d: %+v", i, m)
		}
	}
}
