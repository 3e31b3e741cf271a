package agent

import (
	"fmt"
	"testing"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
)

func TestHistoryStore_AppendAndGet(t *testing.T) {
	h := newHistoryStore(10)
	h.Append("ctx-1", msg("user", "hi"), msg("assistant", "hello"))
	h.Append("ctx-2", msg("user", "other"))

	got := h.Get("ctx-1")
	if len(got) != 2 || got[0].Content != "hi" || got[1].Content != "hello" {
		t.Fatalf("history = %+v", got)
	}
	if len(h.Get("ctx-2")) != 1 {
		t.Error("contexts must not share history")
	}

	// Mutating the returned copy must not touch the store.
	got[0].Content = "changed"
	if h.Get("ctx-1")[0].Content != "hi" {
		t.Error("Get returned a shared slice")
	}
}

func TestHistoryStore_TrimsToLimit(t *testing.T) {
	h := newHistoryStore(4)
	for i := 0; i < 10; i++ {
		h.Append("ctx", msg("user", fmt.Sprintf("q%d", i)), msg("assistant", fmt.Sprintf("a%d", i)))
	}
	got := h.Get("ctx")
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Content != "q8" || got[3].Content != "a9" {
		t.Errorf("window = %+v", got)
	}
}

func TestHistoryStore_DropsOrphanToolResults(t *testing.T) {
	h := newHistoryStore(2)
	h.Append("ctx",
		msg("user", "q"),
		providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c"}}},
		providers.Message{Role: "tool", Content: "result", ToolCallID: "c"},
		msg("assistant", "done"),
	)
	// Trim to 2 leaves a leading tool result; that gets dropped too.
	got := h.Get("ctx")
	if len(got) != 1 || got[0].Role != "assistant" || got[0].Content != "done" {
		t.Fatalf("history = %+v", got)
	}
}

func TestHistoryStore_ClearAndEmpty(t *testing.T) {
	h := newHistoryStore(0) // 0 falls back to the default limit
	if h.limit != defaultHistoryLimit {
		t.Errorf("limit = %d", h.limit)
	}
	if h.Get("missing") != nil {
		t.Error("missing context should return nil")
	}

	h.Append("ctx", msg("user", "hi"))
	h.Clear("ctx")
	if h.Get("ctx") != nil {
		t.Error("history survived Clear")
	}
	h.Append("", msg("user", "dropped"))
	if h.Contexts() != 0 {
		t.Error("empty context id must not be stored")
	}
}
