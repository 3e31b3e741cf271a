package agent

import (
	"sync"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
)

const defaultHistoryLimit = 40

// historyStore keeps recent chat messages per context in memory. Task
// records in the store are the durable trail; this is only the live
// prompt window, so losing it on restart is fine.
type historyStore struct {
	mu    sync.Mutex
	limit int
	byCtx map[string][]providers.Message
}

func newHistoryStore(limit int) *historyStore {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &historyStore{limit: limit, byCtx: make(map[string][]providers.Message)}
}

// Append adds messages to a context's history, trimming the oldest
// entries past the limit. Leading tool results left orphaned by the trim
// are dropped too.
func (h *historyStore) Append(contextID string, msgs ...providers.Message) {
	if contextID == "" || len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := append(h.byCtx[contextID], msgs...)
	if len(hist) > h.limit {
		hist = hist[len(hist)-h.limit:]
	}
	for len(hist) > 0 && hist[0].Role == "tool" {
		hist = hist[1:]
	}
	h.byCtx[contextID] = hist
}

// Get returns a copy of a context's history.
func (h *historyStore) Get(contextID string) []providers.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := h.byCtx[contextID]
	if len(hist) == 0 {
		return nil
	}
	out := make([]providers.Message, len(hist))
	copy(out, hist)
	return out
}

// Clear drops a context's history.
func (h *historyStore) Clear(contextID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byCtx, contextID)
}

// Contexts returns the number of contexts with live history.
func (h *historyStore) Contexts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byCtx)
}
