package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
)

// CardHandler serves the agent card at the well-known discovery paths.
// The card is public: discovery is the point, auth guards the RPC
// endpoints.
type CardHandler struct {
	engine *agent.Engine
}

func NewCardHandler(engine *agent.Engine) *CardHandler {
	return &CardHandler{engine: engine}
}

func (h *CardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.engine.Card()); err != nil {
		slog.Warn("encode agent card failed", "error", err)
	}
}
