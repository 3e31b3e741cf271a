package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// sseKeepaliveInterval is how often a comment line is written to an idle
// stream so intermediaries do not drop the connection.
const sseKeepaliveInterval = 30 * time.Second

// StreamHandler handles POST /a2a/stream: the SSE streaming surface.
// Methods: message/stream (events until final or pause) and
// tasks/resubscribe (snapshot, then live events until final).
type StreamHandler struct {
	engine      *agent.Engine
	token       string
	rateLimiter func(string) bool
}

func NewStreamHandler(engine *agent.Engine, token string) *StreamHandler {
	return &StreamHandler{engine: engine, token: token}
}

// SetRateLimiter sets the rate limiter function shared with the gateway.
func (h *StreamHandler) SetRateLimiter(fn func(string) bool) {
	h.rateLimiter = fn
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !tokenMatch(extractBearerToken(r), h.token) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter(rateKey(r)) {
		w.Header().Set("Retry-After", "60")
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req a2a.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, a2a.NewErrorResponse(nil, a2a.CodeParseError, "invalid JSON: "+err.Error()))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	switch req.Method {
	case a2a.MethodMessageStream:
		h.messageStream(w, r, flusher, &req)
	case a2a.MethodTasksResubscribe:
		h.resubscribe(w, r, flusher, &req)
	default:
		writeRPC(w, a2a.NewErrorResponse(req.ID, a2a.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}
}

func (h *StreamHandler) messageStream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req *a2a.Request) {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPC(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "invalid params: "+err.Error()))
		return
	}

	d, err := h.engine.HandleMessageStream(r.Context(), &params.Message)
	if err != nil {
		writeRPC(w, rpcError(req.ID, err))
		return
	}
	defer d.Close()

	startSSE(w)
	// The snapshot goes first so the client learns the task id before
	// any status update arrives.
	if snap, err := h.engine.Handler().Store().Get(r.Context(), d.TaskID); err == nil {
		writeSSEEvent(w, flusher, a2a.NewResponse(req.ID, snap))
	}
	forwardSSE(r.Context(), w, flusher, req.ID, d.Events, true)
}

func (h *StreamHandler) resubscribe(w http.ResponseWriter, r *http.Request, flusher http.Flusher, req *a2a.Request) {
	var params a2a.TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPC(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "invalid params: "+err.Error()))
		return
	}
	if params.ID == "" {
		writeRPC(w, a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "id is required"))
		return
	}

	snap, sub, err := h.engine.Handler().Resubscribe(r.Context(), params.ID)
	if err != nil {
		writeRPC(w, rpcError(req.ID, err))
		return
	}
	defer sub.Close()

	startSSE(w)
	writeSSEEvent(w, flusher, a2a.NewResponse(req.ID, snap))
	if sub != nil {
		forwardSSE(r.Context(), w, flusher, req.ID, sub.Events, false)
	}
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// forwardSSE relays bus events to the response as JSON-RPC envelopes until
// the final status update, the stream closing, or the client going away.
// With stopAtPause set an input-required status also ends the stream.
func forwardSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, id interface{}, events <-chan bus.Envelope, stopAtPause bool) {
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, flusher, a2a.NewResponse(id, env.Event))
			if st, ok := env.Event.(*a2a.TaskStatusUpdateEvent); ok {
				if st.Final {
					return
				}
				if stopAtPause && st.Status.State == a2a.TaskStateInputRequired {
					return
				}
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, resp *a2a.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("marshal sse event failed", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
