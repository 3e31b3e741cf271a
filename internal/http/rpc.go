package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// maxRequestBodySize caps JSON-RPC request bodies (1MB).
const maxRequestBodySize = 1 << 20

// RPCHandler handles POST /a2a: the single-response JSON-RPC surface.
// Methods: message/send, tasks/get, tasks/cancel, workflow/list.
type RPCHandler struct {
	engine      *agent.Engine
	token       string
	rateLimiter func(string) bool // key → allowed (nil = no limit)
}

func NewRPCHandler(engine *agent.Engine, token string) *RPCHandler {
	return &RPCHandler{engine: engine, token: token}
}

// SetRateLimiter sets the rate limiter function shared with the gateway.
func (h *RPCHandler) SetRateLimiter(fn func(string) bool) {
	h.rateLimiter = fn
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Auth check (timing-safe comparison)
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

	slog.Debug("a2a request", "method", req.Method, "id", req.ID)
	writeRPC(w, h.dispatch(r.Context(), &req))
}

func (h *RPCHandler) dispatch(ctx context.Context, req *a2a.Request) *a2a.Response {
	switch req.Method {
	case a2a.MethodMessageSend:
		return h.messageSend(ctx, req)
	case a2a.MethodTasksGet:
		return h.tasksGet(ctx, req)
	case a2a.MethodTasksCancel:
		return h.tasksCancel(ctx, req)
	case a2a.MethodWorkflowList:
		return a2a.NewResponse(req.ID, map[string]interface{}{
			"workflows": h.engine.Handler().Runtime().Plugins(),
		})
	default:
		return a2a.NewErrorResponse(req.ID, a2a.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *RPCHandler) messageSend(ctx context.Context, req *a2a.Request) *a2a.Response {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "invalid params: "+err.Error())
	}

	historyLength := 0
	if params.Configuration != nil {
		historyLength = params.Configuration.HistoryLength
	}

	if params.Configuration != nil && params.Configuration.Blocking {
		d, err := h.engine.HandleMessageStream(ctx, &params.Message)
		if err != nil {
			return rpcError(req.ID, err)
		}
		defer d.Close()
		drainUntilSettled(ctx, d.Events)
		return h.taskResponse(ctx, req.ID, d.TaskID, historyLength)
	}

	d, err := h.engine.HandleMessage(ctx, &params.Message)
	if err != nil {
		return rpcError(req.ID, err)
	}
	return h.taskResponse(ctx, req.ID, d.TaskID, historyLength)
}

func (h *RPCHandler) tasksGet(ctx context.Context, req *a2a.Request) *a2a.Response {
	var params a2a.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "invalid params: "+err.Error())
	}
	if params.ID == "" {
		return a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "id is required")
	}

	snap, err := h.engine.Handler().Store().Get(ctx, params.ID)
	if err != nil {
		return rpcError(req.ID, err)
	}
	if params.HistoryLength > 0 && len(snap.History) > params.HistoryLength {
		snap.History = snap.History[len(snap.History)-params.HistoryLength:]
	}
	return a2a.NewResponse(req.ID, snap)
}

func (h *RPCHandler) tasksCancel(ctx context.Context, req *a2a.Request) *a2a.Response {
	var params a2a.TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "invalid params: "+err.Error())
	}
	if params.ID == "" {
		return a2a.NewErrorResponse(req.ID, a2a.CodeInvalidParams, "id is required")
	}

	snap, err := h.engine.Handler().CancelTask(ctx, params.ID)
	if err != nil {
		return rpcError(req.ID, err)
	}
	return a2a.NewResponse(req.ID, snap)
}

func (h *RPCHandler) taskResponse(ctx context.Context, id interface{}, taskID string, historyLength int) *a2a.Response {
	snap, err := h.engine.Handler().Store().Get(ctx, taskID)
	if err != nil {
		return rpcError(id, err)
	}
	if historyLength > 0 && len(snap.History) > historyLength {
		snap.History = snap.History[len(snap.History)-historyLength:]
	}
	return a2a.NewResponse(id, snap)
}

// drainUntilSettled consumes events until the task reaches a final or
// paused status, the stream closes, or the request context ends.
func drainUntilSettled(ctx context.Context, events <-chan bus.Envelope) {
	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			if st, ok := env.Event.(*a2a.TaskStatusUpdateEvent); ok {
				if st.Final || st.Status.State == a2a.TaskStateInputRequired {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// rpcError maps domain errors onto JSON-RPC error codes.
func rpcError(id interface{}, err error) *a2a.Response {
	var (
		ve  *workflow.ValidationError
		rse *workflow.ResumeStateError
	)
	switch {
	case errors.As(err, &ve):
		resp := a2a.NewErrorResponse(id, a2a.CodeInvalidParams, ve.Error())
		resp.Error.Data = ve.Fields
		return resp
	case errors.As(err, &rse):
		return a2a.NewErrorResponse(id, a2a.CodeUnsupportedOperation, err.Error())
	case errors.Is(err, task.ErrNotFound), errors.Is(err, workflow.ErrNoActiveWorkflow):
		return a2a.NewErrorResponse(id, a2a.CodeTaskNotFound, err.Error())
	case errors.Is(err, task.ErrNotCancelable):
		return a2a.NewErrorResponse(id, a2a.CodeTaskNotCancelable, err.Error())
	case errors.Is(err, workflow.ErrUnknownPlugin):
		return a2a.NewErrorResponse(id, a2a.CodeInvalidParams, err.Error())
	default:
		return a2a.NewErrorResponse(id, a2a.CodeInvalidRequest, err.Error())
	}
}

func writeRPC(w http.ResponseWriter, resp *a2a.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("encode rpc response failed", "error", err)
	}
}
