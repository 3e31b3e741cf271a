package methods

import (
	"context"
	"encoding/json"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

// TaskMethods handles tasks/get, tasks/cancel, and tasks/resubscribe.
type TaskMethods struct {
	handler *workflow.Handler
}

func NewTaskMethods(handler *workflow.Handler) *TaskMethods {
	return &TaskMethods{handler: handler}
}

// Register adds task methods to the router.
func (m *TaskMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodTasksGet, m.handleGet)
	router.Register(protocol.MethodTasksCancel, m.handleCancel)
	router.Register(protocol.MethodTasksResubscribe, m.handleResubscribe)
}

func (m *TaskMethods) handleGet(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params a2a.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}

	snap, err := m.handler.Store().Get(ctx, params.ID)
	if err != nil {
		client.SendResponse(errorResponse(req.ID, err, protocol.ErrInternal))
		return
	}
	if params.HistoryLength > 0 && len(snap.History) > params.HistoryLength {
		snap.History = snap.History[len(snap.History)-params.HistoryLength:]
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, snap))
}

func (m *TaskMethods) handleCancel(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params a2a.TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}

	snap, err := m.handler.CancelTask(ctx, params.ID)
	if err != nil {
		client.SendResponse(errorResponse(req.ID, err, protocol.ErrInternal))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, snap))
}

// handleResubscribe replies with the task's current snapshot, then streams
// the events that follow it. Unlike message/stream, the forwarding rides
// through pauses: watchers keep the stream across resume cycles.
func (m *TaskMethods) handleResubscribe(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params a2a.TaskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if params.ID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "id is required"))
		return
	}

	snap, sub, err := m.handler.Resubscribe(ctx, params.ID)
	if err != nil {
		client.SendResponse(errorResponse(req.ID, err, protocol.ErrInternal))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, snap))
	if sub != nil {
		go func() {
			defer sub.Close()
			gateway.ForwardTask(client, sub.Events, false)
		}()
	}
}
