package methods

import (
	"context"
	"encoding/json"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

// WorkflowMethods handles the direct workflow-control surface:
// workflow/list, workflow/dispatch, workflow/resume, workflow/state.
// Dispatch and resume bypass the agent loop entirely.
type WorkflowMethods struct {
	handler     *workflow.Handler
	rateLimiter *gateway.RateLimiter
}

func NewWorkflowMethods(handler *workflow.Handler, rl *gateway.RateLimiter) *WorkflowMethods {
	return &WorkflowMethods{handler: handler, rateLimiter: rl}
}

// Register adds workflow methods to the router.
func (m *WorkflowMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodWorkflowList, m.handleList)
	router.Register(protocol.MethodWorkflowDispatch, m.handleDispatch)
	router.Register(protocol.MethodWorkflowResume, m.handleResume)
	router.Register(protocol.MethodWorkflowState, m.handleState)
}

func (m *WorkflowMethods) handleList(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"workflows": m.handler.Runtime().Plugins(),
	}))
}

type workflowDispatchParams struct {
	WorkflowID string                 `json:"workflowId"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	ContextID  string                 `json:"contextId,omitempty"`
	Stream     bool                   `json:"stream,omitempty"`
}

func (m *WorkflowMethods) handleDispatch(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if !allow(m.rateLimiter, client) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded"))
		return
	}

	var params workflowDispatchParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if params.WorkflowID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "workflowId is required"))
		return
	}

	if params.Stream {
		sub, err := m.handler.DispatchAndSubscribe(ctx, params.WorkflowID, params.Parameters, params.ContextID, nil)
		if err != nil {
			client.SendResponse(errorResponse(req.ID, err, protocol.ErrInvalidRequest))
			return
		}
		m.ackTask(client, req.ID, sub.TaskID, sub.ContextID)
		go func() {
			defer sub.Close()
			gateway.ForwardTask(client, sub.Events, true)
		}()
		return
	}

	taskID, err := m.handler.DispatchWorkflow(ctx, params.WorkflowID, params.Parameters, params.ContextID, nil)
	if err != nil {
		client.SendResponse(errorResponse(req.ID, err, protocol.ErrInvalidRequest))
		return
	}
	contextID := params.ContextID
	if contextID == "" {
		if rec, err := m.handler.Store().Get(ctx, taskID); err == nil {
			contextID = rec.ContextID
		}
	}
	m.ackTask(client, req.ID, taskID, contextID)
}

type workflowResumeParams struct {
	TaskID string                 `json:"taskId"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Stream bool                   `json:"stream,omitempty"`
}

func (m *WorkflowMethods) handleResume(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if !allow(m.rateLimiter, client) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded"))
		return
	}

	var params workflowResumeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return
	}
	if params.TaskID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "taskId is required"))
		return
	}

	if params.Stream {
		sub, err := m.handler.ResumeAndSubscribe(ctx, params.TaskID, "gateway", params.Input)
		if err != nil {
			client.SendResponse(errorResponse(req.ID, err, protocol.ErrInvalidRequest))
			return
		}
		m.ackTask(client, req.ID, sub.TaskID, sub.ContextID)
		go func() {
			defer sub.Close()
			gateway.ForwardTask(client, sub.Events, true)
		}()
		return
	}

	if err := m.handler.ResumeWorkflow(ctx, params.TaskID, "gateway", params.Input); err != nil {
		client.SendResponse(errorResponse(req.ID, err, protocol.ErrInvalidRequest))
		return
	}
	contextID := ""
	if rec, err := m.handler.Store().Get(ctx, params.TaskID); err == nil {
		contextID = rec.ContextID
	}
	m.ackTask(client, req.ID, params.TaskID, contextID)
}

// handleState reports where a task stands: the stored status, whether the
// runtime still holds a live handle, and the pause input schema when the
// task is waiting for input.
func (m *WorkflowMethods) handleState(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params a2a.TaskIDParams
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

	_, live := m.handler.GetTaskState(params.ID)
	payload := map[string]interface{}{
		"taskId":    snap.ID,
		"contextId": snap.ContextID,
		"state":     snap.Status.State,
		"live":      live,
	}
	if schema := m.handler.Runtime().PendingSchema(params.ID); schema != nil {
		payload["pauseSchema"] = schema
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, payload))
}

func (m *WorkflowMethods) ackTask(client *gateway.Client, reqID, taskID, contextID string) {
	client.SendResponse(protocol.NewOKResponse(reqID, map[string]interface{}{
		"taskId":    taskID,
		"contextId": contextID,
	}))
}
