package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
)

// Workflow entry-point tools let the model drive the workflow runtime:
// dispatch a plugin, resume a paused task, and inspect task state.

// DispatchWorkflowTool starts a workflow and reports the task ID.
type DispatchWorkflowTool struct {
	handler *workflow.Handler
}

func NewDispatchWorkflowTool(h *workflow.Handler) *DispatchWorkflowTool {
	return &DispatchWorkflowTool{handler: h}
}

func (t *DispatchWorkflowTool) Name() string { return "dispatch_workflow" }

func (t *DispatchWorkflowTool) Description() string {
	return "Start a workflow by ID with the given parameters. Returns the task ID; the task emits status updates until it completes or pauses for input."
}

func (t *DispatchWorkflowTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"workflow": map[string]interface{}{
				"type":        "string",
				"description": "Workflow plugin ID (see list_workflows)",
			},
			"params": map[string]interface{}{
				"type":        "object",
				"description": "Workflow input parameters, validated against the plugin's input schema",
			},
		},
		"required": []string{"workflow"},
	}
}

func (t *DispatchWorkflowTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	workflowID, _ := args["workflow"].(string)
	if workflowID == "" {
		return ErrorResult("workflow parameter is required")
	}
	params, _ := args["params"].(map[string]interface{})
	contextID := ToolContextIDFromCtx(ctx)

	taskID, err := t.handler.DispatchWorkflow(ctx, workflowID, params, contextID, nil)
	if err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			return ErrorResult("invalid parameters: " + verr.Error()).WithError(err)
		}
		return ErrorResult("dispatch failed: " + err.Error()).WithError(err)
	}

	slog.Info("workflow dispatched via tool", "workflow", workflowID, "task", taskID)
	return TaskResult(fmt.Sprintf("Workflow %s dispatched as task %s. Use get_workflow_state to follow it.", workflowID, taskID), taskID)
}

// ResumeWorkflowTool resumes a paused task with user-supplied input.
type ResumeWorkflowTool struct {
	handler *workflow.Handler
}

func NewResumeWorkflowTool(h *workflow.Handler) *ResumeWorkflowTool {
	return &ResumeWorkflowTool{handler: h}
}

func (t *ResumeWorkflowTool) Name() string { return "resume_workflow" }

func (t *ResumeWorkflowTool) Description() string {
	return "Resume a paused (input-required) task with the input it asked for."
}

func (t *ResumeWorkflowTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"taskId": map[string]interface{}{
				"type":        "string",
				"description": "ID of the paused task",
			},
			"input": map[string]interface{}{
				"type":        "object",
				"description": "Resume input matching the task's pending input schema",
			},
		},
		"required": []string{"taskId"},
	}
}

func (t *ResumeWorkflowTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	taskID, _ := args["taskId"].(string)
	if taskID == "" {
		return ErrorResult("taskId parameter is required")
	}
	input, _ := args["input"].(map[string]interface{})

	if err := t.handler.ResumeWorkflow(ctx, taskID, "agent-tool", input); err != nil {
		var serr *workflow.ResumeStateError
		if errors.As(err, &serr) {
			return ErrorResult(serr.Error()).WithError(err)
		}
		return ErrorResult("resume failed: " + err.Error()).WithError(err)
	}

	return TaskResult(fmt.Sprintf("Task %s resumed.", taskID), taskID)
}

// WorkflowStateTool reports a task's current status and pending input
// schema if it is paused.
type WorkflowStateTool struct {
	handler *workflow.Handler
}

func NewWorkflowStateTool(h *workflow.Handler) *WorkflowStateTool {
	return &WorkflowStateTool{handler: h}
}

func (t *WorkflowStateTool) Name() string { return "get_workflow_state" }

func (t *WorkflowStateTool) Description() string {
	return "Get the current state of a task: status, latest message, and the pending input schema when the task is waiting for input."
}

func (t *WorkflowStateTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"taskId": map[string]interface{}{
				"type":        "string",
				"description": "Task ID to inspect",
			},
		},
		"required": []string{"taskId"},
	}
}

func (t *WorkflowStateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	taskID, _ := args["taskId"].(string)
	if taskID == "" {
		return ErrorResult("taskId parameter is required")
	}

	rec, err := t.handler.Store().Get(ctx, taskID)
	if err != nil {
		return ErrorResult("task not found: " + taskID).WithError(err)
	}

	view := map[string]interface{}{
		"taskId":    rec.ID,
		"contextId": rec.ContextID,
		"state":     rec.Status.State,
	}
	if rec.Status.Message != nil {
		view["message"] = rec.Status.Message.Text()
	}
	if schema := t.handler.Runtime().PendingSchema(taskID); schema != nil {
		view["pendingInputSchema"] = schema
	}
	if n := len(rec.Artifacts); n > 0 {
		view["artifacts"] = n
	}

	data, _ := json.MarshalIndent(view, "", "  ")
	return TaskResult(string(data), taskID)
}

// ListWorkflowsTool lists registered workflow plugins.
type ListWorkflowsTool struct {
	runtime *workflow.Runtime
}

func NewListWorkflowsTool(rt *workflow.Runtime) *ListWorkflowsTool {
	return &ListWorkflowsTool{runtime: rt}
}

func (t *ListWorkflowsTool) Name() string { return "list_workflows" }

func (t *ListWorkflowsTool) Description() string {
	return "List the registered workflow plugins with their IDs, descriptions, and input schemas."
}

func (t *ListWorkflowsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListWorkflowsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	plugins := t.runtime.Plugins()
	if len(plugins) == 0 {
		return NewResult("No workflows are registered.")
	}
	data, _ := json.MarshalIndent(plugins, "", "  ")
	return NewResult(string(data))
}

// RegisterWorkflowTools registers the workflow entry-point tools on a
// registry.
func RegisterWorkflowTools(reg *Registry, h *workflow.Handler) {
	reg.Register(NewDispatchWorkflowTool(h))
	reg.Register(NewResumeWorkflowTool(h))
	reg.Register(NewWorkflowStateTool(h))
	reg.Register(NewListWorkflowsTool(h.Runtime()))
}
