package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// newWorkflowHandler builds a handler with a confirmation-style plugin:
// ack, pause for approval, complete.
func newWorkflowHandler(t *testing.T) *workflow.Handler {
	t.Helper()
	store := task.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	h := workflow.NewHandler(workflow.NewRuntime(), store, bus.NewManager())

	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"token"},
		"properties": map[string]interface{}{
			"token": map[string]interface{}{"type": "string"},
		},
	}
	pauseSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"approved": map[string]interface{}{"type": "boolean"},
		},
	}
	p := workflow.NewSequencePlugin("bridge", "Bridge", "1.0.0", "Bridges tokens after confirmation", schema,
		func(ctx context.Context, run *workflow.Run) (workflow.State, error) {
			return workflow.DispatchResponse(a2a.TextPart("bridge dispatched")), nil
		},
		func(ctx context.Context, run *workflow.Run) (workflow.State, error) {
			return workflow.Pause("confirmation", "approve the bridge", pauseSchema), nil
		},
		func(ctx context.Context, run *workflow.Run) (workflow.State, error) {
			return workflow.Completed("bridge executed"), nil
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}
	return h
}

// waitForState polls the store until the task reaches the wanted state.
func waitForState(t *testing.T, h *workflow.Handler, taskID string, want a2a.TaskState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := h.Store().Get(context.Background(), taskID)
		if err == nil && rec.Status.State == want {
			return
		}
		if time.Now().After(deadline) {
			state := a2a.TaskState("missing")
			if err == nil {
				state = rec.Status.State
			}
			t.Fatalf("task %s never reached %s (last: %s)", taskID, want, state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatchWorkflowTool_StartsTask(t *testing.T) {
	h := newWorkflowHandler(t)
	tool := NewDispatchWorkflowTool(h)

	ctx := WithToolContextID(context.Background(), "ctx-chat")
	result := tool.Execute(ctx, map[string]interface{}{
		"workflow": "bridge",
		"params":   map[string]interface{}{"token": "ARB"},
	})

	if result.IsError {
		t.Fatalf("dispatch errored: %s", result.ForLLM)
	}
	if result.TaskID == "" {
		t.Fatal("result carries no task id")
	}

	waitForState(t, h, result.TaskID, a2a.TaskStateInputRequired)

	rec, err := h.Store().Get(context.Background(), result.TaskID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if rec.ContextID != "ctx-chat" {
		t.Errorf("contextID = %s, want ctx-chat from tool context", rec.ContextID)
	}
}

func TestDispatchWorkflowTool_MissingWorkflowParam(t *testing.T) {
	h := newWorkflowHandler(t)
	tool := NewDispatchWorkflowTool(h)

	result := tool.Execute(context.Background(), map[string]interface{}{})
	if !result.IsError {
		t.Error("missing workflow param should error")
	}
}

func TestDispatchWorkflowTool_ValidationFailure(t *testing.T) {
	h := newWorkflowHandler(t)
	tool := NewDispatchWorkflowTool(h)

	// Schema requires "token"; dispatch without it.
	result := tool.Execute(context.Background(), map[string]interface{}{
		"workflow": "bridge",
		"params":   map[string]interface{}{},
	})
	if !result.IsError {
		t.Fatal("schema violation should produce an error result")
	}
	if !strings.Contains(result.ForLLM, "invalid parameters") {
		t.Errorf("error should surface validation detail, got: %s", result.ForLLM)
	}
}

func TestDispatchWorkflowTool_UnknownWorkflow(t *testing.T) {
	h := newWorkflowHandler(t)
	tool := NewDispatchWorkflowTool(h)

	result := tool.Execute(context.Background(), map[string]interface{}{
		"workflow": "ghost",
	})
	if !result.IsError {
		t.Error("unknown workflow should produce an error result")
	}
}

func TestResumeWorkflowTool_CompletesPausedTask(t *testing.T) {
	h := newWorkflowHandler(t)
	dispatch := NewDispatchWorkflowTool(h)
	resume := NewResumeWorkflowTool(h)

	result := dispatch.Execute(context.Background(), map[string]interface{}{
		"workflow": "bridge",
		"params":   map[string]interface{}{"token": "ARB"},
	})
	if result.IsError {
		t.Fatalf("dispatch errored: %s", result.ForLLM)
	}
	taskID := result.TaskID
	waitForState(t, h, taskID, a2a.TaskStateInputRequired)

	rres := resume.Execute(context.Background(), map[string]interface{}{
		"taskId": taskID,
		"input":  map[string]interface{}{"approved": true},
	})
	if rres.IsError {
		t.Fatalf("resume errored: %s", rres.ForLLM)
	}

	waitForState(t, h, taskID, a2a.TaskStateCompleted)
}

func TestResumeWorkflowTool_RejectsNonPausedTask(t *testing.T) {
	h := newWorkflowHandler(t)
	resume := NewResumeWorkflowTool(h)
	ctx := context.Background()

	rec := task.New("t-running", "ctx-1")
	if err := h.Store().Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Store().UpdateStatus(ctx, "t-running", a2a.NewStatus(a2a.TaskStateWorking, nil)); err != nil {
		t.Fatalf("update: %v", err)
	}

	result := resume.Execute(ctx, map[string]interface{}{"taskId": "t-running"})
	if !result.IsError {
		t.Fatal("resuming a working task should error")
	}
	if !strings.Contains(result.ForLLM, "cannot resume from state working") {
		t.Errorf("error should name the blocking state, got: %s", result.ForLLM)
	}
}

func TestWorkflowStateTool_ReportsPauseSchema(t *testing.T) {
	h := newWorkflowHandler(t)
	dispatch := NewDispatchWorkflowTool(h)
	state := NewWorkflowStateTool(h)

	result := dispatch.Execute(context.Background(), map[string]interface{}{
		"workflow": "bridge",
		"params":   map[string]interface{}{"token": "ARB"},
	})
	if result.IsError {
		t.Fatalf("dispatch errored: %s", result.ForLLM)
	}
	taskID := result.TaskID
	waitForState(t, h, taskID, a2a.TaskStateInputRequired)

	sres := state.Execute(context.Background(), map[string]interface{}{"taskId": taskID})
	if sres.IsError {
		t.Fatalf("state errored: %s", sres.ForLLM)
	}
	if !strings.Contains(sres.ForLLM, "input-required") {
		t.Errorf("state view should show input-required, got: %s", sres.ForLLM)
	}
	if !strings.Contains(sres.ForLLM, "pendingInputSchema") {
		t.Errorf("paused task view should include the pending schema, got: %s", sres.ForLLM)
	}
	if !strings.Contains(sres.ForLLM, "approve the bridge") {
		t.Errorf("state view should carry the pause message, got: %s", sres.ForLLM)
	}
}

func TestWorkflowStateTool_UnknownTask(t *testing.T) {
	h := newWorkflowHandler(t)
	state := NewWorkflowStateTool(h)

	result := state.Execute(context.Background(), map[string]interface{}{"taskId": "missing"})
	if !result.IsError {
		t.Error("unknown task should produce an error result")
	}
}

func TestListWorkflowsTool(t *testing.T) {
	rt := workflow.NewRuntime()
	tool := NewListWorkflowsTool(rt)

	result := tool.Execute(context.Background(), nil)
	if result.IsError || !strings.Contains(result.ForLLM, "No workflows") {
		t.Errorf("empty runtime should report no workflows, got: %s", result.ForLLM)
	}

	p := workflow.NewSequencePlugin("swap", "Swap", "2.0.0", "", nil,
		func(ctx context.Context, run *workflow.Run) (workflow.State, error) {
			return workflow.Completed(""), nil
		},
	)
	if err := rt.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	result = tool.Execute(context.Background(), nil)
	if !strings.Contains(result.ForLLM, `"swap"`) {
		t.Errorf("listing should include the registered plugin, got: %s", result.ForLLM)
	}
}

func TestRegisterWorkflowTools_MatchesGroup(t *testing.T) {
	h := newWorkflowHandler(t)
	reg := NewRegistry()
	RegisterWorkflowTools(reg, h)

	// The registered set must line up with the built-in tool group so
	// allow/deny specs using group:workflow resolve correctly.
	for _, name := range toolGroups["workflow"] {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("group member %s not registered", name)
		}
	}
	if reg.Count() != len(toolGroups["workflow"]) {
		t.Errorf("registered %d tools, group lists %d", reg.Count(), len(toolGroups["workflow"]))
	}
}
