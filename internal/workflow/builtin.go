package workflow

import (
	"context"
	"fmt"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// Builtins returns the workflow plugins bundled with the binary. They are
// registered when workflows.builtins is enabled and double as live wiring
// checks for the dispatch and pause paths.
func Builtins() []*Plugin {
	return []*Plugin{EchoPlugin(), ApprovalDemoPlugin()}
}

// EchoPlugin completes immediately, returning its parameters as the result.
func EchoPlugin() *Plugin {
	return NewSequencePlugin("echo", "Echo", "1.0.0",
		"Returns the dispatch parameters unchanged.",
		map[string]interface{}{"type": "object"},
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(a2a.TextPart("echo dispatched")), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			run.SetResult(run.Params())
			return Completed("echoed"), nil
		},
	)
}

// ApprovalDemoPlugin demonstrates the pause/resume cycle: it suspends until
// a resume supplies {approved: bool}.
func ApprovalDemoPlugin() *Plugin {
	pauseSchema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"approved"},
		"properties": map[string]interface{}{
			"approved": map[string]interface{}{"type": "boolean"},
			"note":     map[string]interface{}{"type": "string"},
		},
	}
	return NewSequencePlugin("approval-demo", "Approval Demo", "1.0.0",
		"Pauses for an approval decision, then completes or rejects.",
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action": map[string]interface{}{"type": "string"},
			},
		},
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(a2a.TextPart("approval requested")), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			action, _ := run.Params()["action"].(string)
			if action == "" {
				action = "proceed"
			}
			run.Set("action", action)
			return Working(fmt.Sprintf("awaiting approval to %s", action)), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Pause("approval", "approve or deny the action", pauseSchema), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			approved, _ := run.Input()["approved"].(bool)
			action, _ := run.Get("action")
			if !approved {
				return StatusState(a2a.TaskStateRejected, fmt.Sprintf("%v denied", action)), nil
			}
			run.SetResult(map[string]interface{}{
				"action":   action,
				"approved": true,
			})
			return Completed(fmt.Sprintf("%v approved", action)), nil
		},
	)
}
