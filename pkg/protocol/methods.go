package protocol

// RPC method names carried in RequestFrame.Method. The task and message
// methods mirror the A2A JSON-RPC surface; workflow/* are the direct
// workflow-control extensions.
const (
	MethodPing = "ping"

	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"

	MethodWorkflowList     = "workflow/list"
	MethodWorkflowDispatch = "workflow/dispatch"
	MethodWorkflowResume   = "workflow/resume"
	MethodWorkflowState    = "workflow/state"
)
