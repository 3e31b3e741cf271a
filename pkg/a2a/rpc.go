package a2a

import "encoding/json"

// JSON-RPC method names.
const (
	MethodMessageSend      = "message/send"
	MethodMessageStream    = "message/stream"
	MethodTasksGet         = "tasks/get"
	MethodTasksCancel      = "tasks/cancel"
	MethodTasksResubscribe = "tasks/resubscribe"

	// Vibekit extensions for direct workflow control.
	MethodWorkflowList     = "workflow/list"
	MethodWorkflowDispatch = "workflow/dispatch"
	MethodWorkflowResume   = "workflow/resume"
	MethodWorkflowState    = "workflow/state"
)

// JSON-RPC error codes (standard range plus protocol-assigned codes).
const (
	CodeParseError             = -32700
	CodeInvalidRequest         = -32600
	CodeMethodNotFound         = -32601
	CodeInvalidParams          = -32602
	CodeInternalError          = -32603
	CodeTaskNotFound           = -32001
	CodeTaskNotCancelable      = -32002
	CodePushNotifyNotSupported = -32003
	CodeUnsupportedOperation   = -32004
	CodeContentTypeNotAccepted = -32005
	CodeInvalidAgentResponse   = -32006
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewResponse builds a success response for the given request id.
func NewResponse(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id interface{}, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// MessageSendParams is the params shape for message/send and message/stream.
type MessageSendParams struct {
	Message       Message                `json:"message"`
	Configuration *SendConfiguration     `json:"configuration,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// SendConfiguration tunes how a message is handled.
type SendConfiguration struct {
	Blocking      bool `json:"blocking,omitempty"`
	HistoryLength int  `json:"historyLength,omitempty"`
}

// TaskQueryParams selects a task, optionally limiting returned history.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength int    `json:"historyLength,omitempty"`
}

// TaskIDParams names a task by id only.
type TaskIDParams struct {
	ID string `json:"id"`
}

// WorkflowDispatchParams starts a workflow directly, bypassing the LLM.
type WorkflowDispatchParams struct {
	WorkflowID string                 `json:"workflowId"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	ContextID  string                 `json:"contextId,omitempty"`
}

// WorkflowResumeParams resumes a paused workflow task with input.
type WorkflowResumeParams struct {
	TaskID string                 `json:"taskId"`
	Input  map[string]interface{} `json:"input,omitempty"`
}
