package tools

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	TaskID  string `json:"task_id,omitempty"`  // task spawned by this call, if any
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`           // marks error
	Err     error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

// TaskResult marks a result that spawned or touched a task, so callers
// can attach the task's event stream.
func TaskResult(forLLM, taskID string) *Result {
	return &Result{ForLLM: forLLM, TaskID: taskID}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
