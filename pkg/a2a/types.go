// Package a2a defines the agent-to-agent protocol types served by the
// Vibekit HTTP and WebSocket surfaces: tasks, messages, artifacts, streaming
// update events, the JSON-RPC envelope, and the published agent card.
package a2a

import "time"

// TaskState enumerates the protocol-visible lifecycle states of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateRejected      TaskState = "rejected"
)

// Terminal reports whether a task in this state can never change state again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// CanTransition reports whether the task state machine permits moving from s
// to next: submitted → working → (input-required ⇄ working)* → terminal.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskStateSubmitted:
		return next == TaskStateWorking || next == TaskStateRejected ||
			next == TaskStateFailed || next == TaskStateCanceled || next == TaskStateCompleted
	case TaskStateWorking:
		return next == TaskStateInputRequired || next.Terminal()
	case TaskStateInputRequired:
		return next == TaskStateWorking || next == TaskStateCanceled || next == TaskStateFailed
	}
	return false
}

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Part kinds.
const (
	PartKindText = "text"
	PartKindData = "data"
	PartKindFile = "file"
)

// Part is one piece of message or artifact content. Exactly one of the
// kind-specific fields is set, selected by Kind.
type Part struct {
	Kind     string                 `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	File     *FileContent           `json:"file,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FileContent describes a file part, either by URI or inline base64 bytes.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]interface{}) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Message is a single conversational turn between user and agent.
type Message struct {
	Kind      string                 `json:"kind"` // always "message"
	MessageID string                 `json:"messageId"`
	Role      string                 `json:"role"`
	Parts     []Part                 `json:"parts"`
	TaskID    string                 `json:"taskId,omitempty"`
	ContextID string                 `json:"contextId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Text returns the concatenated text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			out += p.Text
		}
	}
	return out
}

// FirstData returns the first data part's payload, or nil.
func (m *Message) FirstData() map[string]interface{} {
	for _, p := range m.Parts {
		if p.Kind == PartKindData && p.Data != nil {
			return p.Data
		}
	}
	return nil
}

// NewAgentMessage builds an agent-role message from parts.
func NewAgentMessage(id string, parts ...Part) *Message {
	return &Message{Kind: "message", MessageID: id, Role: RoleAgent, Parts: parts}
}

// TaskStatus is the current status of a task plus an optional explanatory
// message from the agent.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"` // RFC3339
}

// NewStatus builds a timestamped status.
func NewStatus(state TaskState, msg *Message) TaskStatus {
	return TaskStatus{
		State:     state,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Artifact is a named output produced by a task.
type Artifact struct {
	ArtifactID  string                 `json:"artifactId"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parts       []Part                 `json:"parts"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Task is one dispatched, independently tracked unit of work.
type Task struct {
	Kind      string                 `json:"kind"` // always "task"
	ID        string                 `json:"id"`
	ContextID string                 `json:"contextId"`
	Status    TaskStatus             `json:"status"`
	History   []Message              `json:"history,omitempty"`
	Artifacts []Artifact             `json:"artifacts,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
