// Package workflow implements the resumable workflow execution runtime: a
// registry of step-sequence plugins, a live task→machine map that drives
// them forward one emission at a time, and the handler that bridges yielded
// events onto the task store and per-task event buses.
package workflow

import (
	"fmt"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// State kinds. The union is closed: every switch over Kind handles all of
// these and nothing else.
const (
	KindDispatchResponse = "dispatch-response"
	KindStatus           = "status"
	KindProgress         = "progress"
	KindArtifact         = "artifact"
	KindInterrupted      = "interrupted"
)

// State is one emission from a workflow step sequence. Kind selects which
// field group is meaningful.
type State struct {
	Kind string `json:"kind"`

	// dispatch-response
	Parts []a2a.Part `json:"parts,omitempty"`

	// status
	Status  a2a.TaskState `json:"status,omitempty"`
	Message string        `json:"message,omitempty"`

	// progress
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`

	// artifact
	Artifact *a2a.Artifact `json:"artifact,omitempty"`

	// interrupted
	Reason      string                 `json:"reason,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Terminal reports whether this state ends the sequence.
func (s State) Terminal() bool {
	return s.Kind == KindStatus && s.Status.Terminal()
}

// DispatchResponse builds the acknowledgment state emitted first by
// convention.
func DispatchResponse(parts ...a2a.Part) State {
	return State{Kind: KindDispatchResponse, Parts: parts}
}

// StatusState builds a status emission with an arbitrary state label.
func StatusState(status a2a.TaskState, message string) State {
	return State{Kind: KindStatus, Status: status, Message: message}
}

// Working builds a status: working emission.
func Working(message string) State {
	return StatusState(a2a.TaskStateWorking, message)
}

// Completed builds the terminal status: completed emission.
func Completed(message string) State {
	return StatusState(a2a.TaskStateCompleted, message)
}

// Failed builds the terminal status: failed emission.
func Failed(message string) State {
	return StatusState(a2a.TaskStateFailed, message)
}

// Progress builds a progress counter emission.
func Progress(current, total int) State {
	return State{Kind: KindProgress, Current: current, Total: total}
}

// ArtifactState builds an artifact emission.
func ArtifactState(artifact a2a.Artifact) State {
	return State{Kind: KindArtifact, Artifact: &artifact}
}

// Pause builds the interrupted emission: the sequence suspends until an
// external resume supplies input matching inputSchema.
func Pause(reason, message string, inputSchema map[string]interface{}) State {
	return State{Kind: KindInterrupted, Reason: reason, Message: message, InputSchema: inputSchema}
}

// Event is the result of advancing a machine by one step. Done marks the
// terminal emission; Result carries the sequence's return value alongside
// it.
type Event struct {
	State  State
	Done   bool
	Result map[string]interface{}
}

// Context carries the per-dispatch identity and validated parameters.
// Created once at sequence start and never mutated by the runtime.
type Context struct {
	TaskID    string
	ContextID string
	Params    map[string]interface{}
}

// FieldError describes one schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports dispatch parameters failing a plugin's input
// schema, with field-level detail.
type ValidationError struct {
	Plugin string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("workflow %s: invalid parameters", e.Plugin)
	}
	msg := fmt.Sprintf("workflow %s: invalid parameters:", e.Plugin)
	for _, f := range e.Fields {
		msg += fmt.Sprintf(" %s: %s;", f.Path, f.Message)
	}
	return msg[:len(msg)-1]
}
