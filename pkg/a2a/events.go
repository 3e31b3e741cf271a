package a2a

// Event kinds carried on task event streams.
const (
	EventKindMessage        = "message"
	EventKindTask           = "task"
	EventKindStatusUpdate   = "status-update"
	EventKindArtifactUpdate = "artifact-update"
	EventKindProgressUpdate = "progress-update"
)

// Event is implemented by every payload publishable on a task's event
// stream. The set is closed: subscribers switch exhaustively on EventKind.
type Event interface {
	EventKind() string
}

func (m *Message) EventKind() string { return EventKindMessage }
func (t *Task) EventKind() string    { return EventKindTask }

// TaskStatusUpdateEvent announces a task status change. Final marks the last
// event of a drain: terminal states always set it, pauses never do.
type TaskStatusUpdateEvent struct {
	Kind      string                 `json:"kind"` // always "status-update"
	TaskID    string                 `json:"taskId"`
	ContextID string                 `json:"contextId"`
	Status    TaskStatus             `json:"status"`
	Final     bool                   `json:"final"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *TaskStatusUpdateEvent) EventKind() string { return EventKindStatusUpdate }

// TaskArtifactUpdateEvent carries one artifact (or artifact chunk) produced
// by a task.
type TaskArtifactUpdateEvent struct {
	Kind      string                 `json:"kind"` // always "artifact-update"
	TaskID    string                 `json:"taskId"`
	ContextID string                 `json:"contextId"`
	Artifact  Artifact               `json:"artifact"`
	Append    bool                   `json:"append,omitempty"`
	LastChunk bool                   `json:"lastChunk,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *TaskArtifactUpdateEvent) EventKind() string { return EventKindArtifactUpdate }

// TaskProgressUpdateEvent reports current/total step counters for UI
// progress bars. Vibekit extension; not part of the base protocol.
type TaskProgressUpdateEvent struct {
	Kind      string `json:"kind"` // always "progress-update"
	TaskID    string `json:"taskId"`
	ContextID string `json:"contextId"`
	Current   int    `json:"current"`
	Total     int    `json:"total"`
}

func (e *TaskProgressUpdateEvent) EventKind() string { return EventKindProgressUpdate }

// NewStatusUpdate builds a status-update event for a task.
func NewStatusUpdate(taskID, contextID string, status TaskStatus, final bool) *TaskStatusUpdateEvent {
	return &TaskStatusUpdateEvent{
		Kind:      EventKindStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Status:    status,
		Final:     final,
	}
}

// NewArtifactUpdate builds an artifact-update event for a task.
func NewArtifactUpdate(taskID, contextID string, artifact Artifact) *TaskArtifactUpdateEvent {
	return &TaskArtifactUpdateEvent{
		Kind:      EventKindArtifactUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Artifact:  artifact,
	}
}
