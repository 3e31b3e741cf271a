package protocol

// WebSocket event names pushed from server to client. The task.* events
// carry the same payloads as the A2A event stream, wrapped in EventFrame
// with the per-task sequence number.
const (
	EventTaskStatus   = "task.status"
	EventTaskArtifact = "task.artifact"
	EventTaskProgress = "task.progress"
	EventTaskMessage  = "task.message"
	EventCron         = "cron"
	EventConfig       = "config.reloaded"
	EventShutdown     = "shutdown"
)

// Cron event subtypes (in payload.type)
const (
	CronEventFired  = "fired"
	CronEventFailed = "failed"
)
