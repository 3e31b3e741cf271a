// Package task persists dispatched task records: protocol-visible status,
// message history, and produced artifacts. Backends: in-memory (default),
// SQLite, Postgres, and Redis for multi-instance deployments.
package task

import (
	"errors"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

var (
	// ErrNotFound is returned when a task id has no record.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists is returned when creating a task whose id is taken.
	ErrAlreadyExists = errors.New("task already exists")

	// ErrNotCancelable is returned when canceling a task in a terminal state.
	ErrNotCancelable = errors.New("task is not cancelable")
)

// NewID generates a new time-ordered task id (UUID v7).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New builds a fresh task record in the submitted state.
func New(id, contextID string) *a2a.Task {
	if id == "" {
		id = NewID()
	}
	if contextID == "" {
		contextID = uuid.NewString()
	}
	return &a2a.Task{
		Kind:      "task",
		ID:        id,
		ContextID: contextID,
		Status:    a2a.NewStatus(a2a.TaskStateSubmitted, nil),
	}
}

// Filter selects tasks for listing.
type Filter struct {
	ContextID string
	States    []a2a.TaskState
	Limit     int
}

// Matches reports whether a task passes the filter.
func (f Filter) Matches(t *a2a.Task) bool {
	if f.ContextID != "" && t.ContextID != f.ContextID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if t.Status.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of a task so callers can read it without racing
// the drain loop's store updates.
func Clone(t *a2a.Task) *a2a.Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.History != nil {
		cp.History = make([]a2a.Message, len(t.History))
		copy(cp.History, t.History)
	}
	if t.Artifacts != nil {
		cp.Artifacts = make([]a2a.Artifact, len(t.Artifacts))
		copy(cp.Artifacts, t.Artifacts)
	}
	return &cp
}
