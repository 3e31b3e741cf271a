// Package cron schedules workflow dispatches. Jobs persist to a JSON
// store and fire through a dispatch callback into the workflow handler.
//
// Three schedule kinds are supported:
//   - "at":    one-time dispatch at an absolute timestamp
//   - "every": recurring interval (in milliseconds)
//   - "cron":  standard cron expression (5-field, parsed by gronx)
package cron

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Schedule defines when a job fires.
type Schedule struct {
	Kind    string `json:"kind"`              // "at", "every", or "cron"
	AtMS    *int64 `json:"atMs,omitempty"`    // absolute timestamp (for "at")
	EveryMS *int64 `json:"everyMs,omitempty"` // interval in milliseconds (for "every")
	Expr    string `json:"expr,omitempty"`    // cron expression (for "cron")
	TZ      string `json:"tz,omitempty"`      // timezone (reserved)
}

// Dispatch names the workflow a job starts and the parameters it passes.
type Dispatch struct {
	Workflow  string                 `json:"workflow"`
	Params    map[string]interface{} `json:"params,omitempty"`
	ContextID string                 `json:"contextId,omitempty"` // fixed context; empty = fresh per run
}

// JobState tracks runtime state for a job.
type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"` // next scheduled dispatch
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"` // last dispatch timestamp
	LastStatus  string `json:"lastStatus,omitempty"`  // "ok" or "error"
	LastError   string `json:"lastError,omitempty"`   // error message if failed
	LastTaskID  string `json:"lastTaskId,omitempty"`  // task started by the last run
}

// Job is one scheduled workflow dispatch.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Dispatch       Dispatch `json:"dispatch"`
	State          JobState `json:"state"`
	CreatedAtMS    int64    `json:"createdAtMs"`
	UpdatedAtMS    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	FromConfig     bool     `json:"fromConfig,omitempty"` // declared in server config, re-synced on reload
}

// Store is the persistent store for all cron jobs.
type Store struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// JobPatch holds optional fields for updating a job. Only non-zero and
// non-nil fields are applied.
type JobPatch struct {
	Name           string                 `json:"name,omitempty"`
	Enabled        *bool                  `json:"enabled,omitempty"`
	Schedule       *Schedule              `json:"schedule,omitempty"`
	Workflow       string                 `json:"workflow,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	DeleteAfterRun *bool                  `json:"deleteAfterRun,omitempty"`
}

// Declared is a job declared in server config. Declared jobs merge into
// the persisted store by name at startup and on config reload; declared
// jobs that disappear from config are removed.
type Declared struct {
	Name     string
	Schedule Schedule
	Workflow string
	Params   map[string]interface{}
	Enabled  bool
}

// RunLogEntry is an in-memory record of one job execution.
type RunLogEntry struct {
	Ts     int64  `json:"ts"`
	JobID  string `json:"jobId"`
	Status string `json:"status,omitempty"` // "ok", "error"
	Error  string `json:"error,omitempty"`
	TaskID string `json:"taskId,omitempty"` // task the run started
}

// DispatchFunc starts a job's workflow and returns the new task id.
type DispatchFunc func(ctx context.Context, job *Job) (string, error)

// NotifyFunc observes each run after retries settle. Called outside the
// service lock; safe to broadcast from.
type NotifyFunc func(job Job, entry RunLogEntry)

// generateID creates a random 8-byte hex ID for a new job.
func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// nowMS returns the current time in milliseconds.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
