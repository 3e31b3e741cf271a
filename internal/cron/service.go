package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Service manages cron jobs with persistence, scheduling, and dispatch.
type Service struct {
	storePath string
	store     Store
	dispatch  DispatchFunc
	notify    NotifyFunc
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	runLog    []RunLogEntry // in-memory run history (last 200 entries)
	retryCfg  RetryConfig   // retry config for failed dispatches
}

// NewService creates a cron service. storePath is the JSON file for job
// persistence; dispatch starts a job's workflow (can be set later via
// SetDispatch).
func NewService(storePath string, dispatch DispatchFunc) *Service {
	return &Service{
		storePath: storePath,
		store:     Store{Version: 1},
		dispatch:  dispatch,
		retryCfg:  DefaultRetryConfig(),
	}
}

// SetRetryConfig overrides the default retry configuration.
func (cs *Service) SetRetryConfig(cfg RetryConfig) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.retryCfg = cfg
}

// SetDispatch sets the workflow dispatch callback.
func (cs *Service) SetDispatch(fn DispatchFunc) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.dispatch = fn
}

// SetNotify sets the run observer, invoked after each execution settles.
func (cs *Service) SetNotify(fn NotifyFunc) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.notify = fn
}

// Start loads persisted jobs and begins the scheduling loop.
func (cs *Service) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.running {
		return nil
	}

	if err := cs.loadUnsafe(); err != nil {
		slog.Warn("cron: failed to load store, starting fresh", "error", err)
		cs.store = Store{Version: 1}
	}

	// Compute next runs for all enabled jobs
	now := nowMS()
	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if job.Enabled && job.State.NextRunAtMS == nil {
			job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, now)
		}
	}
	cs.saveUnsafe()

	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.running = true

	go cs.runLoop(cs.ctx)

	slog.Info("cron service started", "jobs", len(cs.store.Jobs))
	return nil
}

// Load reads the persisted store without starting the scheduler. CLI
// commands use this to edit jobs while no server is running.
func (cs *Service) Load() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.running {
		return nil
	}
	return cs.loadUnsafe()
}

// Stop halts the scheduling loop and aborts in-flight retry waits.
func (cs *Service) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.running {
		return
	}

	cs.cancel()
	cs.running = false
	slog.Info("cron service stopped")
}

// SyncDeclared merges config-declared jobs into the store by name.
// Previously synced jobs no longer declared are removed; hand-added jobs
// are untouched. Called at startup and on config reload.
func (cs *Service) SyncDeclared(decls []Declared) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := nowMS()
	declared := make(map[string]bool, len(decls))

	for _, d := range decls {
		declared[d.Name] = true
		if err := cs.validateSchedule(&d.Schedule); err != nil {
			slog.Warn("cron: skipping declared job with invalid schedule", "name", d.Name, "error", err)
			continue
		}

		found := false
		for i := range cs.store.Jobs {
			job := &cs.store.Jobs[i]
			if !job.FromConfig || job.Name != d.Name {
				continue
			}
			found = true
			job.Schedule = d.Schedule
			job.Dispatch = Dispatch{Workflow: d.Workflow, Params: d.Params}
			job.Enabled = d.Enabled
			job.UpdatedAtMS = now
			if d.Enabled {
				job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, now)
			} else {
				job.State.NextRunAtMS = nil
			}
			break
		}
		if found {
			continue
		}

		job := Job{
			ID:             generateID(),
			Name:           d.Name,
			Enabled:        d.Enabled,
			Schedule:       d.Schedule,
			Dispatch:       Dispatch{Workflow: d.Workflow, Params: d.Params},
			CreatedAtMS:    now,
			UpdatedAtMS:    now,
			DeleteAfterRun: d.Schedule.Kind == "at",
			FromConfig:     true,
		}
		if d.Enabled {
			job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, now)
		}
		cs.store.Jobs = append(cs.store.Jobs, job)
	}

	kept := cs.store.Jobs[:0]
	removed := 0
	for _, job := range cs.store.Jobs {
		if job.FromConfig && !declared[job.Name] {
			removed++
			continue
		}
		kept = append(kept, job)
	}
	cs.store.Jobs = kept

	cs.saveUnsafe()
	slog.Info("cron declared jobs synced", "declared", len(decls), "removed", removed)
}

// AddJob creates and registers a new cron job.
func (cs *Service) AddJob(name string, schedule Schedule, workflowID string, params map[string]interface{}, contextID string) (*Job, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if workflowID == "" {
		return nil, fmt.Errorf("workflow is required")
	}
	if err := cs.validateSchedule(&schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	now := nowMS()
	job := Job{
		ID:       generateID(),
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Dispatch: Dispatch{
			Workflow:  workflowID,
			Params:    params,
			ContextID: contextID,
		},
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		DeleteAfterRun: schedule.Kind == "at",
	}
	job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, now)

	cs.store.Jobs = append(cs.store.Jobs, job)
	cs.saveUnsafe()

	slog.Info("cron job added", "id", job.ID, "name", name, "workflow", workflowID, "kind", schedule.Kind)
	return &job, nil
}

// RemoveJob deletes a job by ID.
func (cs *Service) RemoveJob(jobID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i, job := range cs.store.Jobs {
		if job.ID == jobID {
			cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
			cs.saveUnsafe()
			slog.Info("cron job removed", "id", jobID)
			return nil
		}
	}
	return fmt.Errorf("job %s not found", jobID)
}

// EnableJob toggles a job's enabled state.
func (cs *Service) EnableJob(jobID string, enabled bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID == jobID {
			cs.store.Jobs[i].Enabled = enabled
			cs.store.Jobs[i].UpdatedAtMS = nowMS()
			if enabled {
				cs.store.Jobs[i].State.NextRunAtMS = cs.computeNextRun(&cs.store.Jobs[i].Schedule, nowMS())
			} else {
				cs.store.Jobs[i].State.NextRunAtMS = nil
			}
			cs.saveUnsafe()
			slog.Info("cron job toggled", "id", jobID, "enabled", enabled)
			return nil
		}
	}
	return fmt.Errorf("job %s not found", jobID)
}

// ListJobs returns all jobs, optionally including disabled ones.
func (cs *Service) ListJobs(includeDisabled bool) []Job {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var result []Job
	for _, job := range cs.store.Jobs {
		if includeDisabled || job.Enabled {
			result = append(result, job)
		}
	}
	return result
}

// GetJob returns a copy of a job by ID.
func (cs *Service) GetJob(jobID string) (*Job, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID == jobID {
			job := cs.store.Jobs[i]
			return &job, true
		}
	}
	return nil, false
}

// UpdateJob patches an existing job's fields.
func (cs *Service) UpdateJob(jobID string, patch JobPatch) (*Job, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID != jobID {
			continue
		}
		job := &cs.store.Jobs[i]

		if patch.Name != "" {
			job.Name = patch.Name
		}
		if patch.Enabled != nil {
			job.Enabled = *patch.Enabled
		}
		if patch.Schedule != nil {
			if err := cs.validateSchedule(patch.Schedule); err != nil {
				return nil, fmt.Errorf("invalid schedule: %w", err)
			}
			job.Schedule = *patch.Schedule
		}
		if patch.Workflow != "" {
			job.Dispatch.Workflow = patch.Workflow
		}
		if patch.Params != nil {
			job.Dispatch.Params = patch.Params
		}
		if patch.DeleteAfterRun != nil {
			job.DeleteAfterRun = *patch.DeleteAfterRun
		}

		job.UpdatedAtMS = nowMS()

		// Recompute next run in case schedule or enabled changed
		if job.Enabled {
			job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, nowMS())
		} else {
			job.State.NextRunAtMS = nil
		}

		cs.saveUnsafe()
		slog.Info("cron job updated", "id", jobID)
		result := cs.store.Jobs[i] // copy
		return &result, nil
	}
	return nil, fmt.Errorf("job %s not found", jobID)
}

// RunJob manually triggers a job. With force the schedule is ignored;
// otherwise the job only runs if due. Returns (ran, taskID, error).
func (cs *Service) RunJob(ctx context.Context, jobID string, force bool) (bool, string, error) {
	cs.mu.Lock()

	var job *Job
	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID == jobID {
			j := cs.store.Jobs[i] // copy
			job = &j
			break
		}
	}
	dispatch := cs.dispatch
	retryCfg := cs.retryCfg
	cs.mu.Unlock()

	if job == nil {
		return false, "", fmt.Errorf("job %s not found", jobID)
	}
	if dispatch == nil {
		return false, "", fmt.Errorf("no dispatch configured")
	}

	if !force {
		if job.State.NextRunAtMS == nil || *job.State.NextRunAtMS > nowMS() {
			return false, "not-due", nil
		}
	}

	// Dispatch outside lock with retry
	slog.Info("cron manual run", "id", job.ID, "name", job.Name, "force", force)
	taskID, _, err := RunWithRetry(ctx, func() (string, error) {
		return dispatch(ctx, job)
	}, retryCfg)

	cs.settleRun(jobID, taskID, err)

	if err != nil {
		return true, "", err
	}
	return true, taskID, nil
}

// GetRunLog returns recent run log entries for a job (or all jobs if
// jobID is empty), newest first.
func (cs *Service) GetRunLog(jobID string, limit int) []RunLogEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	var result []RunLogEntry
	for i := len(cs.runLog) - 1; i >= 0 && len(result) < limit; i-- {
		entry := cs.runLog[i]
		if jobID == "" || entry.JobID == jobID {
			result = append(result, entry)
		}
	}
	return result
}

// Status returns the service status.
func (cs *Service) Status() map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return map[string]interface{}{
		"enabled":      cs.running,
		"jobs":         len(cs.store.Jobs),
		"nextWakeAtMs": cs.getNextWakeMS(),
	}
}

// --- Internal scheduling loop ---

func (cs *Service) runLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs.checkJobs(ctx)
		}
	}
}

func (cs *Service) checkJobs(ctx context.Context) {
	cs.mu.Lock()

	now := nowMS()
	var dueJobIDs []string

	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= now {
			dueJobIDs = append(dueJobIDs, job.ID)
		}
	}

	if len(dueJobIDs) == 0 {
		cs.mu.Unlock()
		return
	}

	// Clear NextRunAtMS to prevent duplicate execution; a job that was
	// due while the service slept fires exactly once now.
	dueMap := make(map[string]bool, len(dueJobIDs))
	for _, id := range dueJobIDs {
		dueMap[id] = true
	}
	for i := range cs.store.Jobs {
		if dueMap[cs.store.Jobs[i].ID] {
			cs.store.Jobs[i].State.NextRunAtMS = nil
		}
	}
	cs.saveUnsafe()
	cs.mu.Unlock()

	// Dispatch outside lock
	for _, jobID := range dueJobIDs {
		cs.executeJobByID(ctx, jobID)
	}
}

func (cs *Service) executeJobByID(ctx context.Context, jobID string) {
	cs.mu.Lock()
	var job *Job
	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID == jobID {
			j := cs.store.Jobs[i] // copy
			job = &j
			break
		}
	}
	dispatch := cs.dispatch
	retryCfg := cs.retryCfg
	cs.mu.Unlock()

	if job == nil || dispatch == nil {
		return
	}

	slog.Info("cron dispatching job", "id", job.ID, "name", job.Name, "workflow", job.Dispatch.Workflow)

	taskID, attempts, err := RunWithRetry(ctx, func() (string, error) {
		return dispatch(ctx, job)
	}, retryCfg)

	if attempts > 1 {
		slog.Info("cron job retried", "id", job.ID, "attempts", attempts, "success", err == nil)
	}

	cs.settleRun(jobID, taskID, err)
}

// settleRun updates job state after an execution, records the run log
// entry, and notifies the observer.
func (cs *Service) settleRun(jobID, taskID string, runErr error) {
	cs.mu.Lock()

	var jobCopy Job
	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID != jobID {
			continue
		}

		now := nowMS()
		cs.store.Jobs[i].State.LastRunAtMS = &now

		if runErr != nil {
			cs.store.Jobs[i].State.LastStatus = "error"
			cs.store.Jobs[i].State.LastError = truncateError(runErr.Error())
			cs.store.Jobs[i].State.LastTaskID = ""
			slog.Error("cron job failed", "id", jobID, "error", runErr)
		} else {
			cs.store.Jobs[i].State.LastStatus = "ok"
			cs.store.Jobs[i].State.LastError = ""
			cs.store.Jobs[i].State.LastTaskID = taskID
			slog.Info("cron job dispatched", "id", jobID, "task", taskID)
		}

		// Schedule the next run, or retire one-time jobs
		if cs.store.Jobs[i].DeleteAfterRun {
			jobCopy = cs.store.Jobs[i]
			cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
		} else {
			next := cs.computeNextRun(&cs.store.Jobs[i].Schedule, nowMS())
			cs.store.Jobs[i].State.NextRunAtMS = next
			if next == nil {
				cs.store.Jobs[i].Enabled = false
			}
			jobCopy = cs.store.Jobs[i]
		}
		break
	}
	cs.saveUnsafe()

	entry := RunLogEntry{
		Ts:    nowMS(),
		JobID: jobID,
	}
	if runErr != nil {
		entry.Status = "error"
		entry.Error = truncateError(runErr.Error())
	} else {
		entry.Status = "ok"
		entry.TaskID = taskID
	}
	cs.runLog = append(cs.runLog, entry)
	if len(cs.runLog) > 200 {
		cs.runLog = cs.runLog[len(cs.runLog)-200:]
	}

	notify := cs.notify
	cs.mu.Unlock()

	if notify != nil && jobCopy.ID != "" {
		notify(jobCopy, entry)
	}
}

// --- Schedule computation ---

func (cs *Service) computeNextRun(schedule *Schedule, now int64) *int64 {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS != nil && *schedule.AtMS > now {
			return schedule.AtMS
		}
		return nil

	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := now + *schedule.EveryMS
		return &next

	case "cron":
		if schedule.Expr == "" {
			return nil
		}
		nowTime := time.UnixMilli(now)
		nextTime, err := gronx.NextTickAfter(schedule.Expr, nowTime, false)
		if err != nil {
			slog.Error("cron: failed to compute next run", "expr", schedule.Expr, "error", err)
			return nil
		}
		nextMS := nextTime.UnixMilli()
		return &nextMS

	default:
		return nil
	}
}

func (cs *Service) validateSchedule(schedule *Schedule) error {
	switch schedule.Kind {
	case "at":
		if schedule.AtMS == nil {
			return fmt.Errorf("at schedule requires atMs")
		}
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return fmt.Errorf("every schedule requires positive everyMs")
		}
	case "cron":
		if schedule.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		gx := gronx.New()
		if !gx.IsValid(schedule.Expr) {
			return fmt.Errorf("invalid cron expression: %s", schedule.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", schedule.Kind)
	}
	return nil
}

func (cs *Service) getNextWakeMS() *int64 {
	var earliest *int64
	for _, job := range cs.store.Jobs {
		if job.Enabled && job.State.NextRunAtMS != nil {
			if earliest == nil || *job.State.NextRunAtMS < *earliest {
				earliest = job.State.NextRunAtMS
			}
		}
	}
	return earliest
}

// --- Persistence ---

func (cs *Service) loadUnsafe() error {
	data, err := os.ReadFile(cs.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &cs.store)
}

func (cs *Service) saveUnsafe() error {
	dir := filepath.Dir(cs.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cs.store, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cs.storePath, data, 0644)
}
