// Package watchdog sweeps paused tasks on an interval. A task stuck in
// input-required longer than the configured TTL either gets a reminder
// status event pushed to its subscribers or is canceled outright, so an
// approval nobody answers does not sit open forever.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

const defaultInterval = 30 * time.Second
const defaultPauseTTL = 30 * time.Minute

// Action selects what happens to a task paused past the TTL.
type Action string

const (
	// ActionNotify publishes a reminder status event, once per pause.
	ActionNotify Action = "notify"
	// ActionCancel cancels the task through the handler so subscribers
	// observe a clean terminal event.
	ActionCancel Action = "cancel"
)

// Config holds resolved runtime config for the watchdog.
type Config struct {
	Interval time.Duration
	PauseTTL time.Duration
	Action   Action
}

// Handler is the slice of the workflow handler the watchdog drives.
type Handler interface {
	Store() task.Store
	Buses() *bus.Manager
	CancelTask(ctx context.Context, taskID string) (*a2a.Task, error)
}

// Service manages the periodic sweep loop.
type Service struct {
	cfg     Config
	handler Handler

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	notified map[string]bool
}

// NewService creates a watchdog over the handler's store and buses.
func NewService(cfg Config, h Handler) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.PauseTTL <= 0 {
		cfg.PauseTTL = defaultPauseTTL
	}
	if cfg.Action != ActionCancel {
		cfg.Action = ActionNotify
	}
	return &Service{
		cfg:      cfg,
		handler:  h,
		notified: make(map[string]bool),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	go s.loop(ctx)
	slog.Info("watchdog started",
		"interval", s.cfg.Interval,
		"pauseTTL", s.cfg.PauseTTL,
		"action", s.cfg.Action,
	)
}

// Stop halts the sweep loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	s.running = false
	slog.Info("watchdog stopped")
}

// IsRunning returns whether the sweep loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context) {
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.sweep(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// sweep examines every paused task once and applies the configured action
// to those past the TTL.
func (s *Service) sweep(ctx context.Context) {
	tasks, err := s.handler.Store().List(ctx, task.Filter{
		States: []a2a.TaskState{a2a.TaskStateInputRequired},
	})
	if err != nil {
		slog.Warn("watchdog list failed", "error", err)
		return
	}

	now := time.Now()
	expired := make(map[string]bool, len(tasks))
	for _, rec := range tasks {
		pausedAt, ok := statusTime(rec.Status)
		if !ok {
			continue
		}
		age := now.Sub(pausedAt)
		if age < s.cfg.PauseTTL {
			continue
		}
		expired[rec.ID] = true

		switch s.cfg.Action {
		case ActionCancel:
			s.cancelStale(ctx, rec, age)
		default:
			s.remind(ctx, rec, age)
		}
	}
	s.pruneNotified(expired)
}

// remind publishes one reminder per pause. The mark clears when the task
// leaves the expired set, so a task that resumes and pauses again is
// eligible for a fresh reminder.
func (s *Service) remind(ctx context.Context, rec *a2a.Task, age time.Duration) {
	s.mu.Lock()
	seen := s.notified[rec.ID]
	s.notified[rec.ID] = true
	s.mu.Unlock()
	if seen {
		return
	}

	text := fmt.Sprintf("still waiting for input after %s", age.Round(time.Second))
	msg := a2a.NewAgentMessage(uuid.NewString(), a2a.TextPart(text))
	msg.TaskID, msg.ContextID = rec.ID, rec.ContextID
	if err := s.handler.Store().AppendMessage(ctx, rec.ID, *msg); err != nil {
		slog.Warn("watchdog append reminder failed", "task", rec.ID, "error", err)
	}
	if b, ok := s.handler.Buses().Get(rec.ID); ok {
		ev := a2a.NewStatusUpdate(rec.ID, rec.ContextID,
			a2a.NewStatus(a2a.TaskStateInputRequired, msg), false)
		ev.Metadata = map[string]interface{}{"reminder": true}
		b.Publish(ev)
	}
	slog.Info("watchdog reminder", "task", rec.ID, "pausedFor", age.Round(time.Second))
}

func (s *Service) cancelStale(ctx context.Context, rec *a2a.Task, age time.Duration) {
	if _, err := s.handler.CancelTask(ctx, rec.ID); err != nil {
		slog.Warn("watchdog cancel failed", "task", rec.ID, "error", err)
		return
	}
	slog.Info("watchdog canceled stale task", "task", rec.ID, "pausedFor", age.Round(time.Second))
}

// pruneNotified drops reminder marks for tasks no longer paused past the
// TTL.
func (s *Service) pruneNotified(expired map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.notified {
		if !expired[id] {
			delete(s.notified, id)
		}
	}
}

func statusTime(st a2a.TaskStatus) (time.Time, bool) {
	if st.Timestamp == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, st.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
