package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// Artifact parts above this size are offloaded to the blob store when one
// is configured.
const inlineArtifactLimit = 32 * 1024

// ResumeStateError rejects a resume attempted while the task is not paused.
type ResumeStateError struct {
	State a2a.TaskState
}

func (e *ResumeStateError) Error() string {
	return fmt.Sprintf("cannot resume from state %s", e.State)
}

// SpanSink receives execution span records (implemented by
// internal/tracing.Collector). A nil sink disables tracing.
type SpanSink interface {
	Record(rec task.SpanRecord)
}

// DispatchGate serializes dispatches that share a context id (implemented
// by internal/scheduler.Scheduler). Run blocks until fn has executed or the
// gate rejects the dispatch. A nil gate runs everything immediately.
type DispatchGate interface {
	Run(ctx context.Context, contextID string, fn func() error) error
}

// Handler bridges the workflow runtime onto the task store and per-task
// event buses, and exposes the dispatch/resume entry points used by the
// protocol surfaces and agent tools.
type Handler struct {
	runtime *Runtime
	store   task.Store
	buses   *bus.Manager
	locks   task.Locker
	blobs   task.BlobStore
	spans   SpanSink
	gate    DispatchGate
}

// NewHandler wires a handler over the runtime, task store, and bus manager.
func NewHandler(rt *Runtime, store task.Store, buses *bus.Manager) *Handler {
	return &Handler{
		runtime: rt,
		store:   store,
		buses:   buses,
		locks:   task.NewMutexLocker(),
	}
}

// SetLocker replaces the per-task resume locker (Redis in multi-instance
// deployments).
func (h *Handler) SetLocker(l task.Locker) {
	if l != nil {
		h.locks = l
	}
}

// SetBlobStore enables artifact payload offloading.
func (h *Handler) SetBlobStore(b task.BlobStore) { h.blobs = b }

// SetSpanSink enables execution span recording.
func (h *Handler) SetSpanSink(s SpanSink) { h.spans = s }

// SetDispatchGate enables per-context dispatch serialization.
func (h *Handler) SetDispatchGate(g DispatchGate) { h.gate = g }

// Runtime returns the underlying workflow runtime.
func (h *Handler) Runtime() *Runtime { return h.runtime }

// Store returns the task store the handler writes through.
func (h *Handler) Store() task.Store { return h.store }

// Buses returns the per-task bus manager.
func (h *Handler) Buses() *bus.Manager { return h.buses }

// GetTaskState returns the runtime's last observed state label for a live
// task.
func (h *Handler) GetTaskState(taskID string) (a2a.TaskState, bool) {
	return h.runtime.TaskState(taskID)
}

// DispatchWorkflow starts a workflow: allocates a task id, dispatches the
// plugin, publishes the dispatch-response acknowledgment synchronously on
// parentBus, creates the task record, and drains the remaining sequence in
// the background. Returns the task id immediately after the acknowledgment.
func (h *Handler) DispatchWorkflow(ctx context.Context, pluginID string, params map[string]interface{}, contextID string, parentBus *bus.TaskBus) (string, error) {
	var taskID, cID string
	var seed *Event
	err := h.gated(ctx, contextID, func() error {
		var err error
		taskID, cID, seed, err = h.startDispatch(ctx, pluginID, params, contextID, parentBus)
		return err
	})
	if err != nil {
		return "", err
	}
	go h.drain(taskID, cID, seed, nil)
	return taskID, nil
}

// Subscription is a live attachment to one task's event bus. Events closes
// when the task finishes; Close detaches early without affecting the task.
type Subscription struct {
	TaskID    string
	ContextID string
	Events    <-chan bus.Envelope

	bus   *bus.TaskBus
	subID string
}

// Close detaches from the bus. Safe to call twice or after the bus finished.
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.Unsubscribe(s.subID)
}

// DispatchAndSubscribe is DispatchWorkflow with a subscription to the
// task's bus attached before the background drain starts, so streaming
// callers observe every post-ack event.
func (h *Handler) DispatchAndSubscribe(ctx context.Context, pluginID string, params map[string]interface{}, contextID string, parentBus *bus.TaskBus) (*Subscription, error) {
	var taskID, cID string
	var seed *Event
	err := h.gated(ctx, contextID, func() error {
		var err error
		taskID, cID, seed, err = h.startDispatch(ctx, pluginID, params, contextID, parentBus)
		return err
	})
	if err != nil {
		return nil, err
	}
	b := h.buses.Bus(taskID)
	subID, ch := b.Subscribe()
	go h.drain(taskID, cID, seed, nil)
	return &Subscription{TaskID: taskID, ContextID: cID, Events: ch, bus: b, subID: subID}, nil
}

// gated runs fn through the dispatch gate when one is set. Only the
// synchronous dispatch section is serialized; background drains stay
// independent so a paused task never blocks the context.
func (h *Handler) gated(ctx context.Context, contextID string, fn func() error) error {
	if h.gate == nil {
		return fn()
	}
	return h.gate.Run(ctx, contextID, fn)
}

func (h *Handler) startDispatch(ctx context.Context, pluginID string, params map[string]interface{}, contextID string, parentBus *bus.TaskBus) (string, string, *Event, error) {
	taskID := task.NewID()
	if contextID == "" {
		contextID = uuid.NewString()
	}
	wctx := Context{TaskID: taskID, ContextID: contextID, Params: params}

	started := time.Now()
	ev, err := h.runtime.Dispatch(ctx, pluginID, wctx)
	if err != nil {
		// Validation and unknown-plugin failures: no task, no bus entry.
		return "", "", nil, err
	}
	h.recordSpan("workflow.dispatch", pluginID, taskID, started, nil)

	rec := task.New(taskID, contextID)
	if err := h.store.Create(ctx, rec); err != nil {
		h.runtime.Cancel(taskID)
		return "", "", nil, fmt.Errorf("create task record: %w", err)
	}

	// Synchronous acknowledgment, published before any status is visible.
	ack := h.ackMessage(taskID, contextID, ev)
	if parentBus != nil {
		parentBus.Publish(ack)
	}
	if err := h.store.AppendMessage(ctx, taskID, *ack); err != nil {
		slog.Warn("append ack failed", "task", taskID, "error", err)
	}

	var seed *Event
	if ev.State.Kind != KindDispatchResponse {
		// Plugin skipped the ack convention; the first event still has to
		// reach subscribers through the drain.
		seed = &ev
	}

	slog.Info("workflow dispatched", "plugin", pluginID, "task", taskID, "context", contextID)
	return taskID, contextID, seed, nil
}

// ResumeWorkflow validates that the task is paused awaiting input and
// resumes draining with the supplied input. resumeKind labels the source of
// the resume (tool call, protocol message) for logs and spans.
func (h *Handler) ResumeWorkflow(ctx context.Context, taskID, resumeKind string, input map[string]interface{}) error {
	started := time.Now()
	contextID, err := h.startResume(ctx, taskID, resumeKind)
	if err != nil {
		return err
	}
	h.recordSpan("workflow.resume", "", taskID, started, nil)
	go h.drain(taskID, contextID, nil, input)
	return nil
}

// ResumeAndSubscribe is ResumeWorkflow with a subscription to the task's
// bus attached before draining restarts.
func (h *Handler) ResumeAndSubscribe(ctx context.Context, taskID, resumeKind string, input map[string]interface{}) (*Subscription, error) {
	started := time.Now()
	contextID, err := h.startResume(ctx, taskID, resumeKind)
	if err != nil {
		return nil, err
	}
	h.recordSpan("workflow.resume", "", taskID, started, nil)
	b := h.buses.Bus(taskID)
	subID, ch := b.Subscribe()
	go h.drain(taskID, contextID, nil, input)
	return &Subscription{TaskID: taskID, ContextID: contextID, Events: ch, bus: b, subID: subID}, nil
}

// Resubscribe returns the task's current snapshot plus, when the task is
// still live, a subscription for the events that follow it. A nil
// subscription means the snapshot is the end of the story. The subscription
// is attached before the snapshot is read, so an event may appear both in
// the snapshot and on the channel, but none can fall in between.
func (h *Handler) Resubscribe(ctx context.Context, taskID string) (*a2a.Task, *Subscription, error) {
	var sub *Subscription
	if b, ok := h.buses.Get(taskID); ok && !b.Finished() {
		subID, ch := b.Subscribe()
		sub = &Subscription{TaskID: taskID, Events: ch, bus: b, subID: subID}
	}

	rec, err := h.store.Get(ctx, taskID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	if sub != nil {
		sub.ContextID = rec.ContextID
	}
	return rec, sub, nil
}

func (h *Handler) startResume(ctx context.Context, taskID, resumeKind string) (string, error) {
	unlock, err := h.locks.Lock(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("acquire resume lock: %w", err)
	}
	defer unlock()

	rec, err := h.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if rec.Status.State != a2a.TaskStateInputRequired {
		return "", &ResumeStateError{State: rec.Status.State}
	}
	if _, ok := h.runtime.TaskState(taskID); !ok {
		return "", fmt.Errorf("%w for task %s", ErrNoActiveWorkflow, taskID)
	}

	// Store-only transition to working; the bus sees whatever the sequence
	// yields next, nothing extra.
	if err := h.store.UpdateStatus(ctx, taskID, a2a.NewStatus(a2a.TaskStateWorking, nil)); err != nil {
		return "", fmt.Errorf("mark task working: %w", err)
	}

	slog.Info("workflow resumed", "task", taskID, "kind", resumeKind)
	return rec.ContextID, nil
}

// CancelTask cancels a live task: the runtime handle is removed, the
// plugin's context is signaled, and subscribers observe a terminal canceled
// status.
func (h *Handler) CancelTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	rec, err := h.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.Status.State.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrNotCancelable, taskID, rec.Status.State)
	}

	h.runtime.Cancel(taskID)

	st := a2a.NewStatus(a2a.TaskStateCanceled, nil)
	if err := h.store.UpdateStatus(ctx, taskID, st); err != nil {
		return nil, err
	}
	if b, ok := h.buses.Get(taskID); ok {
		b.Publish(a2a.NewStatusUpdate(taskID, rec.ContextID, st, true))
	}
	h.buses.Finish(taskID)

	rec.Status = st
	slog.Info("task canceled", "task", taskID)
	return rec, nil
}

// drain repeatedly advances the task's sequence and publishes each yielded
// event in order until a pause or terminal state. A catch-all converts
// anything escaping the per-step handling into a terminal failed event so
// subscribers never observe a dropped stream.
func (h *Handler) drain(taskID, contextID string, seed *Event, input map[string]interface{}) {
	ctx := context.Background()
	b := h.buses.Bus(taskID)

	defer func() {
		if p := recover(); p != nil {
			slog.Error("drain loop panic", "task", taskID, "panic", p)
			st := a2a.NewStatus(a2a.TaskStateFailed, textMessage(taskID, contextID, fmt.Sprintf("internal failure: %v", p)))
			if err := h.store.UpdateStatus(ctx, taskID, st); err != nil {
				slog.Error("terminal status update failed", "task", taskID, "error", err)
			}
			b.Publish(a2a.NewStatusUpdate(taskID, contextID, st, true))
			h.buses.Finish(taskID)
			h.runtime.Cancel(taskID)
		}
	}()

	for {
		var ev Event
		if seed != nil {
			ev, seed = *seed, nil
		} else {
			started := time.Now()
			next, err := h.runtime.Advance(ctx, taskID, input)
			h.recordSpan("workflow.step", "", taskID, started, err)
			input = nil
			if err != nil {
				// Handle vanished mid-drain (canceled or raced); no event to
				// publish, the cancel path already finalized the task.
				slog.Warn("drain stopped", "task", taskID, "error", err)
				return
			}
			ev = next
		}

		if h.publish(ctx, b, taskID, contextID, ev) {
			return
		}
	}
}

// publish translates one yielded state onto the store and bus. Returns true
// when draining must stop (pause or terminal).
func (h *Handler) publish(ctx context.Context, b *bus.TaskBus, taskID, contextID string, ev Event) bool {
	switch ev.State.Kind {
	case KindDispatchResponse:
		// Late acknowledgment; surface as a plain message.
		msg := a2a.NewAgentMessage(uuid.NewString(), ev.State.Parts...)
		msg.TaskID, msg.ContextID = taskID, contextID
		if err := h.store.AppendMessage(ctx, taskID, *msg); err != nil {
			slog.Warn("append message failed", "task", taskID, "error", err)
		}
		b.Publish(msg)
		return false

	case KindStatus:
		var msg *a2a.Message
		if ev.State.Message != "" {
			msg = textMessage(taskID, contextID, ev.State.Message)
		}
		st := a2a.NewStatus(ev.State.Status, msg)
		final := st.State.Terminal()
		if err := h.store.UpdateStatus(ctx, taskID, st); err != nil {
			slog.Warn("status update failed", "task", taskID, "state", st.State, "error", err)
		}
		update := a2a.NewStatusUpdate(taskID, contextID, st, final)
		if final && ev.Result != nil {
			update.Metadata = map[string]interface{}{"result": ev.Result}
		}
		b.Publish(update)
		if final {
			h.buses.Finish(taskID)
			slog.Info("workflow finished", "task", taskID, "state", st.State)
			return true
		}
		return false

	case KindProgress:
		b.Publish(&a2a.TaskProgressUpdateEvent{
			Kind:      a2a.EventKindProgressUpdate,
			TaskID:    taskID,
			ContextID: contextID,
			Current:   ev.State.Current,
			Total:     ev.State.Total,
		})
		return false

	case KindArtifact:
		art := h.offload(ctx, taskID, *ev.State.Artifact)
		if err := h.store.AppendArtifact(ctx, taskID, art); err != nil {
			slog.Warn("append artifact failed", "task", taskID, "error", err)
		}
		b.Publish(a2a.NewArtifactUpdate(taskID, contextID, art))
		return false

	case KindInterrupted:
		msg := textMessage(taskID, contextID, ev.State.Message)
		msg.Metadata = map[string]interface{}{
			"reason": ev.State.Reason,
		}
		if ev.State.InputSchema != nil {
			msg.Metadata["inputSchema"] = ev.State.InputSchema
		}
		st := a2a.NewStatus(a2a.TaskStateInputRequired, msg)
		if err := h.store.UpdateStatus(ctx, taskID, st); err != nil {
			slog.Warn("status update failed", "task", taskID, "state", st.State, "error", err)
		}
		// Pauses never finalize the stream; the handle stays live for a
		// future resume.
		b.Publish(a2a.NewStatusUpdate(taskID, contextID, st, false))
		slog.Info("workflow paused", "task", taskID, "reason", ev.State.Reason)
		return true
	}

	if ev.Done {
		// Custom machine finished without a terminal status emission.
		st := a2a.NewStatus(a2a.TaskStateCompleted, nil)
		if err := h.store.UpdateStatus(ctx, taskID, st); err != nil {
			slog.Warn("status update failed", "task", taskID, "error", err)
		}
		update := a2a.NewStatusUpdate(taskID, contextID, st, true)
		if ev.Result != nil {
			update.Metadata = map[string]interface{}{"result": ev.Result}
		}
		b.Publish(update)
		h.buses.Finish(taskID)
		return true
	}

	slog.Warn("unknown workflow state kind dropped", "task", taskID, "kind", ev.State.Kind)
	return false
}

// ackMessage builds the dispatch acknowledgment from the first emitted
// event, or a bare synthesized ack when the plugin skipped the convention.
func (h *Handler) ackMessage(taskID, contextID string, ev Event) *a2a.Message {
	var parts []a2a.Part
	if ev.State.Kind == KindDispatchResponse {
		parts = ev.State.Parts
	}
	msg := a2a.NewAgentMessage(uuid.NewString(), parts...)
	msg.TaskID = taskID
	msg.ContextID = contextID
	msg.Metadata = map[string]interface{}{"dispatchResponse": true}
	return msg
}

// offload replaces oversized artifact part payloads with blob-store URIs.
func (h *Handler) offload(ctx context.Context, taskID string, art a2a.Artifact) a2a.Artifact {
	if h.blobs == nil {
		return art
	}
	for i, p := range art.Parts {
		var data []byte
		var contentType string
		switch {
		case p.Kind == a2a.PartKindText && len(p.Text) > inlineArtifactLimit:
			data, contentType = []byte(p.Text), "text/plain"
		case p.Kind == a2a.PartKindData && p.Data != nil:
			raw, err := json.Marshal(p.Data)
			if err != nil || len(raw) <= inlineArtifactLimit {
				continue
			}
			data, contentType = raw, "application/json"
		default:
			continue
		}

		key := fmt.Sprintf("%s/%s/%d", taskID, art.ArtifactID, i)
		uri, err := h.blobs.Put(ctx, key, data, contentType)
		if err != nil {
			slog.Warn("artifact offload failed", "task", taskID, "artifact", art.ArtifactID, "error", err)
			continue
		}
		art.Parts[i] = a2a.Part{
			Kind: a2a.PartKindFile,
			File: &a2a.FileContent{Name: art.Name, MimeType: contentType, URI: uri},
		}
	}
	return art
}

func (h *Handler) recordSpan(spanType, plugin, taskID string, started time.Time, err error) {
	if h.spans == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	rec := task.SpanRecord{
		ID:        uuid.NewString(),
		TraceID:   taskID,
		Type:      spanType,
		Name:      spanType,
		TaskID:    taskID,
		StartedAt: started,
		EndedAt:   time.Now(),
		Status:    status,
	}
	if plugin != "" {
		rec.Attrs = map[string]interface{}{"plugin": plugin}
	}
	h.spans.Record(rec)
}

func textMessage(taskID, contextID, text string) *a2a.Message {
	msg := a2a.NewAgentMessage(uuid.NewString(), a2a.TextPart(text))
	msg.TaskID = taskID
	msg.ContextID = contextID
	return msg
}
