package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

var (
	// ErrUnknownPlugin is returned when dispatching an unregistered id.
	ErrUnknownPlugin = errors.New("unknown workflow plugin")

	// ErrNoActiveWorkflow is returned when advancing a task with no stored
	// machine handle.
	ErrNoActiveWorkflow = errors.New("no active workflow")

	// ErrAdvanceInFlight is returned when a previous advance on the same
	// task has not settled yet.
	ErrAdvanceInFlight = errors.New("previous advance has not settled")
)

// active is the runtime's record for one live task: exactly one machine
// handle per task id.
type active struct {
	plugin   string
	machine  Machine
	ctx      context.Context
	cancel   context.CancelFunc
	state    a2a.TaskState
	inFlight bool
}

// Runtime owns the plugin registry and the live task→machine map.
type Runtime struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
	schemas map[string]*jsonschema.Schema
	tasks   map[string]*active
}

// NewRuntime creates an empty workflow runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		plugins: make(map[string]*Plugin),
		schemas: make(map[string]*jsonschema.Schema),
		tasks:   make(map[string]*active),
	}
}

// Register inserts a plugin by id. Re-registration overwrites the previous
// entry (last-write-wins) so hot reload can replace plugin sets in place;
// in-flight machines keep running unaffected.
func (r *Runtime) Register(p *Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var sch *jsonschema.Schema
	if p.InputSchema != nil {
		compiled, err := compileSchema(p.ID, p.InputSchema)
		if err != nil {
			return fmt.Errorf("plugin %s: compile input schema: %w", p.ID, err)
		}
		sch = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID]; exists {
		slog.Warn("workflow plugin overwritten", "plugin", p.ID, "version", p.Version)
	}
	r.plugins[p.ID] = p
	if sch != nil {
		r.schemas[p.ID] = sch
	} else {
		delete(r.schemas, p.ID)
	}
	slog.Debug("workflow plugin registered", "plugin", p.ID, "version", p.Version)
	return nil
}

// Unregister removes a plugin from the registry. Machines already dispatched
// from it keep their handles.
func (r *Runtime) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, id)
	delete(r.schemas, id)
}

// Get returns a registered plugin.
func (r *Runtime) Get(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Plugins lists registered plugins sorted by id.
func (r *Runtime) Plugins() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, Info{
			ID:          p.ID,
			Name:        p.Name,
			Version:     p.Version,
			Description: p.Description,
			InputSchema: p.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch validates params, starts the plugin's machine, stores the handle
// under wctx.TaskID, and returns the first emitted event. Validation and
// unknown-plugin failures return an error with no task state created.
// In-sequence failures return a terminal failed event instead.
func (r *Runtime) Dispatch(ctx context.Context, pluginID string, wctx Context) (Event, error) {
	r.mu.RLock()
	p, ok := r.plugins[pluginID]
	sch := r.schemas[pluginID]
	r.mu.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}

	if len(p.Defaults) > 0 {
		merged := make(map[string]interface{}, len(p.Defaults)+len(wctx.Params))
		for k, v := range p.Defaults {
			merged[k] = v
		}
		for k, v := range wctx.Params {
			merged[k] = v
		}
		wctx.Params = merged
	}

	if sch != nil {
		if err := validateParams(pluginID, sch, wctx.Params); err != nil {
			return Event{}, err
		}
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &active{
		plugin:  pluginID,
		machine: p.Start(wctx),
		ctx:     taskCtx,
		cancel:  cancel,
		state:   a2a.TaskStateSubmitted,
	}

	ev, err := safeStep(rec, nil)
	if err != nil {
		cancel()
		slog.Error("workflow failed on first step", "plugin", pluginID, "task", wctx.TaskID, "error", err)
		return Event{State: Failed(err.Error()), Done: true}, nil
	}

	rec.observe(ev)
	if ev.Done || ev.State.Terminal() {
		cancel()
		return ev, nil
	}

	r.mu.Lock()
	r.tasks[wctx.TaskID] = rec
	r.mu.Unlock()
	return ev, nil
}

// Advance passes input into the suspended sequence and returns the next
// emitted event, or the terminal return value wrapped with Done. Unknown
// task ids fail with ErrNoActiveWorkflow; in-sequence failures convert to a
// terminal failed event and the handle is removed.
func (r *Runtime) Advance(ctx context.Context, taskID string, input map[string]interface{}) (Event, error) {
	r.mu.Lock()
	rec, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return Event{}, fmt.Errorf("%w for task %s", ErrNoActiveWorkflow, taskID)
	}
	if rec.inFlight {
		r.mu.Unlock()
		return Event{}, fmt.Errorf("%w for task %s", ErrAdvanceInFlight, taskID)
	}
	rec.inFlight = true
	r.mu.Unlock()

	ev, err := safeStep(rec, input)

	r.mu.Lock()
	rec.inFlight = false
	if err != nil {
		delete(r.tasks, taskID)
		r.mu.Unlock()
		rec.cancel()
		if errors.Is(err, context.Canceled) && rec.ctx.Err() != nil {
			// Cancel raced the step. The cancel path already finalized
			// the task, so there is nothing to publish.
			return Event{}, err
		}
		slog.Error("workflow step failed", "plugin", rec.plugin, "task", taskID, "error", err)
		return Event{State: Failed(err.Error()), Done: true}, nil
	}

	rec.observe(ev)
	if ev.Done || ev.State.Terminal() {
		delete(r.tasks, taskID)
		r.mu.Unlock()
		rec.cancel()
		return ev, nil
	}
	r.mu.Unlock()
	return ev, nil
}

// TaskState returns the last observed state label for a live task.
func (r *Runtime) TaskState(taskID string) (a2a.TaskState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// PendingSchema returns the pause input schema of a live paused task.
func (r *Runtime) PendingSchema(taskID string) map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[taskID]
	if !ok {
		return nil
	}
	return rec.machine.PendingSchema()
}

// Cancel signals the task's context and removes its handle. Returns false
// when no handle exists.
func (r *Runtime) Cancel(taskID string) bool {
	r.mu.Lock()
	rec, ok := r.tasks[taskID]
	delete(r.tasks, taskID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	rec.cancel()
	return true
}

// ActiveCount returns the number of live task handles.
func (r *Runtime) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// observe updates the record's state label from an emitted event.
func (rec *active) observe(ev Event) {
	switch ev.State.Kind {
	case KindStatus:
		rec.state = ev.State.Status
	case KindInterrupted:
		rec.state = a2a.TaskStateInputRequired
	case KindDispatchResponse:
		rec.state = a2a.TaskStateSubmitted
	case KindProgress, KindArtifact:
		if rec.state == a2a.TaskStateSubmitted {
			rec.state = a2a.TaskStateWorking
		}
	}
}

// safeStep runs one machine step, converting panics into errors so plugin
// bugs never escape the runtime.
func safeStep(rec *active, input map[string]interface{}) (ev Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panic: %v", p)
		}
	}()
	return rec.machine.Step(rec.ctx, input)
}

// compileSchema compiles a JSON-schema document given as a map.
func compileSchema(id string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(id+".schema.json", string(raw))
}

// validateParams checks params against the compiled schema and flattens
// violations into field-level detail.
func validateParams(pluginID string, sch *jsonschema.Schema, params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	// Round-trip to plain JSON types so the validator sees what came off
	// the wire.
	raw, err := json.Marshal(params)
	if err != nil {
		return &ValidationError{Plugin: pluginID, Fields: []FieldError{{Path: "", Message: err.Error()}}}
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ValidationError{Plugin: pluginID, Fields: []FieldError{{Path: "", Message: err.Error()}}}
	}

	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Plugin: pluginID, Fields: flattenCauses(ve)}
		}
		return &ValidationError{Plugin: pluginID, Fields: []FieldError{{Path: "", Message: err.Error()}}}
	}
	return nil
}

func flattenCauses(ve *jsonschema.ValidationError) []FieldError {
	if len(ve.Causes) == 0 {
		return []FieldError{{Path: ve.InstanceLocation, Message: ve.Message}}
	}
	var out []FieldError
	for _, c := range ve.Causes {
		out = append(out, flattenCauses(c)...)
	}
	return out
}
