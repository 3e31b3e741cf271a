package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// scriptStepTimeout bounds one JS step; runaway scripts are interrupted.
const scriptStepTimeout = 30 * time.Second

// ErrScriptShape is returned when a script file never calls workflow() or
// passes it something other than an object with a steps array.
var ErrScriptShape = errors.New("script must call workflow({id, steps: [...]})")

// ScriptPlugin loads a workflow plugin from a JavaScript file. The script
// declares itself by calling the workflow() host function:
//
//	workflow({
//	    id: "greet-js",
//	    name: "Greeting",
//	    version: "1.0.0",
//	    steps: [
//	        function (run) { return {kind: "status", status: "working", message: "hi " + run.params.name}; },
//	        function (run) { return {kind: "status", status: "completed"}; },
//	    ],
//	});
//
// Each step function receives a run object (params, input, values, taskId,
// contextId) and returns one emission. The program is compiled once; every
// dispatch runs it in a fresh VM because VMs are not goroutine safe.
func ScriptPlugin(path string) (*Plugin, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}

	prog, err := goja.Compile(filepath.Base(path), string(src), true)
	if err != nil {
		return nil, fmt.Errorf("script: compile %s: %w", path, err)
	}

	// Run once now to pull the declaration; bad scripts fail at load.
	decl, err := evalScriptDecl(goja.New(), prog)
	if err != nil {
		return nil, fmt.Errorf("script: %s: %w", path, err)
	}

	id := stringField(decl.def, "id")
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	schema, _ := exportField(decl.def, "inputSchema").(map[string]interface{})

	return &Plugin{
		ID:          id,
		Name:        stringField(decl.def, "name"),
		Version:     stringField(decl.def, "version"),
		Description: stringField(decl.def, "description"),
		InputSchema: schema,
		Start: func(wctx Context) Machine {
			return newScriptMachine(prog, wctx)
		},
	}, nil
}

// RegisterScriptDir loads every *.js file under dir as a script plugin and
// registers it. Returns the registered plugin IDs so reload can diff
// against the previous composition.
func RegisterScriptDir(rt *Runtime, dir string) ([]string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("script: read %s: %w", trimmed, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".js") {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)

	var ids []string
	for _, p := range paths {
		plugin, err := ScriptPlugin(p)
		if err != nil {
			return ids, err
		}
		if err := rt.Register(plugin); err != nil {
			return ids, err
		}
		ids = append(ids, plugin.ID)
	}
	if len(ids) > 0 {
		slog.Info("script workflows registered", "dir", dir, "count", len(ids))
	}
	return ids, nil
}

// scriptDecl is the declaration captured from one program run.
type scriptDecl struct {
	def   *goja.Object
	steps []goja.Callable
}

// evalScriptDecl runs the program in vm and captures the workflow()
// declaration. The returned callables are bound to vm.
func evalScriptDecl(vm *goja.Runtime, prog *goja.Program) (*scriptDecl, error) {
	var def *goja.Object
	if err := vm.Set("workflow", func(v goja.Value) {
		if obj, ok := v.(*goja.Object); ok {
			def = obj
		}
	}); err != nil {
		return nil, err
	}

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrScriptShape
	}

	stepsVal := def.Get("steps")
	if stepsVal == nil || goja.IsUndefined(stepsVal) || goja.IsNull(stepsVal) {
		return nil, ErrScriptShape
	}
	stepsObj := stepsVal.ToObject(vm)
	length := stepsObj.Get("length").ToInteger()
	if length == 0 {
		return nil, ErrScriptShape
	}

	steps := make([]goja.Callable, 0, length)
	for i := int64(0); i < length; i++ {
		fn, ok := goja.AssertFunction(stepsObj.Get(strconv.FormatInt(i, 10)))
		if !ok {
			return nil, fmt.Errorf("%w: steps[%d] is not a function", ErrScriptShape, i)
		}
		steps = append(steps, fn)
	}

	return &scriptDecl{def: def, steps: steps}, nil
}

func stringField(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func exportField(obj *goja.Object, name string) interface{} {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// --- execution ---

// scriptMachine drives the step functions of one script dispatch inside its
// own VM.
type scriptMachine struct {
	vm      *goja.Runtime
	decl    *scriptDecl
	wctx    Context
	values  map[string]interface{}
	idx     int
	phase   Phase
	pending map[string]interface{}
	input   map[string]interface{}
	broken  error
}

func newScriptMachine(prog *goja.Program, wctx Context) *scriptMachine {
	sm := &scriptMachine{
		wctx:   wctx,
		values: make(map[string]interface{}),
		phase:  PhaseRunning,
	}

	// Re-evaluate in a fresh VM so the step closures belong to it.
	vm := goja.New()
	decl, err := evalScriptDecl(vm, prog)
	if err != nil {
		sm.broken = err
		return sm
	}
	sm.vm = vm
	sm.decl = decl
	return sm
}

func (sm *scriptMachine) Phase() Phase { return sm.phase }

func (sm *scriptMachine) PendingSchema() map[string]interface{} {
	if sm.phase != PhasePaused {
		return nil
	}
	return sm.pending
}

func (sm *scriptMachine) Step(ctx context.Context, input map[string]interface{}) (Event, error) {
	if sm.broken != nil {
		sm.phase = PhaseFailed
		return Event{}, sm.broken
	}

	switch sm.phase {
	case PhaseDone, PhaseFailed:
		return Event{}, ErrSequenceFinished
	case PhasePaused:
		sm.input = input
		sm.phase = PhaseRunning
		sm.pending = nil
	}

	if err := ctx.Err(); err != nil {
		sm.phase = PhaseFailed
		return Event{}, err
	}

	if sm.idx >= len(sm.decl.steps) {
		sm.phase = PhaseDone
		return Event{State: Completed(""), Done: true}, nil
	}

	fn := sm.decl.steps[sm.idx]
	sm.idx++

	out, err := sm.callStep(fn)
	if err != nil {
		sm.phase = PhaseFailed
		return Event{}, err
	}

	st, err := stateFromScript(out)
	if err != nil {
		sm.phase = PhaseFailed
		return Event{}, err
	}

	switch {
	case st.Kind == KindInterrupted:
		sm.phase = PhasePaused
		sm.pending = st.InputSchema
		return Event{State: st}, nil
	case st.Terminal():
		result, _ := out["result"].(map[string]interface{})
		if st.Status == a2a.TaskStateFailed {
			sm.phase = PhaseFailed
		} else {
			sm.phase = PhaseDone
		}
		return Event{State: st, Done: true, Result: result}, nil
	default:
		return Event{State: st}, nil
	}
}

// callStep invokes one step function with the run object, bounded by the
// step timeout.
func (sm *scriptMachine) callStep(fn goja.Callable) (map[string]interface{}, error) {
	input := sm.input
	if input == nil {
		input = map[string]interface{}{}
	}
	params := sm.wctx.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	// Maps are wrapped live, so scripts can mutate run.values across steps.
	run := sm.vm.NewObject()
	_ = run.Set("taskId", sm.wctx.TaskID)
	_ = run.Set("contextId", sm.wctx.ContextID)
	_ = run.Set("params", params)
	_ = run.Set("input", input)
	_ = run.Set("values", sm.values)

	timer := time.AfterFunc(scriptStepTimeout, func() {
		sm.vm.Interrupt("step timeout")
	})
	defer timer.Stop()

	ret, err := fn(goja.Undefined(), run)
	if err != nil {
		return nil, fmt.Errorf("script step: %w", err)
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, errors.New("script step returned no emission")
	}

	// JSON round-trip flattens goja values into plain maps.
	raw, err := json.Marshal(ret.Export())
	if err != nil {
		return nil, fmt.Errorf("script step result: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.New("script step must return an object")
	}
	return out, nil
}

// stateFromScript maps a step's returned object onto the emission union.
func stateFromScript(out map[string]interface{}) (State, error) {
	kind, _ := out["kind"].(string)
	msg, _ := out["message"].(string)

	switch kind {
	case KindDispatchResponse:
		text, _ := out["text"].(string)
		if text == "" {
			text = msg
		}
		if text == "" {
			return DispatchResponse(), nil
		}
		return DispatchResponse(a2a.TextPart(text)), nil

	case KindStatus:
		label, _ := out["status"].(string)
		state, ok := manifestStates[label]
		if !ok {
			return State{}, fmt.Errorf("script step: unknown status %q", label)
		}
		return StatusState(state, msg), nil

	case KindProgress:
		current, _ := out["current"].(float64)
		total, _ := out["total"].(float64)
		return Progress(int(current), int(total)), nil

	case KindArtifact:
		name, _ := out["name"].(string)
		data, _ := out["data"].(map[string]interface{})
		id, _ := out["artifactId"].(string)
		if id == "" {
			id = name
		}
		return ArtifactState(a2a.Artifact{
			ArtifactID: id,
			Name:       name,
			Parts:      []a2a.Part{a2a.DataPart(data)},
		}), nil

	case KindInterrupted:
		reason, _ := out["reason"].(string)
		schema, _ := out["inputSchema"].(map[string]interface{})
		return Pause(reason, msg, schema), nil

	default:
		return State{}, fmt.Errorf("script step: unknown emission kind %q", kind)
	}
}
