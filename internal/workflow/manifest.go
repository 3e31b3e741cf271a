package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// Manifest is a declarative workflow plugin: an ordered list of step specs
// loaded from YAML. Each step produces at most one emission; steps guarded
// by a false `when` expression are skipped.
type Manifest struct {
	ID          string                 `yaml:"id"`
	Name        string                 `yaml:"name"`
	Version     string                 `yaml:"version"`
	Description string                 `yaml:"description"`
	InputSchema map[string]interface{} `yaml:"inputSchema"`
	Steps       []StepSpec             `yaml:"steps"`
}

// StepSpec is one manifest step. Exactly one of Status, Progress, Artifact,
// or Pause selects the emission; When and Set run before it.
type StepSpec struct {
	Name string `yaml:"name"`

	// When is a CEL expression over params, input, and values. A false
	// result skips the step.
	When string `yaml:"when,omitempty"`

	// Set assigns CEL expression results to cross-step values.
	Set map[string]string `yaml:"set,omitempty"`

	Status   string                 `yaml:"status,omitempty"`
	Message  string                 `yaml:"message,omitempty"`
	Progress *ProgressSpec          `yaml:"progress,omitempty"`
	Artifact *ArtifactSpec          `yaml:"artifact,omitempty"`
	Pause    *PauseSpec             `yaml:"pause,omitempty"`
	Result   map[string]interface{} `yaml:"result,omitempty"`
}

// ProgressSpec emits a progress counter.
type ProgressSpec struct {
	Current int `yaml:"current"`
	Total   int `yaml:"total"`
}

// ArtifactSpec emits a data artifact. Leaf strings in Data are rendered as
// templates.
type ArtifactSpec struct {
	Name string                 `yaml:"name"`
	Data map[string]interface{} `yaml:"data"`
}

// PauseSpec suspends the workflow until a resume supplies input matching
// InputSchema.
type PauseSpec struct {
	Reason      string                 `yaml:"reason"`
	Message     string                 `yaml:"message"`
	InputSchema map[string]interface{} `yaml:"inputSchema,omitempty"`
}

// manifestStates are the status labels a manifest step may emit.
var manifestStates = map[string]a2a.TaskState{
	"working":   a2a.TaskStateWorking,
	"completed": a2a.TaskStateCompleted,
	"failed":    a2a.TaskStateFailed,
	"rejected":  a2a.TaskStateRejected,
}

// Validate checks the manifest shape before compilation.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("manifest: id is required")
	}
	if len(m.Steps) == 0 {
		return fmt.Errorf("manifest %s: at least one step is required", m.ID)
	}
	for i, st := range m.Steps {
		emissions := 0
		if st.Status != "" {
			emissions++
			if _, ok := manifestStates[st.Status]; !ok {
				return fmt.Errorf("manifest %s: step %d: unknown status %q", m.ID, i, st.Status)
			}
		}
		if st.Progress != nil {
			emissions++
		}
		if st.Artifact != nil {
			emissions++
		}
		if st.Pause != nil {
			emissions++
		}
		if emissions != 1 {
			return fmt.Errorf("manifest %s: step %d: exactly one of status, progress, artifact, pause is required", m.ID, i)
		}
		if st.Result != nil && !manifestStates[st.Status].Terminal() {
			return fmt.Errorf("manifest %s: step %d: result is only valid on terminal status steps", m.ID, i)
		}
	}
	return nil
}

// ParseManifest decodes a manifest from YAML bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest: payload is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestFile parses a manifest from a YAML file.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return m, nil
}

// LoadManifestDir scans dir for *.yaml/*.yml manifests, sorted by path.
// A missing directory yields no manifests.
func LoadManifestDir(dir string) ([]*Manifest, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: read %s: %w", trimmed, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(trimmed, entry.Name()))
		}
	}
	sort.Strings(paths)

	var out []*Manifest
	for _, p := range paths {
		m, err := LoadManifestFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// --- compilation ---

type compiledStep struct {
	spec StepSpec
	when cel.Program
	set  map[string]cel.Program
}

type compiledManifest struct {
	manifest *Manifest
	steps    []compiledStep
}

// CompileManifest turns a manifest into a registrable plugin. CEL
// expressions and message templates are verified here so bad manifests fail
// at load, not mid-dispatch.
func CompileManifest(m *Manifest) (*Plugin, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("values", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: cel env: %w", m.ID, err)
	}

	cm := &compiledManifest{manifest: m}
	for i, spec := range m.Steps {
		cs := compiledStep{spec: spec}

		if spec.When != "" {
			prg, err := compileCEL(env, spec.When)
			if err != nil {
				return nil, fmt.Errorf("manifest %s: step %d: when: %w", m.ID, i, err)
			}
			cs.when = prg
		}
		if len(spec.Set) > 0 {
			cs.set = make(map[string]cel.Program, len(spec.Set))
			for key, expr := range spec.Set {
				prg, err := compileCEL(env, expr)
				if err != nil {
					return nil, fmt.Errorf("manifest %s: step %d: set %s: %w", m.ID, i, key, err)
				}
				cs.set[key] = prg
			}
		}
		if err := checkTemplates(spec); err != nil {
			return nil, fmt.Errorf("manifest %s: step %d: %w", m.ID, i, err)
		}

		cm.steps = append(cm.steps, cs)
	}

	return &Plugin{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		InputSchema: m.InputSchema,
		Start: func(wctx Context) Machine {
			return newManifestMachine(cm, wctx)
		},
	}, nil
}

// RegisterManifestDir loads every manifest under dir and registers the
// compiled plugins. Returns the registered plugin IDs so reload can diff
// against the previous composition.
func RegisterManifestDir(rt *Runtime, dir string) ([]string, error) {
	manifests, err := LoadManifestDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range manifests {
		p, err := CompileManifest(m)
		if err != nil {
			return ids, err
		}
		if err := rt.Register(p); err != nil {
			return ids, err
		}
		ids = append(ids, p.ID)
	}
	if len(ids) > 0 {
		slog.Info("manifest workflows registered", "dir", dir, "count", len(ids))
	}
	return ids, nil
}

func compileCEL(env *cel.Env, src string) (cel.Program, error) {
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return env.Program(ast)
}

// checkTemplates parses every templated string in the step so syntax errors
// surface at compile time.
func checkTemplates(spec StepSpec) error {
	try := func(s string) error {
		_, err := template.New("step").Parse(s)
		return err
	}
	if err := try(spec.Message); err != nil {
		return fmt.Errorf("message template: %w", err)
	}
	if spec.Pause != nil {
		if err := try(spec.Pause.Message); err != nil {
			return fmt.Errorf("pause message template: %w", err)
		}
	}
	if spec.Artifact != nil {
		if err := walkTemplates(spec.Artifact.Data, try); err != nil {
			return fmt.Errorf("artifact data template: %w", err)
		}
	}
	if err := walkTemplates(spec.Result, try); err != nil {
		return fmt.Errorf("result template: %w", err)
	}
	return nil
}

func walkTemplates(v interface{}, try func(string) error) error {
	switch t := v.(type) {
	case string:
		return try(t)
	case map[string]interface{}:
		for _, e := range t {
			if err := walkTemplates(e, try); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, e := range t {
			if err := walkTemplates(e, try); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- execution ---

// manifestMachine drives a compiled manifest. Unlike Sequence it supports
// guard-skipped steps, so one Step call may walk past several specs before
// producing an emission.
type manifestMachine struct {
	cm      *compiledManifest
	wctx    Context
	idx     int
	phase   Phase
	pending map[string]interface{}
	input   map[string]interface{}
	values  map[string]interface{}
	result  map[string]interface{}
}

func newManifestMachine(cm *compiledManifest, wctx Context) *manifestMachine {
	return &manifestMachine{
		cm:     cm,
		wctx:   wctx,
		phase:  PhaseRunning,
		values: make(map[string]interface{}),
	}
}

func (mm *manifestMachine) Phase() Phase { return mm.phase }

func (mm *manifestMachine) PendingSchema() map[string]interface{} {
	if mm.phase != PhasePaused {
		return nil
	}
	return mm.pending
}

func (mm *manifestMachine) Step(ctx context.Context, input map[string]interface{}) (Event, error) {
	switch mm.phase {
	case PhaseDone, PhaseFailed:
		return Event{}, ErrSequenceFinished
	case PhasePaused:
		mm.input = input
		mm.phase = PhaseRunning
		mm.pending = nil
	}

	if err := ctx.Err(); err != nil {
		mm.phase = PhaseFailed
		return Event{}, err
	}

	for mm.idx < len(mm.cm.steps) {
		cs := mm.cm.steps[mm.idx]
		mm.idx++

		if cs.when != nil {
			ok, err := mm.evalBool(cs.when)
			if err != nil {
				mm.phase = PhaseFailed
				return Event{}, fmt.Errorf("step %s: when: %w", cs.spec.Name, err)
			}
			if !ok {
				slog.Debug("manifest step skipped", "workflow", mm.cm.manifest.ID, "step", cs.spec.Name)
				continue
			}
		}

		for key, prg := range cs.set {
			v, err := mm.eval(prg)
			if err != nil {
				mm.phase = PhaseFailed
				return Event{}, fmt.Errorf("step %s: set %s: %w", cs.spec.Name, key, err)
			}
			mm.values[key] = v
		}

		return mm.emit(cs.spec)
	}

	mm.phase = PhaseDone
	return Event{State: Completed(""), Done: true, Result: mm.result}, nil
}

func (mm *manifestMachine) emit(spec StepSpec) (Event, error) {
	switch {
	case spec.Pause != nil:
		mm.phase = PhasePaused
		mm.pending = spec.Pause.InputSchema
		msg, err := mm.render(spec.Pause.Message)
		if err != nil {
			mm.phase = PhaseFailed
			return Event{}, err
		}
		return Event{State: Pause(spec.Pause.Reason, msg, spec.Pause.InputSchema)}, nil

	case spec.Progress != nil:
		return Event{State: Progress(spec.Progress.Current, spec.Progress.Total)}, nil

	case spec.Artifact != nil:
		data, err := mm.renderValue(spec.Artifact.Data)
		if err != nil {
			mm.phase = PhaseFailed
			return Event{}, err
		}
		dataMap, _ := data.(map[string]interface{})
		art := a2a.Artifact{
			ArtifactID: fmt.Sprintf("%s-%d", mm.cm.manifest.ID, mm.idx),
			Name:       spec.Artifact.Name,
			Parts:      []a2a.Part{a2a.DataPart(dataMap)},
		}
		return Event{State: ArtifactState(art)}, nil

	default:
		msg, err := mm.render(spec.Message)
		if err != nil {
			mm.phase = PhaseFailed
			return Event{}, err
		}
		state := manifestStates[spec.Status]
		st := StatusState(state, msg)
		if !st.Terminal() {
			return Event{State: st}, nil
		}

		if spec.Result != nil {
			rendered, err := mm.renderValue(spec.Result)
			if err != nil {
				mm.phase = PhaseFailed
				return Event{}, err
			}
			mm.result, _ = rendered.(map[string]interface{})
		}
		if state == a2a.TaskStateFailed {
			mm.phase = PhaseFailed
		} else {
			mm.phase = PhaseDone
		}
		return Event{State: st, Done: true, Result: mm.result}, nil
	}
}

func (mm *manifestMachine) activation() map[string]interface{} {
	params := mm.wctx.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	input := mm.input
	if input == nil {
		input = map[string]interface{}{}
	}
	return map[string]interface{}{
		"params": params,
		"input":  input,
		"values": mm.values,
	}
}

func (mm *manifestMachine) eval(prg cel.Program) (interface{}, error) {
	out, _, err := prg.Eval(mm.activation())
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}

func (mm *manifestMachine) evalBool(prg cel.Program) (bool, error) {
	v, err := mm.eval(prg)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("guard did not evaluate to bool (got %T)", v)
	}
	return b, nil
}

// render executes a message template against the machine's activation data.
func (mm *manifestMachine) render(s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tpl, err := template.New("step").Parse(s)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, mm.activation()); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// renderValue walks maps and slices, rendering every leaf string.
func (mm *manifestMachine) renderValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return mm.render(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			r, err := mm.renderValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			r, err := mm.renderValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
