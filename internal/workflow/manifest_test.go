package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

const swapManifest = `
id: swap-confirm
name: Token Swap
version: 1.0.0
description: Swap with confirmation
inputSchema:
  type: object
  required: [token]
  properties:
    token: {type: string}
steps:
  - name: start
    status: working
    message: "Preparing swap of {{.params.token}}"
  - name: confirm
    pause:
      reason: confirmation
      message: "Approve swapping {{.params.token}}?"
      inputSchema:
        type: object
        properties:
          approved: {type: boolean}
  - name: reject
    when: "!(has(input.approved) && input.approved)"
    status: rejected
    message: swap rejected
  - name: execute
    when: has(input.approved) && input.approved
    set:
      token: params.token
    status: working
    message: executing swap
  - name: done
    when: has(input.approved) && input.approved
    status: completed
    message: swap executed
    result:
      token: "{{.values.token}}"
`

func TestParseManifest_Valid(t *testing.T) {
	m, err := ParseManifest([]byte(swapManifest))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.ID != "swap-confirm" || m.Version != "1.0.0" {
		t.Errorf("manifest header = %s/%s", m.ID, m.Version)
	}
	if len(m.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(m.Steps))
	}
	if m.Steps[1].Pause == nil || m.Steps[1].Pause.Reason != "confirmation" {
		t.Errorf("pause step = %+v", m.Steps[1])
	}
	if m.InputSchema == nil {
		t.Error("input schema not decoded")
	}
}

func TestParseManifest_Rejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty payload", "   "},
		{"missing id", "name: x\nsteps:\n  - status: working\n"},
		{"no steps", "id: x\n"},
		{"two emissions", "id: x\nsteps:\n  - status: working\n    pause:\n      reason: r\n"},
		{"no emission", "id: x\nsteps:\n  - name: only-guard\n    when: \"true\"\n"},
		{"unknown status", "id: x\nsteps:\n  - status: exploded\n"},
		{"result on non-terminal", "id: x\nsteps:\n  - status: working\n    result:\n      a: b\n"},
	}
	for _, tc := range cases {
		if _, err := ParseManifest([]byte(tc.yaml)); err == nil {
			t.Errorf("%s: parse succeeded, want error", tc.name)
		}
	}
}

func TestCompileManifest_BadExpressions(t *testing.T) {
	bad := `
id: x
steps:
  - when: "this is not cel ((("
    status: working
`
	m, err := ParseManifest([]byte(bad))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := CompileManifest(m); err == nil {
		t.Error("compile succeeded with invalid CEL guard")
	}

	badTpl := `
id: x
steps:
  - status: working
    message: "{{.params.token"
`
	m, err = ParseManifest([]byte(badTpl))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := CompileManifest(m); err == nil {
		t.Error("compile succeeded with invalid message template")
	}
}

func stepManifest(t *testing.T, yaml string) Machine {
	t.Helper()
	m, err := ParseManifest([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := CompileManifest(m)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p.Start(Context{
		TaskID:    "task-1",
		ContextID: "ctx-1",
		Params:    map[string]interface{}{"token": "USDC"},
	})
}

func TestManifestMachine_ApprovedPath(t *testing.T) {
	mach := stepManifest(t, swapManifest)
	ctx := context.Background()

	ev, err := mach.Step(ctx, nil)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if ev.State.Status != a2a.TaskStateWorking {
		t.Fatalf("step 1 = %+v, want working", ev.State)
	}
	if !strings.Contains(ev.State.Message, "USDC") {
		t.Errorf("templated message = %q, want token interpolated", ev.State.Message)
	}

	ev, err = mach.Step(ctx, nil)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if ev.State.Kind != KindInterrupted {
		t.Fatalf("step 2 = %+v, want interrupted", ev.State)
	}
	if mach.PendingSchema() == nil {
		t.Error("pending schema missing while paused")
	}

	// Approval skips the reject step and runs execute.
	ev, err = mach.Step(ctx, map[string]interface{}{"approved": true})
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}
	if ev.State.Status != a2a.TaskStateWorking || ev.State.Message != "executing swap" {
		t.Fatalf("step 3 = %+v, want execute emission", ev.State)
	}

	ev, err = mach.Step(ctx, nil)
	if err != nil {
		t.Fatalf("step 4: %v", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateCompleted {
		t.Fatalf("step 4 = %+v, want terminal completed", ev)
	}
	if ev.Result["token"] != "USDC" {
		t.Errorf("result = %v, want token from set values", ev.Result)
	}
}

func TestManifestMachine_RejectedPath(t *testing.T) {
	mach := stepManifest(t, swapManifest)
	ctx := context.Background()

	if _, err := mach.Step(ctx, nil); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if _, err := mach.Step(ctx, nil); err != nil {
		t.Fatalf("step 2: %v", err)
	}

	// Denial hits the reject guard and terminates there.
	ev, err := mach.Step(ctx, map[string]interface{}{"approved": false})
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateRejected {
		t.Fatalf("step 3 = %+v, want terminal rejected", ev)
	}
	if mach.Phase() != PhaseDone {
		t.Errorf("phase = %v, want done", mach.Phase())
	}
}

func TestManifestMachine_AllGuardsFalseCompletes(t *testing.T) {
	yaml := `
id: skippy
steps:
  - status: working
  - when: "false"
    status: failed
  - when: "false"
    status: rejected
`
	mach := stepManifest(t, yaml)
	ctx := context.Background()

	if _, err := mach.Step(ctx, nil); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	ev, err := mach.Step(ctx, nil)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateCompleted {
		t.Fatalf("skipped-out machine = %+v, want implicit completion", ev)
	}
}

func TestLoadManifestDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("b.yaml", "id: beta\nsteps:\n  - status: completed\n")
	write("a.yml", "id: alpha\nsteps:\n  - status: completed\n")
	write("ignored.txt", "not yaml")

	manifests, err := LoadManifestDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(manifests) != 2 {
		t.Fatalf("manifests = %d, want 2", len(manifests))
	}
	if manifests[0].ID != "alpha" || manifests[1].ID != "beta" {
		t.Errorf("order = [%s %s], want path-sorted", manifests[0].ID, manifests[1].ID)
	}

	// Missing directories mean no manifests, not an error.
	none, err := LoadManifestDir(filepath.Join(dir, "missing"))
	if err != nil || none != nil {
		t.Errorf("missing dir = %v/%v, want nil/nil", none, err)
	}
}

func TestRegisterManifestDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "wf.yaml"),
		[]byte("id: from-yaml\nsteps:\n  - status: completed\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rt := NewRuntime()
	ids, err := RegisterManifestDir(rt, dir)
	if err != nil {
		t.Fatalf("register dir: %v", err)
	}
	if len(ids) != 1 || ids[0] != "from-yaml" {
		t.Fatalf("registered = %v, want [from-yaml]", ids)
	}
	if _, ok := rt.Get("from-yaml"); !ok {
		t.Error("manifest plugin not registered")
	}
}
