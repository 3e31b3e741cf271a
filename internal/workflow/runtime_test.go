package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

func ackStep(text string) StepFunc {
	return func(ctx context.Context, run *Run) (State, error) {
		return DispatchResponse(a2a.TextPart(text)), nil
	}
}

func statusStep(st State) StepFunc {
	return func(ctx context.Context, run *Run) (State, error) {
		return st, nil
	}
}

func testPlugin(id string, steps ...StepFunc) *Plugin {
	return NewSequencePlugin(id, id, "1.0.0", "test plugin", nil, steps...)
}

func TestRuntime_RegisterAndList(t *testing.T) {
	rt := NewRuntime()
	if err := rt.Register(testPlugin("swap", ackStep("ok"))); err != nil {
		t.Fatalf("register swap: %v", err)
	}
	if err := rt.Register(testPlugin("bridge", ackStep("ok"))); err != nil {
		t.Fatalf("register bridge: %v", err)
	}

	if _, ok := rt.Get("swap"); !ok {
		t.Fatal("Get(swap) = not found")
	}

	infos := rt.Plugins()
	if len(infos) != 2 {
		t.Fatalf("Plugins() len = %d, want 2", len(infos))
	}
	if infos[0].ID != "bridge" || infos[1].ID != "swap" {
		t.Errorf("Plugins() order = [%s %s], want sorted by id", infos[0].ID, infos[1].ID)
	}
}

func TestRuntime_RegisterOverwrites(t *testing.T) {
	rt := NewRuntime()

	first := testPlugin("swap", ackStep("v1"))
	first.Version = "1.0.0"
	second := testPlugin("swap", ackStep("v2"))
	second.Version = "2.0.0"

	if err := rt.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := rt.Register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	p, ok := rt.Get("swap")
	if !ok {
		t.Fatal("Get(swap) = not found")
	}
	if p.Version != "2.0.0" {
		t.Errorf("surviving version = %s, want 2.0.0 (last write wins)", p.Version)
	}
	if len(rt.Plugins()) != 1 {
		t.Errorf("Plugins() len = %d, want 1", len(rt.Plugins()))
	}
}

func TestRuntime_RegisterInvalid(t *testing.T) {
	rt := NewRuntime()

	if err := rt.Register(&Plugin{Start: func(Context) Machine { return nil }}); err == nil {
		t.Error("register without id succeeded")
	}
	if err := rt.Register(&Plugin{ID: "noop"}); err == nil {
		t.Error("register without Start succeeded")
	}
	if err := rt.Register(nil); err == nil {
		t.Error("register nil plugin succeeded")
	}
}

func TestRuntime_DispatchUnknownPlugin(t *testing.T) {
	rt := NewRuntime()
	_, err := rt.Dispatch(context.Background(), "ghost", Context{TaskID: "t1"})
	if !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("err = %v, want ErrUnknownPlugin", err)
	}
	if rt.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after failed dispatch", rt.ActiveCount())
	}
}

func TestRuntime_DispatchValidatesParams(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"token"},
		"properties": map[string]interface{}{
			"token":  map[string]interface{}{"type": "string"},
			"amount": map[string]interface{}{"type": "number"},
		},
	}
	rt := NewRuntime()
	p := NewSequencePlugin("swap", "Swap", "1.0.0", "", schema, ackStep("ok"))
	if err := rt.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := rt.Dispatch(context.Background(), "swap", Context{
		TaskID: "t1",
		Params: map[string]interface{}{"amount": "not-a-number"},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(ve.Fields) == 0 {
		t.Fatal("validation error carries no field detail")
	}
	if rt.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after rejected dispatch", rt.ActiveCount())
	}

	// Conforming parameters pass.
	ev, err := rt.Dispatch(context.Background(), "swap", Context{
		TaskID: "t2",
		Params: map[string]interface{}{"token": "USDC", "amount": 5},
	})
	if err != nil {
		t.Fatalf("valid dispatch: %v", err)
	}
	if ev.State.Kind != KindDispatchResponse {
		t.Errorf("first event kind = %s, want dispatch-response", ev.State.Kind)
	}
}

func TestRuntime_DispatchMergesDefaults(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"token"},
		"properties": map[string]interface{}{
			"token": map[string]interface{}{"type": "string"},
		},
	}
	var seen map[string]interface{}
	p := &Plugin{
		ID:          "swap",
		InputSchema: schema,
		Defaults:    map[string]interface{}{"token": "USDC", "slippage": 0.5},
		Start: func(wctx Context) Machine {
			seen = wctx.Params
			return NewSequence(wctx, ackStep("ok"))
		},
	}
	rt := NewRuntime()
	if err := rt.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Defaults satisfy the required field on their own.
	if _, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"}); err != nil {
		t.Fatalf("dispatch with defaults only: %v", err)
	}
	if seen["token"] != "USDC" || seen["slippage"] != 0.5 {
		t.Errorf("merged params = %v", seen)
	}

	// Explicit params override defaults.
	if _, err := rt.Dispatch(context.Background(), "swap", Context{
		TaskID: "t2",
		Params: map[string]interface{}{"token": "ETH"},
	}); err != nil {
		t.Fatalf("dispatch with override: %v", err)
	}
	if seen["token"] != "ETH" || seen["slippage"] != 0.5 {
		t.Errorf("merged params = %v", seen)
	}
}

func TestRuntime_DispatchStoresHandle(t *testing.T) {
	rt := NewRuntime()
	if err := rt.Register(testPlugin("swap", ackStep("ok"), statusStep(Completed("")))); err != nil {
		t.Fatalf("register: %v", err)
	}

	ev, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ev.Done {
		t.Fatalf("first event = %+v, want non-terminal ack", ev)
	}
	if rt.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", rt.ActiveCount())
	}
	if st, ok := rt.TaskState("t1"); !ok || st != a2a.TaskStateSubmitted {
		t.Errorf("TaskState = %s/%v, want submitted", st, ok)
	}
}

func TestRuntime_AdvanceNoActiveWorkflow(t *testing.T) {
	rt := NewRuntime()
	_, err := rt.Advance(context.Background(), "missing", nil)
	if !errors.Is(err, ErrNoActiveWorkflow) {
		t.Fatalf("err = %v, want ErrNoActiveWorkflow", err)
	}
}

func TestRuntime_TerminalAdvanceWrapsDone(t *testing.T) {
	rt := NewRuntime()
	if err := rt.Register(testPlugin("swap", ackStep("ok"), statusStep(Completed("all done")))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ev, err := rt.Advance(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateCompleted {
		t.Fatalf("terminal advance = %+v, want done completed", ev)
	}
	if rt.ActiveCount() != 0 {
		t.Errorf("handle survived terminal advance")
	}
	if _, err := rt.Advance(context.Background(), "t1", nil); !errors.Is(err, ErrNoActiveWorkflow) {
		t.Fatalf("advance after terminal err = %v, want ErrNoActiveWorkflow", err)
	}
}

func TestRuntime_StepErrorConvertsToFailedEvent(t *testing.T) {
	rt := NewRuntime()
	steps := []StepFunc{
		ackStep("ok"),
		func(ctx context.Context, run *Run) (State, error) {
			return State{}, errors.New("rpc unavailable")
		},
	}
	if err := rt.Register(testPlugin("swap", steps...)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ev, err := rt.Advance(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("advance returned error %v, want failed event", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateFailed {
		t.Fatalf("event = %+v, want done failed", ev)
	}
	if !strings.Contains(ev.State.Message, "rpc unavailable") {
		t.Errorf("failed message = %q, want step error text", ev.State.Message)
	}
	if rt.ActiveCount() != 0 {
		t.Errorf("handle survived failed step")
	}
}

func TestRuntime_StepPanicConvertsToFailedEvent(t *testing.T) {
	rt := NewRuntime()
	steps := []StepFunc{
		ackStep("ok"),
		func(ctx context.Context, run *Run) (State, error) {
			panic("nil map write")
		},
	}
	if err := rt.Register(testPlugin("swap", steps...)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ev, err := rt.Advance(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("advance returned error %v, want failed event", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateFailed {
		t.Fatalf("event = %+v, want done failed", ev)
	}
	if !strings.Contains(ev.State.Message, "workflow panic") {
		t.Errorf("failed message = %q, want panic conversion", ev.State.Message)
	}
}

func TestRuntime_PendingSchemaWhilePaused(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"approved": map[string]interface{}{"type": "boolean"}},
	}
	rt := NewRuntime()
	steps := []StepFunc{
		ackStep("ok"),
		statusStep(Pause("confirmation", "approve?", schema)),
		statusStep(Completed("")),
	}
	if err := rt.Register(testPlugin("swap", steps...)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ev, err := rt.Advance(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if ev.State.Kind != KindInterrupted {
		t.Fatalf("event = %+v, want interrupted", ev)
	}
	if st, _ := rt.TaskState("t1"); st != a2a.TaskStateInputRequired {
		t.Errorf("TaskState = %s, want input-required", st)
	}
	if rt.PendingSchema("t1") == nil {
		t.Error("PendingSchema = nil for paused task")
	}

	// Resumes clear the pending schema.
	if _, err := rt.Advance(context.Background(), "t1", map[string]interface{}{"approved": true}); err != nil {
		t.Fatalf("resume advance: %v", err)
	}
	if rt.PendingSchema("t1") != nil {
		t.Error("PendingSchema non-nil after resume")
	}
}

func TestRuntime_CancelRemovesHandle(t *testing.T) {
	rt := NewRuntime()
	if err := rt.Register(testPlugin("swap", ackStep("ok"), statusStep(Working("")))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if !rt.Cancel("t1") {
		t.Fatal("Cancel(t1) = false, want true")
	}
	if rt.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after cancel", rt.ActiveCount())
	}
	if rt.Cancel("t1") {
		t.Error("second Cancel(t1) = true, want false")
	}
}

func TestRuntime_UnregisterKeepsLiveHandles(t *testing.T) {
	rt := NewRuntime()
	if err := rt.Register(testPlugin("swap", ackStep("ok"), statusStep(Completed("")))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Dispatch(context.Background(), "swap", Context{TaskID: "t1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rt.Unregister("swap")
	if _, ok := rt.Get("swap"); ok {
		t.Fatal("plugin still registered after Unregister")
	}

	// The dispatched machine still advances to completion.
	ev, err := rt.Advance(context.Background(), "t1", nil)
	if err != nil {
		t.Fatalf("advance after unregister: %v", err)
	}
	if !ev.Done {
		t.Fatalf("event = %+v, want terminal", ev)
	}
}
