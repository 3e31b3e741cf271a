package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store := task.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewHandler(NewRuntime(), store, bus.NewManager())
}

func recvEnvelope(t *testing.T, ch <-chan bus.Envelope) bus.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed early")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return bus.Envelope{}
}

func recvStatus(t *testing.T, ch <-chan bus.Envelope) *a2a.TaskStatusUpdateEvent {
	t.Helper()
	env := recvEnvelope(t, ch)
	st, ok := env.Event.(*a2a.TaskStatusUpdateEvent)
	if !ok {
		t.Fatalf("event = %T, want *a2a.TaskStatusUpdateEvent", env.Event)
	}
	return st
}

func assertStreamClosed(t *testing.T, ch <-chan bus.Envelope) {
	t.Helper()
	select {
	case env, ok := <-ch:
		if ok {
			t.Fatalf("unexpected extra event on stream: %T", env.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after final event")
	}
}

// swapPlugin mirrors a typical confirmation flow: ack, working, pause for
// input, working, completed.
func swapPlugin() *Plugin {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"token"},
		"properties": map[string]interface{}{
			"token": map[string]interface{}{"type": "string"},
		},
	}
	pauseSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"any": map[string]interface{}{"type": "string"},
		},
	}
	return NewSequencePlugin("swap", "Token Swap", "1.2.0", "Swaps tokens after confirmation", schema,
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(a2a.TextPart("swap dispatched")), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Working("preparing swap"), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Pause("confirmation", "confirm the swap", pauseSchema), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			if v, _ := run.Input()["any"].(string); v != "ok" {
				return State{}, fmt.Errorf("unexpected resume input: %v", run.Input())
			}
			return Working("executing swap"), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			run.SetResult(map[string]interface{}{"txHash": "0xdeadbeef"})
			return Completed("swap executed"), nil
		},
	)
}

func TestHandler_EndToEndPauseResume(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Runtime().Register(swapPlugin()); err != nil {
		t.Fatalf("register: %v", err)
	}

	parent := h.Buses().Bus("parent-stream")
	_, parentCh := parent.Subscribe()

	sub, err := h.DispatchAndSubscribe(context.Background(), "swap",
		map[string]interface{}{"token": "USDC"}, "ctx-1", parent)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	taskID, ch := sub.TaskID, sub.Events
	if taskID == "" {
		t.Fatal("dispatch returned empty task id")
	}
	if sub.ContextID != "ctx-1" {
		t.Fatalf("ContextID = %q, want ctx-1", sub.ContextID)
	}

	// The acknowledgment arrives on the parent stream, synchronously with
	// the dispatch call.
	ackEnv := recvEnvelope(t, parentCh)
	ack, ok := ackEnv.Event.(*a2a.Message)
	if !ok {
		t.Fatalf("ack = %T, want *a2a.Message", ackEnv.Event)
	}
	if ack.TaskID != taskID {
		t.Errorf("ack task id = %s, want %s", ack.TaskID, taskID)
	}
	if ack.Metadata["dispatchResponse"] != true {
		t.Errorf("ack metadata = %v, want dispatchResponse marker", ack.Metadata)
	}
	if ack.Text() != "swap dispatched" {
		t.Errorf("ack text = %q", ack.Text())
	}

	// Event 1: working.
	st := recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateWorking || st.Final {
		t.Fatalf("event 1 = %s final=%v, want working non-final", st.Status.State, st.Final)
	}

	// Event 2: paused awaiting input, never final.
	st = recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateInputRequired || st.Final {
		t.Fatalf("event 2 = %s final=%v, want input-required non-final", st.Status.State, st.Final)
	}
	if st.Status.Message == nil || st.Status.Message.Metadata["reason"] != "confirmation" {
		t.Errorf("pause message = %+v, want confirmation reason", st.Status.Message)
	}

	// While paused the handle stays live and the store shows the pause.
	if state, ok := h.GetTaskState(taskID); !ok || state != a2a.TaskStateInputRequired {
		t.Fatalf("TaskState = %s/%v, want input-required", state, ok)
	}
	rec, err := h.Store().Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if rec.Status.State != a2a.TaskStateInputRequired {
		t.Fatalf("stored state = %s, want input-required", rec.Status.State)
	}

	if err := h.ResumeWorkflow(context.Background(), taskID, "message", map[string]interface{}{"any": "ok"}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// Event 3: working again. The resume itself adds nothing to the stream.
	st = recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateWorking || st.Final {
		t.Fatalf("event 3 = %s final=%v, want working non-final", st.Status.State, st.Final)
	}

	// Event 4: terminal completed with the sequence result, marked final.
	env := recvEnvelope(t, ch)
	final, ok := env.Event.(*a2a.TaskStatusUpdateEvent)
	if !ok {
		t.Fatalf("event 4 = %T, want status update", env.Event)
	}
	if final.Status.State != a2a.TaskStateCompleted || !final.Final {
		t.Fatalf("event 4 = %s final=%v, want completed final", final.Status.State, final.Final)
	}
	result, _ := final.Metadata["result"].(map[string]interface{})
	if result["txHash"] != "0xdeadbeef" {
		t.Errorf("result metadata = %v, want txHash", final.Metadata)
	}
	if env.Seq != 4 {
		t.Errorf("terminal seq = %d, want 4 post-ack events exactly", env.Seq)
	}

	assertStreamClosed(t, ch)

	if _, ok := h.GetTaskState(taskID); ok {
		t.Error("runtime handle survived completion")
	}
	rec, err = h.Store().Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("store get after completion: %v", err)
	}
	if rec.Status.State != a2a.TaskStateCompleted {
		t.Errorf("stored terminal state = %s, want completed", rec.Status.State)
	}
}

func TestHandler_DispatchUnknownPlugin(t *testing.T) {
	h := newTestHandler(t)

	_, err := h.DispatchWorkflow(context.Background(), "ghost", nil, "", nil)
	if !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("err = %v, want ErrUnknownPlugin", err)
	}

	tasks, err := h.Store().List(context.Background(), task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("task created for unknown plugin: %d records", len(tasks))
	}
}

func TestHandler_DispatchValidationCreatesNoTask(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Runtime().Register(swapPlugin()); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := h.DispatchWorkflow(context.Background(), "swap", map[string]interface{}{}, "", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}

	tasks, err := h.Store().List(context.Background(), task.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("task created for rejected dispatch: %d records", len(tasks))
	}
	if h.Buses().Len() != 0 {
		t.Errorf("bus created for rejected dispatch")
	}
}

func TestHandler_ResumeRejectsNonPausedState(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	working := task.New("t-working", "ctx-1")
	if err := h.Store().Create(ctx, working); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Store().UpdateStatus(ctx, "t-working", a2a.NewStatus(a2a.TaskStateWorking, nil)); err != nil {
		t.Fatalf("update: %v", err)
	}

	err := h.ResumeWorkflow(ctx, "t-working", "message", nil)
	var rse *ResumeStateError
	if !errors.As(err, &rse) {
		t.Fatalf("err = %v, want *ResumeStateError", err)
	}
	if err.Error() != "cannot resume from state working" {
		t.Errorf("err text = %q", err.Error())
	}

	done := task.New("t-done", "ctx-1")
	if err := h.Store().Create(ctx, done); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Store().UpdateStatus(ctx, "t-done", a2a.NewStatus(a2a.TaskStateCompleted, nil)); err != nil {
		t.Fatalf("update: %v", err)
	}

	err = h.ResumeWorkflow(ctx, "t-done", "message", nil)
	if !errors.As(err, &rse) {
		t.Fatalf("err = %v, want *ResumeStateError", err)
	}
	if err.Error() != "cannot resume from state completed" {
		t.Errorf("err text = %q", err.Error())
	}
}

func TestHandler_ResumeMissingTask(t *testing.T) {
	h := newTestHandler(t)
	err := h.ResumeWorkflow(context.Background(), "missing", "message", nil)
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("err = %v, want task.ErrNotFound", err)
	}
}

func TestHandler_ResumeWithoutLiveHandle(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	// Paused in the store but no machine in this process (e.g. restart).
	rec := task.New("t-orphan", "ctx-1")
	if err := h.Store().Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.Store().UpdateStatus(ctx, "t-orphan", a2a.NewStatus(a2a.TaskStateInputRequired, nil)); err != nil {
		t.Fatalf("update: %v", err)
	}

	err := h.ResumeWorkflow(ctx, "t-orphan", "message", nil)
	if !errors.Is(err, ErrNoActiveWorkflow) {
		t.Fatalf("err = %v, want ErrNoActiveWorkflow", err)
	}
}

func TestHandler_FirstEventWithoutAckConvention(t *testing.T) {
	h := newTestHandler(t)
	p := NewSequencePlugin("quote", "Quote", "1.0.0", "", nil,
		func(ctx context.Context, run *Run) (State, error) {
			return Working("fetching quote"), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Completed("quoted"), nil
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	parent := h.Buses().Bus("parent-stream")
	_, parentCh := parent.Subscribe()

	sub, err := h.DispatchAndSubscribe(context.Background(), "quote", nil, "", parent)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	taskID, ch := sub.TaskID, sub.Events

	// A bare ack is synthesized when the plugin skips the convention.
	ackEnv := recvEnvelope(t, parentCh)
	ack, ok := ackEnv.Event.(*a2a.Message)
	if !ok {
		t.Fatalf("ack = %T, want *a2a.Message", ackEnv.Event)
	}
	if ack.TaskID != taskID || len(ack.Parts) != 0 {
		t.Errorf("synthesized ack = %+v, want empty parts for task %s", ack, taskID)
	}

	// The plugin's first event is not lost: it opens the task stream.
	st := recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateWorking {
		t.Fatalf("event 1 = %s, want working", st.Status.State)
	}
	st = recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateCompleted || !st.Final {
		t.Fatalf("event 2 = %s final=%v, want completed final", st.Status.State, st.Final)
	}
	assertStreamClosed(t, ch)
}

func TestHandler_StepErrorProducesTerminalFailed(t *testing.T) {
	h := newTestHandler(t)
	p := NewSequencePlugin("flaky", "Flaky", "1.0.0", "", nil,
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return State{}, errors.New("rpc down")
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub, err := h.DispatchAndSubscribe(context.Background(), "flaky", nil, "", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	taskID, ch := sub.TaskID, sub.Events

	st := recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateFailed || !st.Final {
		t.Fatalf("event = %s final=%v, want failed final", st.Status.State, st.Final)
	}
	if st.Status.Message == nil || !strings.Contains(st.Status.Message.Text(), "rpc down") {
		t.Errorf("failure message = %+v, want step error text", st.Status.Message)
	}
	assertStreamClosed(t, ch)

	rec, err := h.Store().Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if rec.Status.State != a2a.TaskStateFailed {
		t.Errorf("stored state = %s, want failed", rec.Status.State)
	}
	if _, ok := h.GetTaskState(taskID); ok {
		t.Error("runtime handle survived failure")
	}
}

func TestHandler_CancelPausedTask(t *testing.T) {
	h := newTestHandler(t)
	p := NewSequencePlugin("confirm", "Confirm", "1.0.0", "", nil,
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Pause("confirmation", "approve?", nil), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Completed(""), nil
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub, err := h.DispatchAndSubscribe(context.Background(), "confirm", nil, "", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	taskID, ch := sub.TaskID, sub.Events

	st := recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateInputRequired {
		t.Fatalf("event 1 = %s, want input-required", st.Status.State)
	}

	rec, err := h.CancelTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Status.State != a2a.TaskStateCanceled {
		t.Errorf("returned state = %s, want canceled", rec.Status.State)
	}

	st = recvStatus(t, ch)
	if st.Status.State != a2a.TaskStateCanceled || !st.Final {
		t.Fatalf("event 2 = %s final=%v, want canceled final", st.Status.State, st.Final)
	}
	assertStreamClosed(t, ch)

	if _, ok := h.GetTaskState(taskID); ok {
		t.Error("runtime handle survived cancel")
	}

	// Canceled tasks cannot be resumed or canceled again.
	var rse *ResumeStateError
	if err := h.ResumeWorkflow(context.Background(), taskID, "message", nil); !errors.As(err, &rse) {
		t.Errorf("resume after cancel err = %v, want *ResumeStateError", err)
	}
	if _, err := h.CancelTask(context.Background(), taskID); !errors.Is(err, task.ErrNotCancelable) {
		t.Errorf("second cancel err = %v, want ErrNotCancelable", err)
	}
}

type fakeBlobStore struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeBlobStore) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "s3://test-bucket/" + key, nil
}

func TestHandler_ArtifactOffload(t *testing.T) {
	h := newTestHandler(t)
	blobs := &fakeBlobStore{}
	h.SetBlobStore(blobs)

	big := strings.Repeat("x", inlineArtifactLimit+1)
	p := NewSequencePlugin("report", "Report", "1.0.0", "", nil,
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return ArtifactState(a2a.Artifact{
				ArtifactID: "art-1",
				Name:       "report.txt",
				Parts:      []a2a.Part{a2a.TextPart(big), a2a.TextPart("small summary")},
			}), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Completed(""), nil
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub, err := h.DispatchAndSubscribe(context.Background(), "report", nil, "", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	taskID, ch := sub.TaskID, sub.Events

	env := recvEnvelope(t, ch)
	art, ok := env.Event.(*a2a.TaskArtifactUpdateEvent)
	if !ok {
		t.Fatalf("event 1 = %T, want artifact update", env.Event)
	}
	if art.Artifact.Parts[0].Kind != a2a.PartKindFile {
		t.Fatalf("oversized part kind = %s, want file reference", art.Artifact.Parts[0].Kind)
	}
	if uri := art.Artifact.Parts[0].File.URI; !strings.HasPrefix(uri, "s3://test-bucket/"+taskID+"/art-1/") {
		t.Errorf("offload uri = %q", uri)
	}
	if art.Artifact.Parts[1].Kind != a2a.PartKindText {
		t.Errorf("small part kind = %s, want inline text", art.Artifact.Parts[1].Kind)
	}

	st := recvStatus(t, ch)
	if !st.Final {
		t.Fatalf("event 2 final = false, want terminal")
	}
	assertStreamClosed(t, ch)

	rec, err := h.Store().Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if len(rec.Artifacts) != 1 || rec.Artifacts[0].Parts[0].Kind != a2a.PartKindFile {
		t.Errorf("stored artifact = %+v, want offloaded part", rec.Artifacts)
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []task.SpanRecord
}

func (s *recordingSink) Record(rec task.SpanRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestHandler_SpanSinkRecordsSteps(t *testing.T) {
	h := newTestHandler(t)
	sink := &recordingSink{}
	h.SetSpanSink(sink)

	p := NewSequencePlugin("noop", "Noop", "1.0.0", "", nil,
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Completed(""), nil
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub, err := h.DispatchAndSubscribe(context.Background(), "noop", nil, "", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ch := sub.Events
	recvStatus(t, ch)
	assertStreamClosed(t, ch)

	if sink.len() < 2 {
		t.Errorf("spans recorded = %d, want dispatch plus step", sink.len())
	}
}

func TestHandler_DispatchWorkflowFireAndForget(t *testing.T) {
	h := newTestHandler(t)
	p := NewSequencePlugin("noop", "Noop", "1.0.0", "", nil,
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Completed(""), nil
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	taskID, err := h.DispatchWorkflow(context.Background(), "noop", nil, "", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := h.Store().Get(context.Background(), taskID)
		if err == nil && rec.Status.State.Terminal() {
			if rec.Status.State != a2a.TaskStateCompleted {
				t.Fatalf("terminal state = %s, want completed", rec.Status.State)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("task never reached a terminal state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_ResubscribeMidPause(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Runtime().Register(swapPlugin()); err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := h.DispatchAndSubscribe(context.Background(), "swap",
		map[string]interface{}{"token": "USDC"}, "", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for {
		st := recvStatus(t, first.Events)
		if st.Status.State == a2a.TaskStateInputRequired {
			break
		}
	}

	snap, sub, err := h.Resubscribe(context.Background(), first.TaskID)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if snap.Status.State != a2a.TaskStateInputRequired {
		t.Fatalf("snapshot state = %s, want input-required", snap.Status.State)
	}
	if sub == nil {
		t.Fatal("expected a live subscription for a paused task")
	}
	if sub.ContextID != snap.ContextID {
		t.Fatalf("subscription context = %q, want %q", sub.ContextID, snap.ContextID)
	}

	if err := h.ResumeWorkflow(context.Background(), first.TaskID, "test",
		map[string]interface{}{"any": "ok"}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// The resubscribed channel sees the post-resume events through to the
	// terminal update.
	for {
		env := recvEnvelope(t, sub.Events)
		st, ok := env.Event.(*a2a.TaskStatusUpdateEvent)
		if !ok || !st.Final {
			continue
		}
		if st.Status.State != a2a.TaskStateCompleted {
			t.Fatalf("final state = %s, want completed", st.Status.State)
		}
		break
	}
	assertStreamClosed(t, sub.Events)

	// After the task finished the snapshot stands alone.
	snap2, sub2, err := h.Resubscribe(context.Background(), first.TaskID)
	if err != nil {
		t.Fatalf("resubscribe after finish: %v", err)
	}
	if snap2.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("snapshot state = %s, want completed", snap2.Status.State)
	}
	if sub2 != nil {
		t.Fatal("expected no subscription for a finished task")
	}
	sub2.Close()
}

func TestHandler_ResubscribeUnknownTask(t *testing.T) {
	h := newTestHandler(t)
	if _, _, err := h.Resubscribe(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestHandler_SubscriptionCloseDetaches(t *testing.T) {
	h := newTestHandler(t)
	if err := h.Runtime().Register(swapPlugin()); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub, err := h.DispatchAndSubscribe(context.Background(), "swap",
		map[string]interface{}{"token": "USDC"}, "", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for {
		st := recvStatus(t, sub.Events)
		if st.Status.State == a2a.TaskStateInputRequired {
			break
		}
	}

	b, ok := h.Buses().Get(sub.TaskID)
	if !ok {
		t.Fatal("task bus missing")
	}
	before := b.SubscriberCount()
	sub.Close()
	sub.Close() // second close is a no-op
	if got := b.SubscriberCount(); got != before-1 {
		t.Fatalf("subscriber count = %d, want %d", got, before-1)
	}
}

// recordingGate captures the context ids routed through the dispatch gate.
type recordingGate struct {
	mu       sync.Mutex
	contexts []string
	rejects  bool
}

func (g *recordingGate) Run(ctx context.Context, contextID string, fn func() error) error {
	g.mu.Lock()
	g.contexts = append(g.contexts, contextID)
	g.mu.Unlock()
	if g.rejects {
		return errors.New("queue full")
	}
	return fn()
}

func TestHandler_DispatchGate(t *testing.T) {
	h := newTestHandler(t)
	p := NewSequencePlugin("noop", "Noop", "1.0.0", "", nil,
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Completed(""), nil
		},
	)
	if err := h.Runtime().Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	gate := &recordingGate{}
	h.SetDispatchGate(gate)

	if _, err := h.DispatchWorkflow(context.Background(), "noop", nil, "ctx-1", nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	sub, err := h.DispatchAndSubscribe(context.Background(), "noop", nil, "ctx-2", nil)
	if err != nil {
		t.Fatalf("dispatch and subscribe: %v", err)
	}
	sub.Close()

	gate.mu.Lock()
	got := append([]string(nil), gate.contexts...)
	gate.mu.Unlock()
	if len(got) != 2 || got[0] != "ctx-1" || got[1] != "ctx-2" {
		t.Fatalf("gate saw contexts %v, want [ctx-1 ctx-2]", got)
	}

	// A gate rejection surfaces to the caller and produces no task.
	gate.rejects = true
	if _, err := h.DispatchWorkflow(context.Background(), "noop", nil, "ctx-1", nil); err == nil {
		t.Fatal("expected gate rejection to propagate")
	}
}
