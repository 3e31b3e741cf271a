package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

func seqContext() Context {
	return Context{
		TaskID:    "task-1",
		ContextID: "ctx-1",
		Params:    map[string]interface{}{"amount": 5.0},
	}
}

func TestSequence_StepOrder(t *testing.T) {
	seq := NewSequence(seqContext(),
		func(ctx context.Context, run *Run) (State, error) {
			return DispatchResponse(a2a.TextPart("started")), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Working("step one"), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			return Completed("done"), nil
		},
	)

	ev, err := seq.Step(context.Background(), nil)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if ev.State.Kind != KindDispatchResponse || ev.Done {
		t.Fatalf("step 1 = %+v, want dispatch-response", ev)
	}
	if seq.Phase() != PhaseRunning {
		t.Errorf("phase after step 1 = %v, want running", seq.Phase())
	}

	ev, err = seq.Step(context.Background(), nil)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if ev.State.Kind != KindStatus || ev.State.Status != a2a.TaskStateWorking {
		t.Fatalf("step 2 = %+v, want working status", ev)
	}

	ev, err = seq.Step(context.Background(), nil)
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateCompleted {
		t.Fatalf("step 3 = %+v, want terminal completed", ev)
	}
	if seq.Phase() != PhaseDone {
		t.Errorf("phase after terminal = %v, want done", seq.Phase())
	}

	if _, err := seq.Step(context.Background(), nil); !errors.Is(err, ErrSequenceFinished) {
		t.Fatalf("step after terminal err = %v, want ErrSequenceFinished", err)
	}
}

func TestSequence_PauseDeliversResumeInput(t *testing.T) {
	schema := map[string]interface{}{"type": "object"}
	var got map[string]interface{}

	seq := NewSequence(seqContext(),
		func(ctx context.Context, run *Run) (State, error) {
			return Pause("confirmation", "approve?", schema), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			got = run.Input()
			return Completed(""), nil
		},
	)

	ev, err := seq.Step(context.Background(), nil)
	if err != nil {
		t.Fatalf("pause step: %v", err)
	}
	if ev.State.Kind != KindInterrupted || ev.Done {
		t.Fatalf("pause step = %+v, want interrupted", ev)
	}
	if seq.Phase() != PhasePaused {
		t.Fatalf("phase = %v, want paused", seq.Phase())
	}
	if seq.PendingSchema() == nil {
		t.Fatal("PendingSchema() = nil while paused")
	}

	ev, err = seq.Step(context.Background(), map[string]interface{}{"approved": true})
	if err != nil {
		t.Fatalf("resume step: %v", err)
	}
	if !ev.Done {
		t.Fatalf("resume step = %+v, want terminal", ev)
	}
	if got == nil || got["approved"] != true {
		t.Errorf("resume input = %v, want approved=true", got)
	}
	if seq.PendingSchema() != nil {
		t.Error("PendingSchema() non-nil after resume")
	}
}

func TestSequence_ExhaustedStepsCompleteWithResult(t *testing.T) {
	seq := NewSequence(seqContext(),
		func(ctx context.Context, run *Run) (State, error) {
			run.SetResult(map[string]interface{}{"txHash": "0xabc"})
			return Working("computing"), nil
		},
	)

	if _, err := seq.Step(context.Background(), nil); err != nil {
		t.Fatalf("step 1: %v", err)
	}

	ev, err := seq.Step(context.Background(), nil)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateCompleted {
		t.Fatalf("implicit completion = %+v, want completed", ev)
	}
	if ev.Result["txHash"] != "0xabc" {
		t.Errorf("result = %v, want txHash=0xabc", ev.Result)
	}
}

func TestSequence_StepErrorFailsMachine(t *testing.T) {
	boom := errors.New("boom")
	seq := NewSequence(seqContext(),
		func(ctx context.Context, run *Run) (State, error) {
			return State{}, boom
		},
	)

	if _, err := seq.Step(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("step err = %v, want boom", err)
	}
	if seq.Phase() != PhaseFailed {
		t.Errorf("phase = %v, want failed", seq.Phase())
	}
	if _, err := seq.Step(context.Background(), nil); !errors.Is(err, ErrSequenceFinished) {
		t.Fatalf("step after failure err = %v, want ErrSequenceFinished", err)
	}
}

func TestSequence_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seq := NewSequence(seqContext(),
		func(ctx context.Context, run *Run) (State, error) {
			return Working(""), nil
		},
	)

	if _, err := seq.Step(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("step err = %v, want context.Canceled", err)
	}
	if seq.Phase() != PhaseFailed {
		t.Errorf("phase = %v, want failed", seq.Phase())
	}
}

func TestSequence_CrossStepValues(t *testing.T) {
	seq := NewSequence(seqContext(),
		func(ctx context.Context, run *Run) (State, error) {
			run.Set("quote", 1.5)
			return Working("quoted"), nil
		},
		func(ctx context.Context, run *Run) (State, error) {
			v, ok := run.Get("quote")
			if !ok || v != 1.5 {
				return State{}, errors.New("quote lost between steps")
			}
			return Completed(""), nil
		},
	)

	if _, err := seq.Step(context.Background(), nil); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	ev, err := seq.Step(context.Background(), nil)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if !ev.Done {
		t.Fatalf("step 2 = %+v, want terminal", ev)
	}
}

func TestSequence_FailedStatusSetsFailedPhase(t *testing.T) {
	seq := NewSequence(seqContext(),
		func(ctx context.Context, run *Run) (State, error) {
			return Failed("insufficient funds"), nil
		},
	)

	ev, err := seq.Step(context.Background(), nil)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !ev.Done || ev.State.Status != a2a.TaskStateFailed {
		t.Fatalf("step = %+v, want terminal failed", ev)
	}
	if seq.Phase() != PhaseFailed {
		t.Errorf("phase = %v, want failed", seq.Phase())
	}
}
