package workflow

import (
	"context"
	"errors"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// Phase is the execution phase of a workflow machine.
type Phase int

const (
	PhaseRunning Phase = iota
	PhasePaused
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// ErrSequenceFinished is returned by Step after the machine reached a
// terminal phase.
var ErrSequenceFinished = errors.New("step sequence already finished")

// Machine is a resumable workflow instance. Step advances the sequence by
// exactly one emission; input is delivered to the sequence only when the
// machine is paused. There is no coroutine underneath: implementations are
// explicit state machines.
type Machine interface {
	Step(ctx context.Context, input map[string]interface{}) (Event, error)
	Phase() Phase
	// PendingSchema returns the input schema of the current pause, nil
	// unless the machine is paused.
	PendingSchema() map[string]interface{}
}

// StepFunc is one step of a Sequence. Each invocation produces exactly one
// State emission. Steps share the Run for parameters, resume input, and
// cross-step values.
type StepFunc func(ctx context.Context, run *Run) (State, error)

// Run is the per-instance scratch space a Sequence threads through its
// steps.
type Run struct {
	wctx   Context
	input  map[string]interface{}
	values map[string]interface{}
	result map[string]interface{}
}

// TaskID returns the task id this run executes under.
func (r *Run) TaskID() string { return r.wctx.TaskID }

// ContextID returns the protocol context id of the dispatch.
func (r *Run) ContextID() string { return r.wctx.ContextID }

// Params returns the validated dispatch parameters.
func (r *Run) Params() map[string]interface{} { return r.wctx.Params }

// Input returns the input supplied by the most recent resume, nil before
// the first pause.
func (r *Run) Input() map[string]interface{} { return r.input }

// Set stores a cross-step value.
func (r *Run) Set(key string, v interface{}) { r.values[key] = v }

// Get reads a cross-step value.
func (r *Run) Get(key string) (interface{}, bool) {
	v, ok := r.values[key]
	return v, ok
}

// SetResult records the sequence's terminal return value, surfaced on the
// final Event.
func (r *Run) SetResult(result map[string]interface{}) { r.result = result }

// Sequence is the standard Machine: an ordered list of StepFuncs advanced
// one at a time. A step returning an interrupted state parks the machine in
// PhasePaused; the following step observes the resume input via Run.Input.
type Sequence struct {
	run           *Run
	steps         []StepFunc
	idx           int
	phase         Phase
	pendingSchema map[string]interface{}
}

// NewSequence builds a sequence machine over the given steps.
func NewSequence(wctx Context, steps ...StepFunc) *Sequence {
	return &Sequence{
		run: &Run{
			wctx:   wctx,
			values: make(map[string]interface{}),
		},
		steps: steps,
		phase: PhaseRunning,
	}
}

// Phase returns the current execution phase.
func (s *Sequence) Phase() Phase { return s.phase }

// PendingSchema returns the pause's declared input schema while paused.
func (s *Sequence) PendingSchema() map[string]interface{} {
	if s.phase != PhasePaused {
		return nil
	}
	return s.pendingSchema
}

// Step advances the sequence by one emission.
func (s *Sequence) Step(ctx context.Context, input map[string]interface{}) (Event, error) {
	switch s.phase {
	case PhaseDone, PhaseFailed:
		return Event{}, ErrSequenceFinished
	case PhasePaused:
		s.run.input = input
		s.phase = PhaseRunning
		s.pendingSchema = nil
	}

	if err := ctx.Err(); err != nil {
		s.phase = PhaseFailed
		return Event{}, err
	}

	// Steps exhausted without an explicit terminal: complete with the
	// recorded result.
	if s.idx >= len(s.steps) {
		s.phase = PhaseDone
		return Event{State: Completed(""), Done: true, Result: s.run.result}, nil
	}

	step := s.steps[s.idx]
	s.idx++

	st, err := step(ctx, s.run)
	if err != nil {
		s.phase = PhaseFailed
		return Event{}, err
	}

	switch {
	case st.Kind == KindInterrupted:
		s.phase = PhasePaused
		s.pendingSchema = st.InputSchema
		// Replay position: resume input is observed by the next step.
		return Event{State: st}, nil

	case st.Terminal():
		if st.Status == a2a.TaskStateFailed {
			s.phase = PhaseFailed
		} else {
			s.phase = PhaseDone
		}
		return Event{State: st, Done: true, Result: s.run.result}, nil

	default:
		return Event{State: st}, nil
	}
}
