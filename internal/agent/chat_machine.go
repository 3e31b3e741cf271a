package agent

import (
	"context"
	"fmt"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// ChatPluginID is the reserved workflow plugin that runs one agent chat
// turn. Registering chat as a plugin routes every conversation through
// the same dispatch, store, bus, cancel, and watchdog paths as any other
// task.
const ChatPluginID = "chat"

func chatPlugin(e *Engine) *workflow.Plugin {
	return &workflow.Plugin{
		ID:          ChatPluginID,
		Name:        "Agent Chat",
		Version:     "1.0.0",
		Description: "Runs one agent chat turn: the model loops over the tool registry until it produces a final answer.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "User message text",
				},
				"skill": map[string]interface{}{
					"type":        "string",
					"description": "Skill ID activated for this turn",
				},
			},
			"required": []interface{}{"text"},
		},
		Start: func(wctx workflow.Context) workflow.Machine {
			return newChatMachine(e, wctx)
		},
	}
}

// chatMachine adapts the chat loop to the step protocol. The loop runs in
// its own goroutine, started lazily on the first Step so it inherits the
// per-task context, and each emission is handed over one Step at a time.
type chatMachine struct {
	engine  *Engine
	wctx    workflow.Context
	events  chan workflow.Event
	started bool
	phase   workflow.Phase
}

func newChatMachine(e *Engine, wctx workflow.Context) *chatMachine {
	return &chatMachine{
		engine: e,
		wctx:   wctx,
		events: make(chan workflow.Event, 8),
		phase:  workflow.PhaseRunning,
	}
}

func (m *chatMachine) Phase() workflow.Phase { return m.phase }

func (m *chatMachine) PendingSchema() map[string]interface{} { return nil }

func (m *chatMachine) Step(ctx context.Context, _ map[string]interface{}) (workflow.Event, error) {
	if m.phase == workflow.PhaseDone || m.phase == workflow.PhaseFailed {
		return workflow.Event{}, workflow.ErrSequenceFinished
	}
	if !m.started {
		m.started = true
		go m.run(ctx)
	}

	select {
	case ev := <-m.events:
		if ev.Done || ev.State.Terminal() {
			if ev.State.Status == a2a.TaskStateFailed {
				m.phase = workflow.PhaseFailed
			} else {
				m.phase = workflow.PhaseDone
			}
		}
		return ev, nil
	case <-ctx.Done():
		m.phase = workflow.PhaseFailed
		return workflow.Event{}, ctx.Err()
	}
}

// run drives the loop and pumps its emissions into the channel. A panic
// converts to a terminal failed event instead of taking the process down.
func (m *chatMachine) run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			m.emit(ctx, workflow.Event{
				State: workflow.Failed(fmt.Sprintf("chat turn panicked: %v", p)),
				Done:  true,
			})
		}
	}()
	m.engine.runChat(ctx, m.wctx, func(ev workflow.Event) bool {
		return m.emit(ctx, ev)
	})
}

// emit hands one event to Step. Returns false when the task context is
// gone, which tells the loop to stop producing.
func (m *chatMachine) emit(ctx context.Context, ev workflow.Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
