// Package agent ties the serving surfaces to the workflow runtime: it
// composes the system prompt and agent card from config and skills,
// routes incoming messages (direct skill dispatch, paused-task resume, or
// the LLM chat loop), and runs chat turns as workflow tasks.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// Engine routes messages onto the workflow handler. One engine serves all
// transports; composition swaps under it on hot reload.
type Engine struct {
	handler   *workflow.Handler
	providers *providers.Registry
	tools     *tools.Registry
	skills    *skills.Loader
	history   *historyStore
	guard     *InputGuard
	spans     workflow.SpanSink

	mu           sync.RWMutex
	agentCfg     config.AgentConfig
	systemPrompt string
	card         a2a.AgentCard
}

// NewEngine builds the engine and registers the chat plugin on the
// handler's runtime.
func NewEngine(h *workflow.Handler, prov *providers.Registry, reg *tools.Registry, loader *skills.Loader, cfg config.AgentConfig) (*Engine, error) {
	e := &Engine{
		handler:   h,
		providers: prov,
		tools:     reg,
		skills:    loader,
		history:   newHistoryStore(defaultHistoryLimit),
		guard:     NewInputGuard(),
		agentCfg:  cfg,
	}
	if err := h.Runtime().Register(chatPlugin(e)); err != nil {
		return nil, fmt.Errorf("register chat plugin: %w", err)
	}
	return e, nil
}

// Handler exposes the workflow handler for transports that need task
// queries and cancels.
func (e *Engine) Handler() *workflow.Handler { return e.handler }

// SetSpanSink enables llm and tool span recording for chat turns.
func (e *Engine) SetSpanSink(s workflow.SpanSink) { e.spans = s }

// UpdateComposition swaps in a freshly composed prompt, card, and agent
// config. Called at startup and on hot reload.
func (e *Engine) UpdateComposition(cfg config.AgentConfig, comp *Composition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentCfg = cfg
	e.systemPrompt = comp.SystemPrompt
	e.card = comp.Card
}

// Card returns the current agent card.
func (e *Engine) Card() a2a.AgentCard {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.card
}

// SystemPrompt returns the current composed system prompt.
func (e *Engine) SystemPrompt() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.systemPrompt
}

func (e *Engine) agentConfig() config.AgentConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.agentCfg
}

// Dispatch reports where a routed message landed. Events is non-nil only
// on the streaming path.
type Dispatch struct {
	TaskID    string
	ContextID string
	Events    <-chan bus.Envelope

	sub *workflow.Subscription
}

// Close detaches the streaming subscription, if any. The task keeps
// running.
func (d *Dispatch) Close() {
	if d != nil {
		d.sub.Close()
	}
}

// HandleMessage routes a message/send request and returns the task it
// started or resumed.
func (e *Engine) HandleMessage(ctx context.Context, msg *a2a.Message) (*Dispatch, error) {
	return e.route(ctx, msg, false)
}

// HandleMessageStream routes a message/stream request; the returned
// dispatch carries the task's event subscription.
func (e *Engine) HandleMessageStream(ctx context.Context, msg *a2a.Message) (*Dispatch, error) {
	return e.route(ctx, msg, true)
}

// route implements message handling: the input guard first, then resume
// input for paused tasks, then skill selection (explicit data part or tag
// match), and the chat loop as the default.
func (e *Engine) route(ctx context.Context, msg *a2a.Message, stream bool) (*Dispatch, error) {
	if msg == nil || len(msg.Parts) == 0 {
		return nil, fmt.Errorf("message has no parts")
	}
	text := msg.Text()

	if err := e.checkGuard(text); err != nil {
		return nil, err
	}

	if msg.TaskID != "" {
		return e.resume(ctx, msg, stream)
	}

	skill, err := e.matchSkill(msg)
	if err != nil {
		return nil, err
	}

	if skill != nil && skill.Routing == "direct" && skill.Workflow != "" {
		params := directParams(msg.FirstData())
		slog.Info("message routed direct", "skill", skill.ID, "workflow", skill.Workflow)
		return e.dispatch(ctx, skill.Workflow, params, msg.ContextID, stream)
	}

	params := map[string]interface{}{"text": text}
	if skill != nil {
		params["skill"] = skill.ID
	}
	return e.dispatch(ctx, ChatPluginID, params, msg.ContextID, stream)
}

func (e *Engine) dispatch(ctx context.Context, pluginID string, params map[string]interface{}, contextID string, stream bool) (*Dispatch, error) {
	if stream {
		sub, err := e.handler.DispatchAndSubscribe(ctx, pluginID, params, contextID, nil)
		if err != nil {
			return nil, err
		}
		return &Dispatch{TaskID: sub.TaskID, ContextID: sub.ContextID, Events: sub.Events, sub: sub}, nil
	}
	taskID, err := e.handler.DispatchWorkflow(ctx, pluginID, params, contextID, nil)
	if err != nil {
		return nil, err
	}
	d := &Dispatch{TaskID: taskID, ContextID: contextID}
	if d.ContextID == "" {
		if rec, err := e.handler.Store().Get(ctx, taskID); err == nil {
			d.ContextID = rec.ContextID
		}
	}
	return d, nil
}

// resume treats a message addressed to a paused task as resume input: the
// first data part verbatim, or {text: ...} when only text was sent. The
// handler rejects tasks that are not input-required.
func (e *Engine) resume(ctx context.Context, msg *a2a.Message, stream bool) (*Dispatch, error) {
	input := msg.FirstData()
	if input == nil {
		if text := msg.Text(); text != "" {
			input = map[string]interface{}{"text": text}
		}
	}

	if stream {
		sub, err := e.handler.ResumeAndSubscribe(ctx, msg.TaskID, "message", input)
		if err != nil {
			return nil, err
		}
		return &Dispatch{TaskID: sub.TaskID, ContextID: sub.ContextID, Events: sub.Events, sub: sub}, nil
	}
	if err := e.handler.ResumeWorkflow(ctx, msg.TaskID, "message", input); err != nil {
		return nil, err
	}
	d := &Dispatch{TaskID: msg.TaskID, ContextID: msg.ContextID}
	if d.ContextID == "" {
		if rec, err := e.handler.Store().Get(ctx, msg.TaskID); err == nil {
			d.ContextID = rec.ContextID
		}
	}
	return d, nil
}

// matchSkill selects a skill: an explicit {skill: id} data part wins and
// must name a known skill; otherwise the first #tag token matching a
// skill tag selects it. No match routes to the chat loop.
func (e *Engine) matchSkill(msg *a2a.Message) (*skills.Info, error) {
	if e.skills == nil {
		return nil, nil
	}
	if data := msg.FirstData(); data != nil {
		if id, ok := data["skill"].(string); ok && id != "" {
			info, ok := e.skills.Get(id)
			if !ok {
				return nil, fmt.Errorf("unknown skill %q", id)
			}
			return info, nil
		}
	}
	for _, tok := range strings.Fields(msg.Text()) {
		if len(tok) < 2 || tok[0] != '#' {
			continue
		}
		tag := strings.TrimRight(tok[1:], ".,:;!?")
		if info, ok := e.skills.MatchTag(tag); ok {
			return info, nil
		}
	}
	return nil, nil
}

// checkGuard applies agent.injectionAction to guard scan results.
func (e *Engine) checkGuard(text string) error {
	action := normalizeGuardAction(e.agentConfig().InjectionAction)
	if action == "off" || e.guard == nil {
		return nil
	}
	hits := e.guard.Scan(text)
	if len(hits) == 0 {
		return nil
	}
	switch action {
	case "block":
		return fmt.Errorf("message rejected: matched injection patterns %s", strings.Join(hits, ", "))
	case "log":
		slog.Info("input guard match", "patterns", hits)
	default:
		slog.Warn("input guard match", "patterns", hits)
	}
	return nil
}

func normalizeGuardAction(action string) string {
	switch strings.ToLower(action) {
	case "log", "block", "off":
		return strings.ToLower(action)
	default:
		return "warn"
	}
}

// directParams strips the routing key from a data part, leaving workflow
// parameters.
func directParams(data map[string]interface{}) map[string]interface{} {
	params := make(map[string]interface{}, len(data))
	for k, v := range data {
		if k == "skill" {
			continue
		}
		params[k] = v
	}
	return params
}
