package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
)

const (
	defaultContextWindow     = 128000
	defaultMaxToolIterations = 8

	// chatReserveTokens is headroom left for the model's reply when
	// trimming the prompt to the context window.
	chatReserveTokens = 4096
)

// runChat executes one chat turn, emitting workflow events through emit.
// emit returning false means the task context is gone and the loop must
// stop.
func (e *Engine) runChat(ctx context.Context, wctx workflow.Context, emit func(workflow.Event) bool) {
	text, _ := wctx.Params["text"].(string)

	if !emit(workflow.Event{State: workflow.DispatchResponse()}) {
		return
	}

	prov, err := e.providers.Default()
	if err != nil {
		emit(workflow.Event{State: workflow.Failed("no model provider configured: " + err.Error()), Done: true})
		return
	}

	cfg := e.agentConfig()
	window := cfg.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	maxIter := cfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}

	system := e.SystemPrompt()
	if skillID, ok := wctx.Params["skill"].(string); ok && skillID != "" {
		if prompt, ok := e.skills.Load(skillID); ok {
			system += "\n\n## Active Skill: " + skillID + "\n\n" + prompt
		}
	}

	userMsg := providers.Message{Role: "user", Content: text}
	messages := make([]providers.Message, 0, len(wctx.Params)+8)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	messages = append(messages, PruneHistory(e.history.Get(wctx.ContextID), window)...)
	messages = append(messages, userMsg)
	messages = providers.TrimMessages(messages, window-chatReserveTokens)

	toolDefs := e.tools.ProviderDefs()
	callerKey := "chat:" + wctx.ContextID

	var (
		resp       *providers.ChatResponse
		toolRounds int
		finished   bool
	)
	for iter := 0; iter < maxIter; iter++ {
		llmStart := time.Now()
		resp, err = prov.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
		})
		e.recordSpan("llm.chat", prov.Name(), wctx.TaskID, llmStart, err == nil)
		if err != nil {
			emit(workflow.Event{State: workflow.Failed("model call failed: " + err.Error()), Done: true})
			return
		}

		if len(resp.ToolCalls) == 0 {
			finished = true
			break
		}

		toolRounds++
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			if !emit(workflow.Event{State: workflow.Working(fmt.Sprintf("running tool %s", tc.Name))}) {
				return
			}
			toolStart := time.Now()
			res := e.tools.ExecuteWithContext(ctx, tc.Name, tc.Arguments, wctx.ContextID, wctx.TaskID, callerKey)
			e.recordSpan("tool.execute", tc.Name, wctx.TaskID, toolStart, !res.IsError)
			if res.IsError {
				slog.Warn("chat tool call failed", "tool", tc.Name, "task", wctx.TaskID)
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: tc.ID,
			})
		}
		messages = providers.TrimMessages(messages, window-chatReserveTokens)
	}

	if !finished {
		emit(workflow.Event{
			State: workflow.Failed(fmt.Sprintf("tool iteration limit reached after %d rounds", toolRounds)),
			Done:  true,
		})
		return
	}

	content := strings.TrimSpace(resp.Content)
	e.history.Append(wctx.ContextID, userMsg, providers.Message{Role: "assistant", Content: content})

	result := map[string]interface{}{
		"content":    content,
		"toolRounds": toolRounds,
	}
	if resp.Usage.TotalTokens > 0 {
		result["usage"] = resp.Usage
	}
	emit(workflow.Event{State: workflow.Completed(content), Done: true, Result: result})
}

func (e *Engine) recordSpan(spanType, name, taskID string, started time.Time, ok bool) {
	if e.spans == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	e.spans.Record(task.SpanRecord{
		ID:        uuid.NewString(),
		TraceID:   taskID,
		Type:      spanType,
		Name:      name,
		TaskID:    taskID,
		StartedAt: started,
		EndedAt:   time.Now(),
		Status:    status,
	})
}
