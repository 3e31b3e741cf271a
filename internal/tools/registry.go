package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
)

// Registry manages tool registration and execution.
type Registry struct {
	tools       map[string]Tool
	mu          sync.RWMutex
	rateLimiter *KeyLimiter // nil = no rate limiting
	policy      *Policy     // nil = allow all
	scrubbing   bool        // scrub credentials from output (default true)
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		scrubbing: true, // enabled by default
	}
}

// SetRateLimiter enables per-caller tool rate limiting.
func (r *Registry) SetRateLimiter(rl *KeyLimiter) {
	r.rateLimiter = rl
}

// SetPolicy installs an execution policy checked before every call.
func (r *Registry) SetPolicy(p *Policy) {
	r.policy = p
}

// SetScrubbing enables or disables credential scrubbing on tool output.
func (r *Registry) SetScrubbing(enabled bool) {
	r.scrubbing = enabled
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	return r.ExecuteWithContext(ctx, name, args, "", "", "")
}

// ExecuteWithContext runs a tool with conversation/task context and a
// caller key for rate limiting.
//
// Context values are injected into ctx so tools can read them without
// mutable fields, keeping tool instances safe for concurrent execution.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, contextID, taskID, callerKey string) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	if contextID != "" {
		ctx = WithToolContextID(ctx, contextID)
	}
	if taskID != "" {
		ctx = WithToolTaskID(ctx, taskID)
	}
	if callerKey != "" {
		ctx = WithToolCallerKey(ctx, callerKey)
	}

	if r.policy != nil {
		allowed, err := r.policy.Allow(name, args)
		if err != nil {
			slog.Warn("tool policy evaluation failed", "tool", name, "error", err)
			return ErrorResult("tool policy error: " + err.Error()).WithError(err)
		}
		if !allowed {
			return ErrorResult("tool call denied by policy: " + name)
		}
	}

	if r.rateLimiter != nil && callerKey != "" {
		if err := r.rateLimiter.Allow(callerKey); err != nil {
			return ErrorResult(err.Error())
		}
	}

	start := time.Now()
	result := tool.Execute(ctx, args)
	duration := time.Since(start)

	// Scrub credentials from tool output before returning to the LLM
	if r.scrubbing {
		if result.ForLLM != "" {
			result.ForLLM = ScrubCredentials(result.ForLLM)
		}
		if result.ForUser != "" {
			result.ForUser = ScrubCredentials(result.ForUser)
		}
	}

	slog.Debug("tool executed",
		"tool", name,
		"duration_ms", duration.Milliseconds(),
		"is_error", result.IsError,
	)

	return result
}

// ProviderDefs returns tool definitions for LLM provider APIs, sorted
// by name so prompts stay stable across calls.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone creates a shallow copy of the registry with all registered
// tools. The clone shares the rate limiter and policy (both are
// thread-safe) and the scrubbing setting.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &Registry{
		tools:       make(map[string]Tool, len(r.tools)),
		rateLimiter: r.rateLimiter,
		policy:      r.policy,
		scrubbing:   r.scrubbing,
	}
	for name, tool := range r.tools {
		clone.tools[name] = tool
	}
	return clone
}
