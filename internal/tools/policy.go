package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// --- tool groups ---

// Tool groups let allow/deny specs reference sets of tools by a single
// "group:NAME" entry. MCP bridges register one group per server.
var (
	toolGroupsMu sync.RWMutex
	toolGroups   = map[string][]string{
		"workflow": {"dispatch_workflow", "resume_workflow", "get_workflow_state", "list_workflows"},
	}
)

// RegisterToolGroup registers or replaces a named tool group.
func RegisterToolGroup(name string, members []string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	toolGroups[name] = members
}

// UnregisterToolGroup removes a named tool group.
func UnregisterToolGroup(name string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	delete(toolGroups, name)
}

// ToolGroup returns the members of a named group, if registered.
func ToolGroup(name string) ([]string, bool) {
	toolGroupsMu.RLock()
	defer toolGroupsMu.RUnlock()
	members, ok := toolGroups[name]
	return members, ok
}

// expandSpec resolves a spec (tool names, "group:NAME" entries, or "*")
// against the available tool set, preserving available order.
func expandSpec(available []string, spec []string) []string {
	want := make(map[string]bool)
	for _, entry := range spec {
		if entry == "*" {
			for _, name := range available {
				want[name] = true
			}
			continue
		}
		if group, ok := strings.CutPrefix(entry, "group:"); ok {
			toolGroupsMu.RLock()
			members := toolGroups[group]
			toolGroupsMu.RUnlock()
			for _, m := range members {
				want[m] = true
			}
			continue
		}
		want[entry] = true
	}

	var out []string
	for _, name := range available {
		if want[name] {
			out = append(out, name)
		}
	}
	return out
}

// subtractSpec returns available minus the spec's expansion.
func subtractSpec(available []string, spec []string) []string {
	drop := make(map[string]bool)
	for _, name := range expandSpec(available, spec) {
		drop[name] = true
	}
	var out []string
	for _, name := range available {
		if !drop[name] {
			out = append(out, name)
		}
	}
	return out
}

// FilterTools applies allow then deny specs to the available tool set.
// A nil or empty allow list keeps everything.
func FilterTools(available, allow, deny []string) []string {
	out := available
	if len(allow) > 0 {
		out = expandSpec(out, allow)
	}
	if len(deny) > 0 {
		out = subtractSpec(out, deny)
	}
	return out
}

// --- CEL execution policy ---

// Policy gates tool execution with a CEL expression. The expression
// sees `tool` (string) and `args` (map) and must evaluate to bool;
// false denies the call.
type Policy struct {
	prg cel.Program
	src string
}

// NewPolicy compiles a CEL policy expression. An empty expression
// returns a nil policy (allow everything).
func NewPolicy(expr string) (*Policy, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build policy program: %w", err)
	}
	return &Policy{prg: prg, src: expr}, nil
}

// Allow evaluates the policy for one tool call.
func (p *Policy) Allow(tool string, args map[string]interface{}) (bool, error) {
	if p == nil {
		return true, nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	out, _, err := p.prg.Eval(map[string]interface{}{
		"tool": tool,
		"args": args,
	})
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy expression must return bool, got %T", out.Value())
	}
	return allowed, nil
}

// String returns the policy source expression.
func (p *Policy) String() string {
	if p == nil {
		return ""
	}
	return p.src
}
