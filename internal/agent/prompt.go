package agent

import (
	"fmt"
	"strings"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
)

const defaultBasePrompt = `You are %s, an on-chain agent that completes tasks by dispatching workflows and calling the tools available to you. Prefer dispatching a workflow when one matches the request, and report the resulting task id back to the user. Ask for missing required inputs instead of guessing.`

// BuildSystemPrompt composes the served system prompt: the base prompt
// from config, every enabled skill prompt in priority order, and a
// listing of dispatchable workflow plugins.
func BuildSystemPrompt(cfg config.AgentConfig, loader *skills.Loader, workflows []workflow.Info) string {
	var b strings.Builder

	base := strings.TrimSpace(cfg.BasePrompt)
	if base == "" {
		name := cfg.Name
		if name == "" {
			name = "vibekit"
		}
		base = fmt.Sprintf(defaultBasePrompt, name)
	}
	b.WriteString(base)

	if loader != nil {
		if block := loader.LoadForContext(nil); block != "" {
			b.WriteString("\n\n")
			b.WriteString(block)
		}
	}

	var listed []workflow.Info
	for _, w := range workflows {
		if w.ID == ChatPluginID {
			continue
		}
		listed = append(listed, w)
	}
	if len(listed) > 0 {
		b.WriteString("\n\n## Workflows\n\nDispatch these with the dispatch_workflow tool:\n")
		for _, w := range listed {
			desc := w.Description
			if desc == "" {
				desc = w.Name
			}
			fmt.Fprintf(&b, "- %s: %s\n", w.ID, desc)
		}
	}

	return b.String()
}
