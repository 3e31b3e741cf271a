package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/mcp"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

// Composition is the result of assembling config, skills, workflows, and
// MCP servers into a servable agent.
type Composition struct {
	SystemPrompt string
	Card         a2a.AgentCard
	WorkflowIDs  []string
	SkillCount   int
}

// Composer assembles and re-assembles the agent from config. It tracks
// which workflow plugins it registered so a reload can unregister the
// ones whose sources disappeared; in-flight task handles survive both
// re-registration and unregistration.
type Composer struct {
	runtime *workflow.Runtime
	skills  *skills.Loader
	mcp     *mcp.Manager // nil disables MCP bridging

	mu         sync.Mutex
	registered map[string]bool
}

// NewComposer builds a composer over the runtime, skills loader, and
// optional MCP manager.
func NewComposer(rt *workflow.Runtime, loader *skills.Loader, mgr *mcp.Manager) *Composer {
	return &Composer{
		runtime:    rt,
		skills:     loader,
		mcp:        mgr,
		registered: make(map[string]bool),
	}
}

// Compose registers everything the config declares and returns the
// resulting prompt and card. Broken items are skipped and aggregated into
// the returned error so one bad manifest cannot take down a reload; the
// composition is valid either way.
func (c *Composer) Compose(ctx context.Context, cfg *config.Config) (*Composition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	current := make(map[string]bool)

	if cfg.Workflows.BuiltinsEnabled() {
		for _, p := range workflow.Builtins() {
			if err := c.runtime.Register(p); err != nil {
				errs = append(errs, fmt.Errorf("builtin %s: %w", p.ID, err))
				continue
			}
			current[p.ID] = true
		}
	}

	for _, dir := range cfg.Workflows.Dirs {
		ids, err := workflow.RegisterManifestDir(c.runtime, dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("manifest dir %s: %w", dir, err))
		}
		for _, id := range ids {
			current[id] = true
		}

		ids, err = workflow.RegisterScriptDir(c.runtime, dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("script dir %s: %w", dir, err))
		}
		for _, id := range ids {
			current[id] = true
		}
	}

	for _, entry := range cfg.Workflows.Registry {
		if !entry.IsEnabled() {
			continue
		}
		p, err := loadRegistryPlugin(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.runtime.Register(p); err != nil {
			errs = append(errs, fmt.Errorf("registry entry %s: %w", p.ID, err))
			continue
		}
		current[p.ID] = true
	}

	// Drop plugins we registered before whose sources are gone. The chat
	// plugin belongs to the engine and is never touched here.
	for id := range c.registered {
		if !current[id] && id != ChatPluginID {
			c.runtime.Unregister(id)
			slog.Info("workflow plugin unregistered", "plugin", id)
		}
	}
	c.registered = current

	if c.mcp != nil {
		c.mcp.Apply(ctx, &cfg.MCP)
	}

	var infos []skills.Info
	if c.skills != nil {
		infos = c.skills.List()
	}

	comp := &Composition{
		SystemPrompt: BuildSystemPrompt(cfg.Agent, c.skills, c.runtime.Plugins()),
		Card:         BuildCard(cfg.Agent, infos, c.runtime),
		WorkflowIDs:  sortedIDs(current),
		SkillCount:   len(infos),
	}
	slog.Info("agent composed",
		"workflows", len(comp.WorkflowIDs),
		"skills", comp.SkillCount,
		"errors", len(errs))
	return comp, errors.Join(errs...)
}

// loadRegistryPlugin loads one workflow registry entry from its source
// file, applying the ID override and baked-in default parameters.
func loadRegistryPlugin(entry config.WorkflowRegistration) (*workflow.Plugin, error) {
	if entry.From == "" {
		return nil, fmt.Errorf("registry entry %q: from is required", entry.ID)
	}

	var (
		p   *workflow.Plugin
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(entry.From)); ext {
	case ".yaml", ".yml":
		var m *workflow.Manifest
		if m, err = workflow.LoadManifestFile(entry.From); err == nil {
			p, err = workflow.CompileManifest(m)
		}
	case ".js":
		p, err = workflow.ScriptPlugin(entry.From)
	default:
		err = fmt.Errorf("unsupported workflow source %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("registry entry %s: %w", entry.From, err)
	}

	if entry.ID != "" {
		p.ID = entry.ID
	}
	if len(entry.Config) > 0 {
		p.Defaults = entry.Config
	}
	return p, nil
}

// BuildCard assembles the discovery card from config and skills. Direct
// skills advertise the input schema of their bound workflow.
func BuildCard(cfg config.AgentConfig, infos []skills.Info, rt *workflow.Runtime) a2a.AgentCard {
	name := cfg.Name
	if name == "" {
		name = "vibekit"
	}
	version := cfg.Version
	if version == "" {
		version = "0.0.0"
	}
	url := cfg.URL
	if url == "" {
		url = "http://127.0.0.1:41241"
	}

	card := a2a.AgentCard{
		ProtocolVersion: a2a.ProtocolVersion,
		Name:            name,
		Description:     cfg.Description,
		URL:             url,
		Version:         version,
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		DefaultInputModes:  []string{"text/plain", "application/json"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
		Skills:             []a2a.AgentSkill{},
	}

	for _, s := range infos {
		skill := a2a.AgentSkill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
			Examples:    s.Examples,
		}
		if s.Routing == "direct" && s.Workflow != "" && rt != nil {
			if p, ok := rt.Get(s.Workflow); ok {
				skill.InputSchema = p.InputSchema
			}
		}
		card.Skills = append(card.Skills, skill)
	}
	return card
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
