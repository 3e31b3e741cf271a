package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
)

// Registry holds configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       string // default provider name
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes the
// default unless SetDefault overrides it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.def == "" {
		r.def = p.Name()
	}
}

// SetDefault names the provider returned by Default.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = name
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return p, nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	def := r.def
	r.mu.RUnlock()
	if def == "" {
		return nil, fmt.Errorf("no providers configured")
	}
	return r.Get(def)
}

// List returns registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildFromConfig constructs a registry from the providers config,
// resolving API keys through env/keyring references. An empty config
// yields an empty registry; agents running only direct-routed skills
// need no LLM at all.
func BuildFromConfig(cfg *config.ProvidersConfig) (*Registry, error) {
	reg := NewRegistry()
	if cfg == nil {
		return reg, nil
	}

	if cfg.OpenAI != nil {
		key, err := cfg.OpenAI.ResolveAPIKey()
		if err != nil {
			return nil, fmt.Errorf("openai: resolve api key: %w", err)
		}
		reg.Register(NewOpenAIProvider("openai", key, cfg.OpenAI.BaseURL, cfg.OpenAI.Model))
	}
	if cfg.OpenRouter != nil {
		key, err := cfg.OpenRouter.ResolveAPIKey()
		if err != nil {
			return nil, fmt.Errorf("openrouter: resolve api key: %w", err)
		}
		reg.Register(NewOpenRouterProvider(key, cfg.OpenRouter.BaseURL, cfg.OpenRouter.Model))
	}

	if cfg.Default != "" {
		reg.SetDefault(cfg.Default)
	}
	return reg, nil
}
