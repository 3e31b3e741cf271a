package providers

import (
	"testing"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
)

func TestRegistry_RegisterGetDefault(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Default(); err == nil {
		t.Error("empty registry should have no default")
	}

	reg.Register(NewOpenAIProvider("openai", "k", "", ""))
	reg.Register(NewOpenRouterProvider("k", "", ""))

	p, err := reg.Get("openrouter")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Name() != "openrouter" {
		t.Errorf("name = %s", p.Name())
	}

	// First registered wins as default.
	d, err := reg.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if d.Name() != "openai" {
		t.Errorf("default = %s, want first registered", d.Name())
	}

	reg.SetDefault("openrouter")
	d, _ = reg.Default()
	if d.Name() != "openrouter" {
		t.Errorf("default after SetDefault = %s", d.Name())
	}

	if _, err := reg.Get("gemini"); err == nil {
		t.Error("unknown provider should error")
	}

	names := reg.List()
	if len(names) != 2 || names[0] != "openai" || names[1] != "openrouter" {
		t.Errorf("List = %v, want sorted names", names)
	}
}

func TestBuildFromConfig(t *testing.T) {
	t.Setenv("SWAP_AGENT_KEY", "sk-from-env")

	reg, err := BuildFromConfig(&config.ProvidersConfig{
		Default: "openrouter",
		OpenAI: &config.ProviderConfig{
			APIKeyFrom: "SWAP_AGENT_KEY",
			Model:      "gpt-4o",
		},
		OpenRouter: &config.ProviderConfig{
			APIKey: "sk-or-literal",
		},
	})
	if err != nil {
		t.Fatalf("BuildFromConfig: %v", err)
	}

	if got := reg.List(); len(got) != 2 {
		t.Fatalf("providers = %v", got)
	}

	d, err := reg.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if d.Name() != "openrouter" {
		t.Errorf("default = %s, want configured default", d.Name())
	}

	p, _ := reg.Get("openai")
	op := p.(*OpenAIProvider)
	if op.apiKey != "sk-from-env" {
		t.Errorf("apiKeyFrom not resolved: %q", op.apiKey)
	}
	if op.DefaultModel() != "gpt-4o" {
		t.Errorf("model = %s", op.DefaultModel())
	}
}

func TestBuildFromConfig_Empty(t *testing.T) {
	reg, err := BuildFromConfig(nil)
	if err != nil {
		t.Fatalf("BuildFromConfig(nil): %v", err)
	}
	if len(reg.List()) != 0 {
		t.Errorf("nil config should yield empty registry")
	}

	reg, err = BuildFromConfig(&config.ProvidersConfig{})
	if err != nil {
		t.Fatalf("BuildFromConfig(empty): %v", err)
	}
	if len(reg.List()) != 0 {
		t.Errorf("empty config should yield empty registry")
	}
}
