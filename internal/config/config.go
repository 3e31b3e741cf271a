package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
	"github.com/zalando/go-keyring"
)

// Config is the full vibekit configuration, loaded from a JSON5 file.
// One file drives the whole server: agent identity, model providers,
// skill and workflow directories, task persistence, and the gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers,omitempty"`
	Skills    SkillsConfig    `json:"skills,omitempty"`
	Workflows WorkflowsConfig `json:"workflows,omitempty"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Artifacts ArtifactsConfig `json:"artifacts,omitempty"`
	Gateway   GatewayConfig   `json:"gateway,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Watchdog  WatchdogConfig  `json:"watchdog,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// AgentConfig is the served agent's identity, used for the agent card
// and as the base of the composed system prompt.
type AgentConfig struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	BasePrompt  string `json:"basePrompt,omitempty"`
	URL         string `json:"url,omitempty"`

	// ContextWindow is the model context size in tokens used for history
	// budgeting. MaxToolIterations caps tool-call rounds in one chat turn.
	// InjectionAction is what to do when a message trips the input guard:
	// "log", "warn" (default), "block", or "off".
	ContextWindow     int    `json:"contextWindow,omitempty"`
	MaxToolIterations int    `json:"maxToolIterations,omitempty"`
	InjectionAction   string `json:"injectionAction,omitempty"`
}

// ProvidersConfig selects and configures model providers. Any
// OpenAI-compatible endpoint works through the openai entry's baseUrl;
// openrouter gets its own entry because it wants attribution headers.
type ProvidersConfig struct {
	Default    string          `json:"default,omitempty"`
	OpenAI     *ProviderConfig `json:"openai,omitempty"`
	OpenRouter *ProviderConfig `json:"openrouter,omitempty"`
}

// ProviderConfig configures one model provider. Exactly one of APIKey
// (a literal, a ${VAR} reference, or a keyring:service/user reference)
// or APIKeyFrom (an env var name) supplies the key.
type ProviderConfig struct {
	APIKey     string `json:"apiKey,omitempty"`
	APIKeyFrom string `json:"apiKeyFrom,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Model      string `json:"model,omitempty"`
}

// ResolveAPIKey returns the usable API key, resolving env and keyring
// references. Returns "" when no key is configured.
func (p *ProviderConfig) ResolveAPIKey() (string, error) {
	if p == nil {
		return "", nil
	}
	if p.APIKeyFrom != "" {
		return os.Getenv(p.APIKeyFrom), nil
	}
	return ResolveSecret(p.APIKey)
}

// SkillsConfig lists extra skill directories and disabled skill IDs.
type SkillsConfig struct {
	Dirs     []string `json:"dirs,omitempty"`
	Disabled []string `json:"disabled,omitempty"`
}

// WorkflowsConfig lists workflow plugin directories (*.workflow.yaml and
// *.workflow.js) and explicit registry entries.
type WorkflowsConfig struct {
	Builtins *bool                  `json:"builtins,omitempty"` // bundle the builtin plugins, default true
	Dirs     []string               `json:"dirs,omitempty"`
	Registry []WorkflowRegistration `json:"registry,omitempty"`
}

// BuiltinsEnabled treats a missing builtins flag as true.
func (w WorkflowsConfig) BuiltinsEnabled() bool {
	return w.Builtins == nil || *w.Builtins
}

// WorkflowRegistration registers one workflow plugin from a file path,
// optionally overriding its ID and baking in default parameters.
type WorkflowRegistration struct {
	ID      string                 `json:"id,omitempty"`
	From    string                 `json:"from"`
	Enabled *bool                  `json:"enabled,omitempty"`
	Config  map[string]interface{} `json:"config,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (r WorkflowRegistration) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// MCPConfig declares stdio MCP servers whose tools get bridged into the
// agent's tool registry.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes how to launch one stdio MCP server.
type MCPServerConfig struct {
	Command    string            `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"` // per tool call, default 60
}

// ResolvedEnv returns the server's env block as KEY=VALUE pairs with
// ${VAR} and keyring references resolved. Unresolvable references keep
// the raw value so the child process failure is diagnosable.
func (s MCPServerConfig) ResolvedEnv() []string {
	if len(s.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		resolved, err := ResolveSecret(v)
		if err != nil {
			resolved = v
		}
		env = append(env, k+"="+resolved)
	}
	return env
}

// ToolsConfig tunes the built-in tools and the execution policy applied
// to every tool call.
type ToolsConfig struct {
	// Policy is an optional CEL expression over `tool` and `args`; a
	// non-true result blocks the call.
	Policy          string         `json:"policy,omitempty"`
	RateLimitPerMin int            `json:"rateLimitPerMin,omitempty"`
	Web             WebToolsConfig `json:"web,omitempty"`
}

// WebToolsConfig enables the web_search and web_fetch tools. DuckDuckGo
// needs no key and defaults on; Brave takes over when a key is set.
type WebToolsConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	BraveAPIKey string `json:"braveApiKey,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (w WebToolsConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend string `json:"backend,omitempty"` // "memory", "sqlite", "postgres", or "redis"
	Path    string `json:"path,omitempty"`    // sqlite file path
	DSN     string `json:"dsn,omitempty"`     // postgres DSN
	Addr    string `json:"addr,omitempty"`    // redis host:port
}

// ArtifactsConfig configures artifact blob offloading.
type ArtifactsConfig struct {
	S3 *S3Config `json:"s3,omitempty"`
}

// S3Config points artifact offload at an S3 bucket. Credentials come
// from the ambient AWS credential chain.
type S3Config struct {
	Bucket   string `json:"bucket"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// GatewayConfig configures the HTTP + WebSocket listener.
type GatewayConfig struct {
	Addr            string `json:"addr,omitempty"`
	Token           string `json:"token,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMin,omitempty"`
	Burst           int    `json:"burst,omitempty"`
}

// SchedulerConfig bounds the per-context dispatch queues.
type SchedulerConfig struct {
	MaxPerContext int    `json:"maxPerContext,omitempty"`
	QueueCap      int    `json:"queueCap,omitempty"`
	Drop          string `json:"drop,omitempty"` // "old" or "new"
}

// WatchdogConfig controls the paused-task sweeper.
type WatchdogConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	IntervalMS int64  `json:"intervalMs,omitempty"`
	PauseTTLMS int64  `json:"pauseTtlMs,omitempty"`
	Action     string `json:"action,omitempty"` // "notify" or "cancel"
}

// Interval returns the sweep interval (default 1m).
func (w WatchdogConfig) Interval() time.Duration {
	if w.IntervalMS <= 0 {
		return time.Minute
	}
	return time.Duration(w.IntervalMS) * time.Millisecond
}

// PauseTTL returns how long a task may stay paused (default 30m).
func (w WatchdogConfig) PauseTTL() time.Duration {
	if w.PauseTTLMS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(w.PauseTTLMS) * time.Millisecond
}

// CronConfig configures scheduled workflow dispatches. Jobs declared
// here are merged into the persisted store at startup.
type CronConfig struct {
	Enabled   bool            `json:"enabled,omitempty"`
	StorePath string          `json:"storePath,omitempty"`
	Jobs      []CronJobConfig `json:"jobs,omitempty"`
}

// CronJobConfig declares one scheduled workflow dispatch.
type CronJobConfig struct {
	Name     string                 `json:"name"`
	Schedule CronScheduleConfig     `json:"schedule"`
	Workflow string                 `json:"workflow"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Enabled  *bool                  `json:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (j CronJobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// CronScheduleConfig is one of "at" (absolute time), "every" (interval),
// or "cron" (expression).
type CronScheduleConfig struct {
	Kind    string `json:"kind"`
	AtMS    *int64 `json:"atMs,omitempty"`
	EveryMS *int64 `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// TelemetryConfig configures OTLP span export (compiled in with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener
// (compiled in with -tags tsnet).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	AuthKey   string `json:"authKey,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	StateDir  string `json:"stateDir,omitempty"`
	EnableTLS bool   `json:"enableTLS,omitempty"`
}

// --- load / save ---

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:      DefaultAgentID,
			Name:    "vibekit",
			Version: "0.1.0",
			URL:     "http://127.0.0.1:41241",
		},
		Providers: ProvidersConfig{
			Default: "openai",
			OpenAI: &ProviderConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
		},
		Skills: SkillsConfig{
			Dirs: []string{"./skills"},
		},
		Workflows: WorkflowsConfig{
			Dirs: []string{"./workflows"},
		},
		Store: StoreConfig{
			Backend: "memory",
			Path:    "~/.vibekit/data/tasks.db",
		},
		Gateway: GatewayConfig{
			Addr:            "127.0.0.1:41241",
			RateLimitPerMin: 120,
			Burst:           30,
		},
		Scheduler: SchedulerConfig{
			MaxPerContext: 1,
			QueueCap:      64,
			Drop:          "old",
		},
		Watchdog: WatchdogConfig{
			Action: "notify",
		},
		Cron: CronConfig{
			StorePath: "~/.vibekit/data/cron.json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vibekit",
		},
	}
}

// DefaultPath returns the config file path: $VIBEKIT_CONFIG if set,
// else ~/.vibekit/config.json5.
func DefaultPath() string {
	if p := os.Getenv("VIBEKIT_CONFIG"); p != "" {
		return p
	}
	return ExpandHome("~/.vibekit/config.json5")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Load reads a JSON5 config file, layers it over defaults, applies
// VIBEKIT_* env overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Agent.ID = NormalizeAgentID(cfg.Agent.ID)
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config at path, falling back to defaults when
// the file does not exist. Parse and validation errors still fail.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(unwrapAll(err)) {
			cfg = Default()
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

// Save writes the config as indented JSON (valid JSON5), creating the
// parent directory if needed. Files are written 0600 since the config
// may hold tokens.
func Save(path string, cfg *Config) error {
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// --- validation ---

// Validate rejects values outside the allowed enums. Zero values are
// always valid since defaults fill them in.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	switch c.Scheduler.Drop {
	case "", "old", "new":
	default:
		return fmt.Errorf("scheduler.drop: must be \"old\" or \"new\", got %q", c.Scheduler.Drop)
	}
	switch c.Watchdog.Action {
	case "", "notify", "cancel":
	default:
		return fmt.Errorf("watchdog.action: must be \"notify\" or \"cancel\", got %q", c.Watchdog.Action)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol: must be \"grpc\" or \"http\", got %q", c.Telemetry.Protocol)
	}
	for i, reg := range c.Workflows.Registry {
		if reg.From == "" {
			return fmt.Errorf("workflows.registry[%d]: from is required", i)
		}
	}
	for name, srv := range c.MCP.Servers {
		if strings.TrimSpace(srv.Command) == "" {
			return fmt.Errorf("mcp.servers.%s: command is required", name)
		}
	}
	for i, job := range c.Cron.Jobs {
		if job.Workflow == "" {
			return fmt.Errorf("cron.jobs[%d]: workflow is required", i)
		}
		switch job.Schedule.Kind {
		case "at", "every", "cron":
		default:
			return fmt.Errorf("cron.jobs[%d]: schedule.kind must be \"at\", \"every\", or \"cron\"", i)
		}
	}
	return nil
}

// --- env overrides and secrets ---

// ApplyEnvOverrides overlays VIBEKIT_* environment variables onto the
// config. Env always wins over file values.
func (c *Config) ApplyEnvOverrides() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setStr(&c.Agent.ID, "VIBEKIT_AGENT_ID")
	setStr(&c.Agent.Name, "VIBEKIT_AGENT_NAME")
	setStr(&c.Agent.URL, "VIBEKIT_AGENT_URL")

	setStr(&c.Gateway.Addr, "VIBEKIT_GATEWAY_ADDR")
	setStr(&c.Gateway.Token, "VIBEKIT_GATEWAY_TOKEN")

	setStr(&c.Store.Backend, "VIBEKIT_STORE_BACKEND")
	setStr(&c.Store.Path, "VIBEKIT_STORE_PATH")
	setStr(&c.Store.DSN, "VIBEKIT_STORE_DSN")
	setStr(&c.Store.Addr, "VIBEKIT_STORE_ADDR")

	if v := os.Getenv("VIBEKIT_OPENAI_API_KEY"); v != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &ProviderConfig{}
		}
		c.Providers.OpenAI.APIKey = v
	}
	if c.Providers.OpenAI != nil {
		setStr(&c.Providers.OpenAI.BaseURL, "VIBEKIT_OPENAI_BASE_URL")
		setStr(&c.Providers.OpenAI.Model, "VIBEKIT_MODEL")
	}
	if v := os.Getenv("VIBEKIT_OPENROUTER_API_KEY"); v != "" {
		if c.Providers.OpenRouter == nil {
			c.Providers.OpenRouter = &ProviderConfig{}
		}
		c.Providers.OpenRouter.APIKey = v
	}

	setStr(&c.Telemetry.Endpoint, "VIBEKIT_TELEMETRY_ENDPOINT")

	// tsnet's own convention is TS_AUTHKEY; honor it as a fallback.
	setStr(&c.Tailscale.AuthKey, "VIBEKIT_TS_AUTHKEY")
	if c.Tailscale.AuthKey == "" {
		c.Tailscale.AuthKey = os.Getenv("TS_AUTHKEY")
	}
}

// ResolveSecret resolves a config value that may be a literal, contain
// ${VAR} env references, or be a keyring:service/user reference.
func ResolveSecret(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if ref, ok := strings.CutPrefix(v, "keyring:"); ok {
		service, user, found := strings.Cut(ref, "/")
		if !found || service == "" || user == "" {
			return "", fmt.Errorf("malformed keyring reference %q (want keyring:service/user)", v)
		}
		secret, err := keyring.Get(service, user)
		if err != nil {
			return "", fmt.Errorf("keyring lookup %s/%s: %w", service, user, err)
		}
		return secret, nil
	}
	if strings.Contains(v, "${") {
		return os.Expand(v, os.Getenv), nil
	}
	return v, nil
}

// --- concurrency and display helpers ---

// Hash returns a digest of the config for optimistic-concurrency checks
// on reload and apply.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReplaceFrom copies other's contents into c in place, preserving
// pointer identity for holders of *Config.
func (c *Config) ReplaceFrom(other *Config) {
	*c = *other
}

// MaskedCopy returns a deep copy with secret values masked for display.
func (c *Config) MaskedCopy() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return c
	}
	masked := &Config{}
	if err := json.Unmarshal(data, masked); err != nil {
		return c
	}

	if masked.Providers.OpenAI != nil {
		masked.Providers.OpenAI.APIKey = maskSecret(masked.Providers.OpenAI.APIKey)
	}
	if masked.Providers.OpenRouter != nil {
		masked.Providers.OpenRouter.APIKey = maskSecret(masked.Providers.OpenRouter.APIKey)
	}
	masked.Gateway.Token = maskSecret(masked.Gateway.Token)
	masked.Tools.Web.BraveAPIKey = maskSecret(masked.Tools.Web.BraveAPIKey)
	masked.Store.DSN = maskSecret(masked.Store.DSN)
	masked.Tailscale.AuthKey = maskSecret(masked.Tailscale.AuthKey)
	for k, v := range masked.Telemetry.Headers {
		masked.Telemetry.Headers[k] = maskSecret(v)
	}
	for name, srv := range masked.MCP.Servers {
		for k, v := range srv.Env {
			srv.Env[k] = maskSecret(v)
		}
		masked.MCP.Servers[name] = srv
	}
	return masked
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > 8 {
		return s[:4] + "****" + s[len(s)-4:]
	}
	return "****"
}
