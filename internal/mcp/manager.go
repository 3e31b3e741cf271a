// Package mcp launches stdio MCP servers from config and bridges their
// tools into the agent's tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/tools"
)

const (
	initTimeout = 30 * time.Second
	listTimeout = 10 * time.Second
)

// Server is one running MCP server process plus the tools bridged from it.
type Server struct {
	name      string
	cfg       config.MCPServerConfig
	client    *mcpclient.Client
	connected atomic.Bool
	tools     []mcpgo.Tool
	bridged   []string // registered tool names, for teardown
}

func (s *Server) Name() string    { return s.name }
func (s *Server) Connected() bool { return s.connected.Load() }

// Manager reconciles running MCP servers against the mcp config block.
// Apply is not reentrant; the reload watcher serializes calls.
type Manager struct {
	mu       sync.RWMutex
	reg      *tools.Registry
	servers  map[string]*Server
	failures map[string]error
}

func NewManager(reg *tools.Registry) *Manager {
	return &Manager{
		reg:      reg,
		servers:  make(map[string]*Server),
		failures: make(map[string]error),
	}
}

// Apply starts servers added to cfg, stops removed ones, and restarts any
// whose launch config changed. New servers connect in parallel because a
// cold npx spawn can take seconds; Apply returns when all attempts settle.
func (m *Manager) Apply(ctx context.Context, cfg *config.MCPConfig) {
	desired := map[string]config.MCPServerConfig{}
	if cfg != nil {
		desired = cfg.Servers
	}

	m.mu.Lock()
	current := make(map[string]config.MCPServerConfig, len(m.servers))
	for name, srv := range m.servers {
		current[name] = srv.cfg
	}
	start, stop := reconcile(current, desired)
	for _, name := range stop {
		m.stopLocked(name)
	}
	for _, name := range start {
		delete(m.failures, name)
	}
	for name := range m.failures {
		if _, ok := desired[name]; !ok {
			delete(m.failures, name)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range start {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.connect(ctx, name, desired[name])
		}()
	}
	wg.Wait()
}

// reconcile diffs running servers against the desired config. A server
// whose config changed appears in both lists and gets restarted.
func reconcile(current, desired map[string]config.MCPServerConfig) (start, stop []string) {
	for name, cfg := range desired {
		cur, ok := current[name]
		switch {
		case !ok:
			start = append(start, name)
		case !reflect.DeepEqual(cur, cfg):
			stop = append(stop, name)
			start = append(start, name)
		}
	}
	for name := range current {
		if _, ok := desired[name]; !ok {
			stop = append(stop, name)
		}
	}
	sort.Strings(start)
	sort.Strings(stop)
	return start, stop
}

func (m *Manager) connect(ctx context.Context, name string, cfg config.MCPServerConfig) {
	srv, err := m.startServer(ctx, name, cfg)
	if err != nil {
		slog.Error("MCP server failed", "server", name, "error", err)
		m.mu.Lock()
		m.failures[name] = err
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.servers[name] = srv
	m.mu.Unlock()
	slog.Info("MCP server connected", "server", name, "tools", len(srv.tools))
}

func (m *Manager) startServer(ctx context.Context, name string, cfg config.MCPServerConfig) (*Server, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	env := cfg.ResolvedEnv()

	var opts []transport.StdioOption
	if cfg.Cwd != "" {
		// The default command factory inherits our environment but gives
		// no way to set a working directory, so supply our own.
		dir := cfg.Cwd
		opts = append(opts, transport.WithCommandFunc(func(ctx context.Context, _ string, _ []string, _ []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Env = append(os.Environ(), env...)
			cmd.Dir = dir
			return cmd, nil
		}))
	}

	cl, err := mcpclient.NewStdioMCPClientWithOptions(argv[0], env, argv[1:], opts...)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcpgo.ClientCapabilities{}
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "vibekit", Version: "1.0.0"}
	if _, err := cl.Initialize(initCtx, initReq); err != nil {
		cl.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listCtx, cancelList := context.WithTimeout(ctx, listTimeout)
	defer cancelList()

	var listed []mcpgo.Tool
	listReq := mcpgo.ListToolsRequest{}
	for {
		page, err := cl.ListTools(listCtx, listReq)
		if err != nil {
			cl.Close()
			return nil, fmt.Errorf("list tools: %w", err)
		}
		listed = append(listed, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		listReq.Params.Cursor = page.NextCursor
	}

	srv := &Server{name: name, cfg: cfg, client: cl, tools: listed}
	srv.connected.Store(true)

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	for _, mt := range listed {
		bt := NewBridgeTool(srv, mt, name, timeout)
		m.reg.Register(bt)
		srv.bridged = append(srv.bridged, bt.Name())
	}
	tools.RegisterToolGroup("mcp:"+name, srv.bridged)

	return srv, nil
}

// stopLocked tears one server down: bridged tools leave the registry
// first so nothing can route a call at the closing client.
func (m *Manager) stopLocked(name string) {
	srv, ok := m.servers[name]
	if !ok {
		return
	}
	for _, tn := range srv.bridged {
		m.reg.Unregister(tn)
	}
	tools.UnregisterToolGroup("mcp:" + name)
	srv.connected.Store(false)
	if srv.client != nil {
		srv.client.Close()
	}
	delete(m.servers, name)
	slog.Info("MCP server stopped", "server", name)
}

// ServerStatus is a snapshot for diagnostics output.
type ServerStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Tools     int    `json:"tools"`
	Err       string `json:"error,omitempty"`
}

// Status reports every configured server, connected or failed, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers)+len(m.failures))
	for name, srv := range m.servers {
		out = append(out, ServerStatus{Name: name, Connected: srv.Connected(), Tools: len(srv.tools)})
	}
	for name, err := range m.failures {
		out = append(out, ServerStatus{Name: name, Err: err.Error()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every running server.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.servers {
		m.stopLocked(name)
	}
	m.failures = make(map[string]error)
}
