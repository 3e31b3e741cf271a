package mcp

import (
	"context"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/tools"
)

func TestReconcile(t *testing.T) {
	current := map[string]config.MCPServerConfig{
		"keep":    {Command: "srv-keep"},
		"change":  {Command: "srv-old"},
		"removed": {Command: "srv-gone"},
	}
	desired := map[string]config.MCPServerConfig{
		"keep":   {Command: "srv-keep"},
		"change": {Command: "srv-new"},
		"added":  {Command: "srv-added"},
	}

	start, stop := reconcile(current, desired)

	wantStart := []string{"added", "change"}
	wantStop := []string{"change", "removed"}
	if len(start) != len(wantStart) {
		t.Fatalf("start = %v, want %v", start, wantStart)
	}
	for i := range wantStart {
		if start[i] != wantStart[i] {
			t.Errorf("start[%d] = %q, want %q", i, start[i], wantStart[i])
		}
	}
	if len(stop) != len(wantStop) {
		t.Fatalf("stop = %v, want %v", stop, wantStop)
	}
	for i := range wantStop {
		if stop[i] != wantStop[i] {
			t.Errorf("stop[%d] = %q, want %q", i, stop[i], wantStop[i])
		}
	}
}

func TestReconcile_EnvChangeRestarts(t *testing.T) {
	current := map[string]config.MCPServerConfig{
		"srv": {Command: "run", Env: map[string]string{"TOKEN": "a"}},
	}
	desired := map[string]config.MCPServerConfig{
		"srv": {Command: "run", Env: map[string]string{"TOKEN": "b"}},
	}

	start, stop := reconcile(current, desired)
	if len(start) != 1 || start[0] != "srv" {
		t.Errorf("expected restart start=[srv], got %v", start)
	}
	if len(stop) != 1 || stop[0] != "srv" {
		t.Errorf("expected restart stop=[srv], got %v", stop)
	}
}

func TestManagerApply_EmptyConfig(t *testing.T) {
	m := NewManager(tools.NewRegistry())

	m.Apply(context.Background(), nil)
	if got := m.Status(); len(got) != 0 {
		t.Errorf("expected no servers, got %v", got)
	}

	m.Apply(context.Background(), &config.MCPConfig{})
	if got := m.Status(); len(got) != 0 {
		t.Errorf("expected no servers, got %v", got)
	}
}

func TestManagerApply_MissingBinary(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(reg)

	m.Apply(context.Background(), &config.MCPConfig{
		Servers: map[string]config.MCPServerConfig{
			"ghost": {Command: "/definitely/not/a/real/binary-xyzzy"},
		},
	})

	status := m.Status()
	if len(status) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(status))
	}
	if status[0].Name != "ghost" || status[0].Connected {
		t.Errorf("expected disconnected ghost entry, got %+v", status[0])
	}
	if status[0].Err == "" {
		t.Error("expected spawn error to be recorded")
	}
	if reg.Count() != 0 {
		t.Errorf("expected no bridged tools, got %d", reg.Count())
	}

	// A reload that drops the server clears the failure.
	m.Apply(context.Background(), &config.MCPConfig{})
	if got := m.Status(); len(got) != 0 {
		t.Errorf("expected failure cleared after server removed, got %v", got)
	}
}

func TestManagerApply_BadCommandString(t *testing.T) {
	m := NewManager(tools.NewRegistry())

	m.Apply(context.Background(), &config.MCPConfig{
		Servers: map[string]config.MCPServerConfig{
			"quoted": {Command: `run "unterminated`},
		},
	})

	status := m.Status()
	if len(status) != 1 || status[0].Err == "" {
		t.Fatalf("expected parse failure recorded, got %v", status)
	}
}

func TestManagerStop_UnregistersBridges(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(reg)

	// Seed a server by hand; client stays nil so stop must not touch it.
	srv := &Server{name: "seeded", cfg: config.MCPServerConfig{Command: "seeded-srv"}}
	srv.connected.Store(true)
	for _, name := range []string{"lookup", "mutate"} {
		bt := NewBridgeTool(srv, mcpgo.Tool{Name: name}, "seeded", 0)
		reg.Register(bt)
		srv.bridged = append(srv.bridged, bt.Name())
	}
	tools.RegisterToolGroup("mcp:seeded", srv.bridged)
	m.servers["seeded"] = srv

	if reg.Count() != 2 {
		t.Fatalf("expected 2 bridged tools registered, got %d", reg.Count())
	}

	m.Apply(context.Background(), &config.MCPConfig{})

	if reg.Count() != 0 {
		t.Errorf("expected bridged tools unregistered, got %d", reg.Count())
	}
	if _, ok := tools.ToolGroup("mcp:seeded"); ok {
		t.Error("expected mcp:seeded group removed")
	}
	if srv.Connected() {
		t.Error("expected server marked disconnected")
	}
	if len(m.Status()) != 0 {
		t.Errorf("expected empty status, got %v", m.Status())
	}
}

func TestManagerClose(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(reg)

	srv := &Server{name: "c1", cfg: config.MCPServerConfig{Command: "c1-srv"}}
	srv.connected.Store(true)
	bt := NewBridgeTool(srv, mcpgo.Tool{Name: "t"}, "c1", 0)
	reg.Register(bt)
	srv.bridged = []string{bt.Name()}
	m.servers["c1"] = srv

	m.Close()

	if reg.Count() != 0 {
		t.Errorf("expected registry drained on close, got %d", reg.Count())
	}
	if len(m.Status()) != 0 {
		t.Errorf("expected no status entries after close, got %v", m.Status())
	}
}
