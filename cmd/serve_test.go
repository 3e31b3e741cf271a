package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway"
	vhttp "github.com/uratmangun/arbitrum-vibekit-sub004/internal/http"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
)

func TestServeListenersStopsOnContextCancel(t *testing.T) {
	handler := workflow.NewHandler(workflow.NewRuntime(), task.NewMemoryStore(), bus.NewManager())
	loader := skills.NewLoader(nil, nil)
	engine, err := agent.NewEngine(handler, providers.NewRegistry(), tools.NewRegistry(), loader, config.AgentConfig{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	gwCfg := config.GatewayConfig{Addr: "127.0.0.1:0"}
	gw := gateway.NewServer(gwCfg)
	httpSrv := vhttp.NewServer(gwCfg, engine, gw, gw.Limiter().Allow)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveListeners(ctx, httpSrv, gw) }()

	// Give the listener a moment to bind, then signal shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveListeners returned %v on clean shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveListeners did not stop after cancel")
	}
}

func TestServeListenersReportsListenFailure(t *testing.T) {
	handler := workflow.NewHandler(workflow.NewRuntime(), task.NewMemoryStore(), bus.NewManager())
	engine, err := agent.NewEngine(handler, providers.NewRegistry(), tools.NewRegistry(), skills.NewLoader(nil, nil), config.AgentConfig{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	gwCfg := config.GatewayConfig{Addr: "256.256.256.256:1"}
	gw := gateway.NewServer(gwCfg)
	httpSrv := vhttp.NewServer(gwCfg, engine, gw, gw.Limiter().Allow)

	done := make(chan error, 1)
	go func() { done <- serveListeners(context.Background(), httpSrv, gw) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected a listen error for an invalid address")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveListeners did not surface the listen error")
	}
}
