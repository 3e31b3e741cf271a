package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("vibekit doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run `vibekit init`)")
		return
	}
	fmt.Println(" (OK)")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	fmt.Printf("    default:     %s\n", orDefault(cfg.Providers.Default, "(unset)"))
	checkProvider("openai", cfg.Providers.OpenAI)
	checkProvider("openrouter", cfg.Providers.OpenRouter)

	fmt.Println()
	fmt.Println("  Task store:")
	backend := orDefault(cfg.Store.Backend, "memory")
	switch backend {
	case "sqlite":
		path := config.ExpandHome(cfg.Store.Path)
		fmt.Printf("    sqlite:      %s", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (will be created)")
		} else {
			fmt.Println(" (OK)")
		}
	case "postgres":
		fmt.Printf("    postgres:    dsn %s\n", configuredOrNot(cfg.Store.DSN))
	case "redis":
		fmt.Printf("    redis:       %s\n", orDefault(cfg.Store.Addr, "(no addr)"))
	default:
		fmt.Println("    memory:      tasks are lost on restart")
	}

	fmt.Println()
	fmt.Println("  Workflows:")
	rt := workflow.NewRuntime()
	composer := agent.NewComposer(rt, skills.NewLoader(nil, nil), nil)
	if _, err := composer.Compose(context.Background(), cfg); err != nil {
		fmt.Printf("    compose warning: %s\n", err)
	}
	infos := rt.Plugins()
	fmt.Printf("    registered:  %d\n", len(infos))
	for _, info := range infos {
		fmt.Printf("      %s (%s)\n", info.ID, info.Version)
	}

	if len(cfg.MCP.Servers) > 0 {
		fmt.Println()
		fmt.Println("  MCP servers:")
		for name, srv := range cfg.MCP.Servers {
			bin := strings.Fields(srv.Command)
			status := "OK"
			if len(bin) == 0 {
				status = "NO COMMAND"
			}
			fmt.Printf("    %-12s %s (%s)\n", name+":", srv.Command, status)
		}
	}

	fmt.Println()
	addr := orDefault(cfg.Gateway.Addr, "127.0.0.1:41241")
	fmt.Printf("  Gateway:  %s", addr)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		fmt.Println(" (not running)")
	} else {
		conn.Close()
		fmt.Println(" (reachable)")
	}
	if cfg.Gateway.Token == "" {
		fmt.Println("    warning: no gateway token set; the listener accepts unauthenticated clients")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name string, p *config.ProviderConfig) {
	if p == nil {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	key, err := p.ResolveAPIKey()
	switch {
	case err != nil:
		fmt.Printf("    %-12s key error: %s\n", name+":", err)
	case key == "":
		fmt.Printf("    %-12s configured, no API key\n", name+":")
	default:
		fmt.Printf("    %-12s %s\n", name+":", maskKey(key))
	}
	if p.BaseURL != "" {
		fmt.Printf("    %-12s base url %s\n", "", p.BaseURL)
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func configuredOrNot(v string) string {
	if v == "" {
		return "(not set)"
	}
	return "configured"
}
