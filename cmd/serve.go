package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/bus"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/cron"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/gateway/methods"
	vhttp "github.com/uratmangun/arbitrum-vibekit-sub004/internal/http"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/mcp"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/providers"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/scheduler"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/task"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/tools"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/tracing"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/watchdog"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/workflow"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server (same as running vibekit with no arguments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return err
	}
	slog.Info("vibekit starting", "version", Version, "config", cfgPath, "agent", cfg.Agent.ID)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Task store + per-task resume locks.
	store, closeStore, err := buildTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	buses := bus.NewManager()
	runtime := workflow.NewRuntime()
	handler := workflow.NewHandler(runtime, store, buses)
	handler.SetDispatchGate(scheduler.New(scheduler.Config{
		MaxPerContext: cfg.Scheduler.MaxPerContext,
		QueueCap:      cfg.Scheduler.QueueCap,
		Drop:          scheduler.DropPolicy(cfg.Scheduler.Drop),
	}))
	if rs, ok := store.(*task.RedisStore); ok {
		handler.SetLocker(task.NewRedisLocker(rs.Client()))
	}
	if s3 := cfg.Artifacts.S3; s3 != nil {
		blobs, err := task.NewS3BlobStore(ctx, task.S3Config{
			Bucket:   s3.Bucket,
			Region:   s3.Region,
			Endpoint: s3.Endpoint,
			Prefix:   s3.Prefix,
		})
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		handler.SetBlobStore(blobs)
	}

	// Span pipeline. The sink is the task store when it can persist spans
	// (sqlite, postgres); the OTLP exporter is attached under -tags otel.
	sink, _ := store.(tracing.Sink)
	var collector *tracing.Collector
	if sink != nil || cfg.Telemetry.Enabled {
		collector = tracing.NewCollector(sink)
		initOTelExporter(ctx, cfg, collector)
		collector.Start()
		defer collector.Stop()
		handler.SetSpanSink(collector)
	}

	// Skills, tools, MCP bridges.
	loader := skills.NewLoader(
		skills.DefaultSources(cfg.Skills.Dirs, config.ExpandHome("~/.vibekit/skills")),
		cfg.Skills.Disabled,
	)
	registry, err := buildToolRegistry(cfg, handler, loader)
	if err != nil {
		return err
	}
	mcpManager := mcp.NewManager(registry)
	defer mcpManager.Close()

	// Compose the agent. Per-item failures are logged and skipped so one
	// broken manifest cannot keep the server down.
	composer := agent.NewComposer(runtime, loader, mcpManager)
	comp, err := composer.Compose(ctx, cfg)
	if err != nil {
		slog.Warn("composition completed with errors", "error", err)
	}

	provReg, err := providers.BuildFromConfig(&cfg.Providers)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	engine, err := agent.NewEngine(handler, provReg, registry, loader, cfg.Agent)
	if err != nil {
		return err
	}
	engine.UpdateComposition(cfg.Agent, comp)
	if collector != nil {
		engine.SetSpanSink(collector)
	}

	// Protocol surfaces: WebSocket gateway + REST on one listener.
	gw := gateway.NewServer(cfg.Gateway)
	methods.RegisterAll(gw, engine)
	httpSrv := vhttp.NewServer(cfg.Gateway, engine, gw, gw.Limiter().Allow)

	stopTsnet := initTailscale(ctx, cfg, httpSrv.Handler())
	if stopTsnet != nil {
		defer stopTsnet()
	}

	// Scheduled dispatches.
	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		cronSvc = cron.NewService(config.ExpandHome(cfg.Cron.StorePath), func(ctx context.Context, job *cron.Job) (string, error) {
			return handler.DispatchWorkflow(ctx, job.Dispatch.Workflow, job.Dispatch.Params, job.Dispatch.ContextID, nil)
		})
		cronSvc.SetNotify(func(job cron.Job, entry cron.RunLogEntry) {
			subtype := protocol.CronEventFired
			if entry.Status != "ok" {
				subtype = protocol.CronEventFailed
			}
			gw.Broadcast(protocol.EventCron, map[string]interface{}{
				"type":   subtype,
				"jobId":  job.ID,
				"name":   job.Name,
				"taskId": entry.TaskID,
				"error":  entry.Error,
			})
		})
		cronSvc.SyncDeclared(declaredCronJobs(cfg))
		if err := cronSvc.Start(); err != nil {
			return fmt.Errorf("cron: %w", err)
		}
		defer cronSvc.Stop()
	}

	// Paused-task sweeper.
	if cfg.Watchdog.Enabled {
		wd := watchdog.NewService(watchdog.Config{
			Interval: cfg.Watchdog.Interval(),
			PauseTTL: cfg.Watchdog.PauseTTL(),
			Action:   watchdog.Action(cfg.Watchdog.Action),
		}, handler)
		wd.Start()
		defer wd.Stop()
	}

	// Hot reload: skill edits bump the loader version; config file changes
	// re-compose the agent without dropping in-flight task handles.
	skillWatcher, err := skills.NewWatcher(loader)
	if err == nil {
		if err := skillWatcher.Start(ctx); err != nil {
			slog.Warn("skills watcher not started", "error", err)
		} else {
			defer skillWatcher.Stop()
		}
	}
	cfgWatcher, err := config.NewWatcher(cfgPath)
	if err == nil {
		cfgWatcher.OnChange(func(newCfg *config.Config) {
			recomp, err := composer.Compose(ctx, newCfg)
			if err != nil {
				slog.Warn("recompose after reload had errors", "error", err)
			}
			engine.UpdateComposition(newCfg.Agent, recomp)
			if cronSvc != nil {
				cronSvc.SyncDeclared(declaredCronJobs(newCfg))
			}
			cfg.ReplaceFrom(newCfg)
			gw.Broadcast(protocol.EventConfig, map[string]interface{}{"hash": newCfg.Hash()})
			slog.Info("configuration reloaded", "path", cfgPath)
		})
		if err := cfgWatcher.Start(); err != nil {
			slog.Warn("config watcher not started", "error", err)
		} else {
			defer cfgWatcher.Stop()
		}
	}

	return serveListeners(ctx, httpSrv, gw)
}

// serveListeners runs the HTTP listener until ctx is done or the
// listener fails, then drains gateway connections and in-flight
// requests. Start returns nil on a clean Shutdown, so a signal exit
// reports only shutdown errors.
func serveListeners(ctx context.Context, httpSrv *vhttp.Server, gw *gateway.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		gw.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildTaskStore opens the configured task store backend.
func buildTaskStore(ctx context.Context, cfg *config.Config) (task.Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case "", "memory":
		return task.NewMemoryStore(), noop, nil
	case "sqlite":
		s, err := task.NewSQLiteStore(config.ExpandHome(cfg.Store.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		dsn, err := config.ResolveSecret(cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("store.dsn: %w", err)
		}
		s, err := task.NewPGStore(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "redis":
		s, err := task.NewRedisStore(ctx, cfg.Store.Addr, "", 0)
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("store.backend: unknown backend %q", cfg.Store.Backend)
	}
}

// buildToolRegistry registers the built-in tools and applies the
// configured execution policy and rate limit.
func buildToolRegistry(cfg *config.Config, handler *workflow.Handler, loader *skills.Loader) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	tools.RegisterWorkflowTools(registry, handler)
	registry.Register(tools.NewSkillSearchTool(loader))

	if cfg.Tools.Web.IsEnabled() {
		braveKey, err := config.ResolveSecret(cfg.Tools.Web.BraveAPIKey)
		if err != nil {
			return nil, fmt.Errorf("tools.web.braveApiKey: %w", err)
		}
		if search := tools.NewWebSearchTool(tools.WebSearchConfig{
			BraveEnabled: braveKey != "",
			BraveAPIKey:  braveKey,
			DDGEnabled:   true,
		}); search != nil {
			registry.Register(search)
		}
		registry.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
		tools.RegisterToolGroup("web", []string{"web_search", "web_fetch"})
	}

	if cfg.Tools.Policy != "" {
		policy, err := tools.NewPolicy(cfg.Tools.Policy)
		if err != nil {
			return nil, fmt.Errorf("tools.policy: %w", err)
		}
		registry.SetPolicy(policy)
	}
	if cfg.Tools.RateLimitPerMin > 0 {
		registry.SetRateLimiter(tools.NewKeyLimiter(cfg.Tools.RateLimitPerMin, cfg.Tools.RateLimitPerMin/4+1))
	}
	return registry, nil
}

// declaredCronJobs converts config cron jobs to the service's declared form.
func declaredCronJobs(cfg *config.Config) []cron.Declared {
	decls := make([]cron.Declared, 0, len(cfg.Cron.Jobs))
	for _, j := range cfg.Cron.Jobs {
		decls = append(decls, cron.Declared{
			Name: j.Name,
			Schedule: cron.Schedule{
				Kind:    j.Schedule.Kind,
				AtMS:    j.Schedule.AtMS,
				EveryMS: j.Schedule.EveryMS,
				Expr:    j.Schedule.Expr,
			},
			Workflow: j.Workflow,
			Params:   j.Params,
			Enabled:  j.IsEnabled(),
		})
	}
	return decls
}

// setupLogging configures the default slog handler. VIBEKIT_LOG=debug
// turns on debug logging.
func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("VIBEKIT_LOG") == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
