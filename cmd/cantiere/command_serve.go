package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/cantiere/internal/audit"
	"github.com/rahul/cantiere/internal/controller"
	"github.com/rahul/cantiere/internal/engine"
	"github.com/rahul/cantiere/internal/gateway"
	"github.com/rahul/cantiere/internal/governance"
	"github.com/rahul/cantiere/internal/intent"
	"github.com/rahul/cantiere/internal/observability"
	"github.com/rahul/cantiere/internal/store"
	"github.com/rahul/cantiere/internal/tools"
	"github.com/rahul/cantiere/pkg/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat gateways and the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func registerServeCommand(root *cobra.Command) {
	root.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	status := observability.NewStatus()
	dash := observability.NewDashboard(status)
	dash.Open()
	defer dash.Close()
	log.SetOutput(dash.Writer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Memory.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	auditLog, closeAudit, err := openAudit(cfg, db)
	if err != nil {
		return err
	}
	defer closeAudit()

	registry, closeTools := buildRegistry(cfg)
	defer closeTools()

	logger := observability.NewLogger()

	gov, err := buildPolicy(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(registry,
		engine.WithPolicy(gov),
		engine.WithLogger(logger),
		engine.WithStatus(status),
		engine.WithMaxRetries(cfg.Orchestrator.MaxRetries),
		engine.WithStepTimeout(cfg.Orchestrator.StepTimeout.Duration),
	)

	templates, err := intent.NewTemplateDrafter(cfg.Orchestrator.TemplatesDir)
	if err != nil {
		return err
	}
	drafters := intent.Chain{templates}
	llm, err := buildModel(cfg)
	switch {
	case err != nil:
		log.Printf("Warning: LLM planner disabled: %v", err)
	case llm != nil:
		prompts := intent.NewPromptManager(cfg.Orchestrator.PromptsDir)
		drafters = append(drafters, intent.NewLLMDrafter(llm, registry, db, prompts, logger))
	}

	mux := gateway.NewMux()
	ctrl := controller.New(db, eng, drafters,
		controller.WithProjects(intent.NewDirectory(cfg.Projects)),
		controller.WithAudit(auditLog),
		controller.WithSurface(mux),
		controller.WithRunStore(db),
		controller.WithLogger(logger),
		controller.WithContext(ctx),
	)
	router := controller.NewRouter(ctrl, db, cfg)

	gateways, err := buildGateways(cfg, router)
	if err != nil {
		return err
	}
	for _, g := range gateways {
		mux.Add(g)
	}

	sweeper := controller.NewSweeper(ctrl, cfg.Orchestrator.SessionIdleTTL.Duration, cfg.Orchestrator.SweepInterval.Duration)
	go sweeper.Start(ctx)

	if cfg.Orchestrator.WatchTemplates {
		go func() {
			if err := templates.Watch(ctx); err != nil {
				log.Printf("Template watcher stopped: %v", err)
			}
		}()
	}

	// Live run dashboard (1-second updates)
	if cfg.App.Dashboard {
		go every(ctx, time.Second, dash.Refresh)
	}
	go every(ctx, 30*time.Second, func() {
		status.Heartbeat()
		logger.LogHeartbeat()
	})

	for _, g := range gateways {
		go func() {
			if err := g.Start(ctx); err != nil {
				log.Printf("\033[91m[ FAIL ] %s GATEWAY CRITICAL ERROR: %v\033[0m", g.Name(), err)
				stop()
			}
		}()
	}

	// Wait for shutdown signal
	<-ctx.Done()

	for _, g := range gateways {
		if err := g.Stop(); err != nil {
			log.Printf("Error stopping %s gateway: %v", g.Name(), err)
		}
	}
	ctrl.Wait()

	log.Println("\033[95m[ EXIT ] ORCHESTRATOR STOPPED. GOODBYE.\033[0m")
	return nil
}

func every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func openAudit(cfg *config.Config, db *store.Store) (*audit.SQLiteLog, func(), error) {
	auditDB := db
	closeFn := func() {}
	if cfg.Audit.Path != cfg.Memory.Path {
		s, err := store.Open(cfg.Audit.Path)
		if err != nil {
			return nil, nil, err
		}
		auditDB = s
		closeFn = func() { s.Close() }
	}
	l, err := audit.NewSQLiteLog(auditDB.DB)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return l, closeFn, nil
}

func buildRegistry(cfg *config.Config) (*tools.Registry, func()) {
	registry := tools.NewRegistry()

	registry.Register(tools.NewDocumentsTool(cfg.Tools.DocumentsRoot))

	if cfg.Tools.Search {
		searchTool, err := tools.NewSearchTool()
		if err != nil {
			log.Printf("Warning: Failed to initialize search tool: %v", err)
		} else {
			registry.Register(searchTool)
		}
	}
	if cfg.Tools.Scraper {
		registry.Register(tools.NewScraperTool())
	}

	closeFn := func() {}
	if cfg.Tools.Browser.Enabled {
		browserTool := tools.NewBrowserTool(cfg.Tools.Browser.Headless, cfg.Tools.Browser.ScreenshotDir)
		registry.Register(browserTool)
		closeFn = browserTool.Close
	}

	for _, hc := range cfg.Tools.HTTP {
		t, err := tools.NewHTTPTool(hc, nil)
		if err != nil {
			log.Printf("Warning: skipping http tool: %v", err)
			continue
		}
		registry.Register(t)
	}
	return registry, closeFn
}

func buildPolicy(cfg *config.Config) (*governance.DefaultPolicyEngine, error) {
	gov := governance.NewDefaultPolicyEngine()
	for _, name := range cfg.Policy.DeniedTools {
		gov.DenyTool(name)
	}
	for _, pattern := range cfg.Policy.DeniedArguments {
		if err := gov.DenyArguments(pattern); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
	}
	for tool, role := range cfg.Policy.ToolRoles {
		gov.RequireRole(tool, governance.Role(role))
	}
	return gov, nil
}

// buildModel returns nil when no provider is enabled; templates still work.
func buildModel(cfg *config.Config) (llms.Model, error) {
	pName, pCfg := cfg.GetDefaultProvider()
	switch pName {
	case "":
		return nil, nil
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	}
	return nil, fmt.Errorf("provider %s not yet implemented", pName)
}

func buildGateways(cfg *config.Config, h gateway.Handler) ([]gateway.Messenger, error) {
	var out []gateway.Messenger
	if g, ok := cfg.Gateway("telegram"); ok && g.Token != "" {
		tg, err := gateway.NewTelegramGateway(g.Token, h, gateway.NewThrottle(g.RatePerMinute))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		out = append(out, tg)
	}
	if g, ok := cfg.Gateway("discord"); ok && g.Token != "" {
		dg, err := gateway.NewDiscordGateway(g.Token, h, gateway.NewThrottle(g.RatePerMinute))
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		out = append(out, dg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no gateway is enabled: configure telegram or discord")
	}
	return out, nil
}
