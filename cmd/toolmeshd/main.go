package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/toolmesh/toolmesh"
	"github.com/toolmesh/toolmesh/admin"
	"github.com/toolmesh/toolmesh/builtin"
	"github.com/toolmesh/toolmesh/config"
	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/playbook"
	"github.com/toolmesh/toolmesh/resilience"
	"github.com/toolmesh/toolmesh/store"
	"github.com/toolmesh/toolmesh/tool"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _              _                    _
| |_ ___   ___ | |_ __ ___   ___ ___| |__
| __/ _ \ / _ \| | '_ ' _ \ / _ \ __| '_ \
| || (_) | (_) | | | | | | |  __\__ \ | | |
 \__\___/ \___/|_|_| |_| |_|\___|___/_| |_|
`

// getConfigPath returns the daemon config file path.
// Priority: TOOLMESH_CONFIG env var > ./toolmesh.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLMESH_CONFIG"); envPath != "" {
		return envPath
	}
	return "toolmesh.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: toolmeshd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the orchestration daemon")
		fmt.Println("  health   Check daemon health over the admin API")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = config.Default()
	}

	logger := setupLogger(cfg.Logging)

	st, err := store.Open(cfg.Database.Path, func(o *store.Options) {
		o.Logger = logger.WithComponent("store")
	})
	if err != nil {
		// Includes the fatal case of a database written by a newer build.
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	mesh := toolmesh.New(func(o *toolmesh.Options) {
		o.Logger = logger
		o.DefaultTimeout = cfg.Engine.DefaultTimeout
		o.MaxConcurrent = cfg.Engine.MaxConcurrent
		o.HistorySize = cfg.Engine.HistorySize
		o.Breaker = resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			BaseCooldown:     cfg.Breaker.BaseCooldown,
			MaxCooldown:      cfg.Breaker.MaxCooldown,
		}
		o.Limiter = resilience.LimiterConfig{
			Capacity:   cfg.Limiter.Capacity,
			RefillRate: cfg.Limiter.RefillRate,
		}
		o.Retry = resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		}
		o.TickInterval = cfg.Scheduler.TickInterval
		o.GraceWindow = cfg.Scheduler.GraceWindow
		o.DispatchTimeout = cfg.Scheduler.DispatchTimeout
		o.JobStore = st.Jobs()
		o.BreakerStore = st.Breakers()
		o.RuleStore = st.Rules()
	})

	if err := registerBuiltins(mesh, logger); err != nil {
		return fmt.Errorf("registering builtin tools: %w", err)
	}
	if mesh.Tools().Len() == 0 {
		return fmt.Errorf("no tools registered, refusing to start")
	}

	if cfg.Playbook.Path != "" {
		if err := loadPlaybook(mesh, st, cfg.Playbook.Path, logger); err != nil {
			return fmt.Errorf("loading playbook %s: %w", cfg.Playbook.Path, err)
		}
	}

	if err := mesh.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(mesh.Health(), mesh.Tools(), mesh.Chains(), mesh.Triggers(), func(o *admin.Options) {
			o.Logger = logger.WithComponent("admin")
			o.Listen = cfg.Admin.Listen
		})
		adminSrv.Start()
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Admin.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Admin:    %s\n", cfg.Admin.Listen)
	}
	green.Print("    ▶ ")
	fmt.Printf("Tools:    %d registered\n\n", mesh.Tools().Len())

	logger.Info("toolmeshd started",
		"config", configPath,
		"database", cfg.Database.Path,
		"tools", mesh.Tools().Len(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("admin shutdown", "error", err)
		}
	}
	mesh.Stop()
	return nil
}

// registerBuiltins wires the stock tool set. LLM adapters register only when
// their API key is present in the environment.
func registerBuiltins(mesh *toolmesh.ToolMesh, logger logging.Logger) error {
	tools := []tool.Tool{
		builtin.Ping(),
		builtin.Sleep(),
		builtin.HTTPFetch(),
		builtin.Notify(builtin.LogSender(logger)),
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		tools = append(tools, builtin.AnthropicCompletion())
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		tools = append(tools, builtin.OpenAICompletion())
	}

	for _, t := range tools {
		if err := mesh.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}

// loadPlaybook registers the declarative chains, trigger rules and jobs from
// a TOML playbook, persisting rule definitions for introspection. Cooldown
// windows of rules that fired before the last shutdown are re-seeded from the
// store so a restart does not re-fire them early.
func loadPlaybook(mesh *toolmesh.ToolMesh, st *store.Store, path string, logger *logging.MeshLogger) error {
	defer logger.StartTimer("playbook load")()

	pb, err := playbook.Load(path)
	if err != nil {
		return err
	}

	persisted, err := st.Rules().List()
	if err != nil {
		return fmt.Errorf("listing persisted rules: %w", err)
	}
	lastFired := make(map[string]time.Time, len(persisted))
	for _, rec := range persisted {
		lastFired[rec.ID] = rec.LastFiredAt
	}

	for _, def := range pb.Chains {
		if err := mesh.RegisterChain(def); err != nil {
			return fmt.Errorf("chain %s: %w", def.Name, err)
		}
	}
	for _, spec := range pb.Rules {
		rule, err := spec.Compile()
		if err != nil {
			return fmt.Errorf("rule %s: %w", spec.ID, err)
		}
		rule.LastFiredAt = lastFired[spec.ID]
		if err := mesh.RegisterRule(rule); err != nil {
			return fmt.Errorf("rule %s: %w", spec.ID, err)
		}
		raw, err := spec.SpecJSON()
		if err != nil {
			return fmt.Errorf("rule %s: %w", spec.ID, err)
		}
		rec := store.RuleRecord{ID: spec.ID, Name: spec.Name, Spec: raw, Enabled: spec.Enabled, LastFiredAt: lastFired[spec.ID]}
		if err := st.Rules().Put(rec); err != nil {
			return fmt.Errorf("persisting rule %s: %w", spec.ID, err)
		}
	}
	for _, spec := range pb.Jobs {
		job, err := spec.Job()
		if err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
		if err := mesh.AddJob(job); err != nil {
			return fmt.Errorf("job %s: %w", spec.ID, err)
		}
	}

	logger.Info("playbook loaded",
		"path", path,
		"chains", len(pb.Chains),
		"rules", len(pb.Rules),
		"jobs", len(pb.Jobs),
	)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *logging.MeshLogger {
	var level logging.LogLevel
	switch cfg.Level {
	case "debug":
		level = logging.LogLevelDebug
	case "warn":
		level = logging.LogLevelWarn
	case "error":
		level = logging.LogLevelError
	default:
		level = logging.LogLevelInfo
	}

	format := cfg.Format
	if format == "" {
		format = "json"
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: format,
		Output: os.Stdout,
	})
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = config.Default()
	}

	url := fmt.Sprintf("http://%s/v1/health", cfg.Admin.Listen)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("degraded: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
