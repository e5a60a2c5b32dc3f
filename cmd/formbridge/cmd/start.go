package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/formbridge/formbridge/internal/adapter/inbound/http"
	"github.com/formbridge/formbridge/internal/adapter/outbound/cel"
	"github.com/formbridge/formbridge/internal/adapter/outbound/memory"
	"github.com/formbridge/formbridge/internal/adapter/outbound/playwright"
	"github.com/formbridge/formbridge/internal/adapter/outbound/sqlite"
	"github.com/formbridge/formbridge/internal/config"
	"github.com/formbridge/formbridge/internal/domain/auth"
	"github.com/formbridge/formbridge/internal/domain/session"
	"github.com/formbridge/formbridge/internal/domain/workflow"
	"github.com/formbridge/formbridge/internal/service"
	"github.com/formbridge/formbridge/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service",
	Long: `Start the FormBridge server.

The server boots a shared browser runtime, opens the session pool, starts
the background health monitor and workflow garbage collector, and serves
the HTTP API.

Examples:
  # Start with config file settings
  formbridge start

  # Start with a specific config file
  formbridge --config /path/to/config.yaml start

  # Development mode: debug logging, stdout traces, open API
  formbridge start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, stdout traces)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Signal context for graceful shutdown. stop() restores default signal
	// handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("formbridge stopped")
	return nil
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled: API authentication is optional, traces go to stdout")
		shutdownTracing, err := telemetry.SetupTracing("formbridge", Version)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	// ===== Browser driver =====
	driver := playwright.New(playwright.Config{
		BaseURL:             cfg.Portal.BaseURL,
		Headless:            cfg.Portal.HeadlessEnabled(),
		InstallBrowsers:     cfg.Portal.InstallBrowsers,
		Selectors:           cfg.Portal.Selectors,
		AuthExpiredSelector: cfg.Portal.AuthExpiredSelector,
		Phases:              phaseScripts(cfg),
		Logger:              logger,
	})
	if err := driver.Start(); err != nil {
		return fmt.Errorf("start browser driver: %w", err)
	}
	defer func() {
		if err := driver.Stop(); err != nil {
			logger.Error("browser driver shutdown failed", "error", err)
		}
	}()
	logger.Info("browser driver started",
		"base_url", cfg.Portal.BaseURL,
		"headless", cfg.Portal.HeadlessEnabled(),
	)

	// ===== Session pool =====
	// The metrics registry is built after the pool (it reads the pool's
	// gauges), so the eviction hook closes over a variable filled in below.
	var metrics *service.Metrics
	pool := session.NewPool(driver, session.Config{
		Capacity:     cfg.Pool.Capacity,
		BusyRetries:  cfg.Pool.BusyRetries,
		BusyBackoff:  config.Duration(cfg.Pool.BusyBackoff, session.DefaultBusyBackoff),
		ProbeTimeout: config.Duration(cfg.Pool.ProbeTimeout, session.DefaultProbeTimeout),
		OnEvict: func(session.Snapshot) {
			if metrics != nil {
				metrics.Evictions.Inc()
			}
		},
		Logger: logger,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pool.Close(closeCtx); err != nil {
			logger.Error("session pool shutdown failed", "error", err)
		}
	}()

	// ===== Workflow store =====
	var (
		store         workflow.Store
		workflowCount func() int
	)
	if cfg.State.DBPath != "" {
		dbStore, err := sqlite.Open(cfg.State.DBPath)
		if err != nil {
			return fmt.Errorf("open workflow database: %w", err)
		}
		defer func() { _ = dbStore.Close() }()
		store = dbStore
		workflowCount = dbStore.Size
		logger.Info("workflow store: sqlite", "path", cfg.State.DBPath)
	} else {
		memStore := memory.NewWorkflowStore()
		store = memStore
		workflowCount = memStore.Size
		logger.Info("workflow store: in-memory (suspended workflows do not survive restarts)")
	}

	// ===== Metrics =====
	registry := prometheus.NewRegistry()
	metrics = service.NewMetrics(registry, pool.Len, pool.InUseCount, workflowCount)

	// ===== Field validation rules =====
	var validator workflow.FieldValidator
	if len(cfg.Workflow.Rules) > 0 {
		rules := make([]cel.Rule, len(cfg.Workflow.Rules))
		for i, r := range cfg.Workflow.Rules {
			rules[i] = cel.Rule{
				Phase: workflow.Phase(r.Phase),
				Field: r.Field,
				Expr:  r.Expr,
			}
		}
		v, err := cel.NewFieldValidator(rules)
		if err != nil {
			return fmt.Errorf("compile field validation rules: %w", err)
		}
		validator = v
		logger.Info("field validation rules compiled", "rules", len(rules))
	}

	// ===== Workflow engine =====
	engine := service.NewWorkflowService(store, driver, pool, validator, metrics, service.WorkflowConfig{
		Phases:       phaseSpecs(cfg),
		MaxRetries:   cfg.Workflow.MaxRetries,
		PhaseTimeout: config.Duration(cfg.Workflow.PhaseTimeout, service.DefaultPhaseTimeout),
		IdleTTL:      config.Duration(cfg.Workflow.IdleTTL, service.DefaultIdleTTL),
		GCInterval:   config.Duration(cfg.Workflow.GCInterval, service.DefaultGCInterval),
		Logger:       logger,
	})
	engine.StartGC(ctx)
	defer engine.Stop()

	// ===== Health monitor =====
	monitor := service.NewHealthMonitor(pool, driver, driver, metrics, service.MonitorConfig{
		Interval:     config.Duration(cfg.Monitor.Interval, service.DefaultMonitorInterval),
		RefreshAfter: config.Duration(cfg.Monitor.RefreshAfter, service.DefaultRefreshAfter),
		ProbeTimeout: config.Duration(cfg.Monitor.ProbeTimeout, service.DefaultProbeTimeout),
		Logger:       logger,
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	// ===== Façade =====
	portal := service.NewPortalService(pool, engine, store, metrics, logger)

	// ===== API keys =====
	var apiKeys *auth.APIKeyService
	if len(cfg.Auth.APIKeys) > 0 {
		entries := make([]auth.KeyEntry, len(cfg.Auth.APIKeys))
		for i, k := range cfg.Auth.APIKeys {
			entries[i] = auth.KeyEntry{Name: k.Name, KeyHash: k.KeyHash}
		}
		apiKeys = auth.NewAPIKeyService(entries)
		logger.Info("api key auth enabled", "keys", len(entries))
	} else {
		logger.Warn("no api keys configured, API is open")
	}

	logger.Info("formbridge starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"pool_capacity", cfg.Pool.Capacity,
		"phases", len(phaseSpecs(cfg)),
	)

	// ===== HTTP transport =====
	healthChecker := http.NewHealthChecker(pool, workflowCount, Version)

	transport := http.NewHTTPTransport(portal,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithAPIKeyService(apiKeys),
		http.WithRegistry(registry),
	)
	return transport.Start(ctx)
}

// phaseSpecs converts configured phases to the engine's phase sequence.
// Empty config means the built-in appointment flow.
func phaseSpecs(cfg *config.Config) []workflow.PhaseSpec {
	if len(cfg.Workflow.Phases) == 0 {
		return workflow.DefaultPhases()
	}
	specs := make([]workflow.PhaseSpec, len(cfg.Workflow.Phases))
	for i, p := range cfg.Workflow.Phases {
		specs[i] = workflow.PhaseSpec{
			ID:        workflow.Phase(p.ID),
			Mandatory: p.Mandatory,
		}
	}
	return specs
}

// phaseScripts converts configured page scripts to the driver's format.
func phaseScripts(cfg *config.Config) map[string]playwright.PhaseScript {
	scripts := make(map[string]playwright.PhaseScript, len(cfg.Portal.Phases))
	for id, s := range cfg.Portal.Phases {
		scripts[id] = playwright.PhaseScript{
			Path:          s.Path,
			Submit:        s.Submit,
			ErrorSelector: s.ErrorSelector,
			FatalSelector: s.FatalSelector,
			Extract:       s.Extract,
		}
	}
	return scripts
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
