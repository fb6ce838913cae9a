package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters"
	anthropicadapter "github.com/meridian-ai/llm-orchestrator/internal/adapters/anthropic"
	localadapter "github.com/meridian-ai/llm-orchestrator/internal/adapters/local"
	openaiadapter "github.com/meridian-ai/llm-orchestrator/internal/adapters/openai"
	"github.com/meridian-ai/llm-orchestrator/internal/breaker"
	"github.com/meridian-ai/llm-orchestrator/internal/cache"
	"github.com/meridian-ai/llm-orchestrator/internal/config"
	"github.com/meridian-ai/llm-orchestrator/internal/events"
	"github.com/meridian-ai/llm-orchestrator/internal/orchestrator"
	"github.com/meridian-ai/llm-orchestrator/internal/ratelimit"
	"github.com/meridian-ai/llm-orchestrator/internal/registry"
	"github.com/meridian-ai/llm-orchestrator/internal/server"
)

// Application wires the orchestration core together.
type Application struct {
	config  *config.Config
	server  *server.Server
	emitter *events.LogEmitter
	limiter ratelimit.Limiter
	l3      *cache.SQLiteTier
	shared  *ratelimit.SharedLimiter
	logger  *logrus.Logger
}

// NewApplication creates the application from configuration.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	emitter := events.NewLogEmitter(logger, cfg.Events.BufferSize)

	reg := registry.New(logger)
	if err := reg.Replace(cfg.EnabledModels()); err != nil {
		emitter.Stop()
		return nil, fmt.Errorf("failed to build model catalog: %w", err)
	}

	backends, err := buildBackends(cfg, logger)
	if err != nil {
		emitter.Stop()
		return nil, err
	}

	app := &Application{
		config:  cfg,
		emitter: emitter,
		logger:  logger,
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.StorePath != "" {
			shared, err := ratelimit.OpenShared(cfg.RateLimit.StorePath, cfg.ToRateLimitConfig(), logger, emitter)
			if err != nil {
				app.Close()
				return nil, fmt.Errorf("failed to open shared rate limit store: %w", err)
			}
			app.shared = shared
			app.limiter = shared
		} else {
			app.limiter = ratelimit.NewBucketLimiter(cfg.ToRateLimitConfig(), logger, emitter)
		}
	}

	var cacheManager *cache.Manager
	if cfg.Cache.Enabled {
		tiers := []cache.TierConfig{
			{Tier: cache.NewMemoryTier("l1", cfg.Cache.L1Size), TTL: cfg.Cache.L1TTL},
			{Tier: cache.NewMemoryTier("l2", cfg.Cache.L2Size), TTL: cfg.Cache.L2TTL},
		}
		if cfg.Cache.L3Path != "" {
			l3, err := cache.OpenSQLiteTier("l3", cfg.Cache.L3Path)
			if err != nil {
				app.Close()
				return nil, fmt.Errorf("failed to open persistent cache: %w", err)
			}
			app.l3 = l3
			tiers = append(tiers, cache.TierConfig{Tier: l3, TTL: cfg.Cache.L3TTL})
		}
		cacheManager = cache.NewManager(tiers, logger, emitter)
	}

	breakers := breaker.NewGroup(cfg.ToBreakerConfig(), logger, emitter)

	executor := orchestrator.New(orchestrator.Params{
		Registry:      reg,
		Adapters:      backends,
		Breakers:      breakers,
		Limiter:       app.limiter,
		Cache:         cacheManager,
		Events:        emitter,
		Logger:        logger,
		InvokeTimeout: cfg.Orchestrator.InvokeTimeout,
	})

	serverConfig := &server.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	app.server = server.New(executor, reg, backends, breakers, app.limiter, serverConfig, logger)

	return app, nil
}

// Run starts the application and blocks until shutdown.
func (app *Application) Run() error {
	app.logger.Info("Starting LLM orchestrator")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		app.Close()
		return err
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
	}

	app.Close()
	app.logger.Info("Graceful shutdown completed")
	return nil
}

// Close releases background workers and storage handles.
func (app *Application) Close() {
	if bl, ok := app.limiter.(*ratelimit.BucketLimiter); ok {
		bl.Stop()
	}
	if app.shared != nil {
		_ = app.shared.Close()
	}
	if app.l3 != nil {
		_ = app.l3.Close()
	}
	if app.emitter != nil {
		app.emitter.Stop()
	}
}

// buildBackends creates an adapter per enabled backend.
func buildBackends(cfg *config.Config, logger *logrus.Logger) (map[string]adapters.Adapter, error) {
	backends := make(map[string]adapters.Adapter)

	if cfg.Backends.OpenAI != nil {
		backends["openai"] = openaiadapter.New("openai", cfg.Backends.OpenAI, logger)
		logger.WithField("backend", "openai").Info("Backend registered")
	}
	if cfg.Backends.Anthropic != nil {
		backends["anthropic"] = anthropicadapter.New("anthropic", cfg.Backends.Anthropic, logger)
		logger.WithField("backend", "anthropic").Info("Backend registered")
	}
	if cfg.Backends.Local != nil {
		adapter, err := localadapter.New("local", cfg.Backends.Local, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local backend: %w", err)
		}
		backends["local"] = adapter
		logger.WithField("backend", "local").Info("Backend registered")
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends were registered - check your configuration and API keys")
	}
	return backends, nil
}

// setupLogger configures the logger from configuration.
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY           OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY        Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCH_LOCAL_BASE_URL  Local backend base URL\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCH_PORT            Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCH_LOG_LEVEL       Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCH_LOG_FORMAT      Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("LLM Orchestrator v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
