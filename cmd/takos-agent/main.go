package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tako0614/takos-agent/internal/aiaction"
	"github.com/tako0614/takos-agent/internal/audit"
	"github.com/tako0614/takos-agent/internal/engine"
	"github.com/tako0614/takos-agent/internal/logging"
	"github.com/tako0614/takos-agent/internal/provider"
	"github.com/tako0614/takos-agent/internal/scheduler"
	"github.com/tako0614/takos-agent/internal/secrets"
	"github.com/tako0614/takos-agent/internal/store"
	"github.com/tako0614/takos-agent/internal/tools"
	"github.com/tako0614/takos-agent/pkg/mcp"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// newLogger builds the process logger. MCP owns stdout, so logs go to
// stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	agentFile, err := loadAgentFile(cfg.AgentConfig)
	if err != nil {
		return err
	}

	recorder := audit.NewRecorder(st, logger)

	var actions *aiaction.Registry
	if agentFile.AI != nil {
		lookup := secretLookup(st, cfg, logger)
		providers, err := provider.NewRegistry(agentFile.AI, lookup, logger)
		if err != nil {
			return fmt.Errorf("provider registry: %w", err)
		}
		actions = aiaction.NewRegistry(agentFile.AI, providers, logger,
			aiaction.WithRedactionObserver(recorder.Redactions()))
	} else {
		logger.Info("no ai config, ai_action steps disabled")
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, tools.HTTPConfig{}); err != nil {
		return fmt.Errorf("builtin tools: %w", err)
	}

	eng, err := engine.New(st, actions, toolReg, engine.Options{
		MaxConcurrentInstances: cfg.PoolSize,
		Logger:                 logger,
		Audit:                  recorder,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	eng.Subscribe(recorder.HandleEvent)

	defs, err := loadWorkflows(cfg.WorkflowsDir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := eng.RegisterWorkflow(def); err != nil {
			return fmt.Errorf("register workflow %s: %w", def.ID, err)
		}
	}
	logger.Info("workflows registered", slog.Int("count", len(defs)))

	sched := scheduler.NewScheduler(eng, logger)
	for _, s := range agentFile.Schedules {
		if err := sched.Add(s); err != nil {
			return fmt.Errorf("schedule %s: %w", s.ID, err)
		}
	}
	if len(agentFile.Schedules) > 0 {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	srv := mcp.NewAgentServer(mcp.AgentServerDeps{
		Engine: eng,
		Audit:  recorder,
		Logger: logger,
	})

	logger.Info("takos-agent serving mcp over stdio",
		slog.Int("workflows", len(defs)),
		slog.Int("schedules", len(agentFile.Schedules)))

	serveErr := srv.Serve(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	_ = sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", slog.Any("error", err))
	}
	return serveErr
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "memory" {
		return store.NewMemoryStore(), nil
	}
	path := cfg.DBPath
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	st, err := store.NewLibSQLStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// secretLookup resolves provider credentials from the encrypted vault
// when one is configured, falling back to environment variables.
func secretLookup(st store.Store, cfg Config, logger *slog.Logger) provider.SecretLookup {
	if cfg.VaultPassphrase == "" {
		return os.Getenv
	}
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
	if err != nil {
		logger.Warn("vault unavailable, using environment only", slog.Any("error", err))
		return os.Getenv
	}
	return secrets.Lookup(vault, os.Getenv)
}
