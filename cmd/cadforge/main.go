// cadforge orchestrator daemon. Wires the state store, LLM provider, worker
// pool and pipeline runtime, then serves design requests until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/cadforge/cadforge/pkg/agent"
	"github.com/cadforge/cadforge/pkg/config"
	"github.com/cadforge/cadforge/pkg/decision"
	"github.com/cadforge/cadforge/pkg/events"
	"github.com/cadforge/cadforge/pkg/llm"
	"github.com/cadforge/cadforge/pkg/orchestrator"
	"github.com/cadforge/cadforge/pkg/pipeline"
	"github.com/cadforge/cadforge/pkg/queue"
	"github.com/cadforge/cadforge/pkg/sandbox"
	"github.com/cadforge/cadforge/pkg/session"
	"github.com/cadforge/cadforge/pkg/state"
	"github.com/cadforge/cadforge/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CADFORGE_CONFIG", ""),
		"Path to cadforge.yaml (empty uses built-in defaults)")
	envFile := flag.String("env-file",
		getEnv("CADFORGE_ENV_FILE", ".env"),
		"Path to a .env file loaded before configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting cadforge",
		"version", version.Full(),
		"backend", cfg.State.Backend,
		"workers", cfg.Queue.WorkerConcurrency)

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open state store", "backend", cfg.State.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing state store", "error", err)
		}
	}()

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("No LLM API key configured (llm.api_key or OPENAI_API_KEY)")
		os.Exit(1)
	}
	provider, err := llm.NewOpenAIProvider(apiKey, cfg.LLM.BaseURL, cfg.LLM.Model)
	if err != nil {
		slog.Error("Failed to create LLM provider", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(cfg.Events.SubscriberBacklog)
	defer bus.Close()

	// Checkpoints outlive the longest possible run of their pipeline.
	checkpointTTL := cfg.Queue.CommandTimeout.Std() * time.Duration(cfg.Pipeline.MaxIterations)
	cache := state.NewCache(store,
		state.WithTTL(checkpointTTL),
		state.WithRetention(cfg.State.CheckpointRetention))
	checkpointer := state.NewCheckpointer(cache, bus,
		cfg.State.CheckpointInterval.Std(), state.DefaultQueueSize, logger)
	decisions := decision.NewCache(store, cfg.State.DecisionCacheTTL.Std(), logger)

	pool := queue.NewPool(queue.Config{
		Workers:            cfg.Queue.WorkerConcurrency,
		DefaultTimeout:     cfg.Queue.CommandTimeout.Std(),
		DefaultMaxAttempts: cfg.Queue.CommandMaxAttempts,
	}, bus, logger)

	retry := agent.DefaultRetryConfig
	planner := agent.NewPlanner(provider, decisions, retry, logger)
	generator := agent.NewGenerator(provider, decisions, agent.NewScriptChecker(nil), retry, logger)
	validator := agent.NewValidator(provider, decisions, retry, logger)

	// No external sandbox integration is configured yet; the stub executor
	// synthesizes reports from the generated scripts.
	executor := sandbox.NewStubExecutor()

	runtime := pipeline.NewRuntime(planner, generator, validator, executor,
		pool, bus, checkpointer, pipeline.Config{
			MaxIterations: cfg.Pipeline.MaxIterations,
			Thresholds: pipeline.Thresholds{
				Pass:   cfg.Pipeline.PassThreshold,
				Refine: cfg.Pipeline.RefineThreshold,
				Replan: cfg.Pipeline.ReplanThreshold,
			},
			EnableRefinement: cfg.Pipeline.RefinementEnabled(),
			CommandTimeout:   cfg.Queue.CommandTimeout.Std(),
			TaskMaxAttempts:  cfg.Queue.CommandMaxAttempts,
		}, logger)

	sessions := session.NewManager(
		cfg.Orchestrator.SessionIdleTimeout.Std(),
		cfg.Orchestrator.CleanupInterval.Std(),
		cache, decisions, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Runtime:      runtime,
		Sessions:     sessions,
		Pool:         pool,
		Bus:          bus,
		Checkpointer: checkpointer,
	}, cfg.Orchestrator.MaxConcurrentRequests, cfg.Pipeline.ExecutionEnabled(), logger)
	orch.Start(ctx)

	slog.Info("cadforge started",
		"max_concurrent_requests", cfg.Orchestrator.MaxConcurrentRequests,
		"max_iterations", cfg.Pipeline.MaxIterations)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	orch.Stop(shutdownCtx)

	slog.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.State.Backend {
	case config.BackendMemory:
		return state.NewMemoryStore(), nil
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.State.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return state.NewRedisStoreFromClient(client), nil
	case config.BackendPostgres:
		return state.NewPostgresStore(ctx, cfg.State.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}
