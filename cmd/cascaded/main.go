// Command cascaded wires the §4 components into one long-running process:
// storage, cache, event bus, ward/candidate engines, cell executors, the
// context builder, the cost tracker and analytics workers, and tracing. The
// ephemeral and persistent RAG managers are per-cell/per-corpus objects and
// are not constructed here. It exposes no HTTP/CLI surface of its
// own (§1 Non-goals) — callers embed this package's Runner or drive it from
// a separate front door; this binary's job is to prove the wiring compiles
// and to run the background workers (cost settlement, analytics, tracing
// export) for as long as the process lives.
package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/cascaded/internal/analytics"
	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/internal/bus"
	"github.com/smilemakc/cascaded/internal/candidate"
	"github.com/smilemakc/cascaded/internal/config"
	"github.com/smilemakc/cascaded/internal/contextmgr"
	"github.com/smilemakc/cascaded/internal/costtracker"
	"github.com/smilemakc/cascaded/internal/ephemeralrag"
	"github.com/smilemakc/cascaded/internal/infrastructure/cache"
	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
	"github.com/smilemakc/cascaded/internal/infrastructure/storage"
	"github.com/smilemakc/cascaded/internal/infrastructure/tracing"
	"github.com/smilemakc/cascaded/internal/ward"
	"github.com/smilemakc/cascaded/pkg/executor"
	"github.com/smilemakc/cascaded/pkg/executor/builtin"
	"github.com/smilemakc/cascaded/pkg/models"
)

// defaultInputPricePerToken seeds §4.12 step 7's context-cost attribution
// with the handful of OpenAI input-token prices the default chat/embedding
// models need; operators running other models pass their own table by
// extending this map before NewRunner is wired into a larger program.
var defaultInputPricePerToken = map[string]float64{
	openai.GPT4o:                   0.0000025,
	openai.GPT4oMini:               0.00000015,
	string(openai.SmallEmbedding3): 0.00000002,
}

func main() {
	if err := run(); err != nil {
		slog.Error("cascaded exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging)
	log.Info("starting cascaded", "log_level", cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewDB(&storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		return err
	}
	defer storage.Close(db)

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisCache.Close()

	provider, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	if provider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	eventBus := bus.New(bus.WithLogger(log))
	if err := eventBus.Subscribe(ctx, tracing.NewEventSubscriber(provider)); err != nil {
		return err
	}

	logs := storage.NewLogRepository(db)
	sessions := storage.NewSessionRepository(db)
	analyticsRepo := storage.NewAnalyticsRepository(db)

	var openaiClient *openai.Client
	if cfg.LLM.OpenAIAPIKey != "" {
		oaiCfg := openai.DefaultConfig(cfg.LLM.OpenAIAPIKey)
		if cfg.LLM.OpenAIBaseURL != "" {
			oaiCfg.BaseURL = cfg.LLM.OpenAIBaseURL
		}
		client := openai.NewClientWithConfig(oaiCfg)
		openaiClient = client
	}

	tools := executor.NewManager()
	if err := builtin.RegisterBuiltins(tools); err != nil {
		return err
	}

	wardDispatcher := ward.NewDispatcher(tools)
	wardEngine := ward.NewEngine(wardDispatcher, log)
	candidateEngine := candidate.NewEngine(wardDispatcher, cfg.Candidates.MaxParallel)

	var embedder ephemeralrag.EmbeddingProvider
	if openaiClient != nil {
		embedder = ephemeralrag.NewOpenAIEmbedder(openaiClient, openai.EmbeddingModel(cfg.LLM.EmbeddingModel))
	}

	conditions := engine.NewConditionCache(256)
	contextBuilder := contextmgr.New(contextmgr.Config{
		Embedder:   embedder,
		Conditions: conditions,
	})

	var costProvider costtracker.Provider = costtracker.NoopProvider{}
	tracker := costtracker.New(costtracker.Config{
		Cache:          redisCache,
		Logs:           logs,
		Bus:            eventBus,
		Provider:       costProvider,
		Logger:         log,
		SettleInterval: cfg.CostTracker.SettleInterval,
		PendingTTL:     cfg.CostTracker.PendingTTL,
	})

	analyticsWorker := analytics.New(analytics.Config{
		Logs:               logs,
		Sessions:           sessions,
		Repo:               analyticsRepo,
		Logger:             log,
		InputPricePerToken: defaultInputPricePerToken,
	})

	deterministicExecutor := builtin.NewDeterministicExecutor(tools, openaiClient, openai.GPT4oMini)
	llmExecutor := builtin.NewLLMExecutor(openaiClient, tools, wardDispatcher, wardEngine, candidateEngine, log, cfg.LLM.DefaultChatModel)

	signer := engine.NewTokenSigner(checkpointSecret())

	runner := engine.NewRunner(
		engine.WithExecutor(models.CellTypeDeterministic, deterministicExecutor),
		engine.WithExecutor(models.CellTypeLLM, llmExecutor),
		engine.WithWardEngine(wardEngine),
		engine.WithContextBuilder(contextBuilder),
		engine.WithAnalyticsScheduler(analyticsWorker),
		engine.WithCheckpointStore(engine.NewInMemoryCheckpointStore()),
		engine.WithTokenSigner(signer),
		engine.WithBus(eventBus),
		engine.WithLogger(log),
	)
	log.Info("runner assembled", "cells_registered", 2)
	_ = runner

	group := make(chan error, 2)
	go func() { group <- tracker.Start(ctx) }()
	go func() { group <- analyticsWorker.Start(ctx) }()

	log.Info("cascaded ready")
	<-ctx.Done()
	log.Info("shutting down", "reason", ctx.Err())

	deadline := time.After(cfg.Server.ShutdownTimeout)
	for i := 0; i < 2; i++ {
		select {
		case err := <-group:
			if err != nil && err != context.Canceled {
				log.Error("worker stopped with error", "error", err.Error())
			}
		case <-deadline:
			log.Error("shutdown timed out waiting for background workers")
			return nil
		}
	}
	return nil
}

// checkpointSecret returns the HMAC key resume tokens are signed with.
// CASCADED_CHECKPOINT_SECRET is required for resume tokens to remain valid
// across restarts; without it a fresh random key is generated per process,
// which invalidates any checkpoint issued by a prior run.
func checkpointSecret() []byte {
	if v := os.Getenv("CASCADED_CHECKPOINT_SECRET"); v != "" {
		return []byte(v)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("checkpointSecret: failed to generate random secret: " + err.Error())
	}
	slog.Warn("CASCADED_CHECKPOINT_SECRET not set; generated an ephemeral key, resume tokens will not survive a restart")
	return secret
}
