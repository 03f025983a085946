// Package main is the entry point for the lead pipeline API server.
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lexflow/lead-pipeline/internal/config"
	"github.com/lexflow/lead-pipeline/internal/handler"
	"github.com/lexflow/lead-pipeline/internal/llm"
	natsclient "github.com/lexflow/lead-pipeline/internal/nats"
	"github.com/lexflow/lead-pipeline/internal/responder"
	"github.com/lexflow/lead-pipeline/internal/service"
	"github.com/lexflow/lead-pipeline/internal/store"
	"github.com/lexflow/lead-pipeline/pkg/logger"
	"github.com/lexflow/lead-pipeline/pkg/tracing"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log.Logger)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting lead pipeline", zap.String("port", cfg.ServerPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "lead-pipeline", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("failed to open database", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	defer db.Close()

	agents := store.NewAgentStore(db)
	sessions := store.NewSessionStore(db)
	interactions := store.NewInteractionLog(db)
	settings := store.NewTenantSettings(db, cfg.DefaultEntryAgentType())

	if cfg.AgentsSeedFile != "" {
		seed, err := config.LoadSeed(cfg.AgentsSeedFile)
		if err != nil {
			log.Fatal("failed to load agent seed", zap.String("path", cfg.AgentsSeedFile), zap.Error(err))
		}
		n, err := seed.Apply(ctx, struct {
			*store.AgentStore
			*store.TenantSettings
		}{agents, settings})
		if err != nil {
			log.Fatal("failed to apply agent seed", zap.Error(err))
		}
		log.Info("agent seed applied", zap.Int("agents_created", n))
	}

	// Events are a side channel; the pipeline runs without NATS.
	var (
		bus    handler.ConnChecker
		events *natsclient.StreamManager
		deps   = service.Dependencies{
			Agents:       agents,
			Sessions:     sessions,
			Interactions: interactions,
			Entries:      settings,
		}
	)
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		events = natsclient.NewStreamManager(natsClient, cfg.StreamMaxAge)
		go func() {
			if err := events.EnsureStreamWithRetry(ctx, time.Minute); err != nil {
				log.Warn("gave up ensuring pipeline stream", zap.Error(err))
				return
			}
			log.Info("pipeline stream ready", zap.String("stream", natsclient.StreamName))
		}()
		bus = natsClient
		deps.Publisher = events
		go refreshStreamMetrics(ctx, events, cfg.MetricsInterval, log)
	}

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		log.Warn("LLM client unavailable, every agent invocation will fail", zap.Error(err))
	}
	deps.Generator = responder.New(llmClient, responder.Config{
		Model:              cfg.LLMModel,
		MaxTokens:          cfg.LLMMaxTokens,
		Temperature:        cfg.LLMTemperature,
		AttemptTimeout:     cfg.AgentTimeout,
		MaxAttempts:        cfg.AgentMaxAttempts,
		InitialBackoff:     cfg.AgentBackoffInitial,
		BreakerMaxFailures: uint32(cfg.BreakerMaxFailures),
		BreakerTimeout:     cfg.BreakerTimeout,
	}, log)

	dispatcher := service.NewDispatcher(deps, service.DispatcherConfig{
		WriteAttempts: cfg.SessionWriteAttempts,
		HistoryLimit:  cfg.HistoryLimit,
		PublishQueue:  cfg.EventQueueSize,
	}, log)
	defer dispatcher.Close()
	stats := service.NewStatsAggregator(agents, interactions, sessions)

	sweeper := service.NewSweeper(dispatcher, sessions, cfg.InactivityWindow, log)
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		log.Fatal("failed to start inactivity sweeper", zap.String("schedule", cfg.SweepSchedule), zap.Error(err))
	}
	defer sweeper.Stop()

	handlers := handler.Handlers{
		Health: handler.NewHealthHandler(bus, db),
		Leads:  handler.NewLeadHandler(dispatcher, cfg.FallbackReply, log),
		Agents: handler.NewAgentHandler(agents, settings, log),
		Stats:  handler.NewStatsHandler(stats, log),
	}
	if events != nil {
		handlers.Feed = handler.NewFeedHandler(events, cfg.FeedHeartbeat, log)
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.RouterConfig{
			JWTSecret:         cfg.JWTSecret,
			AllowedOrigins:    cfg.CORSAllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			LeadRateLimit:     cfg.LeadRateLimitRequests,
			LeadRateWindow:    cfg.LeadRateLimitWindow,
		}, handlers, log),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if handlers.Feed != nil {
		server.RegisterOnShutdown(handlers.Feed.Close)
	}

	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	key := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		key = cfg.OpenAIAPIKey
	}
	if key == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", provider)
	}
	return llm.NewClient(provider, key)
}

func refreshStreamMetrics(ctx context.Context, events *natsclient.StreamManager, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := events.RefreshMetrics(ctx); err != nil {
				log.Debug("failed to refresh stream metrics", zap.Error(err))
			}
		}
	}
}
