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

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/agent"
	"github.com/nidhogg/deep-research/internal/api"
	"github.com/nidhogg/deep-research/internal/config"
	"github.com/nidhogg/deep-research/internal/embedding"
	"github.com/nidhogg/deep-research/internal/lineage"
	"github.com/nidhogg/deep-research/internal/notify"
	"github.com/nidhogg/deep-research/internal/orchestrator"
	"github.com/nidhogg/deep-research/internal/provider"
	"github.com/nidhogg/deep-research/internal/rag"
	"github.com/nidhogg/deep-research/internal/recovery"
	"github.com/nidhogg/deep-research/internal/research"
	"github.com/nidhogg/deep-research/internal/search"
	pgstore "github.com/nidhogg/deep-research/internal/store"
	"github.com/nidhogg/deep-research/internal/tracing"
	"github.com/nidhogg/deep-research/internal/validator"
	"github.com/nidhogg/deep-research/internal/vectorstore"
	"github.com/nidhogg/deep-research/internal/workspace"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/research.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting deep research service...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.FromConfig(pc, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	for key, id := range cfg.Research.Bindings {
		router.Bind(key, id)
	}
	for key, ids := range cfg.Research.Fallbacks {
		router.SetFallbacks(key, ids)
	}

	// Optional capabilities: web search and the document knowledge base
	var searcher agent.Searcher
	if cfg.Research.EnableWebSearch && cfg.Search.APIKey != "" {
		searcher = search.NewClient(cfg.Search, logger)
	}
	var retriever agent.Retriever
	var qdrant *vectorstore.Client
	if cfg.Research.EnableDocAnalysis {
		retriever, qdrant = newRetriever(ctx, cfg, logger)
	}

	registry := workspace.NewRegistry(cfg.Research.WorkspaceDir, logger)
	models := make(map[agent.Role]string, len(cfg.Research.Models))
	for role, model := range cfg.Research.Models {
		models[agent.Role(role)] = model
	}
	pool := agent.NewPool(router, registry, searcher, retriever, agent.PoolConfig{
		MaxToolRounds: cfg.Research.MaxToolRounds,
		MaxTokens:     cfg.Research.MaxTokens,
		PromptsDir:    cfg.Research.PromptsDir,
		SearchResults: cfg.Research.SearchResults,
		RetrievalTopK: cfg.Research.RetrievalTopK,
		Models:        models,
	}, logger)

	// Optional persistence and fan-out
	var results *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		results, err = connect(ctx, logger, "postgres", func() (*pgstore.Store, error) {
			return pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		})
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without result history", zap.Error(err))
		} else if err := results.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	var bus *orchestrator.MessageBus
	if cfg.Database.Redis.URL != "" {
		bus, err = connect(ctx, logger, "redis", func() (*orchestrator.MessageBus, error) {
			return orchestrator.NewMessageBus(ctx, cfg.Database.Redis.URL, logger)
		})
		if err != nil {
			logger.Warn("Redis unavailable, running without event history", zap.Error(err))
		}
	}

	var graph *lineage.Store
	if cfg.Database.Neo4j.URI != "" {
		graph, err = connect(ctx, logger, "neo4j", func() (*lineage.Store, error) {
			g, err := lineage.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
			if err != nil {
				return nil, err
			}
			if err := g.EnsureSchema(ctx); err != nil {
				_ = g.Close(ctx)
				return nil, err
			}
			return g, nil
		})
		if err != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(err))
		}
	}

	notifier := newNotifier(cfg.Notify, logger)

	// Research controller and scheduler
	caps := research.Capabilities{
		EnableWebSearch:   cfg.Research.EnableWebSearch,
		EnableDocAnalysis: cfg.Research.EnableDocAnalysis,
	}
	deps := research.Deps{
		Workspaces: registry,
		Workers:    pool,
		Model:      router,
		Extractor:  recovery.New(cfg.Research.MinExtractLength, logger),
		Validator:  validator.New(cfg.Research.MinReportLength, cfg.Research.MaxReportLength),
	}
	if graph != nil {
		deps.Lineage = graph
	}
	controller := research.New(caps, deps, logger)

	schedOpts := []orchestrator.Option{}
	if results != nil {
		schedOpts = append(schedOpts, orchestrator.WithResultStore(results))
	}
	if bus != nil {
		schedOpts = append(schedOpts, orchestrator.WithEvents(bus))
	}
	if notifier.Len() > 0 {
		schedOpts = append(schedOpts, orchestrator.WithNotifier(notifier))
	}
	scheduler := orchestrator.NewScheduler(controller, cfg.Research.MaxConcurrent, logger, schedOpts...)
	logger.Info("Research controller initialized",
		zap.String("path", caps.PathName()),
		zap.Bool("web_search", searcher != nil),
		zap.Bool("retrieval", pool.HasRetrieval()),
		zap.Int("max_concurrent", cfg.Research.MaxConcurrent))

	// Workspace retention
	purger := cron.New()
	if cfg.Research.RetentionDays > 0 {
		retention := time.Duration(cfg.Research.RetentionDays) * 24 * time.Hour
		_, err := purger.AddFunc(cfg.Research.PurgeSchedule, func() {
			removed, err := registry.PurgeOlderThan(time.Now().Add(-retention))
			if err != nil {
				logger.Warn("workspace purge failed", zap.Error(err))
				return
			}
			logger.Info("workspaces purged", zap.Int("count", len(removed)))
		})
		if err != nil {
			logger.Fatal("invalid purge schedule", zap.String("schedule", cfg.Research.PurgeSchedule), zap.Error(err))
		}
		purger.Start()
	}

	// Build HTTP handler
	handlerOpts := []api.Option{
		api.WithCapabilities(caps),
		api.WithCORS(cfg.Server.CORSOrigins),
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
	}
	if results != nil {
		handlerOpts = append(handlerOpts, api.WithResults(results))
	}
	if bus != nil {
		handlerOpts = append(handlerOpts, api.WithEvents(bus))
	}
	if graph != nil {
		handlerOpts = append(handlerOpts, api.WithLineage(graph))
	}
	handler := api.NewHandler(scheduler, registry, logger, handlerOpts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Deep research listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Shutting down deep research service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-purger.Stop().Done()
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if bus != nil {
		bus.Close()
	}
	if results != nil {
		results.Close()
	}
	if qdrant != nil {
		qdrant.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}

func newLogger(cfg config.ServerConfig) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.Env == "production" {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// connect retries a dependency's constructor with exponential backoff so the
// service tolerates databases that start after it.
func connect[T any](ctx context.Context, logger *zap.Logger, name string, open func() (T, error)) (T, error) {
	var out T
	op := func() error {
		v, err := open()
		if err != nil {
			logger.Debug("connect attempt failed", zap.String("dependency", name), zap.Error(err))
			return err
		}
		out = v
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return out, fmt.Errorf("connect %s: %w", name, err)
	}
	logger.Info("connected", zap.String("dependency", name))
	return out, nil
}

func newRetriever(ctx context.Context, cfg *config.Config, logger *zap.Logger) (agent.Retriever, *vectorstore.Client) {
	if !cfg.Embedding.Enabled() || !cfg.Database.Qdrant.Enabled() {
		logger.Warn("document analysis enabled without embedding or qdrant config, retrieval disabled")
		return nil, nil
	}
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		logger.Warn("embedding unavailable, retrieval disabled", zap.Error(err))
		return nil, nil
	}
	qdrant, err := vectorstore.NewClient(cfg.Database.Qdrant)
	if err != nil {
		logger.Warn("qdrant unavailable, retrieval disabled", zap.Error(err))
		return nil, nil
	}
	ret := rag.NewRetriever(embedder, qdrant, cfg.Database.Qdrant.Collection, logger)
	if err := ret.Init(ctx); err != nil {
		logger.Warn("knowledge base init failed, retrieval disabled", zap.Error(err))
		qdrant.Close()
		return nil, nil
	}
	return ret, qdrant
}

func newNotifier(cfg config.NotifyConfig, logger *zap.Logger) *notify.Multi {
	var ns []notify.Notifier
	if cfg.Slack.Enabled {
		ns = append(ns, notify.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel, logger))
	}
	if cfg.Discord.Enabled {
		d, err := notify.NewDiscordNotifier(cfg.Discord.BotToken, cfg.Discord.ChannelID, logger)
		if err != nil {
			logger.Warn("discord notifier unavailable", zap.Error(err))
		} else {
			ns = append(ns, d)
		}
	}
	return notify.NewMulti(logger, ns...)
}
