// Command memfused runs the MemFuse memory engine: the chat and task paths,
// the background extractor, and the HTTP request surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memfuse/memfuse/internal/agents"
	"github.com/memfuse/memfuse/internal/config"
	"github.com/memfuse/memfuse/internal/contextctl"
	"github.com/memfuse/memfuse/internal/embeddings"
	"github.com/memfuse/memfuse/internal/extractor"
	"github.com/memfuse/memfuse/internal/llm"
	"github.com/memfuse/memfuse/internal/orchestrator"
	"github.com/memfuse/memfuse/internal/retrieval"
	"github.com/memfuse/memfuse/internal/router"
	"github.com/memfuse/memfuse/internal/session"
	"github.com/memfuse/memfuse/internal/store"
	"github.com/memfuse/memfuse/internal/tokens"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to memfuse.yaml (optional)")
		listenAddr = flag.String("listen", ":8000", "API listen address")
		searchRoot = flag.String("search-root", ".", "root directory for the shell search agent")
	)
	flag.Parse()

	if err := run(*configPath, *listenAddr, *searchRoot); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr, searchRoot string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("Starting memfused")
	logger.Debug("Effective configuration:\n" + cfg.Dump())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewClient(store.Config{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConnections:  cfg.MaxConnections,
		IdleConnections: cfg.IdleConnections,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var embedCache embeddings.Cache
	if cfg.RedisAddr != "" {
		embedCache, err = embeddings.NewRedisCache(cfg.RedisAddr)
		if err != nil {
			return err
		}
	}
	embedder := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
		APIKey:  cfg.EmbeddingAPIKey,
		Dim:     cfg.EmbeddingDim,
		Timeout: cfg.EmbedTimeout,
	}, embedCache, logger.Named("embeddings"))

	provider := llm.NewClient(llm.Config{
		BaseURL:   cfg.LLMBaseURL,
		Model:     cfg.LLMModel,
		APIKey:    cfg.LLMAPIKey,
		Timeout:   cfg.ChatTimeout,
		RateLimit: cfg.LLMRateLimit,
	}, logger.Named("llm"))

	counter, err := tokens.Default()
	if err != nil {
		return err
	}

	retriever := retrieval.New(st, embedder, retrieval.Config{
		StreamTopK: maxInt(cfg.RAGTopK, cfg.StructuredTopK),
	}, logger.Named("retrieval"))

	controller := contextctl.New(contextctl.Config{
		UserInputMaxTokens:    cfg.UserInputMaxTokens,
		HistoryMaxTokens:      cfg.HistoryMaxTokens,
		TotalContextMaxTokens: cfg.TotalContextMaxTokens,
	}, counter, logger.Named("contextctl"))

	registry := agents.NewRegistry(
		agents.NewRAGQueryAgent(retriever, provider, logger.Named("agent.rag")),
		agents.NewDatabaseQueryAgent(st, provider, logger.Named("agent.db")),
		agents.NewWebSearchAgent(agents.WebSearchConfig{}, logger.Named("agent.web")),
		agents.NewShellCommandAgent(searchRoot, logger.Named("agent.shell")),
		agents.NewReportGenerationAgent(provider, logger.Named("agent.report")),
	)

	tasks := orchestrator.New(st, embedder, provider, registry, counter, orchestrator.Config{
		ReuseThreshold: cfg.ProceduralReuseThreshold,
		ProceduralTopK: cfg.ProceduralTopK,
		StepRetries:    cfg.StepRetries,
		TaskTimeout:    cfg.TaskTimeout,
		M3Enabled:      cfg.M3Enabled,
	}, logger.Named("orchestrator"))

	rtr := router.New(st, embedder, retriever, controller, provider, tasks,
		session.NewLocks(), router.Config{
			SystemPrompt:           cfg.SystemPrompt,
			HistoryFetchRounds:     cfg.HistoryFetchRounds,
			RAGTopK:                cfg.RAGTopK,
			StructuredTopK:         cfg.StructuredTopK,
			RetrievalPreferSession: cfg.RetrievalPreferSession,
			StructuredEnabled:      cfg.StructuredEnabled,
			ExtractorEnabled:       cfg.ExtractorEnabled,
			M3Enabled:              cfg.M3Enabled,
			TaskClassifierEnabled:  cfg.TaskClassifierEnabled,
		}, logger.Named("router"))

	var ext *extractor.Service
	if cfg.ExtractorEnabled {
		ext = extractor.New(st, embedder, provider, counter, extractor.Config{
			Workers:             cfg.ExtractorWorkers,
			TriggerTokensSingle: cfg.ExtractorTriggerTokensSingle,
			TriggerTokensBatch:  cfg.ExtractorTriggerTokensBatch,
			DedupSimThreshold:   cfg.DedupSimThreshold,
			ContradictionSim:    cfg.ContradictionSimThreshold,
			DedupTopK:           cfg.ExtractorDedupTopK,
			MaxAttempts:         cfg.ExtractorMaxAttempts,
		}, logger.Named("extractor"))
		ext.Start(ctx)
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics listening", zap.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	apiSrv := &http.Server{
		Addr:         listenAddr,
		Handler:      newAPI(rtr, logger.Named("api")),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TaskTimeout + 30*time.Second,
	}
	go func() {
		logger.Info("API listening", zap.String("addr", listenAddr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
	if ext != nil {
		// Finish in-flight extraction; the queue marker preserves the rest.
		ext.Stop()
	}
	logger.Info("Shutdown complete")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
