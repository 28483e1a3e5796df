package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/circuitbreaker"
	cfg "github.com/Kocoro-lab/longform/internal/config"
	"github.com/Kocoro-lab/longform/internal/db"
	"github.com/Kocoro-lab/longform/internal/embeddings"
	"github.com/Kocoro-lab/longform/internal/fusion"
	"github.com/Kocoro-lab/longform/internal/health"
	"github.com/Kocoro-lab/longform/internal/llm"
	_ "github.com/Kocoro-lab/longform/internal/metrics" // Import for side effects
	"github.com/Kocoro-lab/longform/internal/registry"
	"github.com/Kocoro-lab/longform/internal/search"
	"github.com/Kocoro-lab/longform/internal/streaming"
	"github.com/Kocoro-lab/longform/internal/temporal"
	"github.com/Kocoro-lab/longform/internal/tracing"
	"github.com/Kocoro-lab/longform/internal/vectordb"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Configuration with hot reload
	cfgMgr, err := cfg.NewManager(os.Getenv("CONFIG_PATH"), logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	conf := cfgMgr.Current()
	applyLogLevel(level, conf.Logging.Level, logger)

	stopMetrics := make(chan struct{})
	circuitbreaker.StartMetricsCollection(stopMetrics)

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      conf.Observability.TracingEnabled,
		ServiceName:  conf.Observability.ServiceName,
		OTLPEndpoint: conf.Observability.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Health endpoints come up first so checks answer during startup
	hm := health.NewManager(logger)
	healthServer := health.StartHealthServer(hm, conf.Observability.HealthPort, logger)
	metricsServer := startMetricsServer(conf.Observability.MetricsPort, logger)

	var rdb *redis.Client
	if conf.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(rdb, logger))
		defer rdb.Close()
	}

	var dbClient *db.Client
	if conf.Postgres.Enabled {
		dbClient, err = db.NewClient(&db.Config{
			Host:           conf.Postgres.Host,
			Port:           conf.Postgres.Port,
			User:           conf.Postgres.User,
			Password:       conf.Postgres.Password,
			Database:       conf.Postgres.Database,
			SSLMode:        conf.Postgres.SSLMode,
			MaxConnections: conf.Postgres.MaxConnections,
			MaxLifetime:    conf.Postgres.MaxLifetime,
		}, logger)
		if err != nil {
			// Persistence is best-effort; the worker runs without it.
			logger.Warn("Database unavailable, persistence disabled", zap.Error(err))
			dbClient = nil
		} else {
			_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient, logger))
			defer dbClient.Close()
		}
	}

	events := streaming.NewManager(rdb, logger)

	engine, backends := buildRetrieval(conf, rdb, dbClient, hm, logger)
	generator, provider := buildGenerator(conf, logger)
	_ = hm.RegisterChecker(health.NewLLMServiceHealthChecker(conf.LLMService.URL))

	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	cfgMgr.OnChange(func(old, updated *cfg.Config) {
		applyLogLevel(level, updated.Logging.Level, logger)
		engine.UpdateSettings(fusionSettings(updated.Document))
		logger.Info("Configuration reloaded",
			zap.String("log_level", updated.Logging.Level),
			zap.Duration("backend_timeout", updated.Document.BackendTimeout),
			zap.Int("data_truncate_length", updated.Document.DataTruncateLength),
		)
	})
	if err := cfgMgr.Start(ctx); err != nil {
		logger.Warn("Config watcher not started", zap.Error(err))
	}

	acts := activities.NewActivities(activities.Dependencies{
		Generator: generator,
		Engine:    engine,
		Backends:  backends,
		Events:    events,
		DB:        dbClient,
		Logger:    logger,
		Provider:  provider,
	})

	tClient := dialTemporal(ctx, conf.Temporal, logger)
	defer tClient.Close()

	w := worker.New(tClient, conf.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     getEnvOrDefaultInt("WORKER_ACT", 10),
		MaxConcurrentWorkflowTaskExecutionSize: getEnvOrDefaultInt("WORKER_WF", 10),
	})
	if err := registry.Register(w, registry.NewDocumentRegistry(acts, logger)); err != nil {
		logger.Fatal("Failed to register workflows", zap.Error(err))
	}
	if err := w.Start(); err != nil {
		logger.Fatal("Failed to start Temporal worker", zap.Error(err))
	}
	logger.Info("Temporal worker started",
		zap.String("queue", conf.Temporal.TaskQueue),
		zap.Int("backends", len(backends)),
		zap.String("provider", provider),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down document worker")

	w.Stop()
	_ = cfgMgr.Stop()
	_ = hm.Stop()
	close(stopMetrics)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
}

// buildRetrieval wires every enabled backend into one fusion engine.
func buildRetrieval(conf *cfg.Config, rdb *redis.Client, dbClient *db.Client, hm *health.Manager, logger *zap.Logger) (*fusion.Engine, []fusion.Backend) {
	var opts []fusion.Option
	var backends []fusion.Backend

	if conf.Embeddings.Enabled {
		var cache embeddings.EmbeddingCache
		if rdb != nil {
			cache = embeddings.NewRedisCache(rdb, logger)
		}
		svc := embeddings.NewService(embeddings.Config{
			BaseURL:      conf.LLMService.URL,
			DefaultModel: conf.Embeddings.Model,
			CacheTTL:     conf.Embeddings.CacheTTL,
		}, cache, logger)
		opts = append(opts, fusion.WithEmbedder(svc))
	}

	if conf.Qdrant.Enabled {
		vc := vectordb.NewClient(vectordb.Config{
			Enabled:              true,
			Host:                 conf.Qdrant.Host,
			Port:                 conf.Qdrant.Port,
			Collection:           conf.Qdrant.Collection,
			TextField:            conf.Qdrant.TextField,
			TopK:                 conf.Qdrant.TopK,
			Threshold:            conf.Qdrant.Threshold,
			Timeout:              conf.Qdrant.Timeout,
			ExpectedEmbeddingDim: conf.Qdrant.EmbeddingDim,
		}, logger)
		if conf.Qdrant.EmbeddingDim > 0 {
			vctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := vc.ValidateEmbeddingDimensions(vctx); err != nil {
				logger.Warn("Qdrant collection validation failed", zap.Error(err))
			}
			cancel()
		}
		_ = hm.RegisterChecker(health.NewQdrantHealthChecker(vc.BaseURL()))
		backends = append(backends, vectordb.NewDocumentBackend(vc))
	}

	if conf.Search.Web.Enabled {
		backends = append(backends, search.NewWebBackend(search.WebConfig{
			BaseURL:    conf.LLMService.URL,
			Timeout:    conf.Document.BackendTimeout,
			RatePerSec: conf.Search.Web.RatePerSec,
			Burst:      conf.Search.Web.Burst,
		}, logger))
	}

	if conf.Search.SQL.Enabled {
		if dbClient == nil {
			logger.Warn("SQL search enabled but database is unavailable")
		} else {
			sb, err := search.NewSQLBackend(dbClient.DB(), search.SQLConfig{
				Table:    conf.Search.SQL.Table,
				Language: conf.Search.SQL.Language,
			}, logger)
			if err != nil {
				logger.Warn("SQL search backend disabled", zap.Error(err))
			} else {
				backends = append(backends, sb)
			}
		}
	}

	if conf.Rerank.Enabled && conf.Rerank.URL != "" {
		opts = append(opts, fusion.WithReranker(llm.NewRerankClient(conf.Rerank.URL, conf.Rerank.Timeout, logger)))
	}

	return fusion.NewEngine(fusionSettings(conf.Document), logger, opts...), backends
}

func fusionSettings(d cfg.DocumentConfig) fusion.Settings {
	return fusion.Settings{
		BackendTimeout:     d.BackendTimeout,
		DataTruncateLength: d.DataTruncateLength,
		TruncationMarker:   d.TruncationMarker,
	}
}

// buildGenerator returns the configured text generator and its metrics label.
func buildGenerator(conf *cfg.Config, logger *zap.Logger) (llm.Generator, string) {
	if conf.LLMService.Provider == "openai" {
		return llm.NewOpenAIGenerator(llm.OpenAIConfig{
			APIKey:  conf.OpenAI.APIKey,
			Model:   conf.OpenAI.Model,
			BaseURL: conf.OpenAI.BaseURL,
			Timeout: conf.LLMService.Timeout,
		}), "openai"
	}
	return llm.NewServiceClient(llm.ServiceConfig{
		BaseURL:  conf.LLMService.URL,
		Timeout:  conf.LLMService.Timeout,
		Attempts: conf.LLMService.Attempts,
	}, logger), "llm-service"
}

// dialTemporal waits for the frontend and dials with backoff.
func dialTemporal(ctx context.Context, tc cfg.TemporalConfig, logger *zap.Logger) client.Client {
	for i := 1; i <= 60; i++ {
		c, err := net.DialTimeout("tcp", tc.HostPort, 2*time.Second)
		if err == nil {
			_ = c.Close()
			break
		}
		logger.Warn("Waiting for Temporal TCP endpoint", zap.String("host", tc.HostPort), zap.Int("attempt", i))
		time.Sleep(1 * time.Second)
	}
	for attempt := 1; ; attempt++ {
		tClient, err := client.Dial(client.Options{
			HostPort:  tc.HostPort,
			Namespace: tc.Namespace,
			Logger:    temporal.NewZapAdapter(logger),
		})
		if err == nil {
			return tClient
		}
		delay := time.Duration(attempt)
		if delay > 15 {
			delay = 15
		}
		logger.Warn("Temporal not ready, retrying", zap.Int("attempt", attempt), zap.String("host", tc.HostPort), zap.Duration("sleep", delay*time.Second), zap.Error(err))
		select {
		case <-ctx.Done():
			logger.Fatal("Temporal dial aborted", zap.Error(ctx.Err()))
		case <-time.After(delay * time.Second):
		}
	}
}

func startMetricsServer(port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		logger.Info("Metrics server listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
	return server
}

func applyLogLevel(level zap.AtomicLevel, name string, logger *zap.Logger) {
	if name == "" {
		return
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		logger.Warn("Invalid log level", zap.String("level", name), zap.Error(err))
		return
	}
	level.SetLevel(l)
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
