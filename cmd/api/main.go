// Command api starts the event ingestion and reconciliation query service.
//
// The service accepts canonical events via POST /api/v1/events, terminates
// the AWS/GCP/Azure webhook push protocols, publishes every accepted event
// to Kafka, and serves the reconciliation API: manual run triggers, result
// and summary queries, per-event presence lookups, and index/shard stats.
//
// Usage:
//
//	go run ./cmd/api [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudparity/parity/internal/adapters"
	"github.com/cloudparity/parity/internal/bloom"
	"github.com/cloudparity/parity/internal/index"
	"github.com/cloudparity/parity/internal/ingest/gateway"
	ingesthandler "github.com/cloudparity/parity/internal/ingest/handler"
	"github.com/cloudparity/parity/internal/recon"
	reconhandler "github.com/cloudparity/parity/internal/recon/handler"
	"github.com/cloudparity/parity/internal/shard"
	"github.com/cloudparity/parity/internal/store"
	"github.com/cloudparity/parity/pkg/config"
	"github.com/cloudparity/parity/pkg/health"
	"github.com/cloudparity/parity/pkg/kafka"
	"github.com/cloudparity/parity/pkg/logger"
	"github.com/cloudparity/parity/pkg/metrics"
	"github.com/cloudparity/parity/pkg/middleware"
	"github.com/cloudparity/parity/pkg/postgres"
	pkgredis "github.com/cloudparity/parity/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting api service", "port", cfg.Server.Port)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	// The dedup keys live in Redis. Without them repeat deliveries would be
	// accepted as new events, so this dependency is not optional.
	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := index.Open(ctx, cfg.Index, cfg.Redis)
	if err != nil {
		slog.Error("failed to open event index", "error", err)
		os.Exit(1)
	}
	defer idx.Close()
	slog.Info("event index ready", "backend", idx.Backend())

	m := metrics.New()

	producer := kafka.NewProducer(cfg.Kafka)
	defer producer.Close()
	slog.Info("kafka producer initialized", "topic_prefix", cfg.Kafka.TopicPrefix)

	filter := bloom.NewTimeWindowed(cfg.Bloom.ExpectedItems, cfg.Bloom.FPRate, cfg.Bloom.Windows, cfg.Bloom.Window)
	go rotateFilter(ctx, filter, cfg.Bloom.Window)

	shards, err := shard.NewManager(cfg.Shard)
	if err != nil {
		slog.Error("failed to create shard manager", "error", err)
		os.Exit(1)
	}

	eventStore := store.NewEventStore(db)
	resultStore := store.NewResultStore(db)

	gw := gateway.New(redisClient, eventStore, idx, producer, filter,
		cfg.Gateway, cfg.Kafka.TopicPrefix, gateway.WithMetrics(m))
	engine := recon.NewEngine(eventStore, resultStore, cfg.Recon, recon.WithMetrics(m))

	ingestH := ingesthandler.New(gw)
	webhookH := adapters.New(gw)
	reconH := reconhandler.New(engine, resultStore, idx, filter, shards, cfg.Recon.ExpectedSources)

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db))
	checker.Register("redis", health.PingCheck(redisClient))
	checker.Register("index", health.PingCheck(idx))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", ingestH.IngestEvent)
	mux.HandleFunc("POST /api/v1/events/batch", ingestH.IngestBatch)
	mux.HandleFunc("GET /api/v1/events/{id}/status", reconH.GetEventStatus)
	mux.HandleFunc("POST /api/v1/webhooks/aws", webhookH.HandleAWS)
	mux.HandleFunc("POST /api/v1/webhooks/gcp", webhookH.HandleGCP)
	mux.HandleFunc("POST /api/v1/webhooks/azure", webhookH.HandleAzure)
	mux.HandleFunc("POST /api/v1/reconciliation/trigger", reconH.TriggerReconciliation)
	mux.HandleFunc("GET /api/v1/reconciliation/results", reconH.GetResults)
	mux.HandleFunc("GET /api/v1/reconciliation/summary", reconH.GetSummary)
	mux.HandleFunc("GET /api/v1/reconciliation/runs", reconH.GetRuns)
	mux.HandleFunc("GET /api/v1/index/stats", reconH.GetIndexStats)
	mux.HandleFunc("GET /api/v1/shards", reconH.GetShards)
	mux.HandleFunc("GET /health", ingestH.Health)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID()(chain)

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
		slog.Info("metrics server started", "port", cfg.Metrics.Port)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if metricsShutdown != nil {
			if err := metricsShutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	slog.Info("api service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("api service stopped")
}

// rotateFilter advances the windowed bloom filter at its window cadence so
// entries age out instead of accumulating until the false-positive rate
// degrades.
func rotateFilter(ctx context.Context, filter *bloom.TimeWindowedFilter, window time.Duration) {
	if window <= 0 {
		window = time.Hour
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			filter.Rotate()
		case <-ctx.Done():
			return
		}
	}
}
