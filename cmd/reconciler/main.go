// Command reconciler starts the background reconciliation service.
//
// It consumes accepted events from Kafka to keep the event index and the
// windowed bloom filter current, and runs the interval scheduler that drives
// reconciliation passes, index cleanup, and bloom rotation. With -once it
// runs a single reconciliation over the default window and exits, which is
// useful for cron-style deployments and smoke tests.
//
// Usage:
//
//	go run ./cmd/reconciler [-config configs/development.yaml] [-once]
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

	"github.com/cloudparity/parity/internal/bloom"
	"github.com/cloudparity/parity/internal/index"
	"github.com/cloudparity/parity/internal/recon"
	"github.com/cloudparity/parity/internal/schedule"
	"github.com/cloudparity/parity/internal/shard"
	"github.com/cloudparity/parity/internal/store"
	"github.com/cloudparity/parity/internal/stream"
	"github.com/cloudparity/parity/pkg/config"
	"github.com/cloudparity/parity/pkg/health"
	"github.com/cloudparity/parity/pkg/logger"
	"github.com/cloudparity/parity/pkg/metrics"
	"github.com/cloudparity/parity/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	once := flag.Bool("once", false, "run one reconciliation and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting reconciler service",
		"shard_mode", cfg.Shard.Mode,
		"shard_name", cfg.Shard.ShardName,
	)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	eventStore := store.NewEventStore(db)
	resultStore := store.NewResultStore(db)

	shards, err := shard.NewManager(cfg.Shard)
	if err != nil {
		slog.Error("failed to create shard manager", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	engineOpts := []recon.Option{recon.WithMetrics(m)}
	if shards.Mode() == shard.ModeSharded {
		partitioner, err := shard.NewPartitioner(shards, cfg.Shard.ShardName, shard.Strategy(cfg.Shard.Strategy))
		if err != nil {
			slog.Error("failed to create shard partitioner", "error", err)
			os.Exit(1)
		}
		engineOpts = append(engineOpts, recon.WithPartitioner(partitioner))
		slog.Info("shard partitioning enabled",
			"shard", partitioner.ShardName(),
			"strategy", string(partitioner.Strategy()),
		)
	}
	engine := recon.NewEngine(eventStore, resultStore, cfg.Recon, engineOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		sum, err := engine.Run(ctx, recon.Window{})
		if err != nil {
			slog.Error("reconciliation failed", "error", err)
			os.Exit(1)
		}
		slog.Info("reconciliation complete",
			"run_id", sum.RunID,
			"total_events", sum.TotalEvents,
			"consistent", sum.Consistent,
			"missing", sum.Missing,
			"duplicate", sum.Duplicate,
			"inconsistent", sum.Inconsistent,
			"avg_consistency_score", sum.AvgConsistencyScore,
		)
		return
	}

	idx, err := index.Open(ctx, cfg.Index, cfg.Redis)
	if err != nil {
		slog.Error("failed to open event index", "error", err)
		os.Exit(1)
	}
	defer idx.Close()
	slog.Info("event index ready", "backend", idx.Backend())

	filter := bloom.NewTimeWindowed(cfg.Bloom.ExpectedItems, cfg.Bloom.FPRate, cfg.Bloom.Windows, cfg.Bloom.Window)

	indexer := stream.NewIndexer(cfg.Kafka, cfg.Kafka.TopicPrefix, idx, filter, stream.WithMetrics(m))
	go func() {
		if err := indexer.Start(ctx); err != nil {
			slog.Error("stream indexer error", "error", err)
		}
	}()
	defer indexer.Close()
	slog.Info("stream indexer started", "topic_prefix", cfg.Kafka.TopicPrefix)

	if cfg.Scheduler.Enabled {
		sched := schedule.New(engine, idx, filter, cfg.Scheduler, cfg.Bloom.Window, schedule.WithMetrics(m))
		sched.Start(ctx)
		defer sched.Stop()
		slog.Info("scheduler started",
			"interval", cfg.Scheduler.Interval,
			"cleanup_interval", cfg.Scheduler.CleanupInterval,
		)
	} else {
		slog.Info("scheduler disabled, runs must be triggered via the api")
	}

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
		slog.Info("metrics server started", "port", cfg.Metrics.Port)
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db))
	checker.Register("index", health.PingCheck(idx))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
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

	slog.Info("reconciler health endpoint listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("reconciler service stopped")
}
