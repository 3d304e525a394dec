package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	internal_http "github.com/ignatij/dagflow/internal/http"
	"github.com/ignatij/dagflow/internal/kafka"
	"github.com/ignatij/dagflow/internal/log"
	internal_redis "github.com/ignatij/dagflow/internal/redis"
	"github.com/ignatij/dagflow/internal/scheduler"
	"github.com/ignatij/dagflow/internal/telemetry"
	"github.com/ignatij/dagflow/pkg/service"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the REST API, the scheduler and the metrics server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}

	cmd.Flags().String("http-addr", ":8080", "REST API listen address")
	cmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics listen address")
	cmd.Flags().Int("workers", 4, "initial worker pool size")
	cmd.Flags().Bool("scheduler", true, "trigger scheduled workflows from this process")
	cmd.Flags().String("redis-addr", "", "Redis address for the scheduler leader lock; empty disables it")
	cmd.Flags().String("kafka-brokers", "", "comma-separated Kafka brokers for run events; empty disables publishing")
	cmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http.addr", cmd.Flags(), "http-addr")
	bindFlag("metrics.addr", cmd.Flags(), "metrics-addr")
	bindFlag("engine.workers", cmd.Flags(), "workers")
	bindFlag("scheduler.enabled", cmd.Flags(), "scheduler")
	bindFlag("redis.addr", cmd.Flags(), "redis-addr")
	bindFlag("kafka.brokers", cmd.Flags(), "kafka-brokers")
	bindFlag("otel.endpoint", cmd.Flags(), "otel-endpoint")
	return cmd
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()
	logger := log.GetLogger()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var notifiers []service.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = publisher.Close() }()
		notifiers = append(notifiers, publisher)
		logger.Infof("Publishing run events to Kafka topic %s", cfg.KafkaTopic)
	}

	engine := newEngine(cfg, store, notifiers...)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return internal_http.NewServer(engine, logger).ListenAndServe(gctx, cfg.HTTPAddr)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return telemetry.ServeMetrics(gctx, cfg.MetricsAddr, engine.Ready, logger)
		})
	}

	if cfg.Scheduler.Enabled {
		var elector scheduler.Elector
		if cfg.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer func() { _ = client.Close() }()
			hostname, _ := os.Hostname()
			lock := internal_redis.NewLeaderLock(client, internal_redis.DefaultLeaderKey,
				hostname+"-"+uuid.NewString(), cfg.Scheduler.LockTTL)
			defer func() { _ = lock.Release(context.Background()) }()
			elector = lock
			logger.Infof("Scheduler leader election via Redis at %s as %s", cfg.RedisAddr, lock.Owner())
		}
		sched := scheduler.New(engine, engine.Workflows(), elector, logger, cfg.Scheduler.Interval)
		g.Go(func() error { return sched.Run(gctx) })
	}

	err = g.Wait()
	logger.Infof("Shutting down")
	return err
}
