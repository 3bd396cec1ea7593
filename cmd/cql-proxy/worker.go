package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/api/handlers"
	"github.com/phast-fr/cql-proxy/internal/async"
	"github.com/phast-fr/cql-proxy/internal/infrastructure/redpanda"
	"github.com/phast-fr/cql-proxy/pkg/idempotency"
	"github.com/phast-fr/cql-proxy/pkg/workerpool"
)

func workerCmd(a *app) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute $cql-async requests from Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address of the /metrics and /health listener, empty to disable")
	return cmd
}

func (a *app) runWorker(ctx context.Context, metricsAddr string) error {
	cfg := a.cfg
	if err := cfg.RequireKafka(); err != nil {
		return err
	}

	db, err := a.connectDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	inbox := idempotency.NewInbox(db, idempotency.InboxConfig{
		DefaultTTL:      cfg.Inbox.TTL,
		CleanupInterval: cfg.Inbox.CleanupInterval,
		RecoveryTimeout: cfg.Inbox.RecoveryTimeout,
		MaxAttempts:     cfg.Inbox.MaxAttempts,
	}, a.logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	producer, err := a.newProducer()
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			a.logger.Warn("producer close failed", zap.Error(err))
		}
	}()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Worker.Concurrency
	poolCfg.QueueSize = cfg.Worker.QueueSize
	poolCfg.MaxRetries = cfg.Worker.MaxRetries
	poolCfg.RetryDelay = cfg.Worker.RetryDelay

	worker, err := async.NewWorker(a.newService(), inbox, producer, async.WorkerConfig{
		ResultTopic:     cfg.Kafka.ResultTopic,
		AuditTopic:      cfg.Kafka.AuditTopic,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		TaskTimeout:     cfg.Worker.TaskTimeout,
		Pool:            poolCfg,
	},
		async.WithWorkerLogger(a.logger),
		async.WithWorkerObserver(a.metrics))
	if err != nil {
		return err
	}
	worker.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.ConsumerGroup
	consumerCfg.Topics = []string{cfg.Kafka.RequestTopic}

	consumer, err := redpanda.NewConsumer(consumerCfg, worker.Handle, a.logger)
	if err != nil {
		_ = worker.Stop()
		return err
	}
	consumer.Start()
	a.logger.Info("worker started",
		zap.String("topic", cfg.Kafka.RequestTopic),
		zap.String("group", cfg.Kafka.ConsumerGroup),
		zap.Int("concurrency", cfg.Worker.Concurrency))

	if metricsAddr != "" {
		r := chi.NewRouter()
		health := handlers.NewHealthHandler(map[string]handlers.Check{
			"database": db.Ping,
			"kafka":    producer.Ping,
			"pool":     worker.Ready,
		})
		r.Get("/health", health.Health)
		r.Get("/ready", health.Ready)
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

		go func() {
			if err := a.serveHTTP(ctx, &http.Server{Addr: metricsAddr, Handler: r}); err != nil {
				a.logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutting down worker")

	// Stop consuming first so no new task reaches the pool.
	if err := consumer.Stop(); err != nil {
		a.logger.Warn("consumer stop failed", zap.Error(err))
	}
	if err := worker.Stop(); err != nil {
		a.logger.Warn("worker pool stop failed", zap.Error(err))
	}
	a.logger.Info("worker stopped")
	return nil
}
