package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/phast-fr/cql-proxy/internal/config"
	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/library"
	"github.com/phast-fr/cql-proxy/internal/execution"
	"github.com/phast-fr/cql-proxy/internal/infrastructure/postgres"
	"github.com/phast-fr/cql-proxy/internal/infrastructure/redpanda"
	"github.com/phast-fr/cql-proxy/internal/observability/metrics"
	"github.com/phast-fr/cql-proxy/internal/observability/tracing"
	"github.com/phast-fr/cql-proxy/pkg/circuitbreaker"
)

// app holds what every subcommand shares.
type app struct {
	configFile string

	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracing *tracing.Provider
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "cql-proxy",
		Short:        "CQL execution proxy for remote FHIR servers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context(), cmd.Name())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default: ./config.yaml, /etc/cql-proxy/config.yaml)")

	root.AddCommand(serveCmd(a))
	root.AddCommand(workerCmd(a))
	root.AddCommand(relayCmd(a))
	root.AddCommand(evalCmd(a))
	root.AddCommand(topicsCmd(a))
	return root
}

func (a *app) init(ctx context.Context, command string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.logger = logger.With(zap.String("command", command))

	a.metrics = metrics.New(prometheus.DefaultRegisterer)

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracing = provider
	return nil
}

func (a *app) close() {
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// newLogger builds a production logger, or a development one at debug.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if lvl == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// newService creates the orchestrator. The model and script caches and
// the breakers live for the whole process.
func (a *app) newService() *execution.Service {
	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.OnStateChange = a.metrics.BreakerStateChanged

	return execution.NewService(
		library.NewCache[elm.VersionedIdentifier, *library.ModelInfo](),
		library.NewCache[elm.VersionedIdentifier, *elm.Library](),
		execution.WithLogger(a.logger),
		execution.WithObserver(a.metrics),
		execution.WithBreakers(circuitbreaker.NewManager(breakerCfg, a.logger)),
		execution.WithTimeout(a.cfg.FHIR.Timeout),
		execution.WithExpandValueSets(a.cfg.FHIR.ExpandValueSets),
	)
}

func (a *app) newProducer() (*redpanda.Producer, error) {
	cfg := redpanda.DefaultProducerConfig()
	cfg.Brokers = a.cfg.Kafka.Brokers
	return redpanda.NewProducer(cfg, a.logger)
}

// connectDB opens the pool and creates the inbox and outbox tables.
func (a *app) connectDB(ctx context.Context) (*pgxpool.Pool, error) {
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(a.cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if a.cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = a.cfg.Database.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	a.logger.Info("connected to database")
	return pool, nil
}

// serveHTTP runs srv until ctx ends, then shuts it down gracefully.
func (a *app) serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
