package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/api"
	"github.com/phast-fr/cql-proxy/internal/api/handlers"
	"github.com/phast-fr/cql-proxy/internal/async"
)

func serveCmd(a *app) *cobra.Command {
	var enableAsync bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the $cql operation over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd.Context(), enableAsync)
		},
	}
	cmd.Flags().BoolVar(&enableAsync, "async", false, "enable $cql-async, which needs Kafka")
	return cmd
}

func (a *app) runServe(ctx context.Context, enableAsync bool) error {
	cfg := a.cfg

	routerCfg := api.RouterConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Executor:    a.newService(),
		APIKeys:     cfg.Auth.Keys(),
		Checks:      map[string]handlers.Check{},
		Metrics:     a.metrics.Handler(),
		Logger:      a.logger,
	}

	if enableAsync {
		if err := cfg.RequireKafka(); err != nil {
			return err
		}
		producer, err := a.newProducer()
		if err != nil {
			return err
		}
		defer func() {
			if err := producer.Close(); err != nil {
				a.logger.Warn("producer close failed", zap.Error(err))
			}
		}()

		routerCfg.Submitter = async.NewSubmitter(producer, cfg.Kafka.RequestTopic, a.metrics, a.logger)
		routerCfg.Checks["kafka"] = producer.Ping
	}

	if len(routerCfg.APIKeys) == 0 {
		a.logger.Warn("no API keys configured, $cql is unauthenticated")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.ReadTimeout,
	}
	return a.serveHTTP(ctx, srv)
}
