package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/infrastructure/postgres"
)

func relayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish execution audit records from the outbox to Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runRelay(cmd.Context())
		},
	}
}

func (a *app) runRelay(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.RequireKafka(); err != nil {
		return err
	}

	db, err := a.connectDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	producer, err := a.newProducer()
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			a.logger.Warn("producer close failed", zap.Error(err))
		}
	}()

	relay := postgres.NewRelay(db, producer, postgres.RelayConfig{
		BatchSize:       cfg.Outbox.BatchSize,
		PollInterval:    cfg.Outbox.PollInterval,
		MaxRetries:      cfg.Outbox.MaxRetries,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		Retention:       cfg.Outbox.Retention,
	}, a.logger)

	err = relay.Run(ctx)
	a.logger.Info("outbox relay stopped")
	return err
}
