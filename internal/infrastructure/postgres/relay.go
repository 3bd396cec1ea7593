package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID serializes relays across processes.
const relayLockID int64 = 0x63716c5f72656c61

// Publisher publishes one message. *redpanda.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig tunes the relay.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// An entry that failed MaxRetries publishes goes to DeadLetterTopic.
	MaxRetries      int
	DeadLetterTopic string
	// Retention is how long published entries are kept.
	Retention time.Duration
	// SweepInterval is the period of the retention sweep.
	SweepInterval time.Duration
}

// DefaultRelayConfig polls every 100ms and keeps published rows a day.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "cql.dead.letter",
		Retention:       24 * time.Hour,
		SweepInterval:   time.Hour,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	def := DefaultRelayConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.DeadLetterTopic == "" {
		c.DeadLetterTopic = def.DeadLetterTopic
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

const (
	sqlTryLock = `SELECT pg_try_advisory_xact_lock($1)`

	sqlClaimBatch = `
		SELECT id, aggregate_id, event_type, payload, kafka_topic, kafka_key,
		       created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	sqlRecordFailure = `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1`

	sqlMarkProcessed = `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`

	sqlPurge = `DELETE FROM outbox WHERE processed_at < $1`

	sqlStats = `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`
)

// Relay publishes outbox entries in id order.
type Relay struct {
	db        DB
	publisher Publisher
	config    RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewRelay creates a relay. Zero config fields take their defaults.
func NewRelay(db DB, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		db:        db,
		publisher: publisher,
		config:    cfg.withDefaults(),
		logger:    logger,
		tracer:    otel.Tracer("github.com/phast-fr/cql-proxy/internal/infrastructure/postgres"),
		now:       time.Now,
	}
}

// Run relays until ctx ends. A full batch is followed by the next one
// without waiting for the poll interval.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay running",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))

	poll := time.NewTimer(0)
	defer poll.Stop()
	sweep := time.NewTicker(r.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			r.sweep(ctx)
		case <-poll.C:
			next := r.config.PollInterval
			res, err := r.ProcessBatch(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				r.logger.Error("outbox batch failed", zap.Error(err))
			case res.Total() == r.config.BatchSize:
				next = 0
			}
			poll.Reset(next)
		}
	}
}

// BatchResult counts what a batch did with each entry.
type BatchResult struct {
	Published    int
	Failed       int
	DeadLettered int
}

// Total is the number of entries the batch handled.
func (b BatchResult) Total() int {
	return b.Published + b.Failed + b.DeadLettered
}

// ProcessBatch handles up to BatchSize pending entries in one transaction:
// entries out of retries go to the dead letter topic, the others are
// published. A transaction-scoped advisory lock lets one relay at a time
// work; ProcessBatch returns an empty result when another holds it.
func (r *Relay) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	ctx, span := r.tracer.Start(ctx, "outbox batch")
	defer span.End()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked bool
	if err := tx.QueryRow(ctx, sqlTryLock, relayLockID).Scan(&locked); err != nil {
		return res, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return res, nil
	}

	rows, err := tx.Query(ctx, sqlClaimBatch, r.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}

	for _, e := range entries {
		if e.RetryCount >= r.config.MaxRetries {
			if r.deadLetter(ctx, tx, e) {
				res.DeadLettered++
			}
			continue
		}
		if err := r.publish(ctx, tx, e); err != nil {
			res.Failed++
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
			continue
		}
		res.Published++
	}

	span.SetAttributes(
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.dead_lettered", res.DeadLettered))
	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func scanEntry(row pgx.CollectableRow) (*OutboxEntry, error) {
	e := &OutboxEntry{}
	err := row.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload,
		&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError)
	return e, err
}

// publish sends e and marks it processed. A failed publish is recorded
// against the entry.
func (r *Relay) publish(ctx context.Context, tx pgx.Tx, e *OutboxEntry) error {
	if err := r.publisher.Publish(ctx, e.Topic, e.Key, e.Payload); err != nil {
		if _, recErr := tx.Exec(ctx, sqlRecordFailure, e.ID, err.Error()); recErr != nil {
			r.logger.Error("outbox failure not recorded", zap.Int64("id", e.ID), zap.Error(recErr))
		}
		return err
	}
	if _, err := tx.Exec(ctx, sqlMarkProcessed, e.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// deadLetter moves e to the dead letter topic. It reports whether the entry
// left the outbox.
func (r *Relay) deadLetter(ctx context.Context, tx pgx.Tx, e *OutboxEntry) bool {
	letter, err := deadLetterOf(e)
	if err == nil {
		err = r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.Key, letter)
	}
	if err == nil {
		_, err = tx.Exec(ctx, sqlMarkProcessed, e.ID)
	}
	if err != nil {
		r.logger.Error("outbox dead letter failed", zap.Int64("id", e.ID), zap.Error(err))
		return false
	}
	r.logger.Warn("outbox entry dead-lettered",
		zap.Int64("id", e.ID),
		zap.String("aggregate_id", e.AggregateID),
		zap.Int("retry_count", e.RetryCount))
	return true
}

func (r *Relay) sweep(ctx context.Context) {
	if n, err := r.Purge(ctx); err != nil {
		r.logger.Error("outbox purge failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("outbox purged", zap.Int64("deleted", n))
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		r.logger.Warn("outbox stats failed", zap.Error(err))
		return
	}
	fields := []zap.Field{zap.Int64("pending", stats.Pending), zap.Int64("exhausted", stats.Exhausted)}
	if stats.OldestPending != nil {
		fields = append(fields, zap.Duration("oldest_pending_age", r.now().Sub(*stats.OldestPending)))
	}
	r.logger.Info("outbox stats", fields...)
}

// Purge deletes entries published longer ago than the retention.
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, sqlPurge, r.now().Add(-r.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the unpublished entries.
type OutboxStats struct {
	Pending       int64
	Exhausted     int64
	OldestPending *time.Time
}

// Stats counts the unpublished entries.
func (r *Relay) Stats(ctx context.Context) (OutboxStats, error) {
	var s OutboxStats
	err := r.db.QueryRow(ctx, sqlStats, r.config.MaxRetries).Scan(&s.Pending, &s.Exhausted, &s.OldestPending)
	return s, err
}
