package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures the group consumer of execution requests.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// MaxPollRecords bounds the records handed out per poll, and so the
	// executions in flight per partition batch.
	MaxPollRecords int
	FetchMaxBytes  int32
	// StartOffset is earliest or latest, used when the group has no
	// committed offset.
	StartOffset string

	// HandlerRetries is how often a failed record is retried before it is
	// skipped. HandlerBackoff doubles on each retry.
	HandlerRetries int
	HandlerBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the execution worker.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "cql-proxy-worker",
		SessionTimeout:    45 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    64,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
		HandlerRetries:    3,
		HandlerBackoff:    time.Second,
	}
}

// MessageHandler handles one record. A nil error marks the record for
// commit.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record handed to a MessageHandler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// consumerOpts translates cfg into client options. Offsets are committed
// only for marked records, so a crash redelivers whatever was in flight.
func consumerOpts(cfg ConsumerConfig, logger *zap.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}
	return opts
}

// Consumer reads messages in a consumer group. Partitions of a poll are
// handled concurrently and records within a partition in order.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled  atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
}

// NewConsumer creates a consumer calling handler for every record.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	client, err := kgo.NewClient(consumerOpts(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentation),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for the records in flight, commits and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("commit on stop: %w", err)
	}
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.failures.Add(1)
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.handlePartition(p.Records)
			}()
		})
		wg.Wait()

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("commit failed", zap.Error(err))
		}
	}
}

// handlePartition handles records in offset order, marking each one done.
// It stops at the first record left unfinished by a shutdown so later
// offsets are not committed past it.
func (c *Consumer) handlePartition(records []*kgo.Record) {
	for _, record := range records {
		if c.ctx.Err() != nil || !c.handle(record) {
			return
		}
		c.client.MarkCommitRecords(record)
	}
}

// handle runs the handler on one record, retrying failures with backoff.
// A record that keeps failing is logged and skipped. It returns false when
// the consumer stopped before the record was done.
func (c *Consumer) handle(record *kgo.Record) bool {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, record), "kafka.consume "+record.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", record.Topic),
			attribute.Int64("messaging.kafka.destination.partition", int64(record.Partition)),
			attribute.Int64("messaging.kafka.message.offset", record.Offset),
		))
	defer span.End()

	msg := toMessage(record)
	backoff := c.config.HandlerBackoff
	for attempt := 0; ; attempt++ {
		err := c.handler(ctx, msg)
		if err == nil {
			c.handled.Add(1)
			c.bytes.Add(int64(len(record.Value)))
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.failures.Add(1)
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt >= c.config.HandlerRetries {
			c.skipped.Add(1)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Warn("skipping message after retries",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.ByteString("key", record.Key))
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// ConsumerStats counts handled records.
type ConsumerStats struct {
	Handled   int64
	BytesRead int64
	Failures  int64
	Skipped   int64
}

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:   c.handled.Load(),
		BytesRead: c.bytes.Load(),
		Failures:  c.failures.Load(),
		Skipped:   c.skipped.Load(),
	}
}
