// Package redpanda provides Kafka-compatible streaming with franz-go: the
// producer and consumer of execution messages and topic administration.
package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentation = "github.com/phast-fr/cql-proxy/internal/infrastructure/redpanda"

// ContentTypeHeader is set on every produced record.
const ContentTypeHeader = "content-type"

// ProducerConfig configures the client that publishes execution requests,
// result Bundles and audit records.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// BatchMaxBytes must hold the largest result Bundle.
	BatchMaxBytes int32
	Linger        time.Duration
	// MaxBufferedRecords bounds records waiting for a broker.
	MaxBufferedRecords int
	// Compression is one of lz4, snappy, gzip, zstd or none.
	Compression string
	// RequiredAcks is -1 (all in-sync replicas), 1 (leader) or 0 (none).
	// Only -1 keeps writes idempotent.
	RequiredAcks int16
	MaxRetries   int
	// RetryBackoff grows linearly with each attempt.
	RetryBackoff time.Duration
}

// DefaultProducerConfig suits result Bundles, which are few but can be
// large: a short linger and room for 16 MiB batches.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		ClientID:           "cql-proxy",
		BatchMaxBytes:      16 << 20,
		Linger:             5 * time.Millisecond,
		MaxBufferedRecords: 10_000,
		Compression:        "lz4",
		RequiredAcks:       -1,
		MaxRetries:         3,
		RetryBackoff:       100 * time.Millisecond,
	}
}

var codecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"gzip":   kgo.GzipCompression(),
	"zstd":   kgo.ZstdCompression(),
}

// producerOpts translates cfg into client options.
func producerOpts(cfg ProducerConfig) []kgo.Opt {
	backoff := cfg.RetryBackoff
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	if codec, ok := codecs[cfg.Compression]; ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts
}

// Producer publishes JSON messages and waits for their acknowledgement.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	bytes  atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer. It does not contact the brokers.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(producerOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer(instrumentation),
	}, nil
}

// Publish sends one JSON message keyed by key and blocks until the brokers
// acknowledge it. The trace context of ctx travels in the record headers so
// the worker continues the submitter's trace. It implements the outbox and
// async publishers.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "kafka.publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: ContentTypeHeader, Value: []byte("application/json")}},
	}
	injectTraceHeaders(ctx, record)

	produced, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("publish failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.bytes.Add(int64(len(produced.Value)))
	span.SetAttributes(
		attribute.Int("messaging.kafka.destination.partition", int(produced.Partition)),
		attribute.Int64("messaging.kafka.message.offset", produced.Offset))
	p.logger.Debug("message published",
		zap.String("topic", produced.Topic),
		zap.Int32("partition", produced.Partition),
		zap.Int64("offset", produced.Offset))
	return nil
}

// Ping checks that a broker is reachable. It serves as a readiness check.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close waits up to 30s for buffered records, then closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}
	return nil
}

// ProducerStats counts published messages.
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	Failures     int64
}

// Stats returns a snapshot of the counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent: p.sent.Load(),
		BytesSent:    p.bytes.Load(),
		Failures:     p.failed.Load(),
	}
}
