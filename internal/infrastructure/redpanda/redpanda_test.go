package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestTraceHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "traceparent", Value: []byte("stale")}}}
	injectTraceHeaders(ctx, record)

	require.Len(t, record.Headers, 1, "an existing header is replaced")
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", string(record.Headers[0].Value))

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestTraceHeaders_NoSpan(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	record := &kgo.Record{}
	injectTraceHeaders(context.Background(), record)
	assert.Empty(t, record.Headers)
	assert.False(t, trace.SpanContextFromContext(extractTraceContext(context.Background(), record)).IsValid())
}

func TestToMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := toMessage(&kgo.Record{
		Topic:     "cql.execution.requested",
		Partition: 2,
		Offset:    41,
		Key:       []byte("exec-1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "content-type", Value: []byte("application/json")}},
		Timestamp: ts,
	})

	assert.Equal(t, "cql.execution.requested", msg.Topic)
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, "exec-1", string(msg.Key))
	assert.Equal(t, map[string]string{"content-type": "application/json"}, msg.Headers)
	assert.Equal(t, ts, msg.Timestamp)
}

func TestTopicConfigs(t *testing.T) {
	configs := TopicConfigs(Topics{
		Requests:   "req",
		Results:    "res",
		Audit:      "audit",
		DeadLetter: "dlq",
	}, 6, 3)

	require.Len(t, configs, 4)
	byName := map[string]TopicConfig{}
	for _, c := range configs {
		byName[c.Name] = c
		assert.Equal(t, int16(3), c.ReplicationFactor)
	}
	assert.Equal(t, int32(6), byName["req"].Partitions)
	assert.Equal(t, int32(3), byName["audit"].Partitions)
	assert.Equal(t, "2592000000", *byName["audit"].Configs["retention.ms"])
	assert.Contains(t, byName["res"].Configs, "max.message.bytes")

	configs = TopicConfigs(Topics{Requests: "req"}, 0, 0)
	require.Len(t, configs, 1, "unnamed topics are skipped")
	assert.Equal(t, int32(6), configs[0].Partitions)
	assert.Equal(t, int16(1), configs[0].ReplicationFactor)
}

func TestGroupLag(t *testing.T) {
	lag := GroupLag{
		"results":  {0: 2, 1: 4},
		"requests": {0: 7},
	}
	assert.Equal(t, int64(13), lag.Total())
	assert.Equal(t, []string{"requests", "results"}, lag.Topics())
	assert.Zero(t, GroupLag{}.Total())
}

func TestProducerOpts(t *testing.T) {
	cfg := DefaultProducerConfig()
	base := len(producerOpts(cfg))

	cfg.Compression = ""
	assert.Len(t, producerOpts(cfg), base-1)

	cfg.RequiredAcks = 1
	assert.Len(t, producerOpts(cfg), base, "leader acks disable idempotent writes")
}

func newTestConsumer(t *testing.T, handler MessageHandler) *Consumer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := DefaultConsumerConfig()
	cfg.HandlerRetries = 2
	cfg.HandlerBackoff = time.Millisecond
	return &Consumer{
		config:  cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("test"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func TestConsumer_Handle(t *testing.T) {
	record := &kgo.Record{Topic: "requests", Key: []byte("k"), Value: []byte(`{}`)}

	calls := 0
	c := newTestConsumer(t, func(context.Context, *ConsumedMessage) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.True(t, c.handle(record))
	assert.Equal(t, 3, calls)
	assert.Equal(t, ConsumerStats{Handled: 1, BytesRead: 2, Failures: 2}, c.Stats())

	c = newTestConsumer(t, func(context.Context, *ConsumedMessage) error {
		return errors.New("permanent")
	})
	assert.True(t, c.handle(record), "a record failing every retry is skipped")
	assert.Equal(t, int64(1), c.Stats().Skipped)
	assert.Equal(t, int64(3), c.Stats().Failures)
}

func TestConsumer_Handle_Stopped(t *testing.T) {
	var c *Consumer
	c = newTestConsumer(t, func(context.Context, *ConsumedMessage) error {
		c.cancel()
		return errors.New("interrupted")
	})

	assert.False(t, c.handle(&kgo.Record{Topic: "requests"}), "an unfinished record is not marked")
	assert.Zero(t, c.Stats().Skipped)
}

func TestConsumerOpts_Offsets(t *testing.T) {
	cfg := DefaultConsumerConfig()
	n := len(consumerOpts(cfg, zap.NewNop()))
	cfg.StartOffset = "latest"
	assert.Len(t, consumerOpts(cfg, zap.NewNop()), n)
}
