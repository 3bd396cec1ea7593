package async

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/execution"
)

// Publisher publishes one message. *redpanda.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Observer counts async requests by status. *metrics.Metrics implements it.
type Observer interface {
	ObserveAsyncRequest(status string)
}

type nopObserver struct{}

func (nopObserver) ObserveAsyncRequest(string) {}

// Submitter enqueues execution requests.
type Submitter struct {
	publisher Publisher
	topic     string
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time
}

// NewSubmitter creates a submitter producing to topic.
func NewSubmitter(publisher Publisher, topic string, observer Observer, logger *zap.Logger) *Submitter {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		publisher: publisher,
		topic:     topic,
		observer:  observer,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit validates req and enqueues it, keyed by its execution id so all
// deliveries of one execution land on the same partition.
func (s *Submitter) Submit(ctx context.Context, req execution.Request, clientKey string) (*ExecutionRequested, error) {
	if err := req.Validate(); err != nil {
		s.observer.ObserveAsyncRequest(StatusRejected)
		return nil, err
	}

	msg := NewExecutionRequested(req, clientKey, s.now())
	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", EventExecutionRequested, err)
	}
	if err := s.publisher.Publish(ctx, s.topic, msg.ExecutionID, value); err != nil {
		s.observer.ObserveAsyncRequest(StatusFailed)
		return nil, fmt.Errorf("enqueue execution: %w", err)
	}

	s.observer.ObserveAsyncRequest(StatusSubmitted)
	s.logger.Info("execution submitted",
		zap.String("execution_id", msg.ExecutionID),
		zap.Stringer("request", req))
	return msg, nil
}
