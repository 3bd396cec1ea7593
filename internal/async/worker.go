package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/execution"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
	"github.com/phast-fr/cql-proxy/internal/infrastructure/postgres"
	"github.com/phast-fr/cql-proxy/internal/infrastructure/redpanda"
	"github.com/phast-fr/cql-proxy/pkg/idempotency"
	"github.com/phast-fr/cql-proxy/pkg/workerpool"
)

// handlerName identifies the worker in the inbox.
const handlerName = "cql-execute"

// Executor runs a request. *execution.Service implements it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) *r4.Bundle
}

// Inbox deduplicates executions. *idempotency.Inbox implements it.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc, finish idempotency.FinishFunc) (*idempotency.ProcessResult, error)
}

// AuditWriter stores an outbox entry within the inbox transaction.
type AuditWriter func(ctx context.Context, tx pgx.Tx, entry *postgres.OutboxEntry) error

// WorkerConfig names the topics and sizes the pool of a Worker.
type WorkerConfig struct {
	ResultTopic     string
	AuditTopic      string
	DeadLetterTopic string
	// TaskTimeout bounds a single execution.
	TaskTimeout time.Duration
	Pool        workerpool.Config
}

// Worker executes ExecutionRequested messages on a bounded pool.
type Worker struct {
	executor  Executor
	inbox     Inbox
	publisher Publisher
	audit     AuditWriter
	config    WorkerConfig
	pool      *workerpool.Pool[*ExecutionRequested]
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWorkerObserver counts processed requests.
func WithWorkerObserver(o Observer) WorkerOption {
	return func(w *Worker) {
		if o != nil {
			w.observer = o
		}
	}
}

// WithAuditWriter replaces postgres.WriteEntry.
func WithAuditWriter(fn AuditWriter) WorkerOption {
	return func(w *Worker) { w.audit = fn }
}

// NewWorker creates a worker. Call Start before handling messages.
func NewWorker(executor Executor, inbox Inbox, publisher Publisher, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if cfg.ResultTopic == "" {
		return nil, errors.New("result topic is required")
	}
	w := &Worker{
		executor:  executor,
		inbox:     inbox,
		publisher: publisher,
		audit:     postgres.WriteEntry,
		config:    cfg,
		observer:  nopObserver{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	pool, err := workerpool.New(cfg.Pool, w.run, w.logger)
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool.
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool.
func (w *Worker) Stop() error { return w.pool.Stop() }

// Ready fails while the execution queue is nearly full, so a saturated
// worker drops out of readiness until it catches up.
func (w *Worker) Ready(context.Context) error {
	if !w.pool.IsHealthy() {
		s := w.pool.Stats()
		return fmt.Errorf("execution queue saturated: %d of %d", s.Queued, s.Capacity)
	}
	return nil
}

// Handle is the redpanda.MessageHandler of the request topic. It blocks
// until the execution is done so offsets are committed only after the
// result was published. A malformed message goes to the dead letter topic
// and is not retried.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var req ExecutionRequested
	if err := json.Unmarshal(msg.Value, &req); err != nil || req.ExecutionID == "" {
		if err == nil {
			err = errors.New("missing executionId")
		}
		w.observer.ObserveAsyncRequest(StatusRejected)
		w.logger.Error("malformed execution request",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return w.deadLetter(ctx, msg)
	}

	result, err := w.pool.SubmitWait(ctx, &workerpool.Task[*ExecutionRequested]{
		ID:      req.ExecutionID,
		Payload: &req,
		Context: ctx,
	})
	if err != nil {
		return fmt.Errorf("submit execution %s: %w", req.ExecutionID, err)
	}
	if !result.Success {
		return result.Error
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	if w.config.DeadLetterTopic == "" {
		return nil
	}
	return w.publisher.Publish(ctx, w.config.DeadLetterTopic, string(msg.Key), msg.Value)
}

// run executes one request through the inbox and publishes its result.
func (w *Worker) run(ctx context.Context, task *workerpool.Task[*ExecutionRequested]) *workerpool.Result {
	req := task.Payload
	logger := w.logger.With(zap.String("execution_id", req.ExecutionID))

	payload, err := json.Marshal(req)
	if err != nil {
		return &workerpool.Result{Error: err}
	}

	// The key is derived here rather than trusted from the message.
	key := idempotency.GenerateKey(req.ExecutionID)

	var completed *ExecutionCompleted
	processed, err := w.inbox.Process(ctx, key, handlerName, payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			c, execErr := w.execute(ctx, req)
			if execErr != nil {
				return nil, execErr
			}
			completed = c
			return json.Marshal(c)
		},
		func(ctx context.Context, tx pgx.Tx, _ json.RawMessage) error {
			return w.writeAudit(ctx, tx, key, req, completed)
		})

	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress), errors.Is(err, idempotency.ErrDuplicateMessage):
		// Another worker owns the execution and publishes its result.
		w.observer.ObserveAsyncRequest(StatusDuplicate)
		logger.Info("execution already in progress")
		return &workerpool.Result{Success: true}
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		w.observer.ObserveAsyncRequest(StatusDuplicate)
		logger.Warn("execution failed before, skipping")
		return &workerpool.Result{Success: true}
	case err != nil:
		w.observer.ObserveAsyncRequest(StatusFailed)
		return &workerpool.Result{Error: err}
	}

	status := StatusCompleted
	if !processed.IsNew {
		// Redelivery of a finished execution: publish the stored result
		// again in case the first publish was lost.
		status = StatusDuplicate
	}
	if err := w.publisher.Publish(ctx, w.config.ResultTopic, req.ExecutionID, processed.Result); err != nil {
		w.observer.ObserveAsyncRequest(StatusFailed)
		return &workerpool.Result{Error: fmt.Errorf("publish result: %w", err)}
	}

	w.observer.ObserveAsyncRequest(status)
	logger.Info("execution completed", zap.String("status", status))
	return &workerpool.Result{Success: true, Data: processed.Result}
}

func (w *Worker) execute(ctx context.Context, req *ExecutionRequested) (*ExecutionCompleted, error) {
	if w.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.TaskTimeout)
		defer cancel()
	}

	start := w.now()
	bundle := w.executor.Execute(ctx, req.Request)
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, idempotency.Terminal(fmt.Errorf("encode bundle: %w", err))
	}

	statements, failed := execution.Summary(bundle)
	return &ExecutionCompleted{
		ExecutionID: req.ExecutionID,
		Bundle:      body,
		Statements:  statements,
		Errors:      failed,
		DurationMS:  w.now().Sub(start).Milliseconds(),
		CompletedAt: w.now().UTC(),
	}, nil
}

func (w *Worker) writeAudit(ctx context.Context, tx pgx.Tx, key string, req *ExecutionRequested, completed *ExecutionCompleted) error {
	if w.config.AuditTopic == "" || completed == nil {
		return nil
	}
	payload, err := json.Marshal(ExecutionAudited{
		ExecutionID:    req.ExecutionID,
		IdempotencyKey: key,
		PatientID:      req.Request.PatientID,
		DataServiceURI: req.Request.DataServiceURI,
		Statements:     completed.Statements,
		Errors:         completed.Errors,
		DurationMS:     completed.DurationMS,
		RequestedAt:    req.RequestedAt,
		CompletedAt:    completed.CompletedAt,
	})
	if err != nil {
		return err
	}
	return w.audit(ctx, tx, &postgres.OutboxEntry{
		AggregateID: req.ExecutionID,
		EventType:   EventExecutionAudited,
		Payload:     payload,
		Topic:       w.config.AuditTopic,
		Key:         req.ExecutionID,
	})
}
