// Package workerpool bounds how many CQL executions run at once no matter
// how many consumer partitions hand work in.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrShuttingDown is returned by Submit once Stop has been called.
	ErrShuttingDown = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the queue has no room left.
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work carrying a typed payload.
type Task[T any] struct {
	ID      string
	Payload T
	// Context bounds the task. The pool context is used when nil.
	Context context.Context

	done chan *Result
}

// Result is the outcome of a task.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     any
	Attempts int
}

// WorkerFunc processes one task. A nil result counts as success.
type WorkerFunc[T any] func(ctx context.Context, task *Task[T]) *Result

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is how often a failed task is run again. RetryDelay grows
	// linearly with each retry.
	MaxRetries int
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks
	// before cancelling them.
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for CPU-bound evaluation work.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	c.MaxRetries = max(c.MaxRetries, 0)
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	return c
}

// Pool runs tasks on a fixed set of workers.
type Pool[T any] struct {
	config Config
	fn     WorkerFunc[T]
	logger *zap.Logger

	// gate guards queue against a send after close.
	gate   sync.RWMutex
	closed bool
	queue  chan *Task[T]
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	busy      atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New[T any](cfg Config, fn WorkerFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config: cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task[T], cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool[T]) Start() {
	p.wg.Add(p.config.Workers)
	for range p.config.Workers {
		go p.work()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without waiting for it.
func (p *Pool[T]) Submit(task *Task[T]) error {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task and waits for its result. It returns early
// with ctx's error when ctx ends first; the task still runs.
func (p *Pool[T]) SubmitWait(ctx context.Context, task *Task[T]) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.Submit(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

// Stop refuses new tasks and drains the queue. Tasks still running after
// the graceful shutdown timeout see their context cancelled.
func (p *Pool[T]) Stop() error {
	p.gate.Lock()
	if p.closed {
		p.gate.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.gate.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(p.config.GracefulShutdownTimeout)
	defer timer.Stop()
	defer p.cancel()

	select {
	case <-drained:
		p.logger.Info("worker pool drained")
		return nil
	case <-timer.C:
		p.cancel()
		<-drained
		return fmt.Errorf("worker pool drain exceeded %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[T]) work() {
	defer p.wg.Done()

	for task := range p.queue {
		p.busy.Add(1)
		result := p.process(task)
		p.busy.Add(-1)

		if result.Success {
			p.completed.Add(1)
		} else {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Error))
		}
		if task.done != nil {
			task.done <- result
		}
	}
}

// process runs task until it succeeds, the retries are spent or its
// context ends.
func (p *Pool[T]) process(task *Task[T]) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err, Attempts: attempt - 1}
		}
		result = p.call(ctx, task)
		result.Attempts = attempt
		if result.Success || attempt > p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(result.Error))

		delay := time.NewTimer(p.config.RetryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			delay.Stop()
			return &Result{TaskID: task.ID, Error: ctx.Err(), Attempts: attempt}
		case <-delay.C:
		}
	}

	if !result.Success && result.Attempts > 1 {
		result.Error = fmt.Errorf("task failed after %d attempts: %w", result.Attempts, result.Error)
	}
	return result
}

// call runs the worker function, turning a panic into a failed result.
func (p *Pool[T]) call(ctx context.Context, task *Task[T]) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = &Result{TaskID: task.ID, Error: fmt.Errorf("task panicked: %v", r)}
		}
	}()

	result = p.fn(ctx, task)
	if result == nil {
		result = &Result{Success: true}
	}
	if result.TaskID == "" {
		result.TaskID = task.ID
	}
	return result
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Busy      int64
	Queued    int
	Capacity  int
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Busy:      p.busy.Load(),
		Queued:    len(p.queue),
		Capacity:  p.config.QueueSize,
	}
}

// IsHealthy reports whether the queue is below 90% of its capacity.
func (p *Pool[T]) IsHealthy() bool {
	s := p.Stats()
	return s.Queued*10 < s.Capacity*9
}
