// Package circuitbreaker keeps a failing FHIR endpoint from being called
// while it recovers. Breakers are sony/gobreaker instances, one per
// endpoint, traced and counted with OpenTelemetry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentation = "github.com/phast-fr/cql-proxy/pkg/circuitbreaker"

// State is the position of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrOpen is returned when a call is rejected without being attempted.
var ErrOpen = errors.New("circuit breaker open")

// Config sets when a breaker trips and how it recovers.
type Config struct {
	Name string
	// MaxRequests is the number of trial calls let through half-open.
	MaxRequests uint32
	// Interval resets the closed counts. Zero never resets them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// Below MinRequests calls the breaker trips after FailureThreshold
	// consecutive failures, from there on at FailureRatio.
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// IsSuccessful decides whether an error counts against the endpoint.
	// Nil means only a nil error is a success.
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits a remote FHIR repository: five straight failures or
// 60% of ten calls open it for 20s.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

func (cfg Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cfg.MinRequests {
		return counts.ConsecutiveFailures >= cfg.FailureThreshold
	}
	return float64(counts.TotalFailures) >= cfg.FailureRatio*float64(counts.Requests)
}

// instruments are shared by the breakers of a process.
type instruments struct {
	tracer   trace.Tracer
	calls    metric.Int64Counter
	rejected metric.Int64Counter
}

var (
	sharedOnce sync.Once
	shared     *instruments
	sharedErr  error
)

func loadInstruments() (*instruments, error) {
	sharedOnce.Do(func() {
		meter := otel.Meter(instrumentation)
		in := &instruments{tracer: otel.Tracer(instrumentation)}
		if in.calls, sharedErr = meter.Int64Counter("cql.breaker.calls",
			metric.WithDescription("Calls through a breaker by outcome")); sharedErr != nil {
			return
		}
		if in.rejected, sharedErr = meter.Int64Counter("cql.breaker.rejected",
			metric.WithDescription("Calls rejected by an open breaker")); sharedErr != nil {
			return
		}
		shared = in
	})
	return shared, sharedErr
}

// CircuitBreaker guards the calls to one endpoint.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	in   *instruments
}

// New creates a breaker from cfg.
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	in, err := loadInstruments()
	if err != nil {
		return nil, fmt.Errorf("breaker instruments: %w", err)
	}

	settings := gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  cfg.readyToTrip,
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, stateOf(from), stateOf(to))
			}
		},
	}
	return &CircuitBreaker{
		name: cfg.Name,
		cb:   gobreaker.NewCircuitBreaker(settings),
		in:   in,
	}, nil
}

// Name returns the endpoint the breaker guards.
func (c *CircuitBreaker) Name() string { return c.name }

// Current returns the state of the breaker.
func (c *CircuitBreaker) Current() State { return stateOf(c.cb.State()) }

// Execute runs fn unless the breaker is open. A rejected call returns an
// error wrapping ErrOpen.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, span := c.in.tracer.Start(ctx, "breaker "+c.name,
		trace.WithAttributes(attribute.String("breaker.state", string(c.Current()))))
	defer span.End()

	result, err := c.cb.Execute(func() (any, error) { return fn(ctx) })

	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "rejected"
		err = fmt.Errorf("%s: %w", c.name, ErrOpen)
		c.in.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker", c.name)))
	case err != nil:
		outcome = "error"
	}
	c.in.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", c.name),
		attribute.String("outcome", outcome)))

	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// Do runs fn through c with a typed result.
func Do[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	res, err := c.Execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	out, _ := res.(T)
	return out, err
}

// Manager hands out one breaker per endpoint. It is shared by every
// request so an unhealthy repository trips for all of them.
type Manager struct {
	base   Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a manager whose breakers copy base with their own
// name.
func NewManager(base Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		base:     base,
		logger:   logger,
		breakers: map[string]*CircuitBreaker{},
	}
}

// GetOrCreate returns the breaker of name, creating it on first use.
func (m *Manager) GetOrCreate(name string) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}
	cfg := m.base
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// Status describes one breaker.
type Status struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Healthy reports whether calls pass through.
func (s Status) Healthy() bool { return s.State == StateClosed }

// Snapshot returns the status of every breaker, sorted by name.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.cb.Counts()
		out = append(out, Status{
			Name:     name,
			State:    cb.Current(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
