// Package fhirclient is a minimal FHIR R4 REST client covering the search,
// read and operation calls the CQL providers make.
package fhirclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
	"github.com/phast-fr/cql-proxy/pkg/circuitbreaker"
)

// ContentType is the FHIR JSON media type.
const ContentType = "application/fhir+json"

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 32 << 20

// Client is the remote repository surface used by the providers.
type Client interface {
	Search(ctx context.Context, resourceType string, params *SearchParams) (*r4.Bundle, error)
	Read(ctx context.Context, resourceType, id string) (r4.Resource, error)
	Operation(ctx context.Context, resourceType, id, name string) (r4.Resource, error)
}

// Observer receives one observation per remote call.
type Observer interface {
	ObserveRemoteCall(service, operation, status string, duration time.Duration)
}

// HTTPClient talks to one FHIR base URL.
type HTTPClient struct {
	baseURL    string
	service    string
	authHeader string
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	observer   Observer
	logger     *zap.Logger
	tracer     trace.Tracer
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithBearer sends the token as a bearer credential on every call.
func WithBearer(token string) Option {
	return func(c *HTTPClient) {
		if token != "" {
			c.authHeader = "Bearer " + token
		}
	}
}

// WithBasic sends a basic credential on every call. A user:password pair is
// encoded; anything else is assumed to be encoded already.
func WithBasic(credential string) Option {
	return func(c *HTTPClient) {
		if credential == "" {
			return
		}
		if strings.Contains(credential, ":") {
			credential = base64.StdEncoding.EncodeToString([]byte(credential))
		}
		c.authHeader = "Basic " + credential
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d, Transport: c.httpClient.Transport}
		}
	}
}

// WithBreakers routes every call through the breaker of this base URL.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(c *HTTPClient) { c.breakers = m }
}

// WithObserver records call outcomes.
func WithObserver(o Observer) Option {
	return func(c *HTTPClient) { c.observer = o }
}

// WithService labels metrics and spans (data, terminology, library).
func WithService(name string) Option {
	return func(c *HTTPClient) { c.service = name }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *HTTPClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		service:    "fhir",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("fhirclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the repository base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Search runs a type-level search and returns the result bundle.
func (c *HTTPClient) Search(ctx context.Context, resourceType string, params *SearchParams) (*r4.Bundle, error) {
	u := c.baseURL + "/" + url.PathEscape(resourceType)
	if q := params.Encode(); q != "" {
		u += "?" + q
	}
	res, err := c.do(ctx, "search", resourceType, u)
	if err != nil {
		return nil, err
	}
	bundle, ok := res.(*r4.Bundle)
	if !ok {
		return nil, fmt.Errorf("search %s: expected Bundle, got %s", resourceType, res.TypeName())
	}
	return bundle, nil
}

// Read fetches one resource by id.
func (c *HTTPClient) Read(ctx context.Context, resourceType, id string) (r4.Resource, error) {
	u := c.baseURL + "/" + url.PathEscape(resourceType) + "/" + url.PathEscape(id)
	return c.do(ctx, "read", resourceType, u)
}

// Operation invokes an instance-level operation such as $expand.
func (c *HTTPClient) Operation(ctx context.Context, resourceType, id, name string) (r4.Resource, error) {
	if !strings.HasPrefix(name, "$") {
		name = "$" + name
	}
	u := c.baseURL + "/" + url.PathEscape(resourceType) + "/" + url.PathEscape(id) + "/" + name
	return c.do(ctx, "operation", resourceType, u)
}

func (c *HTTPClient) do(ctx context.Context, op, resourceType, target string) (r4.Resource, error) {
	ctx, span := c.tracer.Start(ctx, "fhir."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fhir.service", c.service),
			attribute.String("fhir.resource_type", resourceType),
			attribute.String("http.url", target),
		))
	defer span.End()

	start := time.Now()
	call := func(ctx context.Context) (r4.Resource, error) {
		return c.roundTrip(ctx, target)
	}

	var (
		res r4.Resource
		err error
	)
	if c.breakers != nil {
		var cb *circuitbreaker.CircuitBreaker
		cb, err = c.breakers.GetOrCreate(c.breakerName())
		if err == nil {
			res, err = circuitbreaker.Do(ctx, cb, call)
		}
	} else {
		res, err = call(ctx)
	}

	status := callStatus(err)
	if c.observer != nil {
		c.observer.ObserveRemoteCall(c.service, op, status, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("fhir call failed",
			zap.String("service", c.service),
			zap.String("op", op),
			zap.String("url", target),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, target string) (r4.Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, &NotFoundError{URL: target, Outcome: decodeOutcome(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target, Outcome: decodeOutcome(body)}
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from %s", target)
	}
	return r4.DecodeResource(body)
}

func (c *HTTPClient) breakerName() string {
	if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
		return c.service + "@" + u.Host
	}
	return c.service + "@" + c.baseURL
}

func decodeOutcome(body []byte) *r4.OperationOutcome {
	if len(body) == 0 {
		return nil
	}
	res, err := r4.DecodeResource(body)
	if err != nil {
		return nil
	}
	oo, _ := res.(*r4.OperationOutcome)
	return oo
}

func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return "not_found"
	}
	var se *StatusError
	if errors.As(err, &se) {
		return strconv.Itoa(se.StatusCode)
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "circuit_open"
	}
	return "error"
}

// IsSuccessful tells the breaker which errors say nothing about the health
// of the repository.
func IsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode < 500
}
