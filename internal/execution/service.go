// Package execution runs $cql requests: it compiles the script, binds the
// request's remote services to a fresh evaluation context and evaluates
// every statement into a result Bundle.
package execution

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/cql/compiler"
	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/engine"
	"github.com/phast-fr/cql-proxy/internal/cql/library"
	"github.com/phast-fr/cql-proxy/internal/cql/model"
	"github.com/phast-fr/cql-proxy/internal/cql/retrieve"
	"github.com/phast-fr/cql-proxy/internal/cql/terminology"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
	"github.com/phast-fr/cql-proxy/internal/fhirclient"
	"github.com/phast-fr/cql-proxy/internal/observability/metrics"
	"github.com/phast-fr/cql-proxy/pkg/circuitbreaker"
)

var tracer = otel.Tracer("github.com/phast-fr/cql-proxy/internal/execution")

// ErrMultipleModels rejects scripts declaring more than one data model.
var ErrMultipleModels = compiler.ErrMultipleModels

// nullContextValue is the context value set when no patient is given.
const nullContextValue = "null"

// Observer records execution outcomes. *metrics.Metrics implements it.
type Observer interface {
	fhirclient.Observer
	ObserveExecution(outcome string, d time.Duration)
	ObserveStatement(outcome string)
	ObserveCompileErrors(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveRemoteCall(string, string, string, time.Duration) {}
func (nopObserver) ObserveExecution(string, time.Duration)                  {}
func (nopObserver) ObserveStatement(string)                                 {}
func (nopObserver) ObserveCompileErrors(int)                                {}

// Service executes requests. It is safe for concurrent use; each Execute
// builds its own compiler and evaluation context around the shared caches.
type Service struct {
	models          *library.ModelCache
	scripts         *library.ScriptCache
	breakers        *circuitbreaker.Manager
	httpClient      *http.Client
	timeout         time.Duration
	expandValueSets bool
	observer        Observer
	logger          *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver records metrics for executions and remote calls.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithBreakers routes remote calls through the shared circuit breakers.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(s *Service) { s.breakers = m }
}

// WithHTTPClient replaces the http.Client of the remote FHIR clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Service) { s.httpClient = hc }
}

// WithTimeout sets the timeout of each remote call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithExpandValueSets expands value sets locally before retrieves instead
// of filtering with code:in.
func WithExpandValueSets(expand bool) Option {
	return func(s *Service) { s.expandValueSets = expand }
}

// NewService creates a service around the process-wide model and script
// caches. Nil caches are replaced by private ones.
func NewService(models *library.ModelCache, scripts *library.ScriptCache, opts ...Option) *Service {
	if models == nil {
		models = library.NewCache[elm.VersionedIdentifier, *library.ModelInfo]()
	}
	if scripts == nil {
		scripts = library.NewCache[elm.VersionedIdentifier, *elm.Library]()
	}
	s := &Service{
		models:   models,
		scripts:  scripts,
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs req and returns the result Bundle. Failures are reported
// inside the Bundle; the caller always receives one.
func (s *Service) Execute(ctx context.Context, req Request) *r4.Bundle {
	ctx, span := tracer.Start(ctx, "cql.execute")
	defer span.End()
	start := time.Now()

	bundle, outcome := s.execute(ctx, req)

	span.SetAttributes(
		attribute.String("cql.outcome", outcome),
		attribute.Int("cql.entries", len(bundle.Entry)))
	if outcome != metrics.OutcomeSuccess {
		span.SetStatus(codes.Error, outcome)
	}
	s.observer.ObserveExecution(outcome, time.Since(start))
	s.logger.Info("cql executed",
		zap.String("outcome", outcome),
		zap.Int("entries", len(bundle.Entry)),
		zap.Duration("duration", time.Since(start)))
	return bundle
}

func (s *Service) execute(ctx context.Context, req Request) (*r4.Bundle, string) {
	libraries := library.NewManager(s.scripts, library.Chain(
		library.BuiltinSource(),
		library.NewRemoteSource(s.client("library", req.LibraryServiceURI, fhirclient.WithBasic(req.LibraryCredential))),
	))
	comp, err := compiler.New(library.NewModelManager(s.models), libraries, compiler.WithLogger(s.logger))
	if err != nil {
		return errorBundle(err), metrics.OutcomeError
	}

	lib, err := comp.Compile(ctx, req.Code)
	var (
		ie *compiler.IncludeError
		ce *compiler.CompileError
	)
	switch {
	case err == nil:
	case errors.As(err, &ie):
		// An include that failed to compile is reported as one error.
		return errorBundle(err), metrics.OutcomeError
	case errors.As(err, &ce):
		s.observer.ObserveCompileErrors(len(ce.Diagnostics))
		return compileErrorBundle(ce), metrics.OutcomeCompileError
	default:
		return errorBundle(err), metrics.OutcomeError
	}

	ec := engine.NewContext(lib, engine.WithLogger(s.logger))
	ec.RegisterLibraryLoader(comp)
	if len(lib.Usings) == 1 {
		s.registerProviders(ec, lib.Usings[0], req)
	}
	ec.RegisterExternalFunctionProvider(library.FHIRHelpers, engine.FHIRHelpers{})
	ec.SetExpressionCaching(true)

	contextValue := req.PatientID
	if contextValue == "" {
		contextValue = nullContextValue
	}

	bundle := r4.NewBundle(r4.BundleTypeCollection)
	outcome := metrics.OutcomeSuccess
	for _, stmt := range lib.Statements {
		def, ok := stmt.(*elm.ExpressionDef)
		if !ok {
			continue
		}
		ec.EnterContext(def.Context)
		ec.SetContextValue(ec.CurrentContext(), contextValue)

		result, failed := s.statement(ctx, ec, def)
		if failed {
			outcome = metrics.OutcomeError
		}
		bundle.Entry = append(bundle.Entry, r4.BundleEntry{FullURL: def.Name, Resource: result})
	}
	bundle.SetTotal(len(bundle.Entry))
	return bundle, outcome
}

// registerProviders binds the terminology and data services of req to the
// script's model.
func (s *Service) registerProviders(ec *engine.Context, using elm.Using, req Request) {
	term := terminology.NewProvider(
		s.client("terminology", req.TerminologyServiceURI, fhirclient.WithBasic(req.TerminologyCredential)),
		s.logger)
	ec.RegisterTerminologyProvider(term)

	data := retrieve.NewProvider(
		s.client("data", req.DataServiceURI, fhirclient.WithBearer(req.DataServiceToken)),
		retrieve.WithTerminology(term),
		retrieve.WithExpandValueSets(s.expandValueSets),
		retrieve.WithLogger(s.logger))
	ec.RegisterDataProvider(using.URI, engine.DataProvider{
		Resolver:  model.NewResolver(s.logger),
		Retriever: data,
	})
}

// statement evaluates one definition into its result Parameters. A failed
// evaluation yields an error part and does not affect other statements.
func (s *Service) statement(ctx context.Context, ec *engine.Context, def *elm.ExpressionDef) (*r4.Parameters, bool) {
	ctx, span := tracer.Start(ctx, "cql.statement",
		trace.WithAttributes(attribute.String("cql.statement.name", def.Name)))
	defer span.End()

	result := r4.NewParameters(def.Name)
	result.AddString(partLocation, def.Trackback.Location())

	value, err := ec.Evaluate(ctx, def)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.observer.ObserveStatement(metrics.OutcomeError)
		s.logger.Debug("statement failed", zap.String("statement", def.Name), zap.Error(err))
		result.AddString(partError, errorMessage(err))
		return result, true
	}

	s.observer.ObserveStatement(metrics.OutcomeSuccess)
	addValue(result, value)
	result.AddString(partResultType, resultType(value))
	return result, false
}

// client creates a FHIR client for one of the request's services.
func (s *Service) client(service, baseURL string, auth fhirclient.Option) *fhirclient.HTTPClient {
	opts := []fhirclient.Option{
		fhirclient.WithService(service),
		fhirclient.WithObserver(s.observer),
		fhirclient.WithBreakers(s.breakers),
		fhirclient.WithLogger(s.logger),
	}
	if s.httpClient != nil {
		opts = append(opts, fhirclient.WithHTTPClient(s.httpClient))
	}
	opts = append(opts, fhirclient.WithTimeout(s.timeout), auth)
	return fhirclient.New(baseURL, opts...)
}

// errorMessage is the message of err, or its type name when empty.
func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return reflect.TypeOf(err).String()
}

func errorBundle(err error) *r4.Bundle {
	result := r4.NewParameters(errorID)
	result.AddString(partError, errorMessage(err))
	return entries(result)
}

func compileErrorBundle(ce *compiler.CompileError) *r4.Bundle {
	results := make([]*r4.Parameters, 0, len(ce.Diagnostics))
	for _, d := range ce.Diagnostics {
		result := r4.NewParameters(errorID)
		if tb := d.Trackback(); tb.Known() {
			result.AddString(partLocation, tb.Location())
		}
		result.AddString(partError, d.Message)
		results = append(results, result)
	}
	return entries(results...)
}

func entries(results ...*r4.Parameters) *r4.Bundle {
	bundle := r4.NewBundle(r4.BundleTypeCollection)
	for _, p := range results {
		bundle.Entry = append(bundle.Entry, r4.BundleEntry{FullURL: p.ID, Resource: p})
	}
	bundle.SetTotal(len(bundle.Entry))
	return bundle
}
