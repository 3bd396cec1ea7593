// Package engine evaluates compiled CQL libraries. Expressions run as CEL
// programs over a lazy activation that resolves definitions, parameters and
// terminology declarations on demand, and every CQL operator is a bound
// function so that null handling follows CQL rather than CEL.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/common/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/model"
	"github.com/phast-fr/cql-proxy/internal/cql/retrieve"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

var tracer = otel.Tracer("github.com/phast-fr/cql-proxy/internal/cql/engine")

// ModelResolver navigates and types the values of one data model.
type ModelResolver interface {
	ResolvePath(target any, path string) any
	ContextPath(contextType, targetType string) (string, bool)
	ResolveType(typeName string) (reflect.Type, error)
	Is(value any, t reflect.Type) bool
	As(value any, t reflect.Type, strict bool) (any, error)
	ObjectEqual(left, right any) (bool, bool)
	ObjectEquivalent(left, right any) bool
}

// Retriever fetches the resources a retrieve expression selects.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieve.Request) ([]r4.Resource, error)
}

// DataProvider pairs the resolver and the retriever of one model.
type DataProvider struct {
	Resolver  ModelResolver
	Retriever Retriever
}

// TerminologyProvider expands value sets.
type TerminologyProvider interface {
	Expand(ctx context.Context, vs *runtime.ValueSetInfo) ([]runtime.Code, error)
}

// FunctionProvider evaluates the external functions of one library.
type FunctionProvider interface {
	Evaluate(ctx context.Context, name string, args []any) (any, error)
}

// LibraryLoader resolves included libraries.
type LibraryLoader interface {
	Load(ctx context.Context, id elm.VersionedIdentifier) (*elm.Library, error)
}

// Errors reported while wiring an evaluation.
var (
	ErrNoDataProvider        = errors.New("no data provider")
	ErrNoTerminologyProvider = errors.New("no terminology provider")
	ErrNoLibraryLoader       = errors.New("no library loader")
)

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithNow fixes the evaluation timestamp Today and Now report.
func WithNow(t time.Time) Option {
	return func(c *Context) { c.now = t }
}

// Context is the state of one evaluation request. It is not safe for
// concurrent use.
type Context struct {
	library *elm.Library
	logger  *zap.Logger
	now     time.Time

	dataProviders map[string]DataProvider
	terminology   TerminologyProvider
	externals     map[elm.VersionedIdentifier]FunctionProvider
	loader        LibraryLoader
	fallback      ModelResolver

	current       string
	contextValues map[string]any
	caching       bool

	// ctx is the request context of the Evaluate call in progress. CEL
	// function bindings have no context parameter of their own.
	ctx context.Context

	root       *scope
	scopes     map[elm.VersionedIdentifier]*scope
	results    map[resultKey]resultEntry
	evaluating map[resultKey]bool
	expansions map[string][]runtime.Code
	resources  map[string]any
}

type resultKey struct {
	library elm.VersionedIdentifier
	name    string
	context string
	value   string
}

type resultEntry struct {
	value any
	err   error
}

// NewContext creates an evaluation context for lib.
func NewContext(lib *elm.Library, opts ...Option) *Context {
	c := &Context{
		library:       lib,
		logger:        zap.NewNop(),
		now:           time.Now(),
		dataProviders: map[string]DataProvider{},
		externals:     map[elm.VersionedIdentifier]FunctionProvider{},
		current:       elm.DefaultContext,
		contextValues: map[string]any{},
		caching:       true,
		scopes:        map[elm.VersionedIdentifier]*scope{},
		results:       map[resultKey]resultEntry{},
		evaluating:    map[resultKey]bool{},
		expansions:    map[string][]runtime.Code{},
		resources:     map[string]any{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fallback = model.NewResolver(c.logger)
	return c
}

// Library returns the library under evaluation.
func (c *Context) Library() *elm.Library {
	return c.library
}

// RegisterDataProvider binds the provider serving the model with the given URI.
func (c *Context) RegisterDataProvider(modelURI string, p DataProvider) {
	c.dataProviders[modelURI] = p
}

// RegisterTerminologyProvider sets the provider used by value set operations.
func (c *Context) RegisterTerminologyProvider(p TerminologyProvider) {
	c.terminology = p
}

// RegisterExternalFunctionProvider binds the provider of the external
// functions declared by library id.
func (c *Context) RegisterExternalFunctionProvider(id elm.VersionedIdentifier, p FunctionProvider) {
	c.externals[id] = p
}

// RegisterLibraryLoader sets the loader used for included libraries.
func (c *Context) RegisterLibraryLoader(l LibraryLoader) {
	c.loader = l
}

// EnterContext switches the current context (Patient, Unfiltered, ...).
func (c *Context) EnterContext(name string) {
	c.current = name
}

// CurrentContext returns the current context name.
func (c *Context) CurrentContext() string {
	return c.current
}

// SetContextValue sets the value identifying the subject of a context, e.g.
// the patient id of the Patient context.
func (c *Context) SetContextValue(name string, value any) {
	c.contextValues[name] = value
}

// SetExpressionCaching toggles caching of definition results.
func (c *Context) SetExpressionCaching(enabled bool) {
	c.caching = enabled
}

// Evaluate runs def in its declared context and returns its value as a Go
// value: nil, bool, int64, decimal.Decimal, string, time.Time, runtime
// values, FHIR elements, []any or RetrieveResult.
func (c *Context) Evaluate(ctx context.Context, def *elm.ExpressionDef) (any, error) {
	ctx, span := tracer.Start(ctx, "cql.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("cql.library", c.library.Identifier.String()),
		attribute.String("cql.definition", def.Name),
	)

	c.ctx = ctx
	defer func() { c.ctx = nil }()

	value, err := c.evaluate(def)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("definition failed",
			zap.String("definition", def.Name),
			zap.Error(err),
		)
		return nil, err
	}
	return value, nil
}

func (c *Context) evaluate(def *elm.ExpressionDef) (any, error) {
	root, err := c.rootScope()
	if err != nil {
		return nil, err
	}
	if def.AST == nil {
		return nil, fmt.Errorf("definition %s has no compiled expression", def.Name)
	}
	return root.definition(def)
}

// rootScope builds the scope of the evaluated library and loads its includes.
func (c *Context) rootScope() (*scope, error) {
	if c.root != nil {
		return c.root, nil
	}
	root, err := c.scopeFor(c.library, nil)
	if err != nil {
		return nil, err
	}
	c.root = root
	return root, nil
}

func (c *Context) scopeFor(lib *elm.Library, path []elm.VersionedIdentifier) (*scope, error) {
	if s, ok := c.scopes[lib.Identifier]; ok {
		return s, nil
	}
	for _, seen := range path {
		if seen == lib.Identifier {
			return nil, fmt.Errorf("Cycle detected in library includes for %s.", lib.Identifier.ID)
		}
	}
	path = append(path, lib.Identifier)

	s := &scope{c: c, lib: lib, includes: map[string]*scope{}, valueSets: map[string]*runtime.ValueSetInfo{}}
	for _, inc := range lib.Includes {
		if c.loader == nil {
			return nil, fmt.Errorf("load library %s: %w", inc.Identifier(), ErrNoLibraryLoader)
		}
		included, err := c.loader.Load(c.ctx, inc.Identifier())
		if err != nil {
			return nil, err
		}
		incScope, err := c.scopeFor(included, path)
		if err != nil {
			return nil, err
		}
		s.includes[elm.Identifier(inc.LocalIdentifier)] = incScope
	}
	if err := s.buildEnv(); err != nil {
		return nil, fmt.Errorf("prepare library %s: %w", lib.Identifier, err)
	}
	c.scopes[lib.Identifier] = s
	return s, nil
}

// dataProvider returns the provider of the first model lib uses, falling
// back to any registered provider.
func (c *Context) dataProvider(lib *elm.Library) (DataProvider, error) {
	for _, u := range lib.Usings {
		if p, ok := c.dataProviders[u.URI]; ok {
			return p, nil
		}
	}
	for _, p := range c.dataProviders {
		return p, nil
	}
	return DataProvider{}, fmt.Errorf("library %s: %w", lib.Identifier, ErrNoDataProvider)
}

func (c *Context) resolver(lib *elm.Library) ModelResolver {
	if p, err := c.dataProvider(lib); err == nil && p.Resolver != nil {
		return p.Resolver
	}
	return c.fallback
}

func (c *Context) key(lib elm.VersionedIdentifier, name string) resultKey {
	return resultKey{
		library: lib,
		name:    name,
		context: c.current,
		value:   fmt.Sprint(c.contextValues[c.current]),
	}
}

// cached evaluates fn once per key while caching is enabled and reports
// recursive references as errors.
func (c *Context) cached(key resultKey, fn func() (any, error)) (any, error) {
	if c.caching {
		if e, ok := c.results[key]; ok {
			return e.value, e.err
		}
	}
	if c.evaluating[key] {
		return nil, fmt.Errorf("Cycle detected evaluating %s.", key.name)
	}
	c.evaluating[key] = true
	value, err := fn()
	delete(c.evaluating, key)
	if c.caching {
		c.results[key] = resultEntry{value: value, err: err}
	}
	return value, err
}

// contextResource returns the resource the current context is about, e.g.
// the Patient of the Patient context. It is nil in the Unfiltered context.
func (c *Context) contextResource(lib *elm.Library, contextType string) (any, error) {
	if contextType == "" || contextType == elm.DefaultContext {
		return nil, nil
	}
	key := contextType + "/" + fmt.Sprint(c.contextValues[contextType])
	if res, ok := c.resources[key]; ok {
		return res, nil
	}
	resources, err := c.retrieve(lib, retrieveArgs{dataType: contextType})
	if err != nil {
		return nil, err
	}
	res, err := singletonFrom(resources)
	if err != nil {
		return nil, err
	}
	c.resources[key] = res
	return res, nil
}

type retrieveArgs struct {
	dataType string
	codePath string
	ref      any
}

func (c *Context) retrieve(lib *elm.Library, args retrieveArgs) (RetrieveResult, error) {
	p, err := c.dataProvider(lib)
	if err != nil {
		return nil, err
	}
	req := retrieve.Request{
		Context:      c.current,
		ContextValue: c.contextValues[c.current],
		DataType:     args.dataType,
		CodePath:     args.codePath,
	}
	if c.current == elm.DefaultContext {
		req.ContextValue = nil
	}
	if path, ok := p.Resolver.ContextPath(c.current, args.dataType); ok {
		req.ContextPath = path
	}
	switch ref := args.ref.(type) {
	case nil:
	case *runtime.ValueSetInfo:
		req.ValueSet = ref.ID
	case runtime.Code:
		req.Codes = []runtime.Code{ref}
	case []any:
		req.Codes = []runtime.Code{}
		for _, item := range ref {
			if code, ok := item.(runtime.Code); ok {
				req.Codes = append(req.Codes, code)
			}
		}
	default:
		return nil, fmt.Errorf("invalid retrieve filter of type %T", args.ref)
	}

	resources, err := p.Retriever.Retrieve(c.ctx, req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("retrieve",
		zap.String("dataType", req.DataType),
		zap.String("context", req.Context),
		zap.Int("count", len(resources)),
	)
	return RetrieveResult(resources), nil
}

// expand returns the codes of vs, expanding each value set once per request.
func (c *Context) expand(vs *runtime.ValueSetInfo) ([]runtime.Code, error) {
	if codes, ok := c.expansions[vs.ID]; ok {
		return codes, nil
	}
	if c.terminology == nil {
		return nil, fmt.Errorf("expand %s: %w", vs.ID, ErrNoTerminologyProvider)
	}
	id := vs.ID
	codes, err := c.terminology.Expand(c.ctx, vs)
	if err != nil {
		return nil, err
	}
	c.expansions[id] = codes
	c.expansions[vs.ID] = codes
	return codes, nil
}

// unwrap returns the Go error behind a CEL evaluation error.
func unwrap(err error) error {
	var celErr *types.Err
	if errors.As(err, &celErr) {
		if cause := celErr.Unwrap(); cause != nil {
			return cause
		}
	}
	return err
}
