// Package compiler translates CQL source into elm libraries whose
// expressions are CEL programs.
//
// The supported language is a practical subset of CQL: declarations of
// libraries, models, includes, terminology, parameters and contexts, plus
// expression and function definitions. Each expression body is rewritten to
// CEL and parsed without type checking; identifiers are bound at
// evaluation time.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/library"
)

// ErrMultipleModels rejects a script declaring more than one data model,
// whether or not the models are known.
var ErrMultipleModels = errors.New("Evaluation of Measure using multiple Models is not supported at this time.")

// Diagnostic is a compilation error located in the source.
type Diagnostic struct {
	Line    int
	Column  int
	Message string
}

func (d *Diagnostic) Error() string {
	return d.Message
}

// Trackback returns the position of the diagnostic.
func (d *Diagnostic) Trackback() elm.Trackback {
	return elm.Trackback{Line: d.Line, Column: d.Column}
}

// CompileError carries every diagnostic of a failed compilation.
type CompileError struct {
	Diagnostics []*Diagnostic
}

func (e *CompileError) Error() string {
	msgs := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		msgs[i] = d.Message
	}
	return strings.Join(msgs, "; ")
}

// IncludeError is an included library that failed to compile. Its
// diagnostics belong to the included source, not to the script.
type IncludeError struct {
	Library elm.VersionedIdentifier
	Err     *CompileError
}

func (e *IncludeError) Error() string {
	return fmt.Sprintf("Library %s loaded, but had errors: %s", e.Library, e.Err)
}

func (e *IncludeError) Unwrap() error { return e.Err }

// Compiler compiles request scripts and the libraries they include.
type Compiler struct {
	models    *library.ModelManager
	libraries *library.Manager
	env       *cel.Env
	logger    *zap.Logger
	loading   map[elm.VersionedIdentifier]bool
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a compiler. A Compiler is not safe for concurrent use; create
// one per request around the shared caches.
func New(models *library.ModelManager, libraries *library.Manager, opts ...Option) (*Compiler, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	if models == nil {
		models = library.NewModelManager(nil)
	}
	if libraries == nil {
		libraries = library.NewManager(nil, nil)
	}
	c := &Compiler{
		models:    models,
		libraries: libraries,
		env:       env,
		logger:    zap.NewNop(),
		loading:   make(map[elm.VersionedIdentifier]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compile compiles a script. Syntax and semantic errors are returned as a
// *CompileError. Any other error, such as an unknown model or an include
// that cannot be loaded, fails the compilation as a whole. A script with
// more than one using fails with ErrMultipleModels before any model is
// resolved.
func (c *Compiler) Compile(ctx context.Context, text string) (*elm.Library, error) {
	ctx, span := otel.Tracer("cql").Start(ctx, "cql.compile")
	defer span.End()

	lib, err := c.parse(text)
	if err == nil && len(lib.Usings) > 1 {
		err = ErrMultipleModels
	}
	if err == nil {
		err = c.link(ctx, lib)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("cql.library", lib.Identifier.String()),
		attribute.Int("cql.statements", len(lib.Statements)))
	return lib, nil
}

// Load returns the compiled library id, compiling it from the library
// sources on a cache miss.
func (c *Compiler) Load(ctx context.Context, id elm.VersionedIdentifier) (*elm.Library, error) {
	if c.loading[id] {
		return nil, fmt.Errorf("Cycle detected in library includes for %s.", id)
	}
	return c.libraries.Resolve(ctx, id, func(ctx context.Context, id elm.VersionedIdentifier, text string) (*elm.Library, error) {
		c.loading[id] = true
		defer delete(c.loading, id)

		lib, err := c.parse(text)
		if err == nil {
			err = c.link(ctx, lib)
		}
		var ce *CompileError
		if errors.As(err, &ce) {
			return nil, &IncludeError{Library: id, Err: ce}
		}
		return lib, err
	})
}

func (c *Compiler) parse(text string) (*elm.Library, error) {
	tokens, diags := lex(text)
	p := newParser(tokens, c.env)
	p.diags = append(p.diags, diags...)
	lib := p.parse()
	if len(p.diags) > 0 {
		return nil, &CompileError{Diagnostics: p.diags}
	}
	return lib, nil
}

// link binds the usings of lib to their models and loads its includes.
func (c *Compiler) link(ctx context.Context, lib *elm.Library) error {
	for i, u := range lib.Usings {
		info, err := c.models.Resolve(elm.VersionedIdentifier{ID: u.LocalIdentifier, Version: u.Version})
		if err != nil {
			return err
		}
		lib.Usings[i].URI = info.URI
		lib.Usings[i].Version = info.Version
	}

	for _, inc := range lib.Includes {
		if _, err := c.Load(ctx, inc.Identifier()); err != nil {
			return err
		}
	}

	c.logger.Debug("library compiled",
		zap.String("library", lib.Identifier.String()),
		zap.Int("statements", len(lib.Statements)))
	return nil
}
