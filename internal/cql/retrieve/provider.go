// Package retrieve turns engine retrieve requests into FHIR searches against
// the data repository.
package retrieve

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
	"github.com/phast-fr/cql-proxy/internal/fhirclient"
)

// codeParam is the token search parameter used for code filters.
const codeParam = "code"

// Expander expands a value set into codes.
type Expander interface {
	Expand(ctx context.Context, vs *runtime.ValueSetInfo) ([]runtime.Code, error)
}

// Request is one retrieve as issued by the engine.
type Request struct {
	Context      string
	ContextPath  string
	ContextValue any
	DataType     string
	TemplateID   string
	CodePath     string
	Codes        []runtime.Code
	ValueSet     string
	DatePath     string
	DateLowPath  string
	DateHighPath string
	DateRange    *runtime.Interval
}

// Provider fetches resources from one data repository.
type Provider struct {
	client          fhirclient.Client
	terminology     Expander
	expandValueSets bool
	logger          *zap.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithTerminology sets the provider used to pre-expand value sets.
func WithTerminology(t Expander) Option {
	return func(p *Provider) { p.terminology = t }
}

// WithExpandValueSets expands value sets locally instead of sending a
// code:in filter to the repository.
func WithExpandValueSets(expand bool) Option {
	return func(p *Provider) { p.expandValueSets = expand }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProvider creates a provider. The client carries the bearer credential.
func NewProvider(client fhirclient.Client, opts ...Option) *Provider {
	p := &Provider{client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetTerminology replaces the terminology provider.
func (p *Provider) SetTerminology(t Expander) {
	p.terminology = t
}

// ExpandValueSets reports whether value sets are expanded locally.
func (p *Provider) ExpandValueSets() bool {
	return p.expandValueSets
}

// Retrieve runs the first query shape that matches req:
//
//	id context:                         DataType?_id=value
//	subject context with codes:         DataType?subject=ref&code=tokens
//	subject context with value set:     DataType?subject=ref&code:in=url
//	same, expanding value sets locally: DataType?subject=ref&code=expanded
//
// A request matching no shape returns an empty result. CodePath is not
// used: codes always filter on the code parameter, so [Condition: category
// in "X"] searches by code, not by category.
func (p *Provider) Retrieve(ctx context.Context, req Request) ([]r4.Resource, error) {
	value, ok := contextString(req.ContextValue)
	if !ok || req.DataType == "" {
		return []r4.Resource{}, nil
	}

	var params *fhirclient.SearchParams
	switch {
	case req.ContextPath == "id":
		params = fhirclient.Params().WithID(value)

	case req.ContextPath == "subject" && req.Codes != nil:
		params = fhirclient.Params().
			WithSubject(subjectRef(req.Context, value)).
			WithCodes(codeParam, req.Codes)

	case req.ContextPath == "subject" && req.ValueSet != "" && !p.expandValueSets:
		params = fhirclient.Params().
			WithSubject(subjectRef(req.Context, value)).
			WithValueSet(codeParam, req.ValueSet)

	case req.ContextPath == "subject" && req.ValueSet != "" && p.expandValueSets:
		codes, err := p.expand(ctx, req.ValueSet)
		if err != nil {
			return nil, err
		}
		if len(codes) == 0 {
			p.logger.Debug("empty expansion, nothing to retrieve",
				zap.String("type", req.DataType),
				zap.String("valueset", req.ValueSet))
			return []r4.Resource{}, nil
		}
		params = fhirclient.Params().
			WithSubject(subjectRef(req.Context, value)).
			WithCodes(codeParam, codes)

	default:
		return []r4.Resource{}, nil
	}

	bundle, err := p.client.Search(ctx, req.DataType, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", req.DataType, err)
	}
	resources := bundle.Resources()
	if resources == nil {
		resources = []r4.Resource{}
	}
	p.logger.Debug("retrieved",
		zap.String("type", req.DataType),
		zap.String("query", params.Encode()),
		zap.Int("count", len(resources)))
	return resources, nil
}

func (p *Provider) expand(ctx context.Context, valueSet string) ([]runtime.Code, error) {
	if p.terminology == nil {
		return nil, fmt.Errorf("value set %s: no terminology provider to expand it", valueSet)
	}
	codes, err := p.terminology.Expand(ctx, runtime.NewValueSetInfo(valueSet))
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", valueSet, err)
	}
	return codes, nil
}

func contextString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case r4.String:
		return string(s), true
	}
	return "", false
}

// subjectRef qualifies a bare id with the context type.
func subjectRef(contextType, value string) string {
	if contextType == "" || strings.Contains(value, "/") {
		return value
	}
	return contextType + "/" + value
}
