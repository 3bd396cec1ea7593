// Package terminology resolves and expands value sets against a remote FHIR
// terminology repository.
package terminology

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
	"github.com/phast-fr/cql-proxy/internal/fhirclient"
)

const (
	urnOID  = "urn:oid:"
	urnUUID = "urn:uuid:"
)

var (
	// ErrUnsupportedBinding is returned for version or code system bound references.
	ErrUnsupportedBinding = errors.New("unsupported value set binding")
	// ErrAmbiguousValueSet is returned when a lookup step matches several value sets.
	ErrAmbiguousValueSet = errors.New("ambiguous value set")
	// ErrUnresolvedValueSet is returned when every lookup step found nothing.
	ErrUnresolvedValueSet = errors.New("unresolved value set")
	// ErrNotImplemented is returned by membership and lookup.
	ErrNotImplemented = errors.New("not implemented")
)

// Error carries the message reported to the caller and the sentinel it matches.
type Error struct {
	kind error
	msg  string
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

// resourceID is the FHIR id datatype.
var resourceID = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// Outcome classifies one lookup step.
type Outcome int

const (
	// NoMatch lets the chain continue with the next step.
	NoMatch Outcome = iota
	// Resolved means exactly one value set matched.
	Resolved
	// Ambiguous means more than one value set matched.
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Ambiguous:
		return "ambiguous"
	default:
		return "no_match"
	}
}

// Resolution is the result of a lookup step or of the whole chain.
type Resolution struct {
	Outcome Outcome
	// ID is the repository id of the match when Outcome is Resolved.
	ID string
	// Step names the lookup that decided the outcome (url, id, read).
	Step string
}

// Provider is a terminology provider bound to one repository.
type Provider struct {
	client fhirclient.Client
	logger *zap.Logger
}

// NewProvider creates a provider. The client carries the repository credential.
func NewProvider(client fhirclient.Client, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{client: client, logger: logger}
}

// Expand resolves vs and returns the codes of its expansion. A resolution
// failure is logged and yields an empty expansion without calling $expand.
func (p *Provider) Expand(ctx context.Context, vs *runtime.ValueSetInfo) ([]runtime.Code, error) {
	if _, err := p.Resolve(ctx, vs); err != nil {
		p.logger.Warn("value set not expanded",
			zap.String("valueset", vs.ID),
			zap.Error(err))
		return []runtime.Code{}, nil
	}

	res, err := p.client.Operation(ctx, "ValueSet", vs.ID, "$expand")
	if err != nil {
		return nil, fmt.Errorf("failed to expand value set %s: %w", vs.ID, err)
	}
	expanded, ok := res.(*r4.ValueSet)
	if !ok {
		return nil, fmt.Errorf("expand %s: expected ValueSet, got %s", vs.ID, res.TypeName())
	}

	codes := []runtime.Code{}
	if expanded.Expansion == nil {
		return codes, nil
	}
	return appendContains(codes, expanded.Expansion.Contains), nil
}

func appendContains(codes []runtime.Code, contains []r4.ValueSetContains) []runtime.Code {
	for _, c := range contains {
		if c.Code != "" {
			codes = append(codes, runtime.Code{
				Code:    string(c.Code),
				System:  string(c.System),
				Version: string(c.Version),
				Display: string(c.Display),
			})
		}
		codes = appendContains(codes, c.Contains)
	}
	return codes
}

// Resolve binds vs to a repository id. The lookup order is canonical url,
// then id, then a direct read of the identifier stripped of its URN prefix.
// On success vs.ID holds the repository id.
func (p *Provider) Resolve(ctx context.Context, vs *runtime.ValueSetInfo) (Resolution, error) {
	if vs.Version != "" || len(vs.CodeSystems) > 0 {
		return Resolution{}, newError(ErrUnsupportedBinding,
			"Could not expand value set %s; version and code system bindings are not supported at this time.", vs.ID)
	}

	if vs.Resolved() {
		res, err := p.read(ctx, vs.ID)
		if err != nil {
			return Resolution{}, err
		}
		if res.Outcome != Resolved {
			return Resolution{}, newError(ErrUnresolvedValueSet, "Could not resolve value set %s.", vs.ID)
		}
		return res, nil
	}

	steps := []func(context.Context, string) (Resolution, error){
		p.searchByURL,
		p.searchByID,
		p.readStripped,
	}
	for _, step := range steps {
		res, err := step(ctx, vs.ID)
		if err != nil {
			return Resolution{}, err
		}
		switch res.Outcome {
		case Resolved:
			p.logger.Debug("value set resolved",
				zap.String("reference", vs.ID),
				zap.String("id", res.ID),
				zap.String("step", res.Step))
			vs.Bind(res.ID)
			return res, nil
		case Ambiguous:
			return res, newError(ErrAmbiguousValueSet, "Found more than 1 ValueSet with url: %s", vs.ID)
		}
	}
	return Resolution{Outcome: NoMatch}, newError(ErrUnresolvedValueSet, "Could not resolve value set %s.", vs.ID)
}

// In is not supported by this provider.
func (p *Provider) In(_ context.Context, _ runtime.Code, _ *runtime.ValueSetInfo) (bool, error) {
	return false, fmt.Errorf("terminology membership: %w", ErrNotImplemented)
}

// Lookup is not supported by this provider.
func (p *Provider) Lookup(_ context.Context, _ runtime.Code, _ runtime.CodeSystemInfo) (runtime.Code, error) {
	return runtime.Code{}, fmt.Errorf("terminology lookup: %w", ErrNotImplemented)
}

func (p *Provider) searchByURL(ctx context.Context, ref string) (Resolution, error) {
	return p.search(ctx, "url", fhirclient.Params().WithURL(ref))
}

func (p *Provider) searchByID(ctx context.Context, ref string) (Resolution, error) {
	return p.search(ctx, "id", fhirclient.Params().WithID(ref))
}

func (p *Provider) search(ctx context.Context, step string, params *fhirclient.SearchParams) (Resolution, error) {
	bundle, err := p.client.Search(ctx, "ValueSet", params)
	if err != nil {
		return Resolution{}, fmt.Errorf("value set search by %s: %w", step, err)
	}
	resources := bundle.Resources()
	switch {
	case bundle.TotalOrLen() > 1 || len(resources) > 1:
		return Resolution{Outcome: Ambiguous, Step: step}, nil
	case len(resources) == 1:
		return Resolution{Outcome: Resolved, ID: resources[0].GetID(), Step: step}, nil
	default:
		return Resolution{Outcome: NoMatch, Step: step}, nil
	}
}

func (p *Provider) readStripped(ctx context.Context, ref string) (Resolution, error) {
	id := ref
	switch {
	case strings.HasPrefix(id, urnOID):
		id = strings.TrimPrefix(id, urnOID)
	case strings.HasPrefix(id, urnUUID):
		id = strings.TrimPrefix(id, urnUUID)
	}
	if !resourceID.MatchString(id) {
		return Resolution{Outcome: NoMatch, Step: "read"}, nil
	}
	return p.read(ctx, id)
}

func (p *Provider) read(ctx context.Context, id string) (Resolution, error) {
	res, err := p.client.Read(ctx, "ValueSet", id)
	if fhirclient.IsNotFound(err) {
		return Resolution{Outcome: NoMatch, Step: "read"}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("value set read: %w", err)
	}
	return Resolution{Outcome: Resolved, ID: res.GetID(), Step: "read"}, nil
}
