package library

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
	"github.com/phast-fr/cql-proxy/internal/fhirclient"
)

// CQLContentType is the attachment type holding CQL source.
const CQLContentType = "text/cql"

// ErrLibraryNotFound is returned when a source has no library for an identifier.
var ErrLibraryNotFound = errors.New("library not found")

//go:embed fhirhelpers.cql
var fhirHelpersSource string

// FHIRHelpers identifies the built-in helper library.
var FHIRHelpers = elm.VersionedIdentifier{ID: "FHIRHelpers", Version: "4.0.1"}

// Source loads CQL source text for a library identifier.
type Source interface {
	Load(ctx context.Context, id elm.VersionedIdentifier) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id elm.VersionedIdentifier) (string, error)

func (f SourceFunc) Load(ctx context.Context, id elm.VersionedIdentifier) (string, error) {
	return f(ctx, id)
}

// BuiltinSource serves the libraries shipped with the service.
func BuiltinSource() Source {
	return SourceFunc(func(_ context.Context, id elm.VersionedIdentifier) (string, error) {
		if id.ID == FHIRHelpers.ID && (id.Version == "" || id.Version == FHIRHelpers.Version) {
			return fhirHelpersSource, nil
		}
		return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, id)
	})
}

// RemoteSource loads Library resources from a FHIR repository.
type RemoteSource struct {
	client fhirclient.Client
}

// NewRemoteSource creates a source searching client. The client carries the
// library repository credential.
func NewRemoteSource(client fhirclient.Client) *RemoteSource {
	return &RemoteSource{client: client}
}

// Load searches Library by name and version and returns the first CQL
// attachment of the first match.
func (s *RemoteSource) Load(ctx context.Context, id elm.VersionedIdentifier) (string, error) {
	params := fhirclient.Params().Add("name", id.ID)
	if id.Version != "" {
		params.Add("version", id.Version)
	}
	bundle, err := s.client.Search(ctx, "Library", params)
	if err != nil {
		return "", fmt.Errorf("library search %s: %w", id, err)
	}
	for _, res := range bundle.Resources() {
		lib, ok := res.(*r4.Library)
		if !ok {
			continue
		}
		if att := lib.ContentOfType(CQLContentType); att != nil && len(att.Data) > 0 {
			return string(att.Data), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, id)
}

// Chain tries each source in order and returns the first hit.
func Chain(sources ...Source) Source {
	return SourceFunc(func(ctx context.Context, id elm.VersionedIdentifier) (string, error) {
		for _, s := range sources {
			text, err := s.Load(ctx, id)
			if err == nil {
				return text, nil
			}
			if !errors.Is(err, ErrLibraryNotFound) {
				return "", err
			}
		}
		return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, id)
	})
}
