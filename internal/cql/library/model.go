package library

import (
	"fmt"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/model"
)

// ModelInfo describes a data model a library can use.
type ModelInfo struct {
	ID          string
	Version     string
	URI         string
	PackageName string
}

// ModelCache holds resolved models by identifier.
type ModelCache = Cache[elm.VersionedIdentifier, *ModelInfo]

// knownModels are the models this service can evaluate against.
var knownModels = map[elm.VersionedIdentifier]ModelInfo{
	{ID: elm.SystemModel}:                   {ID: elm.SystemModel, URI: "urn:hl7-org:elm-types:r1", PackageName: "System"},
	{ID: "FHIR", Version: "4.0.1"}:          {ID: "FHIR", Version: "4.0.1", URI: "http://hl7.org/fhir", PackageName: model.DefaultPackageName},
	{ID: "FHIR", Version: "4.0.0"}:          {ID: "FHIR", Version: "4.0.0", URI: "http://hl7.org/fhir", PackageName: model.DefaultPackageName},
	{ID: "FHIR", Version: ""}:               {ID: "FHIR", Version: "4.0.1", URI: "http://hl7.org/fhir", PackageName: model.DefaultPackageName},
	{ID: elm.SystemModel, Version: "1.0.0"}: {ID: elm.SystemModel, Version: "1.0.0", URI: "urn:hl7-org:elm-types:r1", PackageName: "System"},
}

// ModelManager resolves using declarations to model information.
type ModelManager struct {
	cache *ModelCache
}

// NewModelManager creates a manager backed by cache.
func NewModelManager(cache *ModelCache) *ModelManager {
	if cache == nil {
		cache = NewCache[elm.VersionedIdentifier, *ModelInfo]()
	}
	return &ModelManager{cache: cache}
}

// Resolve returns the model for id.
func (m *ModelManager) Resolve(id elm.VersionedIdentifier) (*ModelInfo, error) {
	return m.cache.GetOrCompute(id, func() (*ModelInfo, error) {
		info, ok := knownModels[id]
		if !ok {
			return nil, fmt.Errorf("Could not load model information for model %s, version %s.", id.ID, id.Version)
		}
		return &info, nil
	})
}
