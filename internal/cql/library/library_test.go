package library

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
	"github.com/phast-fr/cql-proxy/internal/fhirclient"
	"github.com/phast-fr/cql-proxy/internal/fhirclient/fhirtest"
)

func TestCache_GetOrCompute(t *testing.T) {
	c := NewCache[string, int]()

	var calls atomic.Int32
	compute := func() (int, error) {
		calls.Add(1)
		return 42, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute("answer", compute)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.Len())
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	v, err := c.GetOrCompute("answer", func() (int, error) { return 0, errors.New("not called") })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCache_ErrorsAreNotStored(t *testing.T) {
	c := NewCache[string, int]()
	_, err := c.GetOrCompute("k", func() (int, error) { return 0, errors.New("boom") })
	require.EqualError(t, err, "boom")

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Put("k", 7)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestModelManager_Resolve(t *testing.T) {
	cache := NewCache[elm.VersionedIdentifier, *ModelInfo]()
	m := NewModelManager(cache)

	fhir, err := m.Resolve(elm.VersionedIdentifier{ID: "FHIR", Version: "4.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "http://hl7.org/fhir", fhir.URI)

	unversioned, err := m.Resolve(elm.VersionedIdentifier{ID: "FHIR"})
	require.NoError(t, err)
	assert.Equal(t, "4.0.1", unversioned.Version)

	system, err := m.Resolve(elm.VersionedIdentifier{ID: elm.SystemModel})
	require.NoError(t, err)
	assert.Equal(t, "urn:hl7-org:elm-types:r1", system.URI)

	_, err = m.Resolve(elm.VersionedIdentifier{ID: "QDM", Version: "5.4"})
	assert.EqualError(t, err, "Could not load model information for model QDM, version 5.4.")

	assert.Equal(t, 3, cache.Len())
}

func TestBuiltinSource(t *testing.T) {
	src := BuiltinSource()

	text, err := src.Load(context.Background(), FHIRHelpers)
	require.NoError(t, err)
	assert.Contains(t, text, "library FHIRHelpers version '4.0.1'")

	_, err = src.Load(context.Background(), elm.VersionedIdentifier{ID: "FHIRHelpers"})
	assert.NoError(t, err)

	_, err = src.Load(context.Background(), elm.VersionedIdentifier{ID: "FHIRHelpers", Version: "3.0.0"})
	assert.ErrorIs(t, err, ErrLibraryNotFound)
}

func TestRemoteSource(t *testing.T) {
	srv := fhirtest.NewServer(t)
	srv.Add(
		&r4.Library{ResourceType: "Library", ID: "common-1", Name: "Common", Version: "1.0.0", Content: []r4.Attachment{
			{ContentType: "application/elm+json", Data: []byte("{}")},
			{ContentType: CQLContentType, Data: []byte("library Common version '1.0.0'")},
		}},
		&r4.Library{ResourceType: "Library", ID: "elm-only", Name: "ElmOnly", Content: []r4.Attachment{
			{ContentType: "application/elm+json", Data: []byte("{}")},
		}},
	)
	client := fhirclient.New(srv.URL, fhirclient.WithBasic("user:pass"))
	src := NewRemoteSource(client)

	text, err := src.Load(context.Background(), elm.VersionedIdentifier{ID: "Common", Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "library Common version '1.0.0'", text)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/Library", reqs[0].Path)
	assert.Equal(t, "Common", reqs[0].Query.Get("name"))
	assert.Equal(t, "1.0.0", reqs[0].Query.Get("version"))
	assert.Contains(t, reqs[0].Authorization, "Basic ")

	_, err = src.Load(context.Background(), elm.VersionedIdentifier{ID: "ElmOnly"})
	assert.ErrorIs(t, err, ErrLibraryNotFound)

	_, err = src.Load(context.Background(), elm.VersionedIdentifier{ID: "Missing"})
	assert.ErrorIs(t, err, ErrLibraryNotFound)

	srv.SetStatus("/Library", http.StatusInternalServerError)
	_, err = src.Load(context.Background(), elm.VersionedIdentifier{ID: "Common"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLibraryNotFound)
}

func TestChain(t *testing.T) {
	failing := SourceFunc(func(context.Context, elm.VersionedIdentifier) (string, error) {
		return "", errors.New("repository down")
	})
	fixed := SourceFunc(func(_ context.Context, id elm.VersionedIdentifier) (string, error) {
		if id.ID == "Local" {
			return "library Local", nil
		}
		return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, id)
	})

	text, err := Chain(BuiltinSource(), fixed).Load(context.Background(), elm.VersionedIdentifier{ID: "Local"})
	require.NoError(t, err)
	assert.Equal(t, "library Local", text)

	text, err = Chain(BuiltinSource(), failing).Load(context.Background(), FHIRHelpers)
	require.NoError(t, err)
	assert.NotEmpty(t, text)

	_, err = Chain(fixed, failing).Load(context.Background(), elm.VersionedIdentifier{ID: "Other"})
	assert.EqualError(t, err, "repository down")

	_, err = Chain(fixed).Load(context.Background(), elm.VersionedIdentifier{ID: "Other"})
	assert.ErrorIs(t, err, ErrLibraryNotFound)
}

func TestManager_Resolve(t *testing.T) {
	cache := NewCache[elm.VersionedIdentifier, *elm.Library]()
	id := elm.VersionedIdentifier{ID: "Common", Version: "1"}
	source := SourceFunc(func(_ context.Context, got elm.VersionedIdentifier) (string, error) {
		if got == id {
			return "library Common version '1'", nil
		}
		return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, got)
	})

	var compiles int
	compile := func(_ context.Context, id elm.VersionedIdentifier, text string) (*elm.Library, error) {
		compiles++
		return &elm.Library{Identifier: id}, nil
	}

	m := NewManager(cache, source)
	lib, err := m.Resolve(context.Background(), id, compile)
	require.NoError(t, err)
	assert.Equal(t, id, lib.Identifier)

	again, err := NewManager(cache, source).Resolve(context.Background(), id, compile)
	require.NoError(t, err)
	assert.Same(t, lib, again)
	assert.Equal(t, 1, compiles)

	cached, ok := m.Cached(id)
	assert.True(t, ok)
	assert.Same(t, lib, cached)

	_, err = m.Resolve(context.Background(), elm.VersionedIdentifier{ID: "Other", Version: "2"}, compile)
	assert.ErrorIs(t, err, ErrLibraryNotFound)
	assert.Contains(t, err.Error(), "Could not load source for library Other, version 2: ")

	_, err = m.Resolve(context.Background(), elm.VersionedIdentifier{ID: "Common", Version: "1"}, compile)
	require.NoError(t, err)

	mismatched := SourceFunc(func(context.Context, elm.VersionedIdentifier) (string, error) {
		return "library Else", nil
	})
	_, err = NewManager(nil, mismatched).Resolve(context.Background(), elm.VersionedIdentifier{ID: "Wanted"},
		func(context.Context, elm.VersionedIdentifier, string) (*elm.Library, error) {
			return &elm.Library{Identifier: elm.VersionedIdentifier{ID: "Else"}}, nil
		})
	assert.EqualError(t, err, "Library Wanted was loaded from a source declaring Else.")
}
