package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/internal/cql/compiler"
	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/engine"
	"github.com/phast-fr/cql-proxy/internal/cql/library"
	"github.com/phast-fr/cql-proxy/internal/cql/model"
	"github.com/phast-fr/cql-proxy/internal/cql/retrieve"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

const script = `library Test version '1.0.0'

using FHIR version '4.0.1'

include FHIRHelpers version '4.0.1' called FHIRHelpers

codesystem "LOINC": 'http://loinc.org'
valueset "Diabetes": 'http://example.org/fhir/ValueSet/diabetes'
code "Systolic": '8480-6' from "LOINC" display 'Systolic blood pressure'

parameter "Threshold" Integer default 2

define "Two": 1 + 1
define "Half": 10 / 4
define "Null Sum": null + 1
define "Unknown And False": null and false
define "Unknown Or True": null or true
define "Mixed Equal": 1 = 1.0
define "Equivalent Strings": 'abc' ~ ' ABC'
define "Scaled": ({1, 2, 3}) X where X > 1 return X * 10
define "Above Threshold": "Two" >= "Threshold"
define "In Interval": 5 in Interval[1, 10)
define "End Of Interval": 10 in Interval[1, 10)
define "Next Month": @2020-01-31 + 1 'month'
define "Four": "Double"(2)
define "All Conditions": [Condition]
define "Loop A": "Loop B"
define "Loop B": "Loop A"
define "Dangling": Missing
define "Code In Value Set": "Systolic" in "Diabetes"

define function "Double"(value Integer) returns Integer:
  value * 2

context Patient

define "Diabetes Conditions":
  [Condition: "Diabetes"]

define "Has Diabetes":
  exists "Diabetes Conditions"

define "Gender":
  FHIRHelpers.ToString(Patient.gender)

define "Age":
  AgeInYears()
`

const diabetesURL = "http://example.org/fhir/ValueSet/diabetes"

type fakeRetriever struct {
	resources map[string][]r4.Resource
	requests  []retrieve.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req retrieve.Request) ([]r4.Resource, error) {
	f.requests = append(f.requests, req)
	return f.resources[req.DataType], nil
}

func (f *fakeRetriever) count(dataType string) int {
	n := 0
	for _, req := range f.requests {
		if req.DataType == dataType {
			n++
		}
	}
	return n
}

type fakeTerminology map[string][]runtime.Code

func (f fakeTerminology) Expand(_ context.Context, vs *runtime.ValueSetInfo) ([]runtime.Code, error) {
	codes, ok := f[vs.ID]
	if !ok {
		return nil, fmt.Errorf("unknown value set %s", vs.ID)
	}
	return codes, nil
}

type fixture struct {
	ctx       *engine.Context
	lib       *elm.Library
	retriever *fakeRetriever
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	comp, err := compiler.New(nil, nil)
	require.NoError(t, err)
	lib, err := comp.Compile(context.Background(), script)
	require.NoError(t, err)

	birthDate := r4.Date("1980-07-01")
	ret := &fakeRetriever{resources: map[string][]r4.Resource{
		"Patient": {&r4.Patient{ResourceType: "Patient", ID: "p1", Gender: "female", BirthDate: &birthDate}},
		"Condition": {&r4.Condition{ResourceType: "Condition", ID: "c1",
			Subject: r4.Reference{Reference: "Patient/p1"}}},
	}}

	c := engine.NewContext(lib, engine.WithNow(time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)))
	c.RegisterDataProvider(lib.Usings[0].URI, engine.DataProvider{Resolver: model.NewResolver(nil), Retriever: ret})
	c.RegisterTerminologyProvider(fakeTerminology{
		diabetesURL: {{Code: "8480-6", System: "http://loinc.org"}},
	})
	c.RegisterLibraryLoader(comp)
	c.RegisterExternalFunctionProvider(library.FHIRHelpers, engine.FHIRHelpers{})
	c.EnterContext("Patient")
	c.SetContextValue("Patient", "p1")
	return &fixture{ctx: c, lib: lib, retriever: ret}
}

func (f *fixture) evaluate(t *testing.T, name string) (any, error) {
	t.Helper()
	def, ok := f.lib.Expression(name)
	require.True(t, ok, name)
	return f.ctx.Evaluate(context.Background(), def)
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		want any
	}{
		{"Two", int64(2)},
		{"Null Sum", nil},
		{"Unknown And False", false},
		{"Unknown Or True", true},
		{"Mixed Equal", true},
		{"Equivalent Strings", true},
		{"Scaled", []any{int64(20), int64(30)}},
		{"Above Threshold", true},
		{"In Interval", true},
		{"End Of Interval", false},
		{"Next Month", runtime.Date{Year: 2020, Month: time.February, Day: 29, Precision: runtime.PrecisionDay}},
		{"Four", int64(4)},
		{"Code In Value Set", true},
		{"Has Diabetes", true},
		{"Gender", "female"},
		{"Age", int64(43)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.evaluate(t, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Decimal(t *testing.T) {
	f := newFixture(t)
	got, err := f.evaluate(t, "Half")
	require.NoError(t, err)
	d, ok := got.(decimal.Decimal)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "2.5", d.String())
}

func TestEvaluate_Retrieve(t *testing.T) {
	f := newFixture(t)

	got, err := f.evaluate(t, "Diabetes Conditions")
	require.NoError(t, err)
	result, ok := got.(engine.RetrieveResult)
	require.True(t, ok, "got %T", got)
	require.Len(t, result, 1)
	assert.Equal(t, "c1", result[0].GetID())

	req := f.retriever.requests[len(f.retriever.requests)-1]
	assert.Equal(t, "Condition", req.DataType)
	assert.Equal(t, "Patient", req.Context)
	assert.Equal(t, "subject", req.ContextPath)
	assert.Equal(t, "p1", req.ContextValue)
	assert.Equal(t, "code", req.CodePath)
	assert.Equal(t, diabetesURL, req.ValueSet)

	_, err = f.evaluate(t, "All Conditions")
	require.NoError(t, err)
	req = f.retriever.requests[len(f.retriever.requests)-1]
	assert.Equal(t, elm.DefaultContext, req.Context)
	assert.Nil(t, req.ContextValue)
	assert.Equal(t, "Patient", f.ctx.CurrentContext(), "the caller's context is restored")
}

func TestEvaluate_Caching(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"Has Diabetes", "Diabetes Conditions", "Has Diabetes"} {
		_, err := f.evaluate(t, name)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.retriever.count("Condition"))

	f = newFixture(t)
	f.ctx.SetExpressionCaching(false)
	for _, name := range []string{"Has Diabetes", "Diabetes Conditions"} {
		_, err := f.evaluate(t, name)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.retriever.count("Condition"))
}

func TestEvaluate_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.evaluate(t, "Dangling")
	assert.EqualError(t, err, "Could not resolve identifier Missing in library Test.")

	_, err = f.evaluate(t, "Loop A")
	assert.EqualError(t, err, "Cycle detected evaluating Loop A.")
}

func TestEvaluate_MissingProviders(t *testing.T) {
	comp, err := compiler.New(nil, nil)
	require.NoError(t, err)
	lib, err := comp.Compile(context.Background(), script)
	require.NoError(t, err)
	def, _ := lib.Expression("Two")

	c := engine.NewContext(lib)
	_, err = c.Evaluate(context.Background(), def)
	assert.ErrorIs(t, err, engine.ErrNoLibraryLoader)

	c.RegisterLibraryLoader(comp)
	got, err := c.Evaluate(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	retrieveDef, _ := lib.Expression("All Conditions")
	_, err = c.Evaluate(context.Background(), retrieveDef)
	assert.ErrorIs(t, err, engine.ErrNoDataProvider)
}

func TestFHIRHelpers(t *testing.T) {
	h := engine.FHIRHelpers{}
	ctx := context.Background()

	value := r4.Decimal{Decimal: decimal.RequireFromString("120.5")}
	q, err := h.Evaluate(ctx, "ToQuantity", []any{&r4.Quantity{Value: &value, Unit: "mm[Hg]"}})
	require.NoError(t, err)
	assert.Equal(t, runtime.Quantity{Value: value.Decimal, Unit: "mm[Hg]"}, q)

	code, err := h.Evaluate(ctx, "ToCode", []any{&r4.Coding{System: "http://loinc.org", Code: "8480-6"}})
	require.NoError(t, err)
	assert.Equal(t, runtime.Code{Code: "8480-6", System: "http://loinc.org"}, code)

	concept, err := h.Evaluate(ctx, "ToConcept", []any{&r4.CodeableConcept{
		Coding: []r4.Coding{{System: "http://loinc.org", Code: "8480-6"}},
		Text:   "Systolic",
	}})
	require.NoError(t, err)
	assert.Equal(t, runtime.Concept{Codes: []runtime.Code{{Code: "8480-6", System: "http://loinc.org"}}, Display: "Systolic"}, concept)

	b, err := h.Evaluate(ctx, "ToBoolean", []any{r4.Boolean(true)})
	require.NoError(t, err)
	assert.Equal(t, true, b)

	null, err := h.Evaluate(ctx, "ToString", []any{nil})
	require.NoError(t, err)
	assert.Nil(t, null)

	_, err = h.Evaluate(ctx, "ToRatio", []any{r4.String("x")})
	assert.EqualError(t, err, "Could not resolve external function FHIRHelpers.ToRatio.")

	_, err = h.Evaluate(ctx, "ToCode", []any{r4.String("x")})
	assert.Error(t, err)
}
