package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/internal/cql/engine"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

func TestResultType(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{nil, "Null"},
		{decimal.RequireFromString("1.5"), "Decimal"},
		{[]any{int64(1)}, "List"},
		{engine.RetrieveResult{}, "Retrieve"},
		{int64(1), "Integer"},
		{"x", "String"},
		{true, "Boolean"},
		{time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), "DateTime"},
		{runtime.Date{Year: 2020, Precision: runtime.PrecisionYear}, "Date"},
		{runtime.Code{Code: "1"}, "Code"},
		{runtime.Quantity{Value: decimal.NewFromInt(1), Unit: "mg"}, "Quantity"},
		{runtime.NewValueSetInfo("vs"), "ValueSet"},
		{&r4.Patient{}, "Patient"},
		{&r4.CodeableConcept{}, "CodeableConcept"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resultType(tt.value), "%T", tt.value)
	}
}

func TestRender(t *testing.T) {
	assert.Equal(t, "null", render(nil))
	assert.Equal(t, "[1, null, a, [true]]", render([]any{int64(1), nil, "a", []any{true}}))
	assert.Equal(t, "final", render(r4.Code("final")))
	assert.Equal(t, "2020-05-02T08:00:00Z", render(time.Date(2020, 5, 2, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2020-05", render(runtime.Date{Year: 2020, Month: time.May, Precision: runtime.PrecisionMonth}))
	assert.JSONEq(t, `{"system":"http://loinc.org","code":"8480-6"}`, render(&r4.Coding{System: "http://loinc.org", Code: "8480-6"}))
}

func TestAddValue(t *testing.T) {
	patient := &r4.Patient{ResourceType: "Patient", ID: "p1"}

	p := r4.NewParameters("x")
	addValue(p, patient)
	value, _ := p.Get(partValue)
	assert.Same(t, patient, value.Resource)

	p = r4.NewParameters("x")
	addValue(p, []any{patient, "stray"})
	value, _ = p.Get(partValue)
	bundle, ok := value.Resource.(*r4.Bundle)
	require.True(t, ok)
	require.Len(t, bundle.Entry, 2)
	assert.Equal(t, "p1", bundle.Entry[0].FullURL)
	assert.Nil(t, bundle.Entry[1].Resource)

	p = r4.NewParameters("x")
	addValue(p, []any{})
	s, _ := p.GetString(partValue)
	assert.Equal(t, "[]", s)
}

type silentError struct{}

func (silentError) Error() string { return "" }

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "boom", errorMessage(errors.New("boom")))
	assert.Equal(t, "execution.silentError", errorMessage(silentError{}))
}

func TestSummary(t *testing.T) {
	ok := r4.NewParameters("A")
	ok.AddString(partValue, "1")
	bad := r4.NewParameters("B")
	bad.AddString(partError, "boom")

	n, failed := Summary(entries(ok, bad))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, failed)

	n, failed = Summary(nil)
	assert.Zero(t, n)
	assert.Zero(t, failed)
}
