package engine

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

func testScope() *scope {
	lib := &elm.Library{Identifier: elm.VersionedIdentifier{ID: "Test"}}
	c := NewContext(lib, WithNow(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)))
	return &scope{c: c, lib: lib}
}

func call(t *testing.T, name string, args ...any) any {
	t.Helper()
	fn, ok := system[name]
	require.True(t, ok, name)
	out, err := fn(testScope(), args)
	require.NoError(t, err)
	return out
}

func TestThreeValuedLogic(t *testing.T) {
	tests := []struct {
		op   string
		a, b any
		want any
	}{
		{"And", true, true, true},
		{"And", true, nil, nil},
		{"And", nil, false, false},
		{"Or", false, nil, nil},
		{"Or", nil, true, true},
		{"Or", false, false, false},
		{"Xor", true, false, true},
		{"Xor", true, nil, nil},
		{"Implies", false, nil, true},
		{"Implies", nil, true, true},
		{"Implies", true, nil, nil},
		{"Implies", true, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, call(t, tt.op, tt.a, tt.b), "%s(%v, %v)", tt.op, tt.a, tt.b)
	}
	assert.Nil(t, call(t, "Not", nil))
	assert.Equal(t, false, call(t, "IsTrue", nil))
	assert.Equal(t, true, call(t, "IsFalse", r4.Boolean(false)))
}

func TestArithmetic(t *testing.T) {
	assert.Equal(t, int64(7), call(t, "Add", int64(3), int64(4)))
	assert.Equal(t, "ab", call(t, "Add", "a", "b"))
	assert.True(t, decimal.RequireFromString("3.5").Equal(call(t, "Add", int64(3), decimal.RequireFromString("0.5")).(decimal.Decimal)))
	assert.Equal(t, int64(2), call(t, "TruncatedDivide", int64(7), int64(3)))
	assert.Equal(t, int64(-2), call(t, "TruncatedDivide", int64(-7), int64(3)))
	assert.Equal(t, int64(1), call(t, "Modulo", int64(7), int64(3)))
	assert.Nil(t, call(t, "Divide", int64(1), int64(0)))
	assert.Nil(t, call(t, "Modulo", int64(1), int64(0)))
	assert.Equal(t, "0.33333333", call(t, "Divide", int64(1), int64(3)).(decimal.Decimal).String())
	assert.Equal(t, int64(-5), call(t, "Negate", int64(5)))
	assert.Nil(t, call(t, "Multiply", nil, int64(2)))

	_, err := system["Add"](testScope(), []any{true, int64(1)})
	assert.EqualError(t, err, "Could not resolve call to operator Add(System.Boolean, System.Integer).")
}

func TestArithmetic_IntegerOverflow(t *testing.T) {
	tests := []struct {
		op   string
		a, b int64
		want any
	}{
		{"Add", math.MaxInt64, 1, nil},
		{"Add", math.MinInt64, -1, nil},
		{"Add", math.MaxInt64, -1, int64(math.MaxInt64 - 1)},
		{"Subtract", -math.MaxInt64, 2, nil},
		{"Subtract", math.MaxInt64, -1, nil},
		{"Subtract", math.MinInt64, -1, int64(math.MinInt64 + 1)},
		{"Multiply", math.MaxInt64, 2, nil},
		{"Multiply", math.MinInt64, -1, nil},
		{"Multiply", -1, math.MinInt64, nil},
		{"Multiply", 1 << 32, 1 << 31, nil},
		{"Multiply", 1 << 31, 1 << 31, int64(1 << 62)},
		{"Multiply", math.MinInt64, 0, int64(0)},
		{"TruncatedDivide", math.MinInt64, -1, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, call(t, tt.op, tt.a, tt.b), "%s(%d, %d)", tt.op, tt.a, tt.b)
	}
	assert.Nil(t, call(t, "Negate", int64(math.MinInt64)))
	assert.Nil(t, call(t, "Sum", []any{int64(math.MaxInt64), int64(1), int64(2)}))
}

func TestDateArithmetic(t *testing.T) {
	jan31 := runtime.Date{Year: 2021, Month: time.January, Day: 31, Precision: runtime.PrecisionDay}
	got := call(t, "Add", jan31, runtime.Quantity{Value: decimal.NewFromInt(1), Unit: "month"})
	assert.Equal(t, runtime.Date{Year: 2021, Month: time.February, Day: 28, Precision: runtime.PrecisionDay}, got)

	got = call(t, "Subtract", jan31, runtime.Quantity{Value: decimal.NewFromInt(2), Unit: "weeks"})
	assert.Equal(t, runtime.Date{Year: 2021, Month: time.January, Day: 17, Precision: runtime.PrecisionDay}, got)

	noon := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	got = call(t, "Add", noon, runtime.Quantity{Value: decimal.NewFromInt(90), Unit: "min"})
	assert.Equal(t, time.Date(2021, 3, 1, 13, 30, 0, 0, time.UTC), got)

	_, err := system["Add"](testScope(), []any{jan31, runtime.Quantity{Value: decimal.NewFromInt(1), Unit: "mg"}})
	assert.Error(t, err)
}

func TestComparison(t *testing.T) {
	assert.Equal(t, true, call(t, "Less", int64(1), decimal.RequireFromString("1.5")))
	assert.Equal(t, true, call(t, "GreaterOrEqual", "b", "a"))
	assert.Nil(t, call(t, "Less", nil, int64(1)))

	year := runtime.Date{Year: 2020, Precision: runtime.PrecisionYear}
	day := runtime.Date{Year: 2020, Month: time.May, Day: 1, Precision: runtime.PrecisionDay}
	assert.Nil(t, call(t, "Less", year, day), "uncertain at year precision")
	assert.Equal(t, true, call(t, "Less", day, r4.DateTime("2020-05-02T08:00:00Z")))

	assert.Nil(t, call(t, "Equal", int64(1), nil))
	assert.Equal(t, true, call(t, "Equal", []any{int64(1), "a"}, []any{int64(1), "a"}))
	assert.Nil(t, call(t, "Equal", []any{int64(1), nil}, []any{int64(1), nil}))
	assert.Equal(t, false, call(t, "NotEqual", r4.String("x"), "x"))
}

func TestEquivalent(t *testing.T) {
	systolic := runtime.Code{Code: "8480-6", System: "http://loinc.org", Display: "Systolic"}
	concept := &r4.CodeableConcept{Coding: []r4.Coding{
		{System: "http://snomed.info/sct", Code: "1"},
		{System: "http://loinc.org", Code: "8480-6"},
	}}
	assert.Equal(t, true, call(t, "Equivalent", concept, systolic))
	assert.Equal(t, false, call(t, "Equivalent", concept, runtime.Code{Code: "8480-6"}))
	assert.Equal(t, true, call(t, "Equivalent", nil, nil))
	assert.Equal(t, false, call(t, "Equivalent", nil, int64(1)))
	assert.Equal(t, true, call(t, "Equivalent", r4.Code("Final "), "final"))
}

func TestLists(t *testing.T) {
	list := []any{int64(3), nil, int64(1), int64(3)}
	assert.Equal(t, int64(3), call(t, "Count", list))
	assert.Equal(t, int64(7), call(t, "Sum", list))
	assert.Equal(t, int64(1), call(t, "Min", list))
	assert.Equal(t, int64(3), call(t, "Max", list))
	assert.Equal(t, []any{int64(3), nil, int64(1)}, call(t, "Distinct", list))
	assert.Equal(t, int64(3), call(t, "First", list))
	assert.Nil(t, call(t, "First", []any{}))
	assert.Equal(t, int64(1), call(t, "Indexer", list, int64(2)))
	assert.Nil(t, call(t, "Indexer", list, int64(9)))
	assert.Equal(t, "2.33333333", call(t, "Avg", list).(decimal.Decimal).String())
	assert.Nil(t, call(t, "Sum", []any{nil}))
	assert.Equal(t, false, call(t, "Exists", []any{nil}))
	assert.Equal(t, "b", call(t, "Coalesce", nil, "b", "c"))
	assert.Equal(t, "b", call(t, "Coalesce", []any{nil, "b"}))
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, call(t, "Flatten", []any{[]any{int64(1), int64(2)}, int64(3)}))
	assert.Equal(t, []any{}, call(t, "ToList", nil))
	assert.Equal(t, []any{"x"}, call(t, "ToList", "x"))

	assert.Equal(t, true, call(t, "In", int64(1), list))
	assert.Nil(t, call(t, "In", int64(2), list), "a null element leaves membership unknown")
	assert.Equal(t, false, call(t, "In", int64(2), []any{int64(1)}))

	_, err := system["SingletonFrom"](testScope(), []any{[]any{int64(1), int64(2)}})
	assert.EqualError(t, err, "Expected a list with at most one element, but found a list with multiple elements.")
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "ab", call(t, "Concatenate", "a", nil, "b"))
	assert.Equal(t, int64(4), call(t, "Length", "Âge!"))
	assert.Equal(t, "ABC", call(t, "Upper", r4.String("abc")))
	assert.Equal(t, "bc", call(t, "Substring", "abcd", int64(1), int64(2)))
	assert.Nil(t, call(t, "Substring", "abcd", int64(9)))
	assert.Equal(t, true, call(t, "StartsWith", "abc", "ab"))
	assert.Equal(t, "a-b", call(t, "Combine", []any{"a", "b"}, "-"))
	assert.Equal(t, int64(42), call(t, "ToInteger", " 42"))
	assert.Nil(t, call(t, "ToInteger", "4x"))
	assert.Equal(t, "1.5", call(t, "ToString", decimal.RequireFromString("1.5")))
	assert.Equal(t, true, call(t, "ToBoolean", "Yes"))
}

func TestProperty(t *testing.T) {
	concept := &r4.CodeableConcept{Coding: []r4.Coding{
		{System: "http://loinc.org", Code: "8480-6"},
		{System: "http://loinc.org", Code: "8462-4"},
	}}
	codes := call(t, "Property", call(t, "Property", concept, "coding"), "code")
	assert.Equal(t, []any{r4.Code("8480-6"), r4.Code("8462-4")}, codes)

	assert.Equal(t, "8480-6", call(t, "Property", runtime.Code{Code: "8480-6"}, "code"))
	assert.Nil(t, call(t, "Property", runtime.Code{Code: "8480-6"}, "display"))
	assert.Equal(t, "abc", call(t, "Property", r4.String("abc"), "value"))
	assert.Equal(t, time.Date(2020, 5, 2, 8, 0, 0, 0, time.UTC), call(t, "Property", r4.DateTime("2020-05-02T08:00:00Z"), "value"))
	assert.Nil(t, call(t, "Property", nil, "value"))
}

func TestTypes(t *testing.T) {
	assert.Equal(t, true, call(t, "Is", int64(1), "Integer"))
	assert.Equal(t, true, call(t, "Is", &r4.Observation{}, "FHIR.Observation"))
	assert.Equal(t, false, call(t, "Is", nil, "Integer"))
	assert.Equal(t, "x", call(t, "As", "x", "String"))
	assert.Nil(t, call(t, "As", "x", "Integer"))

	_, err := system["As"](testScope(), []any{"x", "Integer", true})
	assert.Error(t, err)
	_, err = system["Is"](testScope(), []any{int64(1), "Nope"})
	assert.Error(t, err)
}

func TestDates(t *testing.T) {
	assert.Equal(t, runtime.Date{Year: 2024, Month: time.June, Day: 15, Precision: runtime.PrecisionDay}, call(t, "Today"))
	assert.Equal(t, runtime.Date{Year: 2020, Month: time.March, Precision: runtime.PrecisionMonth}, call(t, "Date", int64(2020), int64(3)))
	assert.Equal(t, time.Date(2020, 3, 1, 10, 30, 0, 0, time.UTC), call(t, "DateTime", "2020-03-01T10:30"))
	assert.Equal(t, int64(43), call(t, "CalculateAgeInYearsAt", r4.Date("1980-07-01"), runtime.Date{Year: 2024, Month: time.June, Day: 15, Precision: runtime.PrecisionDay}))
	assert.Equal(t, int64(44), call(t, "CalculateAgeInYears", "1980-01-01"))
}

func TestIntervalMembership(t *testing.T) {
	iv := call(t, "Interval", int64(1), int64(10), true, false)
	assert.Equal(t, true, call(t, "In", int64(1), iv))
	assert.Equal(t, false, call(t, "In", int64(10), iv))
	assert.Nil(t, call(t, "In", nil, iv))

	open := call(t, "Interval", nil, int64(10), true, true)
	assert.Equal(t, true, call(t, "In", int64(-100), open))
}
