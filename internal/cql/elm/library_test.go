package elm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Two", "Two"},
		{"Has Diabetes", "Has_Diabetes"},
		{"Measurement Period", "Measurement_Period"},
		{"2020 Encounters", "_2020_Encounters"},
		{"in", "in_"},
		{"null", "null_"},
		{"", "_"},
		{"Âge", "_ge"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Identifier(tt.in), tt.in)
	}
}

func TestLibraryLookups(t *testing.T) {
	lib := &Library{
		Identifier:  VersionedIdentifier{ID: "Example", Version: "1.0.0"},
		Usings:      []Using{{LocalIdentifier: "FHIR", Version: "4.0.1"}},
		Includes:    []Include{{LocalIdentifier: "Helpers", Path: "FHIRHelpers", Version: "4.0.1"}},
		CodeSystems: []CodeSystemDef{{Name: "LOINC", ID: "http://loinc.org"}},
		ValueSets:   []ValueSetDef{{Name: "Diabetes", ID: "urn:oid:1.2.3"}},
		Codes:       []CodeDef{{Name: "Systolic", ID: "8480-6", CodeSystem: "LOINC"}},
		Parameters:  []ParameterDef{{Name: "Measurement Period"}},
		Statements: []Statement{
			&ExpressionDef{Name: "Has Diabetes", Context: "Patient"},
			&FunctionDef{ExpressionDef: ExpressionDef{Name: "Double"}, Operands: []OperandDef{{Name: "x"}}},
			&FunctionDef{ExpressionDef: ExpressionDef{Name: "Double"}, Operands: []OperandDef{{Name: "x"}, {Name: "y"}}},
			&FunctionDef{ExpressionDef: ExpressionDef{Name: "Triple"}},
		},
	}

	assert.Equal(t, "Example-1.0.0", lib.Identifier.String())
	assert.Equal(t, "Example", VersionedIdentifier{ID: "Example"}.String())

	def, ok := lib.Expression("Has Diabetes")
	assert.True(t, ok)
	assert.Equal(t, "Patient", def.StatementContext())
	_, ok = lib.Expression("Double")
	assert.False(t, ok, "functions are not expressions")

	assert.Len(t, lib.Functions("Double"), 2)
	assert.Equal(t, []string{"Double", "Triple"}, lib.FunctionNames())

	inc, ok := lib.Include("Helpers")
	assert.True(t, ok)
	assert.Equal(t, VersionedIdentifier{ID: "FHIRHelpers", Version: "4.0.1"}, inc.Identifier())
	_, ok = lib.Include("FHIRHelpers")
	assert.False(t, ok)

	vs, ok := lib.ValueSet("Diabetes")
	assert.True(t, ok)
	assert.Equal(t, "urn:oid:1.2.3", vs.ID)
	code, ok := lib.Code("Systolic")
	assert.True(t, ok)
	assert.Equal(t, "LOINC", code.CodeSystem)
	_, ok = lib.CodeSystem("LOINC")
	assert.True(t, ok)
	_, ok = lib.Parameter("Measurement Period")
	assert.True(t, ok)
	_, ok = lib.Using("FHIR")
	assert.True(t, ok)

	for ident, want := range map[string]string{
		"Has_Diabetes":       "Has Diabetes",
		"Measurement_Period": "Measurement Period",
		"Double":             "Double",
		"Diabetes":           "Diabetes",
		"Helpers":            "Helpers",
	} {
		got, ok := lib.Lookup(ident)
		assert.True(t, ok, ident)
		assert.Equal(t, want, got)
	}
	_, ok = lib.Lookup("Nothing")
	assert.False(t, ok)
}

func TestTrackback(t *testing.T) {
	assert.False(t, Trackback{}.Known())
	tb := Trackback{Line: 3, Column: 14}
	assert.True(t, tb.Known())
	assert.Equal(t, "[3:14]", tb.Location())
}
