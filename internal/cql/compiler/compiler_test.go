package compiler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
	"github.com/phast-fr/cql-proxy/internal/cql/library"
)

const measureScript = `library Example version '1.0.0'

using FHIR version '4.0.1'

include FHIRHelpers version '4.0.1' called FHIRHelpers

codesystem "LOINC": 'http://loinc.org'
valueset "Diabetes": 'http://example.org/fhir/ValueSet/diabetes'
code "Systolic": '8480-6' from "LOINC" display 'Systolic blood pressure'

parameter "Measurement Period" Interval<Date>
  default Interval[@2020-01-01, @2020-12-31]

define "Two": 1 + 1

context Patient

define "Diabetes Conditions":
  [Condition: "Diabetes"]

define function "Double"(value Integer) returns Integer:
  value * 2

private define "Has Diabetes":
  exists "Diabetes Conditions"
`

func newCompiler(t *testing.T, source library.Source) *Compiler {
	t.Helper()
	c, err := New(nil, library.NewManager(nil, source))
	require.NoError(t, err)
	return c
}

func TestCompile(t *testing.T) {
	c := newCompiler(t, nil)
	lib, err := c.Compile(context.Background(), measureScript)
	require.NoError(t, err)

	assert.Equal(t, elm.VersionedIdentifier{ID: "Example", Version: "1.0.0"}, lib.Identifier)
	assert.Equal(t, []elm.Using{{LocalIdentifier: "FHIR", URI: "http://hl7.org/fhir", Version: "4.0.1"}}, lib.Usings)
	assert.Equal(t, []elm.Include{{LocalIdentifier: "FHIRHelpers", Path: "FHIRHelpers", Version: "4.0.1"}}, lib.Includes)
	assert.Equal(t, []elm.CodeSystemDef{{Name: "LOINC", ID: "http://loinc.org"}}, lib.CodeSystems)
	assert.Equal(t, []elm.ValueSetDef{{Name: "Diabetes", ID: "http://example.org/fhir/ValueSet/diabetes"}}, lib.ValueSets)
	assert.Equal(t, []elm.CodeDef{{Name: "Systolic", ID: "8480-6", CodeSystem: "LOINC", Display: "Systolic blood pressure"}}, lib.Codes)
	assert.Equal(t, []string{"Patient"}, lib.Contexts)

	param, ok := lib.Parameter("Measurement Period")
	require.True(t, ok)
	assert.Equal(t, "Interval<Date>", param.Type)
	assert.NotNil(t, param.Default)
	assert.Equal(t, elm.Trackback{Line: 11, Column: 11}, param.Trackback)

	require.Len(t, lib.Statements, 4)

	two, ok := lib.Expression("Two")
	require.True(t, ok)
	assert.Equal(t, "Add(1, 1)", two.Expression)
	assert.Equal(t, "1 + 1", two.Source)
	assert.Equal(t, elm.DefaultContext, two.Context)
	assert.Equal(t, "Public", two.AccessLevel)
	assert.Equal(t, elm.Trackback{Line: 14, Column: 8}, two.Trackback)
	assert.NotNil(t, two.AST)

	conditions, ok := lib.Expression("Diabetes Conditions")
	require.True(t, ok)
	assert.Equal(t, "Patient", conditions.Context)
	assert.Equal(t, `Retrieve("Condition", "code", Diabetes)`, conditions.Expression)

	fns := lib.Functions("Double")
	require.Len(t, fns, 1)
	assert.Equal(t, []elm.OperandDef{{Name: "value", Type: "Integer"}}, fns[0].Operands)
	assert.Equal(t, "Multiply(value, 2)", fns[0].Expression)
	assert.False(t, fns[0].External)

	hasDiabetes, ok := lib.Expression("Has Diabetes")
	require.True(t, ok)
	assert.Equal(t, "Private", hasDiabetes.AccessLevel)
	assert.Equal(t, "Exists(Diabetes_Conditions)", hasDiabetes.Expression)

	helpers, ok := c.libraries.Cached(library.FHIRHelpers)
	require.True(t, ok)
	toString := helpers.Functions("ToString")
	require.Len(t, toString, 1)
	assert.True(t, toString[0].External)
	assert.Equal(t, []elm.OperandDef{{Name: "value", Type: "FHIR.string"}}, toString[0].Operands)
}

func TestCompile_NoLibraryDeclaration(t *testing.T) {
	c := newCompiler(t, nil)
	lib, err := c.Compile(context.Background(), "define \"Two\": 1 + 1\ndefine \"Three\": \"Two\" + 1")
	require.NoError(t, err)

	assert.Empty(t, lib.Identifier.ID)
	assert.Empty(t, lib.Usings)
	require.Len(t, lib.Statements, 2)
	three, _ := lib.Expression("Three")
	assert.Equal(t, "Add(Two, 1)", three.Expression)
}

func TestCompile_Diagnostics(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []*Diagnostic
	}{
		{
			name:   "unresolved value set",
			script: "library Test\nusing FHIR version '4.0.1'\ndefine \"Bad\": [Condition: \"Missing\"]",
			want:   []*Diagnostic{{Line: 3, Column: 27, Message: "Could not resolve identifier Missing in library Test."}},
		},
		{
			name:   "every bad definition is reported",
			script: "define \"A\": 1 +\ndefine \"B\": 2\ndefine \"C\": if X then 1",
			want: []*Diagnostic{
				{Line: 1, Column: 16, Message: "Syntax error at end of input: unexpected input"},
				{Line: 3, Column: 24, Message: "Syntax error at end of input: expected 'else'"},
			},
		},
		{
			name:   "duplicate definition",
			script: "define \"A\": 1\ndefine \"A\": 2",
			want:   []*Diagnostic{{Line: 2, Column: 8, Message: "Identifier A is already in use in this library."}},
		},
		{
			name:   "unknown code system",
			script: "code \"X\": '1' from \"Nope\"",
			want:   []*Diagnostic{{Line: 1, Column: 20, Message: "Could not resolve code system Nope."}},
		},
		{
			name:   "concept definitions",
			script: "concept \"C\": { \"X\" }\ndefine \"A\": 1",
			want:   []*Diagnostic{{Line: 1, Column: 1, Message: "Concept definitions are not supported"}},
		},
		{
			name:   "garbage",
			script: "1 + 1",
			want:   []*Diagnostic{{Line: 1, Column: 1, Message: "Syntax error at '1' [1:1]: expected a declaration"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCompiler(t, nil)
			_, err := c.Compile(context.Background(), tt.script)

			var ce *CompileError
			require.True(t, errors.As(err, &ce), "expected a compile error, got %v", err)
			assert.Equal(t, tt.want, ce.Diagnostics)
			assert.Equal(t, elm.Trackback{Line: tt.want[0].Line, Column: tt.want[0].Column}, ce.Diagnostics[0].Trackback())
		})
	}
}

func TestCompile_UnknownModel(t *testing.T) {
	c := newCompiler(t, nil)
	_, err := c.Compile(context.Background(), "library Test\nusing QDM version '5.4'\ndefine \"A\": 1")

	require.Error(t, err)
	var ce *CompileError
	assert.False(t, errors.As(err, &ce))
	assert.Equal(t, "Could not load model information for model QDM, version 5.4.", err.Error())
}

func TestCompile_MultipleModels(t *testing.T) {
	scripts := []string{
		"library Test\nusing FHIR version '4.0.1'\nusing FHIR version '4.0.1'\ndefine \"A\": 1",
		"library Test\nusing FHIR version '4.0.1'\nusing QDM version '5.4'\ndefine \"A\": 1",
		"library Test\nusing FHIR version '4.0.1'\nusing FHIR version '3.0.0'\ndefine \"A\": 1",
	}
	for _, script := range scripts {
		_, err := newCompiler(t, nil).Compile(context.Background(), script)
		assert.ErrorIs(t, err, ErrMultipleModels, script)
	}
}

func TestCompile_Includes(t *testing.T) {
	sources := map[string]string{
		"Common": "library Common version '1'\ndefine \"Answer\": 42",
		"Broken": "library Broken\ndefine \"X\": 1 +",
		"A":      "library A\ninclude B\ndefine \"X\": 1",
		"B":      "library B\ninclude A\ndefine \"Y\": 2",
	}
	source := library.SourceFunc(func(_ context.Context, id elm.VersionedIdentifier) (string, error) {
		text, ok := sources[id.ID]
		if !ok {
			return "", fmt.Errorf("%w: %s", library.ErrLibraryNotFound, id)
		}
		return text, nil
	})

	t.Run("resolved and cached", func(t *testing.T) {
		c := newCompiler(t, source)
		lib, err := c.Compile(context.Background(), "library Main\ninclude Common version '1' called C\ndefine \"Q\": C.\"Answer\"")
		require.NoError(t, err)

		q, _ := lib.Expression("Q")
		assert.Equal(t, "C.Answer", q.Expression)
		common, ok := c.libraries.Cached(elm.VersionedIdentifier{ID: "Common", Version: "1"})
		require.True(t, ok)
		_, ok = common.Expression("Answer")
		assert.True(t, ok)
	})

	t.Run("include with errors", func(t *testing.T) {
		c := newCompiler(t, source)
		_, err := c.Compile(context.Background(), "library Main\ninclude Broken\ndefine \"Q\": 1")
		require.Error(t, err)
		assert.Equal(t, "Library Broken loaded, but had errors: Syntax error at end of input: unexpected input", err.Error())

		var ie *IncludeError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, "Broken", ie.Library.ID)
		var ce *CompileError
		require.True(t, errors.As(err, &ce))
		assert.Len(t, ce.Diagnostics, 1)
	})

	t.Run("missing include", func(t *testing.T) {
		c := newCompiler(t, source)
		_, err := c.Compile(context.Background(), "library Main\ninclude Nowhere version '2'\ndefine \"Q\": 1")
		require.Error(t, err)
		assert.ErrorIs(t, err, library.ErrLibraryNotFound)
		assert.Contains(t, err.Error(), "Could not load source for library Nowhere, version 2")
	})

	t.Run("cycle", func(t *testing.T) {
		c := newCompiler(t, source)
		_, err := c.Compile(context.Background(), "library Main\ninclude A\ndefine \"Q\": 1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Cycle detected in library includes for A.")
	})
}
