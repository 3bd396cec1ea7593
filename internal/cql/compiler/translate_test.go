package compiler

import (
	"testing"

	"github.com/google/cel-go/cel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
)

func testLibrary() *elm.Library {
	return &elm.Library{
		Identifier:  elm.VersionedIdentifier{ID: "Test", Version: "1.0.0"},
		Usings:      []elm.Using{{LocalIdentifier: "FHIR", Version: "4.0.1"}},
		Includes:    []elm.Include{{LocalIdentifier: "FHIRHelpers", Path: "FHIRHelpers", Version: "4.0.1"}},
		CodeSystems: []elm.CodeSystemDef{{Name: "LOINC", ID: "http://loinc.org"}},
		ValueSets:   []elm.ValueSetDef{{Name: "Diabetes", ID: "http://example.org/fhir/ValueSet/diabetes"}},
		Codes:       []elm.CodeDef{{Name: "Systolic", ID: "8480-6", CodeSystem: "LOINC"}},
	}
}

func translateExpr(t *testing.T, src string) (string, *Diagnostic) {
	t.Helper()
	toks, diags := lex(src)
	require.Empty(t, diags)
	tr := &translator{toks: toks, lib: testLibrary()}
	return tr.translate()
}

func TestTranslate(t *testing.T) {
	env, err := cel.NewEnv()
	require.NoError(t, err)

	tests := []struct {
		name string
		cql  string
		want string
	}{
		{"arithmetic", "1 + 2 * 3", "Add(1, Multiply(2, 3))"},
		{"subtraction", "5 - 2", "Subtract(5, 2)"},
		{"decimal division", "10 / 4", "Divide(10, 4)"},
		{"integer division", "10 div 4 + 7 mod 2", "Add(TruncatedDivide(10, 4), Modulo(7, 2))"},
		{"negation", "-5 + 1", "Add(Negate(5), 1)"},
		{"decimal literal", "1.5", "1.5"},
		{"string concatenation", "'a' & 'b'", `Concatenate("a", "b")`},
		{"comparison", "1 < 2 and 3 >= 2", "And(Less(1, 2), GreaterOrEqual(3, 2))"},
		{"equality", "X = 1 or Y != 2", "Or(Equal(X, 1), NotEqual(Y, 2))"},
		{"inequality operator", "X <> 1", "NotEqual(X, 1)"},
		{"equivalence", "X ~ Systolic", "Equivalent(X, Systolic)"},
		{"not equivalent", "X !~ Systolic", "Not(Equivalent(X, Systolic))"},
		{"implies", "A implies B", "Implies(A, B)"},
		{"xor", "A xor B", "Xor(A, B)"},
		{"not", "not A and B", "And(Not(A), B)"},
		{"exists", "exists X", "Exists(X)"},
		{"is null", "X is null", "IsNull(X)"},
		{"is not null", "X is not null", "Not(IsNull(X))"},
		{"is true", "X is true", "IsTrue(X)"},
		{"is false", "X is false", "IsFalse(X)"},
		{"type test", "X is FHIR.Observation", `Is(X, "FHIR.Observation")`},
		{"type cast", "X as Quantity", `As(X, "Quantity")`},
		{"strict cast", "cast X as Quantity", `As(X, "Quantity", true)`},
		{"membership", "X in Diabetes", "In(X, Diabetes)"},
		{"contains", "L contains 1", "In(1, L)"},
		{"quoted identifier", `"Has Diabetes"`, "Has_Diabetes"},
		{"quoted function call", `"Double It"(2)`, "Double_It(2)"},
		{"date literal", "@2020-01-01", `Date("2020-01-01")`},
		{"datetime literal", "@2020-01-01T10:00:00Z", `DateTime("2020-01-01T10:00:00Z")`},
		{"quantity literal", "5 'mg'", `Quantity(5.0, "mg")`},
		{"decimal quantity", "5.5 'mg'", `Quantity(5.5, "mg")`},
		{"list", "{1, 2, 3}", "[1, 2, 3]"},
		{"typed list", "List<Integer>{1}", "[1]"},
		{"empty list", "{}", "[]"},
		{"if", "if A then 1 else 2", "(IsTrue(A) ? 1 : 2)"},
		{"case", "case when A then 1 when B then 2 else 3 end", "(IsTrue(A) ? 1 : (IsTrue(B) ? 2 : 3))"},
		{"selected case", "case X when 1 then 'one' else 'other' end", `(IsTrue(Equal(X, 1)) ? "one" : "other")`},
		{"interval", "Interval[1, 10)", "Interval(1, 10, true, false)"},
		{"code selector", "Code '8480-6' from LOINC display 'Systolic'", `Code("8480-6", "http://loinc.org", "Systolic")`},
		{"retrieve", "[Patient]", `Retrieve("Patient")`},
		{"qualified retrieve", "[FHIR.Condition]", `Retrieve("Condition")`},
		{"value set retrieve", `[Condition: "Diabetes"]`, `Retrieve("Condition", "code", Diabetes)`},
		{"code retrieve with path", `[Observation: code in "Systolic"]`, `Retrieve("Observation", "code", Systolic)`},
		{"included value set retrieve", `[Condition: FHIRHelpers."Diabetes"]`, `Retrieve("Condition", "code", FHIRHelpers.Diabetes)`},
		{"member access", "Patient.birthDate.value", `Property(Property(Patient, "birthDate"), "value")`},
		{"indexer", "X[0]", "Indexer(X, 0)"},
		{"library member", `FHIRHelpers."Some Definition"`, "FHIRHelpers.Some_Definition"},
		{"library function", "FHIRHelpers.ToString(Patient.gender)", `FHIRHelpers.ToString(Property(Patient, "gender"))`},
		{"fluent function", "Patient.gender.ToString()", `ToString(Property(Patient, "gender"))`},
		{"function call", "Count(X) > 0", "Greater(Count(X), 0)"},
		{
			"query",
			`[Condition: "Diabetes"] C where C.clinicalStatus ~ Systolic`,
			`ToList(Retrieve("Condition", "code", Diabetes)).filter(C, IsTrue(Equivalent(Property(C, "clinicalStatus"), Systolic)))`,
		},
		{
			"query return",
			"[Observation] O return O.value",
			`ToList(Retrieve("Observation")).map(O, Property(O, "value"))`,
		},
		{
			"query return distinct",
			"[Observation] O return distinct O.status",
			`Distinct(ToList(Retrieve("Observation")).map(O, Property(O, "status")))`,
		},
		{
			"query with",
			"exists [Encounter] E with [Condition] C such that C.encounter = E.id",
			`Exists(ToList(Retrieve("Encounter")).filter(E, ToList(Retrieve("Condition")).exists(C, IsTrue(Equal(Property(C, "encounter"), Property(E, "id"))))))`,
		},
		{
			"query without and where",
			"[Encounter] E without [Condition] C such that C.encounter = E.id where E.status = 'finished'",
			`ToList(Retrieve("Encounter")).filter(E, !ToList(Retrieve("Condition")).exists(C, IsTrue(Equal(Property(C, "encounter"), Property(E, "id")))) && IsTrue(Equal(Property(E, "status"), "finished")))`,
		},
		{
			"query over definition",
			`"Adults" A where A.active`,
			`ToList(Adults).filter(A, IsTrue(Property(A, "active")))`,
		},
		{
			"query over member",
			`Patient.name N return N.family`,
			`ToList(Property(Patient, "name")).map(N, Property(N, "family"))`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, diag := translateExpr(t, tt.cql)
			require.Nil(t, diag)
			assert.Equal(t, tt.want, got)

			_, iss := env.Parse(got)
			assert.NoError(t, iss.Err())
		})
	}
}

func TestTranslate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cql  string
		want string
		col  int
	}{
		{"unknown value set", `[Condition: "Missing"]`, "Could not resolve identifier Missing in library Test.", 13},
		{"unknown library", `[Condition: Other."Diabetes"]`, "Could not resolve library Other.", 13},
		{"unknown code system", "Code '1' from SNOMED", "Could not resolve code system SNOMED.", 15},
		{"trailing input", "1 2", "Syntax error at '2' [1:3]: unexpected input", 3},
		{"dangling operator", "1 +", "Syntax error at end of input: unexpected input", 4},
		{"missing else", "if A then 1", "Syntax error at end of input: expected 'else'", 12},
		{"sort", "[Condition] C sort by C.id", "Sort clauses are not supported", 15},
		{"tuple", "Tuple { a: 1 }", "Tuple selectors are not supported", 1},
		{"time literal", "@T10:00", "Time literals are not supported", 1},
		{"keyword as operand", "1 + then", "Syntax error at 'then' [1:5]: unexpected keyword", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, diag := translateExpr(t, tt.cql)
			require.NotNil(t, diag)
			assert.Equal(t, tt.want, diag.Message)
			assert.Equal(t, 1, diag.Line)
			assert.Equal(t, tt.col, diag.Column)
		})
	}
}
