// Package elm is the compiled form of a CQL library: its declarations and
// one parsed expression per definition.
package elm

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// DefaultContext is the context of definitions declared before any context
// statement.
const DefaultContext = "Unfiltered"

// SystemModel is the implicit model every library uses.
const SystemModel = "System"

// VersionedIdentifier names a library or a model.
type VersionedIdentifier struct {
	ID      string
	Version string
}

func (v VersionedIdentifier) String() string {
	if v.Version == "" {
		return v.ID
	}
	return v.ID + "-" + v.Version
}

// Trackback locates a declaration in its source.
type Trackback struct {
	Line   int
	Column int
}

// Known reports whether the position was recorded.
func (t Trackback) Known() bool {
	return t.Line > 0
}

// Location renders the position as [line:col].
func (t Trackback) Location() string {
	return fmt.Sprintf("[%d:%d]", t.Line, t.Column)
}

// Using declares a data model dependency.
type Using struct {
	LocalIdentifier string
	URI             string
	Version         string
}

// Include declares a library dependency.
type Include struct {
	LocalIdentifier string
	Path            string
	Version         string
}

// Identifier returns the included library identifier.
func (i Include) Identifier() VersionedIdentifier {
	return VersionedIdentifier{ID: i.Path, Version: i.Version}
}

// CodeSystemDef declares a code system.
type CodeSystemDef struct {
	Name    string
	ID      string
	Version string
}

// ValueSetDef declares a value set.
type ValueSetDef struct {
	Name        string
	ID          string
	Version     string
	CodeSystems []string
}

// CodeDef declares a code in a code system.
type CodeDef struct {
	Name       string
	ID         string
	CodeSystem string
	Display    string
}

// ParameterDef declares a library parameter.
type ParameterDef struct {
	Name      string
	Type      string
	Default   *cel.Ast
	Trackback Trackback
}

// Statement is a top-level definition.
type Statement interface {
	StatementName() string
	StatementContext() string
}

// ExpressionDef is a named expression.
type ExpressionDef struct {
	Name        string
	Context     string
	AccessLevel string
	// Source is the CQL text of the body.
	Source string
	// Expression is the body rewritten to CEL.
	Expression string
	AST        *cel.Ast
	Trackback  Trackback
}

func (d *ExpressionDef) StatementName() string { return d.Name }

func (d *ExpressionDef) StatementContext() string { return d.Context }

// OperandDef is a function parameter.
type OperandDef struct {
	Name string
	Type string
}

// FunctionDef is a named function. External functions have no body and are
// served by a registered function provider.
type FunctionDef struct {
	ExpressionDef
	Operands []OperandDef
	External bool
}

// Library is a compiled CQL library.
type Library struct {
	Identifier  VersionedIdentifier
	Usings      []Using
	Includes    []Include
	CodeSystems []CodeSystemDef
	ValueSets   []ValueSetDef
	Codes       []CodeDef
	Parameters  []ParameterDef
	Contexts    []string
	Statements  []Statement
}

// Expression returns the expression definition called name.
func (l *Library) Expression(name string) (*ExpressionDef, bool) {
	for _, s := range l.Statements {
		if d, ok := s.(*ExpressionDef); ok && d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Functions returns every function definition called name.
func (l *Library) Functions(name string) []*FunctionDef {
	var out []*FunctionDef
	for _, s := range l.Statements {
		if f, ok := s.(*FunctionDef); ok && f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// FunctionNames returns the distinct function names in declaration order.
func (l *Library) FunctionNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range l.Statements {
		if f, ok := s.(*FunctionDef); ok && !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f.Name)
		}
	}
	return out
}

// ValueSet returns the value set called name.
func (l *Library) ValueSet(name string) (ValueSetDef, bool) {
	for _, v := range l.ValueSets {
		if v.Name == name {
			return v, true
		}
	}
	return ValueSetDef{}, false
}

// Code returns the code called name.
func (l *Library) Code(name string) (CodeDef, bool) {
	for _, c := range l.Codes {
		if c.Name == name {
			return c, true
		}
	}
	return CodeDef{}, false
}

// CodeSystem returns the code system called name.
func (l *Library) CodeSystem(name string) (CodeSystemDef, bool) {
	for _, c := range l.CodeSystems {
		if c.Name == name {
			return c, true
		}
	}
	return CodeSystemDef{}, false
}

// Parameter returns the parameter called name.
func (l *Library) Parameter(name string) (ParameterDef, bool) {
	for _, p := range l.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterDef{}, false
}

// Include returns the include with the given local identifier.
func (l *Library) Include(alias string) (Include, bool) {
	for _, i := range l.Includes {
		if i.LocalIdentifier == alias {
			return i, true
		}
	}
	return Include{}, false
}

// Using returns the using with the given local identifier.
func (l *Library) Using(name string) (Using, bool) {
	for _, u := range l.Usings {
		if u.LocalIdentifier == name {
			return u, true
		}
	}
	return Using{}, false
}

// Lookup finds the CQL name behind a CEL identifier.
func (l *Library) Lookup(ident string) (string, bool) {
	for _, name := range l.names() {
		if Identifier(name) == ident {
			return name, true
		}
	}
	return "", false
}

func (l *Library) names() []string {
	var out []string
	for _, s := range l.Statements {
		out = append(out, s.StatementName())
	}
	for _, p := range l.Parameters {
		out = append(out, p.Name)
	}
	for _, v := range l.ValueSets {
		out = append(out, v.Name)
	}
	for _, c := range l.Codes {
		out = append(out, c.Name)
	}
	for _, c := range l.CodeSystems {
		out = append(out, c.Name)
	}
	for _, i := range l.Includes {
		out = append(out, i.LocalIdentifier)
	}
	return out
}

// celReserved are words CEL does not accept as identifiers.
var celReserved = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"false": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "let": true, "loop": true, "package": true, "namespace": true,
	"null": true, "return": true, "true": true, "var": true, "void": true,
	"while": true,
}

// Identifier maps a CQL name to the CEL identifier it compiles to.
func Identifier(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	id := b.String()
	if id == "" || celReserved[id] {
		id += "_"
	}
	return id
}
