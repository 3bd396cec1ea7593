package compiler

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
)

// declKeywords open a top-level declaration when they start a line.
var declKeywords = map[string]bool{
	"library": true, "using": true, "include": true, "codesystem": true,
	"valueset": true, "code": true, "concept": true, "parameter": true,
	"context": true, "define": true, "public": true, "private": true,
}

type parser struct {
	toks    []token
	pos     int
	env     *cel.Env
	lib     *elm.Library
	context string
	diags   []*Diagnostic
}

func newParser(toks []token, env *cel.Env) *parser {
	return &parser{
		toks:    toks,
		env:     env,
		lib:     &elm.Library{},
		context: elm.DefaultContext,
	}
}

func (p *parser) peek() token {
	return p.at(p.pos)
}

func (p *parser) at(i int) token {
	if i >= len(p.toks) {
		line, col := 1, 1
		if n := len(p.toks); n > 0 {
			line, col = p.toks[n-1].line, p.toks[n-1].col+len(p.toks[n-1].text)
		}
		return token{kind: tokEOF, line: line, col: col}
	}
	return p.toks[i]
}

func (p *parser) next() token {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *parser) accept(text string) bool {
	if p.peek().is(text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) errorAt(t token, format string, args ...any) {
	p.diags = append(p.diags, &Diagnostic{Line: t.line, Column: t.col, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) expect(text string) bool {
	if p.accept(text) {
		return true
	}
	t := p.peek()
	p.errorAt(t, "Syntax error at %s: expected '%s'", describe(t), text)
	return false
}

// boundary reports whether token i starts a new declaration.
func (p *parser) boundary(i int) bool {
	t := p.at(i)
	if t.kind == tokEOF {
		return true
	}
	if !t.first || t.kind != tokIdent || !declKeywords[t.text] {
		return false
	}
	switch t.text {
	case "code":
		return p.at(i+1).kind == tokQuoted && p.at(i+2).is(":")
	case "context":
		return p.at(i+1).kind == tokIdent && !p.at(i+2).is(".")
	}
	return true
}

// skipToBoundary drops tokens up to the next declaration.
func (p *parser) skipToBoundary() {
	p.next()
	for !p.boundary(p.pos) {
		p.pos++
	}
}

// body collects the tokens of an expression up to the next declaration.
func (p *parser) body() []token {
	start := p.pos
	for !p.boundary(p.pos) {
		p.pos++
	}
	return p.toks[start:p.pos]
}

func (p *parser) name() (string, bool) {
	t := p.peek()
	if t.kind == tokQuoted || t.kind == tokIdent {
		p.pos++
		return t.text, true
	}
	p.errorAt(t, "Syntax error at %s: expected an identifier", describe(t))
	return "", false
}

// qualifiedName reads a dotted identifier such as FHIR.Condition.
func (p *parser) qualifiedName() (string, bool) {
	first, ok := p.name()
	if !ok {
		return "", false
	}
	parts := []string{first}
	for p.peek().is(".") && (p.at(p.pos+1).kind == tokIdent || p.at(p.pos+1).kind == tokQuoted) {
		p.pos++
		parts = append(parts, p.next().text)
	}
	return strings.Join(parts, "."), true
}

func (p *parser) stringLit() (string, bool) {
	t := p.peek()
	if t.kind == tokString {
		p.pos++
		return t.text, true
	}
	p.errorAt(t, "Syntax error at %s: expected a string literal", describe(t))
	return "", false
}

func (p *parser) version() string {
	if p.accept("version") {
		v, _ := p.stringLit()
		return v
	}
	return ""
}

func (p *parser) parse() *elm.Library {
	for p.peek().kind != tokEOF {
		start, before := p.pos, len(p.diags)
		p.declaration()
		if p.pos == start || (len(p.diags) > before && !p.boundary(p.pos)) {
			p.skipToBoundary()
		}
	}
	return p.lib
}

func (p *parser) declaration() {
	t := p.peek()
	if t.kind != tokIdent {
		p.errorAt(t, "Syntax error at %s: expected a declaration", describe(t))
		return
	}

	access := "Public"
	if t.text == "public" || t.text == "private" {
		p.next()
		if t.text == "private" {
			access = "Private"
		}
		t = p.peek()
	}

	switch t.text {
	case "library":
		p.next()
		if id, ok := p.qualifiedName(); ok {
			p.lib.Identifier = elm.VersionedIdentifier{ID: id, Version: p.version()}
		}
	case "using":
		p.next()
		if id, ok := p.name(); ok {
			p.lib.Usings = append(p.lib.Usings, elm.Using{LocalIdentifier: id, Version: p.version()})
		}
	case "include":
		p.next()
		p.include()
	case "codesystem":
		p.next()
		p.codeSystem()
	case "valueset":
		p.next()
		p.valueSet()
	case "code":
		p.next()
		p.code()
	case "concept":
		p.errorAt(t, "Concept definitions are not supported")
	case "parameter":
		p.next()
		p.parameter()
	case "context":
		p.next()
		if name, ok := p.qualifiedName(); ok {
			p.context = name
			p.lib.Contexts = append(p.lib.Contexts, name)
		}
	case "define":
		p.next()
		p.define(access)
	default:
		p.errorAt(t, "Syntax error at %s: expected a declaration", describe(t))
	}
}

func (p *parser) include() {
	path, ok := p.qualifiedName()
	if !ok {
		return
	}
	inc := elm.Include{Path: path, LocalIdentifier: path, Version: p.version()}
	if p.accept("called") {
		if alias, ok := p.name(); ok {
			inc.LocalIdentifier = alias
		}
	}
	p.lib.Includes = append(p.lib.Includes, inc)
}

func (p *parser) codeSystem() {
	start := p.peek()
	name, ok := p.name()
	if !ok || !p.expect(":") {
		return
	}
	id, ok := p.stringLit()
	if !ok {
		return
	}
	if _, dup := p.lib.CodeSystem(name); dup {
		p.errorAt(start, "Identifier %s is already in use in this library.", name)
		return
	}
	p.lib.CodeSystems = append(p.lib.CodeSystems, elm.CodeSystemDef{Name: name, ID: id, Version: p.version()})
}

func (p *parser) valueSet() {
	start := p.peek()
	name, ok := p.name()
	if !ok || !p.expect(":") {
		return
	}
	id, ok := p.stringLit()
	if !ok {
		return
	}
	vs := elm.ValueSetDef{Name: name, ID: id, Version: p.version()}
	if p.accept("codesystems") {
		if !p.expect("{") {
			return
		}
		for !p.peek().is("}") && p.peek().kind != tokEOF {
			csName, ok := p.qualifiedName()
			if !ok {
				return
			}
			if _, known := p.lib.CodeSystem(csName); !known {
				p.errorAt(start, "Could not resolve code system %s.", csName)
			}
			vs.CodeSystems = append(vs.CodeSystems, csName)
			if !p.accept(",") {
				break
			}
		}
		if !p.expect("}") {
			return
		}
	}
	if _, dup := p.lib.ValueSet(name); dup {
		p.errorAt(start, "Identifier %s is already in use in this library.", name)
		return
	}
	p.lib.ValueSets = append(p.lib.ValueSets, vs)
}

func (p *parser) code() {
	start := p.peek()
	name, ok := p.name()
	if !ok || !p.expect(":") {
		return
	}
	id, ok := p.stringLit()
	if !ok || !p.expect("from") {
		return
	}
	csTok := p.peek()
	cs, ok := p.qualifiedName()
	if !ok {
		return
	}
	if _, known := p.lib.CodeSystem(cs); !known {
		p.errorAt(csTok, "Could not resolve code system %s.", cs)
		return
	}
	def := elm.CodeDef{Name: name, ID: id, CodeSystem: cs}
	if p.accept("display") {
		def.Display, _ = p.stringLit()
	}
	if _, dup := p.lib.Code(name); dup {
		p.errorAt(start, "Identifier %s is already in use in this library.", name)
		return
	}
	p.lib.Codes = append(p.lib.Codes, def)
}

func (p *parser) parameter() {
	start := p.peek()
	name, ok := p.name()
	if !ok {
		return
	}
	param := elm.ParameterDef{Name: name, Trackback: elm.Trackback{Line: start.line, Column: start.col}}

	var typeToks []string
	for !p.peek().is("default") && !p.boundary(p.pos) {
		typeToks = append(typeToks, p.next().text)
	}
	param.Type = strings.Join(typeToks, "")

	if p.accept("default") {
		toks := p.body()
		if len(toks) == 0 {
			p.errorAt(start, "Parameter %s has an empty default.", name)
			return
		}
		if _, _, ast := p.translate(toks); ast != nil {
			param.Default = ast
		}
	}
	p.lib.Parameters = append(p.lib.Parameters, param)
}

func (p *parser) define(access string) {
	fluent := p.accept("fluent")
	if p.accept("function") {
		p.function(access)
		return
	}
	if fluent {
		p.errorAt(p.peek(), "Syntax error at %s: expected 'function'", describe(p.peek()))
		return
	}

	start := p.peek()
	name, ok := p.name()
	if !ok || !p.expect(":") {
		return
	}
	if _, dup := p.lib.Expression(name); dup {
		p.errorAt(start, "Identifier %s is already in use in this library.", name)
		p.body()
		return
	}

	def := &elm.ExpressionDef{
		Name:        name,
		Context:     p.context,
		AccessLevel: access,
		Trackback:   elm.Trackback{Line: start.line, Column: start.col},
	}
	toks := p.body()
	if len(toks) == 0 {
		p.errorAt(start, "Definition %s has an empty body.", name)
		return
	}
	def.Source, def.Expression, def.AST = p.translate(toks)
	p.lib.Statements = append(p.lib.Statements, def)
}

func (p *parser) function(access string) {
	start := p.peek()
	name, ok := p.name()
	if !ok || !p.expect("(") {
		return
	}

	fn := &elm.FunctionDef{ExpressionDef: elm.ExpressionDef{
		Name:        name,
		Context:     p.context,
		AccessLevel: access,
		Trackback:   elm.Trackback{Line: start.line, Column: start.col},
	}}
	for !p.peek().is(")") && p.peek().kind != tokEOF {
		operand, ok := p.name()
		if !ok {
			return
		}
		fn.Operands = append(fn.Operands, elm.OperandDef{Name: operand, Type: p.typeSpecifier()})
		if !p.accept(",") {
			break
		}
	}
	if !p.expect(")") {
		return
	}
	if p.accept("returns") {
		p.typeSpecifier()
	}
	if !p.expect(":") {
		return
	}

	toks := p.body()
	switch {
	case len(toks) == 1 && toks[0].is("external"):
		fn.External = true
		fn.Source = "external"
	case len(toks) == 0:
		p.errorAt(start, "Function %s has an empty body.", name)
		return
	default:
		fn.Source, fn.Expression, fn.AST = p.translate(toks)
	}
	p.lib.Statements = append(p.lib.Statements, fn)
}

// typeSpecifier reads a type such as FHIR.Coding or List<System.Code>.
func (p *parser) typeSpecifier() string {
	var b strings.Builder
	depth := 0
	for {
		t := p.peek()
		if t.kind == tokEOF || p.boundary(p.pos) {
			break
		}
		if depth == 0 && (t.is(",") || t.is(")") || t.is(":") || t.is("returns")) {
			break
		}
		switch {
		case t.is("<"):
			depth++
		case t.is(">"):
			depth--
		}
		b.WriteString(t.text)
		p.next()
	}
	return b.String()
}

// translate rewrites toks to CEL and parses the result. Errors are recorded
// as diagnostics and yield a nil AST.
func (p *parser) translate(toks []token) (string, string, *cel.Ast) {
	source := render(toks)
	tr := &translator{toks: toks, lib: p.lib}
	celSrc, err := tr.translate()
	if err != nil {
		p.diags = append(p.diags, err)
		return source, "", nil
	}
	ast, iss := p.env.Parse(celSrc)
	if iss != nil && iss.Err() != nil {
		p.errorAt(toks[0], "Syntax error: %s", strings.TrimSpace(iss.Err().Error()))
		return source, celSrc, nil
	}
	return source, celSrc, ast
}

// render joins tokens back into readable source.
func render(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch t.kind {
		case tokString:
			b.WriteString("'" + t.text + "'")
		case tokQuoted:
			b.WriteString(`"` + t.text + `"`)
		case tokDate:
			b.WriteString("@" + t.text)
		default:
			b.WriteString(t.text)
		}
	}
	return b.String()
}

func describe(t token) string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("'%s' [%d:%d]", t.text, t.line, t.col)
}
