package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/phast-fr/cql-proxy/internal/cql/elm"
)

// reserved words never start a query alias or an identifier reference.
var reserved = map[string]bool{
	"and": true, "or": true, "xor": true, "implies": true, "not": true,
	"exists": true, "in": true, "contains": true, "is": true, "as": true,
	"cast": true, "where": true, "return": true, "with": true, "without": true,
	"such": true, "that": true, "sort": true, "by": true, "then": true,
	"else": true, "when": true, "end": true, "if": true, "case": true,
	"null": true, "true": true, "false": true, "div": true, "mod": true,
	"from": true, "display": true, "all": true, "distinct": true,
	"union": true, "intersect": true, "except": true, "during": true,
	"between": true, "let": true,
}

var comparisons = map[string]string{
	"<":  "Less",
	"<=": "LessOrEqual",
	">":  "Greater",
	">=": "GreaterOrEqual",
}

// translator rewrites the tokens of one expression into CEL source.
type translator struct {
	toks []token
	pos  int
	lib  *elm.Library
	err  *Diagnostic
}

func (t *translator) translate() (string, *Diagnostic) {
	out := t.expression()
	if t.err == nil && t.pos < len(t.toks) {
		t.fail(t.peek(), "Syntax error at %s: unexpected input", describe(t.peek()))
	}
	if t.err != nil {
		return "", t.err
	}
	return out, nil
}

func (t *translator) peek() token {
	return t.at(t.pos)
}

func (t *translator) at(i int) token {
	if i >= len(t.toks) {
		last := t.toks[len(t.toks)-1]
		return token{kind: tokEOF, line: last.line, col: last.col + len(last.text)}
	}
	return t.toks[i]
}

func (t *translator) next() token {
	tok := t.peek()
	if t.pos < len(t.toks) {
		t.pos++
	}
	return tok
}

func (t *translator) accept(text string) bool {
	if t.peek().is(text) {
		t.pos++
		return true
	}
	return false
}

func (t *translator) expect(text string) bool {
	if t.accept(text) {
		return true
	}
	t.fail(t.peek(), "Syntax error at %s: expected '%s'", describe(t.peek()), text)
	return false
}

func (t *translator) fail(tok token, format string, args ...any) {
	if t.err == nil {
		t.err = &Diagnostic{Line: tok.line, Column: tok.col, Message: fmt.Sprintf(format, args...)}
	}
	// Stop every loop.
	t.pos = len(t.toks)
}

func (t *translator) expression() string {
	l := t.orExpr()
	for t.err == nil && t.accept("implies") {
		l = "Implies(" + l + ", " + t.orExpr() + ")"
	}
	return l
}

func (t *translator) orExpr() string {
	l := t.andExpr()
	for t.err == nil {
		switch {
		case t.accept("or"):
			l = "Or(" + l + ", " + t.andExpr() + ")"
		case t.accept("xor"):
			l = "Xor(" + l + ", " + t.andExpr() + ")"
		default:
			return l
		}
	}
	return l
}

func (t *translator) andExpr() string {
	l := t.notExpr()
	for t.err == nil && t.accept("and") {
		l = "And(" + l + ", " + t.notExpr() + ")"
	}
	return l
}

func (t *translator) notExpr() string {
	switch {
	case t.accept("not"):
		return "Not(" + t.notExpr() + ")"
	case t.accept("exists"):
		return "Exists(" + t.notExpr() + ")"
	}
	return t.equality()
}

func (t *translator) equality() string {
	l := t.membership()
	for t.err == nil {
		switch {
		case t.accept("="):
			l = "Equal(" + l + ", " + t.membership() + ")"
		case t.accept("!="), t.accept("<>"):
			l = "NotEqual(" + l + ", " + t.membership() + ")"
		case t.accept("~"):
			l = "Equivalent(" + l + ", " + t.membership() + ")"
		case t.accept("!~"):
			l = "Not(Equivalent(" + l + ", " + t.membership() + "))"
		default:
			return l
		}
	}
	return l
}

func (t *translator) membership() string {
	l := t.comparison()
	for t.err == nil {
		switch {
		case t.accept("in"):
			l = "In(" + l + ", " + t.comparison() + ")"
		case t.accept("contains"):
			l = "In(" + t.comparison() + ", " + l + ")"
		default:
			return l
		}
	}
	return l
}

func (t *translator) comparison() string {
	l := t.typeExpr()
	for t.err == nil {
		fn, ok := comparisons[t.peek().text]
		if !ok || t.peek().kind != tokOp {
			return l
		}
		t.next()
		l = fn + "(" + l + ", " + t.typeExpr() + ")"
	}
	return l
}

func (t *translator) typeExpr() string {
	l := t.additive()
	for t.err == nil {
		switch {
		case t.accept("is"):
			switch {
			case t.accept("not"):
				if !t.expect("null") {
					return l
				}
				l = "Not(IsNull(" + l + "))"
			case t.accept("null"):
				l = "IsNull(" + l + ")"
			case t.accept("true"):
				l = "IsTrue(" + l + ")"
			case t.accept("false"):
				l = "IsFalse(" + l + ")"
			default:
				l = "Is(" + l + ", " + strconv.Quote(t.typeName()) + ")"
			}
		case t.accept("as"):
			l = "As(" + l + ", " + strconv.Quote(t.typeName()) + ")"
		default:
			return l
		}
	}
	return l
}

func (t *translator) typeName() string {
	var parts []string
	for {
		tok := t.peek()
		if tok.kind != tokIdent && tok.kind != tokQuoted {
			t.fail(tok, "Syntax error at %s: expected a type name", describe(tok))
			return ""
		}
		parts = append(parts, t.next().text)
		if !t.peek().is(".") {
			return strings.Join(parts, ".")
		}
		t.next()
	}
}

func (t *translator) additive() string {
	l := t.multiplicative()
	for t.err == nil {
		switch {
		case t.accept("+"):
			l = "Add(" + l + ", " + t.multiplicative() + ")"
		case t.accept("-"):
			l = "Subtract(" + l + ", " + t.multiplicative() + ")"
		case t.accept("&"):
			l = "Concatenate(" + l + ", " + t.multiplicative() + ")"
		default:
			return l
		}
	}
	return l
}

func (t *translator) multiplicative() string {
	l := t.unary()
	for t.err == nil {
		switch {
		case t.accept("*"):
			l = "Multiply(" + l + ", " + t.unary() + ")"
		case t.accept("/"):
			l = "Divide(" + l + ", " + t.unary() + ")"
		case t.accept("div"):
			l = "TruncatedDivide(" + l + ", " + t.unary() + ")"
		case t.accept("mod"):
			l = "Modulo(" + l + ", " + t.unary() + ")"
		default:
			return l
		}
	}
	return l
}

func (t *translator) unary() string {
	switch {
	case t.accept("-"):
		return "Negate(" + t.unary() + ")"
	case t.accept("+"):
		return t.unary()
	case t.accept("cast"):
		operand := t.unary()
		if !t.expect("as") {
			return ""
		}
		return "As(" + operand + ", " + strconv.Quote(t.typeName()) + ", true)"
	}
	return t.term(true)
}

// term parses a primary followed by member accesses, indexers and, when
// allowQuery is set, a query on it.
func (t *translator) term(allowQuery bool) string {
	first := t.peek()
	base, source := t.primary()

	// library is set while base is an include alias.
	library := ""
	if t.isName(first) && base == elm.Identifier(first.text) {
		if _, ok := t.lib.Include(first.text); ok {
			library = base
		}
	}

	for t.err == nil {
		switch {
		case t.peek().is(".") && t.isName(t.at(t.pos+1)):
			t.next()
			member := t.next().text
			if t.peek().is("(") {
				args := t.arguments()
				if library != "" {
					base = library + "." + elm.Identifier(member) + "(" + strings.Join(args, ", ") + ")"
				} else {
					base = elm.Identifier(member) + "(" + strings.Join(append([]string{base}, args...), ", ") + ")"
				}
				library = ""
				source = false
				continue
			}
			if library != "" {
				base = library + "." + elm.Identifier(member)
			} else {
				base = "Property(" + base + ", " + strconv.Quote(member) + ")"
			}
			library = ""
			source = true
		case t.peek().is("["):
			t.next()
			index := t.expression()
			if !t.expect("]") {
				return ""
			}
			base = "Indexer(" + base + ", " + index + ")"
			library = ""
			source = false
		default:
			if allowQuery && source && t.isAlias(t.peek()) {
				return t.query(base)
			}
			return base
		}
	}
	return base
}

func (t *translator) isName(tok token) bool {
	return tok.kind == tokIdent || tok.kind == tokQuoted
}

func (t *translator) isAlias(tok token) bool {
	return tok.kind == tokIdent && !reserved[tok.text]
}

// query rewrites Source Alias [with|without ...] [where Cond] [return Expr]
// into CEL list macros.
func (t *translator) query(source string) string {
	alias := elm.Identifier(t.next().text)
	var conds []string

	for t.err == nil && (t.peek().is("with") || t.peek().is("without")) {
		negate := t.next().text == "without"
		related := t.term(false)
		if !t.isAlias(t.peek()) {
			t.fail(t.peek(), "Syntax error at %s: expected an alias", describe(t.peek()))
			return ""
		}
		relAlias := elm.Identifier(t.next().text)
		if !t.expect("such") || !t.expect("that") {
			return ""
		}
		cond := "ToList(" + related + ").exists(" + relAlias + ", IsTrue(" + t.expression() + "))"
		if negate {
			cond = "!" + cond
		}
		conds = append(conds, cond)
	}

	if t.accept("where") {
		conds = append(conds, "IsTrue("+t.expression()+")")
	}

	out := "ToList(" + source + ")"
	if len(conds) > 0 {
		out += ".filter(" + alias + ", " + strings.Join(conds, " && ") + ")"
	}
	if t.accept("return") {
		distinct := false
		if !t.accept("all") {
			distinct = t.accept("distinct")
		}
		out += ".map(" + alias + ", " + t.expression() + ")"
		if distinct {
			out = "Distinct(" + out + ")"
		}
	}
	if t.peek().is("sort") {
		t.fail(t.peek(), "Sort clauses are not supported")
	}
	return out
}

func (t *translator) arguments() []string {
	t.next()
	var args []string
	for t.err == nil && !t.peek().is(")") {
		args = append(args, t.expression())
		if !t.accept(",") {
			break
		}
	}
	t.expect(")")
	return args
}

// primary returns the CEL for a primary expression and whether it may be
// the source of a query.
func (t *translator) primary() (string, bool) {
	tok := t.peek()
	switch tok.kind {
	case tokNumber:
		t.next()
		if t.peek().kind == tokString {
			unit := t.next().text
			return "Quantity(" + decimalLiteral(tok.text) + ", " + strconv.Quote(unit) + ")", false
		}
		return tok.text, false

	case tokString:
		t.next()
		return strconv.Quote(tok.text), false

	case tokDate:
		t.next()
		switch {
		case strings.HasPrefix(tok.text, "T"):
			t.fail(tok, "Time literals are not supported")
			return "", false
		case strings.Contains(tok.text, "T"):
			return "DateTime(" + strconv.Quote(tok.text) + ")", false
		default:
			return "Date(" + strconv.Quote(tok.text) + ")", false
		}

	case tokQuoted:
		t.next()
		if t.peek().is("(") {
			return elm.Identifier(tok.text) + "(" + strings.Join(t.arguments(), ", ") + ")", false
		}
		return elm.Identifier(tok.text), true

	case tokIdent:
		return t.keywordOrIdentifier()

	case tokOp:
		switch tok.text {
		case "(":
			t.next()
			inner := t.expression()
			t.expect(")")
			return "(" + inner + ")", true
		case "{":
			t.next()
			return t.list(), false
		case "[":
			t.next()
			return t.retrieve(), true
		}
	}
	t.fail(tok, "Syntax error at %s: unexpected input", describe(tok))
	return "", false
}

func (t *translator) keywordOrIdentifier() (string, bool) {
	tok := t.next()
	switch tok.text {
	case "true", "false", "null":
		return tok.text, false
	case "if":
		cond := t.expression()
		if !t.expect("then") {
			return "", false
		}
		then := t.expression()
		if !t.expect("else") {
			return "", false
		}
		return "(IsTrue(" + cond + ") ? " + then + " : " + t.expression() + ")", false
	case "case":
		return t.caseExpr(), false
	case "Interval":
		return t.interval(), false
	case "List":
		if t.accept("<") {
			t.typeName()
			t.expect(">")
		}
		if !t.expect("{") {
			return "", false
		}
		return t.list(), false
	case "Code":
		return t.codeLiteral(), false
	case "Tuple", "Concept":
		t.fail(tok, "%s selectors are not supported", tok.text)
		return "", false
	}
	if reserved[tok.text] {
		t.fail(tok, "Syntax error at %s: unexpected keyword", describe(tok))
		return "", false
	}
	if t.peek().is("(") {
		return elm.Identifier(tok.text) + "(" + strings.Join(t.arguments(), ", ") + ")", false
	}
	return elm.Identifier(tok.text), true
}

func (t *translator) caseExpr() string {
	var selector string
	if !t.peek().is("when") {
		selector = t.expression()
	}
	type branch struct{ cond, result string }
	var branches []branch
	for t.err == nil && t.accept("when") {
		cond := t.expression()
		if selector != "" {
			cond = "Equal(" + selector + ", " + cond + ")"
		}
		cond = "IsTrue(" + cond + ")"
		if !t.expect("then") {
			return ""
		}
		branches = append(branches, branch{cond, t.expression()})
	}
	if len(branches) == 0 {
		t.fail(t.peek(), "Syntax error at %s: expected 'when'", describe(t.peek()))
		return ""
	}
	if !t.expect("else") {
		return ""
	}
	out := t.expression()
	if !t.expect("end") {
		return ""
	}
	for i := len(branches) - 1; i >= 0; i-- {
		out = "(" + branches[i].cond + " ? " + branches[i].result + " : " + out + ")"
	}
	return out
}

func (t *translator) interval() string {
	var lowClosed bool
	switch {
	case t.accept("["):
		lowClosed = true
	case t.accept("("):
	default:
		t.fail(t.peek(), "Syntax error at %s: expected '[' or '('", describe(t.peek()))
		return ""
	}
	low := t.expression()
	if !t.expect(",") {
		return ""
	}
	high := t.expression()
	var highClosed bool
	switch {
	case t.accept("]"):
		highClosed = true
	case t.accept(")"):
	default:
		t.fail(t.peek(), "Syntax error at %s: expected ']' or ')'", describe(t.peek()))
		return ""
	}
	return fmt.Sprintf("Interval(%s, %s, %t, %t)", low, high, lowClosed, highClosed)
}

func (t *translator) list() string {
	var items []string
	for t.err == nil && !t.peek().is("}") {
		items = append(items, t.expression())
		if !t.accept(",") {
			break
		}
	}
	t.expect("}")
	return "[" + strings.Join(items, ", ") + "]"
}

// codeLiteral parses Code 'c' from "system" [display 'd'].
func (t *translator) codeLiteral() string {
	tok := t.peek()
	if tok.kind != tokString {
		t.fail(tok, "Syntax error at %s: expected a code", describe(tok))
		return ""
	}
	t.next()
	if !t.expect("from") {
		return ""
	}
	csTok := t.next()
	cs, ok := t.lib.CodeSystem(csTok.text)
	if !ok {
		t.fail(csTok, "Could not resolve code system %s.", csTok.text)
		return ""
	}
	display := ""
	if t.accept("display") {
		display = t.next().text
	}
	return "Code(" + strconv.Quote(tok.text) + ", " + strconv.Quote(cs.ID) + ", " + strconv.Quote(display) + ")"
}

// retrieve parses [Type], [Type: "terminology"] and [Type: path in "terminology"].
func (t *translator) retrieve() string {
	typeName := t.typeName()
	if t.err != nil {
		return ""
	}
	if model, rest, ok := strings.Cut(typeName, "."); ok {
		if _, known := t.lib.Using(model); known {
			typeName = rest
		}
	}
	args := []string{strconv.Quote(typeName)}

	if t.accept(":") {
		path := "code"
		if t.isName(t.peek()) && t.at(t.pos+1).is("in") {
			path = t.next().text
			t.next()
		}
		ref := t.terminologyRef()
		if t.err != nil {
			return ""
		}
		args = append(args, strconv.Quote(path), ref)
	}
	if !t.expect("]") {
		return ""
	}
	return "Retrieve(" + strings.Join(args, ", ") + ")"
}

func (t *translator) terminologyRef() string {
	tok := t.peek()
	if !t.isName(tok) {
		t.fail(tok, "Syntax error at %s: expected a value set or code", describe(tok))
		return ""
	}
	t.next()
	if t.peek().is(".") && t.isName(t.at(t.pos+1)) {
		if _, ok := t.lib.Include(tok.text); !ok {
			t.fail(tok, "Could not resolve library %s.", tok.text)
			return ""
		}
		t.next()
		member := t.next().text
		return elm.Identifier(tok.text) + "." + elm.Identifier(member)
	}
	_, isValueSet := t.lib.ValueSet(tok.text)
	_, isCode := t.lib.Code(tok.text)
	if !isValueSet && !isCode {
		t.fail(tok, "Could not resolve identifier %s in library %s.", tok.text, t.lib.Identifier.ID)
		return ""
	}
	return elm.Identifier(tok.text)
}

func decimalLiteral(n string) string {
	if strings.Contains(n, ".") {
		return n
	}
	return n + ".0"
}
