package compiler

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuoted
	tokString
	tokNumber
	tokDate
	tokOp
)

func (k tokenKind) String() string {
	switch k {
	case tokIdent:
		return "identifier"
	case tokQuoted:
		return "quoted identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokDate:
		return "date"
	case tokOp:
		return "operator"
	default:
		return "end of input"
	}
}

type token struct {
	kind tokenKind
	text string
	line int
	col  int
	// first is set on the first token of a source line.
	first bool
}

func (t token) is(text string) bool {
	return (t.kind == tokIdent || t.kind == tokOp) && t.text == text
}

var twoCharOps = []string{"<=", ">=", "<>", "!=", "!~", "->"}

// lex splits src into tokens. Comments are dropped. Lexical errors are
// returned as diagnostics next to the tokens read so far.
func lex(src string) ([]token, []*Diagnostic) {
	l := &lexer{src: []rune(src), line: 1, col: 1}
	l.run()
	return l.tokens, l.diags
}

type lexer struct {
	src       []rune
	pos       int
	line, col int
	lastLine  int
	tokens    []token
	diags     []*Diagnostic
}

func (l *lexer) peek(offset int) rune {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *lexer) advance() rune {
	r := l.src[l.pos]
	l.pos++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) emit(kind tokenKind, text string, line, col int) {
	l.tokens = append(l.tokens, token{
		kind:  kind,
		text:  text,
		line:  line,
		col:   col,
		first: line != l.lastLine,
	})
	l.lastLine = line
}

func (l *lexer) errorf(line, col int, msg string) {
	l.diags = append(l.diags, &Diagnostic{Line: line, Column: col, Message: msg})
}

func (l *lexer) run() {
	for l.pos < len(l.src) {
		r := l.peek(0)
		line, col := l.line, l.col
		switch {
		case unicode.IsSpace(r):
			l.advance()
		case r == '/' && l.peek(1) == '/':
			for l.pos < len(l.src) && l.peek(0) != '\n' {
				l.advance()
			}
		case r == '/' && l.peek(1) == '*':
			l.advance()
			l.advance()
			for l.pos < len(l.src) && !(l.peek(0) == '*' && l.peek(1) == '/') {
				l.advance()
			}
			if l.pos >= len(l.src) {
				l.errorf(line, col, "Syntax error: unterminated comment")
				return
			}
			l.advance()
			l.advance()
		case r == '\'':
			if text, ok := l.delimited('\''); ok {
				l.emit(tokString, text, line, col)
			} else {
				l.errorf(line, col, "Syntax error: unterminated string literal")
			}
		case r == '"' || r == '`':
			if text, ok := l.delimited(r); ok {
				l.emit(tokQuoted, text, line, col)
			} else {
				l.errorf(line, col, "Syntax error: unterminated quoted identifier")
			}
		case r == '@':
			l.advance()
			start := l.pos
			for l.pos < len(l.src) && strings.ContainsRune("0123456789-:.TZ+", l.peek(0)) {
				l.advance()
			}
			l.emit(tokDate, string(l.src[start:l.pos]), line, col)
		case unicode.IsDigit(r):
			start := l.pos
			for l.pos < len(l.src) && unicode.IsDigit(l.peek(0)) {
				l.advance()
			}
			if l.peek(0) == '.' && unicode.IsDigit(l.peek(1)) {
				l.advance()
				for l.pos < len(l.src) && unicode.IsDigit(l.peek(0)) {
					l.advance()
				}
			}
			l.emit(tokNumber, string(l.src[start:l.pos]), line, col)
		case r == '_' || unicode.IsLetter(r):
			start := l.pos
			for l.pos < len(l.src) && (l.peek(0) == '_' || unicode.IsLetter(l.peek(0)) || unicode.IsDigit(l.peek(0))) {
				l.advance()
			}
			l.emit(tokIdent, string(l.src[start:l.pos]), line, col)
		default:
			if op, ok := l.twoChar(); ok {
				l.advance()
				l.advance()
				l.emit(tokOp, op, line, col)
				continue
			}
			if strings.ContainsRune("()[]{},.:+-*/<>=~&|^", r) {
				l.advance()
				l.emit(tokOp, string(r), line, col)
				continue
			}
			l.advance()
			l.errorf(line, col, "Syntax error: unexpected character '"+string(r)+"'")
		}
	}
}

func (l *lexer) twoChar() (string, bool) {
	if l.pos+1 >= len(l.src) {
		return "", false
	}
	pair := string(l.src[l.pos : l.pos+2])
	for _, op := range twoCharOps {
		if pair == op {
			return op, true
		}
	}
	return "", false
}

// delimited reads a literal enclosed in quote, handling backslash escapes.
func (l *lexer) delimited(quote rune) (string, bool) {
	l.advance()
	var b strings.Builder
	for l.pos < len(l.src) {
		r := l.advance()
		switch {
		case r == quote:
			return b.String(), true
		case r == '\\' && l.pos < len(l.src):
			esc := l.advance()
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			case 'f':
				b.WriteRune('\f')
			default:
				b.WriteRune(esc)
			}
		default:
			b.WriteRune(r)
		}
	}
	return "", false
}
