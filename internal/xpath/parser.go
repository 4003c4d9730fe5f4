// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package xpath

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Parse parses an XPath expression. It never fails on non-empty input: any
// expression the grammar does not cover is returned as a *Raw wrapping the
// whole input, which serializes back unchanged.
func Parse(input string) Expr {
	input = strings.TrimSpace(input)
	if input == "" {
		return &Raw{Text: input}
	}
	p := &parser{input: input}
	p.advanceChar()
	expr, ok := p.parseUnion()
	p.skipSpace()
	if !ok || p.pos < len(p.input) {
		// Leftover input means the grammar does not model this
		// expression. Fall back to opaque text.
		return &Raw{Text: input}
	}
	return expr
}

// nodeTypeTests are node tests that look like function calls but are steps.
var nodeTypeTests = map[string]bool{
	"node":                   true,
	"text":                   true,
	"comment":                true,
	"processing-instruction": true,
}

type parser struct {
	input string
	pos   int
	// nextPos is the start of the next char.
	nextPos int
	// char is the rune starting at pos. char is 0 once pos reaches the end
	// of input.
	char rune
}

// advanceChar moves the parser to the next character in the input.
func (p *parser) advanceChar() bool {
	if p.nextPos >= len(p.input) {
		p.char = 0
		p.pos = p.nextPos
		return false
	}
	var size int
	p.char, size = utf8.DecodeRuneInString(p.input[p.nextPos:])
	p.pos = p.nextPos
	p.nextPos += size
	return true
}

func (p *parser) skipSpace() {
	for p.char == ' ' || p.char == '\t' || p.char == '\n' || p.char == '\r' {
		p.advanceChar()
	}
}

// peekString reports whether s starts at the current position.
func (p *parser) peekString(s string) bool {
	return strings.HasPrefix(p.input[p.pos:], s)
}

// skipString advances past s if it starts at the current position.
func (p *parser) skipString(s string) bool {
	if !p.peekString(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		p.advanceChar()
	}
	return true
}

// parseUnion parses pathExpr ("|" pathExpr)*.
func (p *parser) parseUnion() (Expr, bool) {
	left, ok := p.parsePath()
	if !ok {
		return nil, false
	}
	for {
		p.skipSpace()
		if p.char != '|' {
			return left, true
		}
		p.advanceChar()
		p.skipSpace()
		right, ok := p.parsePath()
		if !ok {
			return nil, false
		}
		left = &Binary{Op: "|", Left: left, Right: right}
	}
}

// parsePath parses an optionally absolute sequence of "/"- or "//"-joined
// steps.
func (p *parser) parsePath() (Expr, bool) {
	p.skipSpace()
	if p.skipString("//") {
		rel, ok := p.parseSteps()
		if !ok {
			return nil, false
		}
		return &Absolute{Op: "//", Rel: rel}, true
	}
	if p.char == '/' {
		p.advanceChar()
		if p.pos >= len(p.input) || p.char == '|' {
			return &Absolute{Op: "/"}, true
		}
		rel, ok := p.parseSteps()
		if !ok {
			return nil, false
		}
		return &Absolute{Op: "/", Rel: rel}, true
	}
	return p.parseSteps()
}

// parseSteps parses primary (("/"|"//") primary)*, left associative.
func (p *parser) parseSteps() (Expr, bool) {
	left, ok := p.parsePrimary()
	if !ok {
		return nil, false
	}
	for {
		var op string
		if p.peekString("//") {
			op = "//"
		} else if p.char == '/' {
			op = "/"
		} else {
			return left, true
		}
		p.skipString(op)
		right, ok := p.parsePrimary()
		if !ok {
			return nil, false
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parsePrimary() (Expr, bool) {
	p.skipSpace()
	switch {
	case p.char == 0:
		return nil, false
	case p.peekString(".."):
		p.skipString("..")
		return &AbbrevStep{Sym: ".."}, true
	case p.char == '.':
		p.advanceChar()
		return &AbbrevStep{Sym: "."}, true
	case p.char == '$':
		p.advanceChar()
		name := p.parseName()
		if name == "" {
			return nil, false
		}
		return &VarRef{Name: name}, true
	case p.char == '"' || p.char == '\'':
		return p.parseLiteral()
	case p.char >= '0' && p.char <= '9':
		return p.parseNumber()
	case p.char == '@':
		p.advanceChar()
		name := p.parseName()
		if name == "" {
			return nil, false
		}
		step := &Step{NodeTest: "@" + name}
		return p.parsePredicates(step)
	case p.char == '*':
		p.advanceChar()
		return p.parsePredicates(&Step{NodeTest: "*"})
	case isNameStart(p.char):
		return p.parseNamedPrimary()
	default:
		return nil, false
	}
}

// parseNamedPrimary parses steps and function calls starting with a name:
// "name", "ex:field", "parent::root/@id", "substring(...)", "node()".
func (p *parser) parseNamedPrimary() (Expr, bool) {
	name := p.parseName()
	if p.peekString("::") {
		p.skipString("::")
		axis := name
		var test string
		if p.char == '@' {
			p.advanceChar()
			test = "@" + p.parseName()
		} else if p.char == '*' {
			p.advanceChar()
			test = "*"
		} else {
			test = p.parseName()
		}
		if strings.TrimPrefix(test, "@") == "" {
			return nil, false
		}
		return p.parsePredicates(&Step{Axis: axis, NodeTest: test})
	}
	if p.char == '(' {
		if nodeTypeTests[name] && p.peekString("()") {
			p.skipString("()")
			return p.parsePredicates(&Step{NodeTest: name + "()"})
		}
		return p.parseFuncCall(name)
	}
	return p.parsePredicates(&Step{NodeTest: name})
}

func (p *parser) parseFuncCall(name string) (Expr, bool) {
	// consume "("
	p.advanceChar()
	call := &FuncCall{Name: name}
	p.skipSpace()
	if p.char == ')' {
		p.advanceChar()
		return call, true
	}
	for {
		arg, ok := p.parseUnion()
		if !ok {
			return nil, false
		}
		call.Args = append(call.Args, arg)
		p.skipSpace()
		switch p.char {
		case ',':
			p.advanceChar()
			p.skipSpace()
		case ')':
			p.advanceChar()
			return call, true
		default:
			return nil, false
		}
	}
}

// parsePredicates collects the raw text of bracketed predicates following a
// step. Predicate contents are not parsed, only bracket-balanced.
func (p *parser) parsePredicates(step *Step) (Expr, bool) {
	for p.char == '[' {
		p.advanceChar()
		start := p.pos
		depth := 1
		for depth > 0 {
			switch p.char {
			case 0:
				return nil, false
			case '[':
				depth++
			case ']':
				depth--
			}
			if depth == 0 {
				break
			}
			p.advanceChar()
		}
		step.Predicates = append(step.Predicates, p.input[start:p.pos])
		// consume "]"
		p.advanceChar()
	}
	return step, true
}

func (p *parser) parseLiteral() (Expr, bool) {
	quote := p.char
	start := p.pos
	p.advanceChar()
	for p.char != quote {
		if p.char == 0 {
			return nil, false
		}
		p.advanceChar()
	}
	p.advanceChar()
	return &Literal{Raw: p.input[start:p.pos]}, true
}

func (p *parser) parseNumber() (Expr, bool) {
	start := p.pos
	for (p.char >= '0' && p.char <= '9') || p.char == '.' {
		p.advanceChar()
	}
	return &Number{Raw: p.input[start:p.pos]}, true
}

// parseName consumes a QName, optionally prefixed, e.g. "name",
// "fn:lower-case" or "ex:field".
func (p *parser) parseName() string {
	start := p.pos
	if !isNameStart(p.char) {
		return ""
	}
	for isNameByte(p.char) {
		p.advanceChar()
	}
	if p.char == ':' && !p.peekString("::") {
		p.advanceChar()
		for isNameByte(p.char) {
			p.advanceChar()
		}
	}
	return p.input[start:p.pos]
}

func isNameStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isNameByte(c rune) bool {
	return c == '_' || c == '-' || c == '.' || unicode.IsLetter(c) || unicode.IsDigit(c)
}
