// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

// Package xpath provides a small XPath 1.0 expression parser used to rewrite
// user-supplied path expressions relative to an XQuery iteration variable.
//
// The parser only distinguishes the expression shapes that the query compiler
// rewrites: absolute and relative location paths, unions, steps, abbreviated
// steps and function calls. Anything else round-trips through an opaque
// expression that serializes back to its original text. This permissiveness
// is deliberate: the compiler treats unrecognised shapes as plain relative
// paths rather than rejecting them.
package xpath

import "strings"

// Expr is a parsed XPath expression. String returns the expression
// serialized back to XPath syntax.
type Expr interface {
	String() string
}

// Step is a single location step, e.g. "name", "@id", "ex:field",
// "parent::root" or "node()". Attribute abbreviations are kept in the node
// test ("@id") rather than expanded to the attribute axis.
type Step struct {
	// Axis is the explicit axis name, without "::". Empty for the default
	// child axis and for abbreviated attribute steps.
	Axis string
	// NodeTest is the node test, including any "@" abbreviation, name
	// prefix, or node-type parentheses.
	NodeTest string
	// Predicates holds the raw text of each bracketed predicate.
	Predicates []string
}

func (s *Step) String() string {
	var b strings.Builder
	if s.Axis != "" {
		b.WriteString(s.Axis)
		b.WriteString("::")
	}
	b.WriteString(s.NodeTest)
	for _, p := range s.Predicates {
		b.WriteString("[")
		b.WriteString(p)
		b.WriteString("]")
	}
	return b.String()
}

// AbbrevStep is "." or "..".
type AbbrevStep struct {
	Sym string
}

func (a *AbbrevStep) String() string {
	return a.Sym
}

// Absolute is a path with a leading "/" or "//". Rel is nil for the bare
// root path "/".
type Absolute struct {
	Op  string // "/" or "//"
	Rel Expr
}

func (a *Absolute) String() string {
	if a.Rel == nil {
		return a.Op
	}
	return a.Op + a.Rel.String()
}

// Binary joins two expressions with a path or union operator: "/", "//"
// or "|".
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

func (b *Binary) String() string {
	return b.Left.String() + b.Op + b.Right.String()
}

// FuncCall is a function call such as "substring(name,1,1)". The name may
// carry a prefix ("fn:lower-case").
type FuncCall struct {
	Name string
	Args []Expr
}

func (f *FuncCall) String() string {
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.String()
	}
	return f.Name + "(" + strings.Join(args, ",") + ")"
}

// Literal is a quoted string literal, stored with its quotes.
type Literal struct {
	Raw string
}

func (l *Literal) String() string {
	return l.Raw
}

// Number is a numeric literal, stored as written.
type Number struct {
	Raw string
}

func (n *Number) String() string {
	return n.Raw
}

// VarRef is a variable reference such as "$n". Name excludes the "$".
type VarRef struct {
	Name string
}

func (v *VarRef) String() string {
	return "$" + v.Name
}

// Raw is the fallback for expression text the parser does not model. It
// serializes to exactly its input.
type Raw struct {
	Text string
}

func (r *Raw) String() string {
	return r.Text
}
