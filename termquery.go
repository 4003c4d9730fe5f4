// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// TermQuery is a structured fulltext query, passed as a filter value in
// place of a plain search string. It compiles to the XML query element
// understood by ft:query, which distinguishes single terms, exact phrases
// and proximity matches.
type TermQuery struct {
	// Terms match individually.
	Terms []string
	// Phrases match as exact word sequences.
	Phrases []string
	// Near matches when all words occur within Slop intervening words of
	// each other. A zero Slop means adjacent.
	Near []string
	Slop int
}

// XQueryLiteral renders the query element embedded in compiled XQuery
// text.
func (t TermQuery) XQueryLiteral() string {
	var b strings.Builder
	b.WriteString("<query>")
	for _, term := range t.Terms {
		fmt.Fprintf(&b, "<term>%s</term>", escapeXML(term))
	}
	for _, phrase := range t.Phrases {
		fmt.Fprintf(&b, "<phrase>%s</phrase>", escapeXML(phrase))
	}
	if len(t.Near) > 0 {
		if t.Slop > 0 {
			fmt.Fprintf(&b, `<near slop="%d">`, t.Slop)
		} else {
			b.WriteString("<near>")
		}
		for _, word := range t.Near {
			fmt.Fprintf(&b, "<term>%s</term>", escapeXML(word))
		}
		b.WriteString("</near>")
	}
	b.WriteString("</query>")
	return b.String()
}

func escapeXML(s string) string {
	var b strings.Builder
	// EscapeText only fails on a failing writer.
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
