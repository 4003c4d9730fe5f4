// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package xquery

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/exist-go/existq/internal/xpath"
)

// Build compiles the accumulated state into XQuery text. It is safe to
// call repeatedly; each call recomputes the return field locators reported
// by ReturnXPaths.
func (q *Query) Build() (string, error) {
	if len(q.returnFields) > 0 && len(q.additionalReturnFields) > 0 {
		return "", fmt.Errorf("cannot combine restricted and additional return fields in one query")
	}
	q.returnXPathLocators = nil
	q.returnFieldCount = 1

	xp := q.basePath()
	for _, f := range q.filters {
		xp += "[" + f + "]"
	}
	if len(q.orFilters) > 0 {
		xp += "[" + strings.Join(q.orFilters, " or ") + "]"
	}
	if len(q.notFilters) > 0 {
		negated := make([]string, len(q.notFilters))
		for i, f := range q.notFilters {
			negated[i] = "not(" + f + ")"
		}
		xp += "[" + strings.Join(negated, " and ") + "]"
	}
	if q.highlight == highlightTerms {
		// Matches outside the filtered terms still return; the union
		// only forces eXist to mark up occurrences of the highlight
		// words in every result.
		xp = fmt.Sprintf("(%s[ft:query(., %s)]|%s)", xp, quoteLiteral(q.highlightWords), xp)
	}

	var query string
	if q.needsFLWOR() {
		query = q.buildFLWOR(xp)
	} else {
		query = xp
		if q.highlight == highlightOn || q.highlight == highlightTerms {
			query = fmt.Sprintf("util:expand(%s)", query)
		}
	}

	if q.distinct {
		query = fmt.Sprintf("distinct-values(%s)", query)
	}
	if q.Limited() {
		length := ""
		if q.endSet {
			length = fmt.Sprint(q.end - q.start)
		}
		query = fmt.Sprintf("subsequence(%s, %d, %s)", query, q.start+1, length)
	}
	if len(q.namespaces) > 0 {
		query = q.declarations() + "\n" + query
	}
	return query, nil
}

// basePath prepends the document or collection scope to the node
// selection path. Document scope wins when both are set.
func (q *Query) basePath() string {
	if q.document != "" {
		return bindScope(fmt.Sprintf("doc(%s)", quoteLiteral(q.document)), q.xpath)
	}
	if q.collection != "" {
		return bindScope(fmt.Sprintf("collection(%s)", quoteLiteral("/db/"+q.collection)), q.xpath)
	}
	return q.xpath
}

// bindScope roots a node selection path at a scope expression, keeping
// absolute paths adjacent and separating relative ones with a slash. Union
// paths are scoped one operand at a time.
func bindScope(scope, xp string) string {
	return bindScopeExpr(scope, xpath.Parse(xp))
}

func bindScopeExpr(scope string, e xpath.Expr) string {
	switch v := e.(type) {
	case *xpath.Binary:
		if v.Op == "|" {
			return bindScopeExpr(scope, v.Left) + "|" + bindScopeExpr(scope, v.Right)
		}
	case *xpath.Absolute:
		return scope + v.String()
	}
	return scope + "/" + e.String()
}

// needsFLWOR reports whether any configured feature requires binding each
// match to a context variable.
func (q *Query) needsFLWOR() bool {
	return q.orderBy != "" ||
		len(q.returnFields) > 0 ||
		len(q.additionalReturnFields) > 0 ||
		len(q.whereFilters) > 0 ||
		(q.ftQuery && len(q.fulltextOptions) > 0)
}

func (q *Query) buildFLWOR(xp string) string {
	var clauses []string
	if q.ftQuery && len(q.fulltextOptions) > 0 {
		clauses = append(clauses, fmt.Sprintf("let %s := %s", ftOptionsVar, q.fulltextOptionsElement()))
	}
	clauses = append(clauses, fmt.Sprintf("for %s in %s", xqVar, xp))

	referenced := q.referencedSpecialFields()
	for _, name := range specialFieldNames {
		if referenced[name] {
			clauses = append(clauses, fmt.Sprintf("let $%s := %s", name, specialFieldValues[name]))
		}
	}
	if len(q.whereFilters) > 0 {
		clauses = append(clauses, "where "+strings.Join(q.whereFilters, "\n and "))
	}
	if q.orderBy != "" {
		clauses = append(clauses, fmt.Sprintf("order by %s %s", q.orderExpr(), q.orderMode))
	}
	clauses = append(clauses, q.constructReturn())
	return strings.Join(clauses, "\n")
}

// referencedSpecialFields collects the special fields needing let clauses:
// those sorted on, projected, or constrained by where conditions.
func (q *Query) referencedSpecialFields() map[string]bool {
	referenced := map[string]bool{}
	if !q.orderRaw && IsSpecialField(q.orderBy) {
		referenced[q.orderBy] = true
	}
	for _, f := range q.returnFields {
		if IsSpecialField(f.Name) {
			referenced[f.Name] = true
		}
	}
	for _, f := range q.additionalReturnFields {
		if IsSpecialField(f.Name) {
			referenced[f.Name] = true
		}
	}
	for name := range q.whereFields {
		referenced[name] = true
	}
	return referenced
}

func (q *Query) orderExpr() string {
	if q.orderRaw {
		return strings.ReplaceAll(q.orderBy, "${var}", xqVar)
	}
	if IsSpecialField(q.orderBy) {
		return "$" + q.orderBy
	}
	return bindToContext(q.orderBy)
}

// fulltextOptionsElement renders the configured ft:query options, sorted
// by name for stable output.
func (q *Query) fulltextOptionsElement() string {
	names := make([]string, 0, len(q.fulltextOptions))
	for name := range q.fulltextOptions {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("<options>")
	for _, name := range names {
		fmt.Fprintf(&b, "<%s>%s</%s>", name, q.fulltextOptions[name], name)
	}
	b.WriteString("</options>")
	return b.String()
}

// declarations renders the namespace prologue, sorted by prefix.
func (q *Query) declarations() string {
	prefixes := make([]string, 0, len(q.namespaces))
	for prefix := range q.namespaces {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	decls := make([]string, len(prefixes))
	for i, prefix := range prefixes {
		decls[i] = fmt.Sprintf("declare namespace %s='%s';", prefix, q.namespaces[prefix])
	}
	return strings.Join(decls, "\n")
}

// constructReturn renders the return clause. Without projected fields the
// matched node itself returns, expanded when highlighting is on. With
// fields, each result is a constructed element named for the last step of
// the base path, holding one child per field.
func (q *Query) constructReturn() string {
	if len(q.returnFields) == 0 && len(q.additionalReturnFields) == 0 {
		if q.HighlightEnabled() {
			return fmt.Sprintf("return util:expand(%s)", xqVar)
		}
		return "return " + xqVar
	}

	var rblocks []string
	if len(q.additionalReturnFields) > 0 {
		rblocks = append(rblocks, "{"+xqVar+"}")
	}
	fields := append(append([]Field{}, q.returnFields...), q.additionalReturnFields...)
	for _, f := range fields {
		switch {
		case IsSpecialField(f.Name):
			rblocks = append(rblocks, fmt.Sprintf("<%s>{$%s}</%s>", f.Name, f.Name, f.Name))
		case q.rawFields[f.Name]:
			name := rawPrefix + f.Name
			rblocks = append(rblocks, fmt.Sprintf("<%s>{%s}</%s>", name, bindToContext(f.XPath), name))
		default:
			rblocks = append(rblocks, q.prepReturnField(f.XPath))
		}
	}
	wrapper := returnWrapper(q.xpath)
	constructed := fmt.Sprintf("<%s>\n %s\n</%s>", wrapper, strings.Join(rblocks, "\n "), wrapper)
	if q.HighlightEnabled() {
		return fmt.Sprintf("return util:expand(%s)", constructed)
	}
	return "return " + constructed
}

// prepReturnField wraps a bound field path in a generic field element and
// records the locator needed to find the value again in the constructed
// result.
func (q *Query) prepReturnField(xp string) string {
	parsed := xpath.Parse(xp)
	k := q.returnFieldCount
	q.returnFieldCount++
	q.returnXPathLocators = append(q.returnXPathLocators, fieldLocator(parsed, k))
	return fmt.Sprintf("<field>{%s}</field>", bindExpr(parsed))
}

// fieldLocator derives the path at which a projected field's value sits
// inside the constructed result element. The k'th field element keeps the
// last step of its source path, so @id projected as the first field is
// found again at field[1]/@id.
func fieldLocator(e xpath.Expr, k int) string {
	base := fmt.Sprintf("field[%d]", k)
	switch v := e.(type) {
	case *xpath.Step:
		return base + "/" + stepName(v)
	case *xpath.Binary:
		if v.Op == "|" {
			return fieldLocator(v.Left, k) + "|" + fieldLocator(v.Right, k)
		}
		return fieldLocator(v.Right, k)
	case *xpath.Absolute:
		if v.Rel == nil {
			return base
		}
		return fieldLocator(v.Rel, k)
	default:
		// Function calls and abbreviated steps leave no named child;
		// the value is the field element's own content.
		return base
	}
}

// axisRe strips leading sibling axes from a node test so the locator
// matches the copied node, which no longer has the original siblings.
var axisRe = regexp.MustCompile(`^(following|preceding)(-sibling)?::`)

func stepName(s *xpath.Step) string {
	name := s.NodeTest
	if s.Axis != "" && !axisRe.MatchString(s.Axis+"::") {
		return s.Axis + "::" + name
	}
	return name
}

// returnWrapper names the element constructed around projected fields
// after the last step of the base path, or "node" when the path does not
// end in a plain name.
func returnWrapper(xp string) string {
	name := lastStepName(xpath.Parse(xp))
	if name == "" {
		return "node"
	}
	return name
}

func lastStepName(e xpath.Expr) string {
	switch v := e.(type) {
	case *xpath.Step:
		test := v.NodeTest
		if strings.HasPrefix(test, "@") || strings.HasSuffix(test, "()") || test == "*" {
			return ""
		}
		if i := strings.IndexByte(test, ':'); i >= 0 {
			test = test[i+1:]
		}
		return test
	case *xpath.Binary:
		return lastStepName(v.Right)
	case *xpath.Absolute:
		if v.Rel == nil {
			return ""
		}
		return lastStepName(v.Rel)
	default:
		return ""
	}
}

// ReturnXPaths reports, per return field name, where the field's value
// sits in each constructed result. Valid after Build. Additional fields
// resolve relative to the copied match, so their paths climb to the
// wrapper first.
func (q *Query) ReturnXPaths() map[string]string {
	prefix := ""
	if len(q.additionalReturnFields) > 0 {
		prefix = "../"
	}
	paths := map[string]string{}
	i := 0
	fields := append(append([]Field{}, q.returnFields...), q.additionalReturnFields...)
	for _, f := range fields {
		switch {
		case IsSpecialField(f.Name):
			paths[f.Name] = prefix + f.Name
		case q.rawFields[f.Name]:
			paths[f.Name] = prefix + rawPrefix + f.Name + `/node()[not(normalize-space(.)="")]`
		default:
			if i < len(q.returnXPathLocators) {
				paths[f.Name] = prefix + q.returnXPathLocators[i]
			}
			i++
		}
	}
	return paths
}

// bindToContext rewrites a path relative to a matched node into one rooted
// at the context variable, so "@id" becomes "$n/@id" and "/name|@year"
// becomes "$n/name|$n/@year". Function call arguments that are paths are
// bound in place.
func bindToContext(xp string) string {
	return bindExpr(xpath.Parse(xp))
}

func bindExpr(e xpath.Expr) string {
	switch v := e.(type) {
	case *xpath.Binary:
		if v.Op == "|" {
			return bindExpr(v.Left) + "|" + bindExpr(v.Right)
		}
		return xqVar + "/" + v.String()
	case *xpath.Absolute:
		return xqVar + v.String()
	case *xpath.FuncCall:
		args := make([]string, len(v.Args))
		for i, arg := range v.Args {
			if bindableArg(arg) {
				args[i] = bindExpr(arg)
			} else {
				args[i] = arg.String()
			}
		}
		return v.Name + "(" + strings.Join(args, ",") + ")"
	case *xpath.VarRef, *xpath.Literal, *xpath.Number:
		return v.String()
	default:
		return xqVar + "/" + e.String()
	}
}

func bindableArg(e xpath.Expr) bool {
	switch v := e.(type) {
	case *xpath.Step, *xpath.AbbrevStep, *xpath.FuncCall:
		return true
	case *xpath.Binary:
		return v.Op == "//" || v.Op == "|"
	}
	return false
}
