// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

// Package xquery compiles declaratively accumulated query state into XQuery
// text for the eXist-db query API. A Query starts as a bare XPath and
// grows filters, sorting, pagination and projected return fields; Build
// serializes the whole thing, switching to a FLWOR expression once any
// feature needs a bound context variable.
package xquery

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// xqVar is the context variable bound by the for clause of generated
	// FLWOR expressions.
	xqVar = "$n"
	// ftOptionsVar holds the ft:query options element when fulltext
	// options are configured.
	ftOptionsVar = "$ft_options"
	// rawPrefix marks wrapper elements for raw return fields so their
	// names cannot collide with projected document fields.
	rawPrefix = "r_"

	defaultXPath = "/node()"
)

// FilterMode selects how a filter predicate combines with its siblings.
type FilterMode int

const (
	// ModeAnd appends the predicate in its own bracket.
	ModeAnd FilterMode = iota
	// ModeOr joins the predicate with other or-predicates in one bracket.
	ModeOr
	// ModeNot negates the predicate and joins it with other
	// not-predicates in one bracket.
	ModeNot
)

// Filter kinds accepted by AddFilter.
const (
	KindExact         = "exact"
	KindContains      = "contains"
	KindStartsWith    = "startswith"
	KindIn            = "in"
	KindExists        = "exists"
	KindGt            = "gt"
	KindGte           = "gte"
	KindLt            = "lt"
	KindLte           = "lte"
	KindFulltextTerms = "fulltext_terms"
	KindHighlight     = "highlight"
)

var comparisonOps = map[string]string{
	KindGt:  ">",
	KindGte: ">=",
	KindLt:  "<",
	KindLte: "<=",
}

// A Literaler supplies its own XQuery representation and bypasses string
// quoting. Structured fulltext queries use this to embed a <query> element
// as the ft:query argument.
type Literaler interface {
	XQueryLiteral() string
}

// Special fields are computed per result by eXist-db extension functions
// rather than read from the document. Each referenced special field gets a
// let clause binding a variable of the same name.
var specialFieldNames = []string{
	"fulltext_score",
	"last_modified",
	"hash",
	"document_name",
	"collection_name",
	"match_count",
}

var specialFieldValues = map[string]string{
	"fulltext_score":  "ft:score(" + xqVar + ")",
	"last_modified":   "xmldb:last-modified(util:collection-name(" + xqVar + "), util:document-name(" + xqVar + "))",
	"hash":            "util:hash(" + xqVar + `, "SHA-1")`,
	"document_name":   "util:document-name(" + xqVar + ")",
	"collection_name": "util:collection-name(" + xqVar + ")",
	"match_count":     "count(util:expand(" + xqVar + ")//exist:match)",
}

// IsSpecialField reports whether name is a computed per-result field.
func IsSpecialField(name string) bool {
	_, ok := specialFieldValues[name]
	return ok
}

type highlightState int

const (
	highlightDefault highlightState = iota
	highlightOff
	highlightOn
	highlightTerms
)

// Field pairs a return field name with the XPath, relative to the matched
// node, that produces its value.
type Field struct {
	Name  string
	XPath string
}

// Query accumulates the state compiled by Build. The zero value is not
// usable; call New.
type Query struct {
	xpath      string
	collection string
	document   string
	namespaces map[string]string

	filters    []string
	orFilters  []string
	notFilters []string

	whereFilters []string
	whereFields  map[string]bool

	orderBy   string
	orderRaw  bool
	orderMode string

	returnFields           []Field
	additionalReturnFields []Field
	rawFields              map[string]bool

	fulltextOptions map[string]string
	ftQuery         bool

	highlight      highlightState
	highlightWords string

	distinct bool

	// start and end are the zero-based result window. end is exclusive
	// and only meaningful when endSet is true.
	start  int
	end    int
	endSet bool

	// Populated by Build for non-special, non-raw return fields.
	returnXPathLocators []string
	returnFieldCount    int
}

// New returns a Query matching every document node.
func New() *Query {
	return &Query{
		xpath:           defaultXPath,
		namespaces:      map[string]string{},
		whereFields:     map[string]bool{},
		rawFields:       map[string]bool{},
		fulltextOptions: map[string]string{},
		orderMode:       "ascending",
	}
}

// Copy returns a deep copy. Derived query sets mutate the copy without
// affecting the original.
func (q *Query) Copy() *Query {
	c := *q
	c.namespaces = copyMap(q.namespaces)
	c.fulltextOptions = copyMap(q.fulltextOptions)
	c.whereFields = copyMap(q.whereFields)
	c.rawFields = copyMap(q.rawFields)
	c.filters = append([]string(nil), q.filters...)
	c.orFilters = append([]string(nil), q.orFilters...)
	c.notFilters = append([]string(nil), q.notFilters...)
	c.whereFilters = append([]string(nil), q.whereFilters...)
	c.returnFields = append([]Field(nil), q.returnFields...)
	c.additionalReturnFields = append([]Field(nil), q.additionalReturnFields...)
	c.returnXPathLocators = nil
	return &c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// XPath returns the base node selection path.
func (q *Query) XPath() string {
	return q.xpath
}

// SetXPath replaces the base node selection path. An empty path restores
// the default.
func (q *Query) SetXPath(xp string) {
	if xp == "" {
		xp = defaultXPath
	}
	q.xpath = xp
}

// SetCollection scopes the query to a collection. Leading slashes are
// stripped; an empty name clears the scope.
func (q *Query) SetCollection(name string) {
	q.collection = strings.TrimLeft(name, "/")
}

// Collection returns the collection scope, without leading slashes.
func (q *Query) Collection() string {
	return q.collection
}

// SetDocument scopes the query to a single document path. Document scope
// takes precedence over collection scope.
func (q *Query) SetDocument(path string) {
	q.document = path
}

// SetNamespace declares a namespace prefix for the compiled query.
func (q *Query) SetNamespace(prefix, uri string) {
	q.namespaces[prefix] = uri
}

// SetFulltextOption configures an ft:query option, e.g. default-operator.
func (q *Query) SetFulltextOption(name, value string) {
	q.fulltextOptions[name] = value
}

// ClearFulltextOptions removes all configured ft:query options.
func (q *Query) ClearFulltextOptions() {
	q.fulltextOptions = map[string]string{}
}

// SetHighlight switches keyword highlighting on or off, overriding the
// default behavior in which highlighting follows fulltext filter use.
func (q *Query) SetHighlight(on bool) {
	if on {
		q.highlight = highlightOn
	} else {
		q.highlight = highlightOff
	}
}

// HighlightSet reports whether highlighting was explicitly switched.
func (q *Query) HighlightSet() bool {
	return q.highlight == highlightOn || q.highlight == highlightOff
}

// HighlightEnabled reports whether retrieval should request match
// highlighting for this query.
func (q *Query) HighlightEnabled() bool {
	switch q.highlight {
	case highlightOff:
		return false
	case highlightOn, highlightTerms:
		return true
	}
	return q.ftQuery
}

// AddFilter appends a predicate on xpath of the given kind. Filters on
// special field names become where-clause conditions on the corresponding
// let-bound variable instead of predicates.
func (q *Query) AddFilter(xpath, kind string, value any, mode FilterMode) error {
	operand := xpath
	special := IsSpecialField(xpath)
	if special {
		operand = "$" + xpath
	}

	var filter string
	switch kind {
	case KindExact:
		filter = fmt.Sprintf("%s = %s", operand, literalValue(value))
	case KindContains:
		filter = fmt.Sprintf("contains(%s, %s)", operand, literalValue(value))
	case KindStartsWith:
		filter = fmt.Sprintf("starts-with(%s, %s)", operand, literalValue(value))
	case KindIn:
		values, err := stringSlice(value)
		if err != nil {
			return fmt.Errorf(`cannot filter "in" on %q: %s`, xpath, err)
		}
		clauses := make([]string, len(values))
		for i, v := range values {
			clauses[i] = fmt.Sprintf("%s=%s", operand, quoteLiteral(v))
		}
		filter = strings.Join(clauses, " or ")
	case KindExists:
		want, ok := value.(bool)
		if !ok {
			return fmt.Errorf(`cannot filter "exists" on %q: value must be a bool, got %T`, xpath, value)
		}
		if want {
			filter = operand
		} else {
			filter = fmt.Sprintf("not(%s)", operand)
		}
	case KindGt, KindGte, KindLt, KindLte:
		filter = fmt.Sprintf("%s %s %s", operand, comparisonOps[kind], comparisonValue(value))
	case KindFulltextTerms:
		if len(q.fulltextOptions) > 0 {
			filter = fmt.Sprintf("ft:query(%s, %s, %s)", operand, literalValue(value), ftOptionsVar)
		} else {
			filter = fmt.Sprintf("ft:query(%s, %s)", operand, literalValue(value))
		}
		q.ftQuery = true
	case KindHighlight:
		switch v := value.(type) {
		case bool:
			q.SetHighlight(v)
		case string:
			q.highlight = highlightTerms
			q.highlightWords = v
			q.ftQuery = true
		default:
			return fmt.Errorf(`cannot filter "highlight" on %q: value must be a string or bool, got %T`, xpath, value)
		}
		return nil
	default:
		return fmt.Errorf("unsupported filter %q on %q", kind, xpath)
	}

	if special {
		q.whereFilters = append(q.whereFilters, filter)
		q.whereFields[xpath] = true
		return nil
	}
	switch mode {
	case ModeOr:
		q.orFilters = append(q.orFilters, filter)
	case ModeNot:
		q.notFilters = append(q.notFilters, filter)
	default:
		q.filters = append(q.filters, filter)
	}
	return nil
}

// ClearFilters removes all filters, including where-clause conditions and
// highlighting added through filters.
func (q *Query) ClearFilters() {
	q.filters = nil
	q.orFilters = nil
	q.notFilters = nil
	q.whereFilters = nil
	q.whereFields = map[string]bool{}
	q.ftQuery = false
	if q.highlight == highlightTerms {
		q.highlight = highlightDefault
		q.highlightWords = ""
	}
}

// Sort orders results by the value of xpath relative to each matched node.
// Special field names sort on the let-bound variable.
func (q *Query) Sort(xpath string, ascending, caseInsensitive bool) {
	if caseInsensitive {
		xpath = fmt.Sprintf("fn:lower-case(%s)", xpath)
	}
	q.orderBy = xpath
	q.orderRaw = false
	q.setOrderMode(ascending)
}

// SortRaw orders results by an arbitrary XQuery expression. Occurrences of
// ${var} in expr are replaced with the context variable.
func (q *Query) SortRaw(expr string, ascending bool) {
	q.orderBy = expr
	q.orderRaw = true
	q.setOrderMode(ascending)
}

func (q *Query) setOrderMode(ascending bool) {
	if ascending {
		q.orderMode = "ascending"
	} else {
		q.orderMode = "descending"
	}
}

// ReturnOnly restricts results to constructed elements holding only the
// given fields.
func (q *Query) ReturnOnly(fields []Field) {
	q.returnFields = append(q.returnFields, fields...)
}

// ReturnAlso keeps the matched node in each result and adds the given
// fields alongside it.
func (q *Query) ReturnAlso(fields []Field) {
	q.additionalReturnFields = append(q.additionalReturnFields, fields...)
}

// MarkRaw records that the named return field holds an arbitrary XQuery
// expression rather than a node path.
func (q *Query) MarkRaw(name string) {
	q.rawFields[name] = true
}

// ReturnFieldsSet reports whether results are restricted to projected
// fields.
func (q *Query) ReturnFieldsSet() bool {
	return len(q.returnFields) > 0
}

// AlsoFieldsSet reports whether additional fields accompany the matched
// node in each result.
func (q *Query) AlsoFieldsSet() bool {
	return len(q.additionalReturnFields) > 0
}

// Distinct makes the query return distinct atomized values.
func (q *Query) Distinct() {
	q.distinct = true
}

// IsDistinct reports whether distinct-values wrapping is enabled.
func (q *Query) IsDistinct() bool {
	return q.distinct
}

// SetLimits narrows the result window. low and high are offsets relative
// to the current window, high exclusive; pass -1 to leave a bound
// unchanged. Successive calls compose, so q.SetLimits(2, 10) followed by
// q.SetLimits(1, 5) yields the absolute window [3, 7).
func (q *Query) SetLimits(low, high int) {
	if high >= 0 {
		if q.endSet {
			if q.start+high < q.end {
				q.end = q.start + high
			}
		} else {
			q.end = q.start + high
			q.endSet = true
		}
	}
	if low >= 0 {
		if q.endSet && q.start+low > q.end {
			q.start = q.end
		} else {
			q.start += low
		}
	}
}

// ClearLimits restores the full result window.
func (q *Query) ClearLimits() {
	q.start = 0
	q.end = 0
	q.endSet = false
}

// Limited reports whether a result window is in effect.
func (q *Query) Limited() bool {
	return q.start > 0 || q.endSet
}

// literalValue renders a filter operand: Literaler values verbatim,
// everything else as a quoted string.
func literalValue(value any) string {
	if l, ok := value.(Literaler); ok {
		return l.XQueryLiteral()
	}
	return quoteLiteral(fmt.Sprint(value))
}

// comparisonValue renders an ordering operand: numbers bare, strings
// quoted.
func comparisonValue(value any) string {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(v)
	case string:
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			return v
		}
		return quoteLiteral(v)
	default:
		return quoteLiteral(fmt.Sprint(value))
	}
}

func stringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, e := range v {
			out[i] = fmt.Sprint(e)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a slice, got %T", value)
	}
}

// quoteLiteral renders s as an XQuery string literal, doubling embedded
// quotes and entity-escaping ampersands.
func quoteLiteral(s string) string {
	return `"` + escapeString(s) + `"`
}

func escapeString(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, `"`, `""`)
	return s
}
