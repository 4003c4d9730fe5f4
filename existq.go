// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/exist-go/existq/internal/xquery"
	"github.com/exist-go/existq/xmlmap"
)

// Database is the query execution surface a QuerySet needs from an
// eXist-db connection. existdb.Client implements it.
type Database interface {
	// ExecuteQuery runs an XQuery with server-side result caching and
	// returns the session handle holding the results.
	ExecuteQuery(ctx context.Context, query string) (string, error)
	// GetHits returns the result count of an executed query.
	GetHits(ctx context.Context, session string) (int, error)
	// Retrieve fetches the result at a 1-based position, optionally with
	// fulltext matches marked up.
	Retrieve(ctx context.Context, session string, pos int, highlight bool) (string, error)
	// ReleaseQueryResult drops a cached result session.
	ReleaseQueryResult(ctx context.Context, session string) error
	// GetDocument fetches a stored document by path.
	GetDocument(ctx context.Context, path string) (string, error)
}

// QuerySet is a lazy, chainable query against XML documents. Derivation
// methods return a new QuerySet and never touch the database; the query
// executes on the first terminal operation (Count, Item, Get, Iter) and
// the results are cached per position.
//
// The model passed to New maps results onto structs via xmlmap tags; a nil
// model yields raw XML strings. Construction errors are deferred to the
// first terminal operation, so chains stay uncluttered.
type QuerySet struct {
	db     Database
	model  any
	schema *xmlmap.Schema
	query  *xquery.Query
	log    zerolog.Logger

	// Projected field names, in the order handed to the query.
	partialFields    []string
	additionalFields []string

	// Execution state. guard owns the server-side session; cache maps
	// absolute result positions to materialized values and is shared
	// with slices derived from this query set.
	guard *resultGuard
	hits  int
	cache map[int]any
	start int

	// retSchema maps constructed results when fields are projected.
	retSchema *xmlmap.Schema

	err error
}

// Option configures a new QuerySet.
type Option func(*QuerySet)

// WithXPath sets the node selection path. Defaults to every document node.
func WithXPath(xp string) Option {
	return func(qs *QuerySet) {
		qs.query.SetXPath(xp)
	}
}

// WithCollection scopes queries to a collection.
func WithCollection(name string) Option {
	return func(qs *QuerySet) {
		qs.query.SetCollection(name)
	}
}

// WithNamespaces declares namespace prefixes used in paths and tags.
func WithNamespaces(namespaces map[string]string) Option {
	return func(qs *QuerySet) {
		for prefix, uri := range namespaces {
			qs.query.SetNamespace(prefix, uri)
		}
	}
}

// WithFulltextOptions configures ft:query options such as
// default-operator.
func WithFulltextOptions(options map[string]string) Option {
	return func(qs *QuerySet) {
		for name, value := range options {
			qs.query.SetFulltextOption(name, value)
		}
	}
}

// WithLogger routes query set logging to the given logger.
func WithLogger(log zerolog.Logger) Option {
	return func(qs *QuerySet) {
		qs.log = log
	}
}

// New returns a QuerySet over db. model is a sample of the struct type
// results map onto, or nil for raw XML strings.
func New(db Database, model any, opts ...Option) *QuerySet {
	qs := &QuerySet{
		db:    db,
		model: model,
		query: xquery.New(),
		log:   zerolog.Nop(),
		cache: map[int]any{},
	}
	if model != nil {
		schema, err := xmlmap.SchemaOf(model)
		if err != nil {
			qs.err = err
		}
		qs.schema = schema
	}
	for _, opt := range opts {
		opt(qs)
	}
	return qs
}

// clone derives an independent QuerySet: query state is copied, execution
// state is fresh.
func (qs *QuerySet) clone() *QuerySet {
	c := &QuerySet{
		db:               qs.db,
		model:            qs.model,
		schema:           qs.schema,
		query:            qs.query.Copy(),
		log:              qs.log,
		partialFields:    append([]string(nil), qs.partialFields...),
		additionalFields: append([]string(nil), qs.additionalFields...),
		cache:            map[int]any{},
		start:            qs.start,
		err:              qs.err,
	}
	return c
}

// Err returns the deferred construction error, if any. Terminal operations
// also report it.
func (qs *QuerySet) Err() error {
	return qs.err
}

// All returns an independent copy of the query set.
func (qs *QuerySet) All() *QuerySet {
	return qs.clone()
}

// Filter narrows the query to results matching the condition. field is a
// model field name, a double-underscore nested chain, or a literal path,
// optionally suffixed with a lookup: name__contains, year__gt,
// description__exists. Without a lookup the match is exact.
//
// Two lookups change the query rather than narrowing it: highlight marks
// occurrences of the searched words in all results, and document_path
// scopes the query to a single document.
func (qs *QuerySet) Filter(field string, value any) *QuerySet {
	return qs.filter(field, value, xquery.ModeAnd)
}

// OrFilter is Filter with all or-conditions combined into one
// any-of predicate.
func (qs *QuerySet) OrFilter(field string, value any) *QuerySet {
	return qs.filter(field, value, xquery.ModeOr)
}

// Exclude narrows the query to results not matching the condition.
func (qs *QuerySet) Exclude(field string, value any) *QuerySet {
	return qs.filter(field, value, xquery.ModeNot)
}

func (qs *QuerySet) filter(field string, value any, mode xquery.FilterMode) *QuerySet {
	c := qs.clone()
	if c.err != nil {
		return c
	}
	xp, kind := c.resolveFilter(field)
	if kind == lookupDocumentPath {
		path, ok := value.(string)
		if !ok {
			c.err = fmt.Errorf("cannot filter on document path: value must be a string, got %T", value)
			return c
		}
		c.query.SetDocument(path)
		return c
	}
	if kind == xquery.KindHighlight && xp != "." {
		c.log.Warn().Str("field", field).Msg("highlighting applies to whole results, not single fields")
		xp = "."
	}
	if err := c.query.AddFilter(xp, kind, value, mode); err != nil {
		c.err = err
	}
	return c
}

// lookupDocumentPath scopes the query instead of filtering it.
const lookupDocumentPath = "document_path"

var filterLookups = map[string]bool{
	xquery.KindExact:         true,
	xquery.KindContains:      true,
	xquery.KindStartsWith:    true,
	xquery.KindIn:            true,
	xquery.KindExists:        true,
	xquery.KindGt:            true,
	xquery.KindGte:           true,
	xquery.KindLt:            true,
	xquery.KindLte:           true,
	xquery.KindFulltextTerms: true,
	xquery.KindHighlight:     true,
}

// resolveFilter splits a filter argument into the filtered path and the
// lookup kind. The whole argument is tried as a field chain first, so a
// model field whose name matches a lookup stays filterable.
func (qs *QuerySet) resolveFilter(field string) (string, string) {
	if field == lookupDocumentPath {
		return "", lookupDocumentPath
	}
	if xp, ok := qs.fieldPath(field); ok {
		return xp, xquery.KindExact
	}
	kind := xquery.KindExact
	name := field
	if i := strings.LastIndex(field, "__"); i >= 0 && filterLookups[field[i+2:]] {
		kind = field[i+2:]
		name = field[:i]
	} else if filterLookups[field] {
		// A bare lookup such as fulltext_terms or highlight applies to
		// the matched node itself.
		return ".", field
	}
	if name == lookupDocumentPath {
		return "", lookupDocumentPath
	}
	if xp, ok := qs.fieldPath(name); ok {
		return xp, kind
	}
	// Not a model field; treat the text as a path.
	return strings.ReplaceAll(name, "__", "/"), kind
}

// fieldPath resolves a possibly nested field name through the model
// schema to the path of its value.
func (qs *QuerySet) fieldPath(name string) (string, bool) {
	if xquery.IsSpecialField(name) {
		return name, true
	}
	if qs.schema == nil {
		return "", false
	}
	chain, ok := qs.schema.Resolve(name)
	if !ok {
		return "", false
	}
	parts := make([]string, len(chain))
	for i, f := range chain {
		parts[i] = f.XPath
	}
	return strings.Join(parts, "/"), true
}

// OrderBy sorts results by a field. A leading "-" reverses the order and a
// leading "~" compares case-insensitively; both may be combined.
func (qs *QuerySet) OrderBy(field string) *QuerySet {
	c := qs.clone()
	if c.err != nil {
		return c
	}
	ascending := true
	caseInsensitive := false
	for len(field) > 0 && (field[0] == '-' || field[0] == '~') {
		if field[0] == '-' {
			ascending = false
		} else {
			caseInsensitive = true
		}
		field = field[1:]
	}
	xp, ok := c.fieldPath(field)
	if !ok {
		xp = field
	}
	c.query.Sort(xp, ascending, caseInsensitive)
	return c
}

// OrderByRaw sorts results by an arbitrary XQuery expression in which
// ${var} refers to the matched node. A leading "-" reverses the order.
func (qs *QuerySet) OrderByRaw(expr string) *QuerySet {
	c := qs.clone()
	if c.err != nil {
		return c
	}
	ascending := true
	if strings.HasPrefix(expr, "-") {
		ascending = false
		expr = expr[1:]
	}
	c.query.SortRaw(expr, ascending)
	return c
}

// Only restricts results to the named model fields. The server returns
// constructed elements holding just those values, which can be far smaller
// than whole documents.
func (qs *QuerySet) Only(fields ...string) *QuerySet {
	return qs.project(fields, false, false)
}

// Also returns whole matched nodes with the named fields alongside,
// typically computed values such as fulltext_score or fields reached
// through parent axes.
func (qs *QuerySet) Also(fields ...string) *QuerySet {
	return qs.project(fields, true, false)
}

// OnlyRaw is Only with explicit XQuery expressions: each model field name
// maps to the expression producing its value.
func (qs *QuerySet) OnlyRaw(fields map[string]string) *QuerySet {
	return qs.project(sortedKeys(fields), false, true, fields)
}

// AlsoRaw is Also with explicit XQuery expressions.
func (qs *QuerySet) AlsoRaw(fields map[string]string) *QuerySet {
	return qs.project(sortedKeys(fields), true, true, fields)
}

func (qs *QuerySet) project(names []string, also, raw bool, exprs ...map[string]string) *QuerySet {
	c := qs.clone()
	if c.err != nil {
		return c
	}
	if c.schema == nil {
		c.err = fmt.Errorf("cannot project fields without a model")
		return c
	}
	qfields := make([]xquery.Field, 0, len(names))
	for _, name := range names {
		if _, ok := c.schema.Resolve(name); !ok {
			c.err = fmt.Errorf("%s has no field %q", c.schema.Type().Name(), name)
			return c
		}
		xp := ""
		if raw {
			xp = exprs[0][name]
			c.query.MarkRaw(name)
		} else {
			var ok bool
			if xp, ok = c.fieldPath(name); !ok {
				c.err = fmt.Errorf("%s has no field %q", c.schema.Type().Name(), name)
				return c
			}
		}
		qfields = append(qfields, xquery.Field{Name: name, XPath: xp})
	}
	if also {
		c.query.ReturnAlso(qfields)
		c.additionalFields = append(c.additionalFields, names...)
	} else {
		c.query.ReturnOnly(qfields)
		c.partialFields = append(c.partialFields, names...)
	}
	return c
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Distinct makes the query return distinct atomized values as strings.
func (qs *QuerySet) Distinct() *QuerySet {
	c := qs.clone()
	c.query.Distinct()
	return c
}

// Using rescopes the query to another collection.
func (qs *QuerySet) Using(collection string) *QuerySet {
	c := qs.clone()
	c.query.SetCollection(collection)
	return c
}

// Highlight switches fulltext match markup on retrieved results on or
// off, overriding the default in which fulltext filters enable it.
func (qs *QuerySet) Highlight(on bool) *QuerySet {
	c := qs.clone()
	c.query.SetHighlight(on)
	return c
}

// Namespace declares a namespace prefix on a derived query set.
func (qs *QuerySet) Namespace(prefix, uri string) *QuerySet {
	c := qs.clone()
	c.query.SetNamespace(prefix, uri)
	return c
}
