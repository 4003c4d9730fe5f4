// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq

import (
	"context"
	"fmt"
	"sort"
)

// execute compiles and runs the query if no live session exists yet.
func (qs *QuerySet) execute(ctx context.Context) error {
	if qs.err != nil {
		return qs.err
	}
	if qs.guard != nil {
		return nil
	}
	compiled, err := qs.query.Build()
	if err != nil {
		return err
	}
	if err := qs.buildReturnSchema(); err != nil {
		return err
	}
	qs.log.Debug().Str("query", compiled).Msg("executing query")
	session, err := qs.db.ExecuteQuery(ctx, compiled)
	if err != nil {
		return err
	}
	hits, err := qs.db.GetHits(ctx, session)
	if err != nil {
		return err
	}
	qs.guard = newResultGuard(qs.db, session, qs.log)
	qs.hits = hits
	return nil
}

// Count returns the number of results, executing the query if necessary.
func (qs *QuerySet) Count(ctx context.Context) (int, error) {
	if err := qs.execute(ctx); err != nil {
		return 0, err
	}
	return qs.hits, nil
}

// Exists reports whether the query matches anything.
func (qs *QuerySet) Exists(ctx context.Context) (bool, error) {
	n, err := qs.Count(ctx)
	return n > 0, err
}

// Item returns the result at position i, fetching it from the server on
// first access and from the cache afterwards. Results are model struct
// pointers, or strings for model-less and distinct queries.
func (qs *QuerySet) Item(ctx context.Context, i int) (any, error) {
	if err := qs.execute(ctx); err != nil {
		return nil, err
	}
	if i < 0 || i >= qs.hits {
		return nil, fmt.Errorf("%w: position %d of %d results", ErrIndexOutOfRange, i, qs.hits)
	}
	abs := qs.start + i
	if v, ok := qs.cache[abs]; ok {
		return v, nil
	}
	raw, err := qs.db.Retrieve(ctx, qs.guard.session, i+1, qs.query.HighlightEnabled())
	if err != nil {
		return nil, err
	}
	v, err := qs.materialize(raw)
	if err != nil {
		return nil, err
	}
	qs.cache[abs] = v
	return v, nil
}

// Slice derives a query set over the half-open result window [low, high)
// relative to this one. A negative high leaves the window open-ended.
// Slices share their parent's result cache, so revisiting an overlapping
// position costs no server round trip, but execute their own query.
func (qs *QuerySet) Slice(low, high int) *QuerySet {
	c := qs.clone()
	if c.err != nil {
		return c
	}
	if low < 0 || (high >= 0 && high < low) {
		c.err = fmt.Errorf("invalid slice [%d:%d]", low, high)
		return c
	}
	c.cache = qs.cache
	c.start = qs.start + low
	c.query.SetLimits(low, high)
	return c
}

// Get returns the single result matching the given filters, applied in
// sorted key order on a derived query set. It fails with *NotFoundError
// when nothing matches and *MultipleReturnedError when more than one
// result does.
func (qs *QuerySet) Get(ctx context.Context, filters Filters) (any, error) {
	c := qs.clone()
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c = c.Filter(k, filters[k])
	}
	defer c.Close(ctx)

	n, err := c.Count(ctx)
	if err != nil {
		return nil, err
	}
	switch n {
	case 1:
		return c.Item(ctx, 0)
	case 0:
		return nil, &NotFoundError{Filters: filters}
	default:
		return nil, &MultipleReturnedError{Count: n, Filters: filters}
	}
}

// Iter returns an iterator over all results.
func (qs *QuerySet) Iter(ctx context.Context) *Iterator {
	return &Iterator{qs: qs, ctx: ctx, pos: -1}
}

// Iterator walks a query set's results in order.
type Iterator struct {
	qs    *QuerySet
	ctx   context.Context
	pos   int
	value any
	err   error
}

// Next advances to the next result, reporting false at the end or on
// error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if err := it.qs.execute(it.ctx); err != nil {
		it.err = err
		return false
	}
	if it.pos+1 >= it.qs.hits {
		return false
	}
	it.pos++
	it.value, it.err = it.qs.Item(it.ctx, it.pos)
	return it.err == nil
}

// Value returns the current result.
func (it *Iterator) Value() any {
	return it.value
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Reset removes all filters and discards execution state, including cached
// results. The query set reverts to its construction-time scope.
func (qs *QuerySet) Reset(ctx context.Context) {
	qs.query.ClearFilters()
	qs.Close(ctx)
	// A fresh map detaches this query set from slices still holding the
	// old cache.
	qs.cache = map[int]any{}
}

// Close releases the server-side result session, if any. The query set
// stays usable; the next terminal operation re-executes the query. Close
// is idempotent.
func (qs *QuerySet) Close(ctx context.Context) {
	if qs.guard != nil {
		qs.guard.release(ctx)
		qs.guard = nil
		qs.hits = 0
	}
}

// GetDocument fetches a whole stored document by name from the query set's
// collection.
func (qs *QuerySet) GetDocument(ctx context.Context, name string) (string, error) {
	if qs.err != nil {
		return "", qs.err
	}
	path := name
	if collection := qs.query.Collection(); collection != "" {
		path = collection + "/" + name
	}
	return qs.db.GetDocument(ctx, path)
}
