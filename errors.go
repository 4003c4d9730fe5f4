// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrIndexOutOfRange reports positional access past the end of a query
// set's results.
var ErrIndexOutOfRange = errors.New("index out of range")

// NotFoundError reports that Get matched no results.
type NotFoundError struct {
	Filters Filters
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no results match %s", e.Filters)
}

// MultipleReturnedError reports that Get matched more than one result.
type MultipleReturnedError struct {
	Count   int
	Filters Filters
}

func (e *MultipleReturnedError) Error() string {
	return fmt.Sprintf("%d results match %s, expected exactly one", e.Count, e.Filters)
}

// Filters names filter conditions, as accepted by Filter, with their
// values. Get applies them in sorted key order.
type Filters map[string]any

func (f Filters) String() string {
	if len(f) == 0 {
		return "no filters"
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, f[k])
	}
	return strings.Join(parts, ", ")
}
