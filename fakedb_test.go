// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq_test

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rule maps queries containing a marker substring to canned results.
type rule struct {
	contains string
	results  []string
}

// fakeDB imitates the session-oriented database surface: executed queries
// yield handles, results are retrieved by position, handles are released.
// Result selection works by substring rules over the compiled query text,
// with subsequence windows applied on top.
type fakeDB struct {
	base  []string
	rules []rule
	docs  map[string]string

	executed   []string
	retrieves  int
	highlights []bool
	released   []string

	nextSession int
	sessions    map[string][]string
}

func newFakeDB(base ...string) *fakeDB {
	return &fakeDB{base: base, sessions: map[string][]string{}}
}

func (f *fakeDB) on(contains string, results ...string) {
	f.rules = append(f.rules, rule{contains: contains, results: results})
}

var subseqRe = regexp.MustCompile(`(?s)^subsequence\((.+), (\d+), (\d*)\)$`)

func (f *fakeDB) match(query string) []string {
	// Namespace declarations don't affect result selection.
	if i := strings.LastIndex(query, ";\n"); i >= 0 {
		query = query[i+2:]
	}
	if m := subseqRe.FindStringSubmatch(query); m != nil {
		results := f.match(m[1])
		start, _ := strconv.Atoi(m[2])
		low := start - 1
		if low > len(results) {
			low = len(results)
		}
		high := len(results)
		if m[3] != "" {
			count, _ := strconv.Atoi(m[3])
			if low+count < high {
				high = low + count
			}
		}
		return results[low:high]
	}
	for _, r := range f.rules {
		if strings.Contains(query, r.contains) {
			return r.results
		}
	}
	return f.base
}

func (f *fakeDB) ExecuteQuery(ctx context.Context, query string) (string, error) {
	f.executed = append(f.executed, query)
	f.nextSession++
	session := fmt.Sprint(f.nextSession)
	f.sessions[session] = f.match(query)
	return session, nil
}

func (f *fakeDB) GetHits(ctx context.Context, session string) (int, error) {
	results, ok := f.sessions[session]
	if !ok {
		return 0, fmt.Errorf("unknown session %q", session)
	}
	return len(results), nil
}

func (f *fakeDB) Retrieve(ctx context.Context, session string, pos int, highlight bool) (string, error) {
	results, ok := f.sessions[session]
	if !ok {
		return "", fmt.Errorf("unknown session %q", session)
	}
	if pos < 1 || pos > len(results) {
		return "", fmt.Errorf("position %d out of range for session %q", pos, session)
	}
	f.retrieves++
	f.highlights = append(f.highlights, highlight)
	return results[pos-1], nil
}

func (f *fakeDB) ReleaseQueryResult(ctx context.Context, session string) error {
	if _, ok := f.sessions[session]; !ok {
		return fmt.Errorf("unknown session %q", session)
	}
	delete(f.sessions, session)
	f.released = append(f.released, session)
	return nil
}

func (f *fakeDB) GetDocument(ctx context.Context, path string) (string, error) {
	doc, ok := f.docs[path]
	if !ok {
		return "", fmt.Errorf("no document at %q", path)
	}
	return doc, nil
}
