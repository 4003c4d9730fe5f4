// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq_test

import (
	"context"
	"errors"

	. "gopkg.in/check.v1"

	"github.com/exist-go/existq"
)

type querySetSuite struct{}

var _ = Suite(&querySetSuite{})

type person struct {
	ID   string `xpath:"@id"`
	Name string `xpath:"name"`
}

var people = []string{
	`<person id="one"><name>One</name></person>`,
	`<person id="abc"><name>Abc</name></person>`,
	`<person id="xyz"><name>Xyz</name></person>`,
	`<person id="def"><name>Def</name></person>`,
}

func newFixture() (*fakeDB, *existq.QuerySet) {
	db := newFakeDB(people...)
	qs := existq.New(db, person{}, existq.WithXPath("/person"))
	return db, qs
}

func (s *querySetSuite) TestDerivationIsLazy(c *C) {
	db, qs := newFixture()
	qs = qs.Filter("name__contains", "O").OrderBy("id").Slice(0, 2)
	c.Assert(qs.Err(), IsNil)
	c.Check(db.executed, HasLen, 0)

	_, err := qs.Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(db.executed, HasLen, 1)
}

func (s *querySetSuite) TestFilterCompilesFieldPaths(c *C) {
	tests := []struct {
		summary string
		field   string
		value   any
		want    string
	}{{
		summary: "model field resolves to its path",
		field:   "name",
		value:   "One",
		want:    `/person[name = "One"]`,
	}, {
		summary: "lookup suffix picks the predicate",
		field:   "name__contains",
		value:   "dog",
		want:    `/person[contains(name, "dog")]`,
	}, {
		summary: "unknown field text is used as a path",
		field:   "@id",
		value:   "one",
		want:    `/person[@id = "one"]`,
	}, {
		summary: "bare fulltext lookup applies to the node",
		field:   "fulltext_terms",
		value:   "dog star",
		want:    `/person[ft:query(., "dog star")]`,
	}}
	for _, t := range tests {
		c.Logf("test: %s", t.summary)
		db, qs := newFixture()
		_, err := qs.Filter(t.field, t.value).Count(context.Background())
		c.Assert(err, IsNil)
		c.Check(db.executed[0], Equals, t.want)
	}
}

func (s *querySetSuite) TestExcludeAndOrFilter(c *C) {
	db, qs := newFixture()
	qs = qs.OrFilter("name__contains", "O").OrFilter("name__startswith", "A")
	_, err := qs.Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(db.executed[0], Equals, `/person[contains(name, "O") or starts-with(name, "A")]`)

	db, qs = newFixture()
	_, err = qs.Exclude("name__contains", "O").Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(db.executed[0], Equals, `/person[not(contains(name, "O"))]`)
}

func (s *querySetSuite) TestDocumentPathFilter(c *C) {
	db, qs := newFixture()
	_, err := qs.Filter("document_path", "/db/people/a.xml").Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(db.executed[0], Equals, `doc("/db/people/a.xml")/person`)
}

func (s *querySetSuite) TestCount(c *C) {
	_, qs := newFixture()
	n, err := qs.Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(n, Equals, 4)
}

func (s *querySetSuite) TestItemMaterializesModel(c *C) {
	_, qs := newFixture()
	v, err := qs.Item(context.Background(), 1)
	c.Assert(err, IsNil)
	p, ok := v.(*person)
	c.Assert(ok, Equals, true)
	c.Check(*p, DeepEquals, person{ID: "abc", Name: "Abc"})
}

func (s *querySetSuite) TestItemWithoutModelReturnsXML(c *C) {
	db := newFakeDB(people...)
	qs := existq.New(db, nil, existq.WithXPath("/person"))
	v, err := qs.Item(context.Background(), 0)
	c.Assert(err, IsNil)
	c.Check(v, Equals, people[0])
}

func (s *querySetSuite) TestItemIsCached(c *C) {
	db, qs := newFixture()
	ctx := context.Background()
	_, err := qs.Item(ctx, 2)
	c.Assert(err, IsNil)
	_, err = qs.Item(ctx, 2)
	c.Assert(err, IsNil)
	c.Check(db.retrieves, Equals, 1)
}

func (s *querySetSuite) TestItemOutOfRange(c *C) {
	_, qs := newFixture()
	_, err := qs.Item(context.Background(), 4)
	c.Assert(errors.Is(err, existq.ErrIndexOutOfRange), Equals, true)
	_, err = qs.Item(context.Background(), -1)
	c.Assert(errors.Is(err, existq.ErrIndexOutOfRange), Equals, true)
}

func (s *querySetSuite) TestSliceWindowsQuery(c *C) {
	db, qs := newFixture()
	ctx := context.Background()
	sub := qs.Slice(1, 3)
	n, err := sub.Count(ctx)
	c.Assert(err, IsNil)
	c.Check(n, Equals, 2)
	c.Check(db.executed[0], Equals, "subsequence(/person, 2, 2)")

	v, err := sub.Item(ctx, 0)
	c.Assert(err, IsNil)
	c.Check(v.(*person).ID, Equals, "abc")
}

func (s *querySetSuite) TestSlicesShareCache(c *C) {
	db, qs := newFixture()
	ctx := context.Background()

	// Warm position 1 through the parent, then read it through a slice.
	_, err := qs.Item(ctx, 1)
	c.Assert(err, IsNil)
	c.Check(db.retrieves, Equals, 1)

	sub := qs.Slice(1, 3)
	v, err := sub.Item(ctx, 0)
	c.Assert(err, IsNil)
	c.Check(v.(*person).ID, Equals, "abc")
	c.Check(db.retrieves, Equals, 1)

	// A position outside the warmed cache costs a retrieval against the
	// slice's own session.
	v, err = sub.Item(ctx, 1)
	c.Assert(err, IsNil)
	c.Check(v.(*person).ID, Equals, "xyz")
	c.Check(db.retrieves, Equals, 2)
}

func (s *querySetSuite) TestSliceOfSlice(c *C) {
	db, qs := newFixture()
	sub := qs.Slice(1, 4).Slice(1, 2)
	v, err := sub.Item(context.Background(), 0)
	c.Assert(err, IsNil)
	c.Check(v.(*person).ID, Equals, "xyz")
	c.Check(db.executed[0], Equals, "subsequence(/person, 3, 1)")
}

func (s *querySetSuite) TestInvalidSlice(c *C) {
	_, qs := newFixture()
	_, err := qs.Slice(-1, 2).Count(context.Background())
	c.Assert(err, ErrorMatches, `invalid slice \[-1:2\]`)
	_, err = qs.Slice(3, 2).Count(context.Background())
	c.Assert(err, ErrorMatches, `invalid slice \[3:2\]`)
}

func (s *querySetSuite) TestGet(c *C) {
	db, qs := newFixture()
	db.on(`@id = "xyz"`, people[2])

	v, err := qs.Get(context.Background(), existq.Filters{"id": "xyz"})
	c.Assert(err, IsNil)
	c.Check(v.(*person).ID, Equals, "xyz")

	// The single-use session is released once the value is out.
	c.Check(db.released, HasLen, 1)
}

func (s *querySetSuite) TestGetNotFound(c *C) {
	db, qs := newFixture()
	db.on(`@id = "nobody"`)

	_, err := qs.Get(context.Background(), existq.Filters{"id": "nobody"})
	var notFound *existq.NotFoundError
	c.Assert(errors.As(err, &notFound), Equals, true)
	c.Check(err, ErrorMatches, "no results match id=nobody")
}

func (s *querySetSuite) TestGetMultipleReturned(c *C) {
	_, qs := newFixture()
	_, err := qs.Get(context.Background(), nil)
	var multiple *existq.MultipleReturnedError
	c.Assert(errors.As(err, &multiple), Equals, true)
	c.Check(multiple.Count, Equals, 4)
}

func (s *querySetSuite) TestCloseThenReuseReExecutes(c *C) {
	db, qs := newFixture()
	ctx := context.Background()

	_, err := qs.Count(ctx)
	c.Assert(err, IsNil)
	qs.Close(ctx)
	c.Check(db.released, DeepEquals, []string{"1"})

	n, err := qs.Count(ctx)
	c.Assert(err, IsNil)
	c.Check(n, Equals, 4)
	c.Check(db.executed, HasLen, 2)

	// Close is idempotent.
	qs.Close(ctx)
	qs.Close(ctx)
	c.Check(db.released, HasLen, 2)
}

func (s *querySetSuite) TestDistinctReturnsStrings(c *C) {
	db, qs := newFixture()
	db.on("distinct-values(", "One", "Abc")

	distinct := qs.Distinct()
	n, err := distinct.Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(n, Equals, 2)
	v, err := distinct.Item(context.Background(), 0)
	c.Assert(err, IsNil)
	c.Check(v, Equals, "One")
}

func (s *querySetSuite) TestOnlyProjection(c *C) {
	db, qs := newFixture()
	db.on("return <person>",
		"<person>\n <field id=\"one\"/>\n <field><name>One</name></field>\n</person>",
	)

	v, err := qs.Only("id", "name").Item(context.Background(), 0)
	c.Assert(err, IsNil)
	c.Check(*v.(*person), DeepEquals, person{ID: "one", Name: "One"})
}

type scoredPerson struct {
	ID            string  `xpath:"@id"`
	Name          string  `xpath:"name"`
	FulltextScore float64 `xpath:"fulltext_score"`
	DocumentName  string  `xpath:"document_name"`
}

func (s *querySetSuite) TestAlsoProjection(c *C) {
	db := newFakeDB(people...)
	qs := existq.New(db, scoredPerson{}, existq.WithXPath("/person"))
	db.on("{$n}",
		`<person>
 <person id="one"><name>One</name></person>
 <document_name>a.xml</document_name>
</person>`,
	)

	v, err := qs.Also("document_name").Item(context.Background(), 0)
	c.Assert(err, IsNil)
	c.Check(*v.(*scoredPerson), DeepEquals, scoredPerson{
		ID:           "one",
		Name:         "One",
		DocumentName: "a.xml",
	})
}

func (s *querySetSuite) TestAlsoSpecialFieldCompiles(c *C) {
	db := newFakeDB(people...)
	qs := existq.New(db, scoredPerson{}, existq.WithXPath("/person"))
	db.on("{$n}", `<person>
 <person id="one"><name>One</name></person>
 <fulltext_score>1.5</fulltext_score>
</person>`)

	v, err := qs.Also("fulltext_score").Item(context.Background(), 0)
	c.Assert(err, IsNil)
	c.Check(v.(*scoredPerson).FulltextScore, Equals, 1.5)

	query := db.executed[0]
	c.Check(query, Matches, `(?s).*let \$fulltext_score := ft:score\(\$n\).*`)
	c.Check(query, Matches, `(?s).*<fulltext_score>\{\$fulltext_score\}</fulltext_score>.*`)
}

func (s *querySetSuite) TestOnlyUnknownFieldFails(c *C) {
	_, qs := newFixture()
	_, err := qs.Only("missing").Count(context.Background())
	c.Assert(err, ErrorMatches, `person has no field "missing"`)
}

func (s *querySetSuite) TestProjectionWithoutModelFails(c *C) {
	db := newFakeDB(people...)
	qs := existq.New(db, nil, existq.WithXPath("/person"))
	_, err := qs.Only("id").Count(context.Background())
	c.Assert(err, ErrorMatches, "cannot project fields without a model")
}

func (s *querySetSuite) TestDeferredModelError(c *C) {
	db := newFakeDB(people...)
	qs := existq.New(db, 42)
	c.Check(qs.Err(), ErrorMatches, "cannot map int, only structs are supported")

	derived := qs.Filter("name", "One")
	_, err := derived.Count(context.Background())
	c.Assert(err, ErrorMatches, "cannot map int, only structs are supported")
	c.Check(db.executed, HasLen, 0)
}

func (s *querySetSuite) TestIterator(c *C) {
	_, qs := newFixture()
	it := qs.Iter(context.Background())
	var ids []string
	for it.Next() {
		ids = append(ids, it.Value().(*person).ID)
	}
	c.Assert(it.Err(), IsNil)
	c.Check(ids, DeepEquals, []string{"one", "abc", "xyz", "def"})
}

func (s *querySetSuite) TestReset(c *C) {
	db, qs := newFixture()
	ctx := context.Background()
	filtered := qs.Filter("name", "One")
	_, err := filtered.Count(ctx)
	c.Assert(err, IsNil)

	filtered.Reset(ctx)
	c.Check(db.released, HasLen, 1)
	_, err = filtered.Count(ctx)
	c.Assert(err, IsNil)
	c.Check(db.executed[1], Equals, "/person")
}

func (s *querySetSuite) TestOrderByCompiles(c *C) {
	tests := []struct {
		field string
		want  string
	}{
		{"id", `(?s).*order by \$n/@id ascending.*`},
		{"-id", `(?s).*order by \$n/@id descending.*`},
		{"~id", `(?s).*order by fn:lower-case\(\$n/@id\) ascending.*`},
		{"-~id", `(?s).*order by fn:lower-case\(\$n/@id\) descending.*`},
	}
	for _, t := range tests {
		db, qs := newFixture()
		_, err := qs.OrderBy(t.field).Count(context.Background())
		c.Assert(err, IsNil)
		c.Check(db.executed[0], Matches, t.want, Commentf("field: %q", t.field))
	}
}

func (s *querySetSuite) TestHighlightRetrievalFlag(c *C) {
	db, qs := newFixture()
	ctx := context.Background()
	db.on("ft:query", people[0])

	// Fulltext filters turn match highlighting on by default.
	_, err := qs.Filter("fulltext_terms", "one").Item(ctx, 0)
	c.Assert(err, IsNil)
	c.Check(db.highlights, DeepEquals, []bool{true})

	// An explicit setting wins, in either order.
	_, err = qs.Highlight(false).Filter("fulltext_terms", "one").Item(ctx, 0)
	c.Assert(err, IsNil)
	_, err = qs.Filter("fulltext_terms", "one").Highlight(false).Item(ctx, 0)
	c.Assert(err, IsNil)
	c.Check(db.highlights, DeepEquals, []bool{true, false, false})
}

func (s *querySetSuite) TestGetWithHighlightDisabled(c *C) {
	db, qs := newFixture()
	db.on("ft:query", people[0])

	v, err := qs.Get(context.Background(), existq.Filters{"fulltext_terms": "one", "highlight": false})
	c.Assert(err, IsNil)
	c.Check(v.(*person).ID, Equals, "one")
	c.Check(db.highlights, DeepEquals, []bool{false})
}

func (s *querySetSuite) TestTermQueryFilter(c *C) {
	db, qs := newFixture()
	db.on("ft:query", people[0])
	term := existq.TermQuery{Terms: []string{"one"}}
	_, err := qs.Filter("fulltext_terms", term).Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(db.executed[0], Equals, "/person[ft:query(., <query><term>one</term></query>)]")
}

func (s *querySetSuite) TestTermQueryLiteral(c *C) {
	term := existq.TermQuery{
		Terms:   []string{"one", "<two>"},
		Phrases: []string{"dog star"},
		Near:    []string{"a", "b"},
		Slop:    2,
	}
	c.Check(term.XQueryLiteral(), Equals,
		`<query><term>one</term><term>&lt;two&gt;</term><phrase>dog star</phrase><near slop="2"><term>a</term><term>b</term></near></query>`)
}

func (s *querySetSuite) TestGetDocument(c *C) {
	db := newFakeDB()
	db.docs = map[string]string{"people/a.xml": "<person/>"}
	qs := existq.New(db, nil, existq.WithCollection("people"))

	doc, err := qs.GetDocument(context.Background(), "a.xml")
	c.Assert(err, IsNil)
	c.Check(doc, Equals, "<person/>")
}

func (s *querySetSuite) TestNamespacesAndOptions(c *C) {
	db := newFakeDB(people...)
	qs := existq.New(db, nil,
		existq.WithXPath("/foo:person"),
		existq.WithNamespaces(map[string]string{"foo": "urn:foo#"}),
	)
	_, err := qs.Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(db.executed[0], Equals, "declare namespace foo='urn:foo#';\n/foo:person")
}

func (s *querySetSuite) TestFulltextOptionsCompile(c *C) {
	db := newFakeDB(people...)
	qs := existq.New(db, nil,
		existq.WithXPath("/person"),
		existq.WithFulltextOptions(map[string]string{"default-operator": "and"}),
	)
	_, err := qs.Filter("fulltext_terms", "dog").Count(context.Background())
	c.Assert(err, IsNil)
	c.Check(db.executed[0], Matches, `(?s).*<default-operator>and</default-operator>.*`)
	c.Check(db.executed[0], Matches, `(?s).*ft:query\(\., "dog", \$ft_options\).*`)
}
