// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package existq queries XML documents stored in eXist-db through lazy,
chainable query sets, in the manner of an ORM.

A QuerySet accumulates filters, ordering, projections and slicing without
touching the database; the query compiles to XQuery and executes on the
first terminal operation. Results map onto Go structs whose fields carry
xpath tags:

	type Person struct {
		ID   string `xpath:"@id"`
		Name string `xpath:"name"`
	}

	db, err := existdb.NewClient("http://localhost:8080/exist/rest/db")
	...
	people := existq.New(db, Person{},
		existq.WithCollection("people"),
		existq.WithXPath("/person"),
	)
	match, err := people.Filter("name__contains", "Ada").OrderBy("~name").Get(ctx, nil)

Filter arguments name model fields, nested double-underscore chains, or
literal paths, with an optional lookup suffix (exact, contains,
startswith, in, exists, gt, gte, lt, lte, fulltext_terms, highlight).
Fulltext filters use the server's ft:query index and by default mark
matches up in retrieved results.

Six computed fields are available wherever a field name is accepted,
provided the model declares them: fulltext_score, last_modified, hash,
document_name, collection_name and match_count.

Derivation methods return new query sets and never mutate the receiver, so
partially built queries can be shared and extended in different
directions. Executed results are cached per position; slices share their
parent's cache.
*/
package existq
