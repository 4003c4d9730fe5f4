// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package existq

import (
	"fmt"
	"reflect"

	"github.com/exist-go/existq/xmlmap"
)

// buildReturnSchema derives the schema mapping constructed query results
// onto the model when fields are projected. Projected values sit at the
// locator paths reported by the compiled query rather than at the model's
// own paths. Must run after the query is built.
func (qs *QuerySet) buildReturnSchema() error {
	qs.retSchema = nil
	if qs.schema == nil || (len(qs.partialFields) == 0 && len(qs.additionalFields) == 0) {
		return nil
	}
	locators := qs.query.ReturnXPaths()
	var projections []xmlmap.Projection
	if len(qs.additionalFields) > 0 {
		// The whole matched node is present, so the model's own fields
		// unmarshal at their usual paths.
		for _, f := range qs.schema.Fields() {
			projections = append(projections, xmlmap.Projection{Name: f.Name, XPath: f.XPath})
		}
	}
	names := append(append([]string{}, qs.partialFields...), qs.additionalFields...)
	for _, name := range names {
		xp, ok := locators[name]
		if !ok {
			return fmt.Errorf("no result location for projected field %q", name)
		}
		projections = append(projections, xmlmap.Projection{Name: name, XPath: xp})
	}
	derived, err := qs.schema.DeriveProjection(projections)
	if err != nil {
		return err
	}
	qs.retSchema = derived
	return nil
}

// materialize converts one retrieved result into its caller-facing value:
// the raw string for model-less and distinct queries, a pointer to a
// populated model struct otherwise.
func (qs *QuerySet) materialize(raw string) (any, error) {
	if qs.schema == nil || qs.query.IsDistinct() {
		return raw, nil
	}
	schema := qs.schema
	if qs.retSchema != nil {
		schema = qs.retSchema
	}
	v := reflect.New(schema.Type())
	var err error
	if len(qs.additionalFields) > 0 {
		// The result wraps the copied node and projected siblings; bind
		// at the copied node so parent-axis locators reach the siblings.
		err = xmlmap.UnmarshalFirstChild(raw, schema, v.Interface())
	} else {
		err = xmlmap.Unmarshal(raw, schema, v.Interface())
	}
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}
