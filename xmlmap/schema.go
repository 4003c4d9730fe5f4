// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

// Package xmlmap maps XML fragments onto Go structs. Struct fields carry
// an xpath tag locating their value relative to the bound node; nested
// structs map nested elements. Schemas are built once per type by
// reflection and cached.
package xmlmap

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Kind classifies how a field's XPath result converts to its Go value.
type Kind int

const (
	Invalid Kind = iota
	String
	StringList
	Int
	Float
	Bool
	DateTime
	Node
	NodeList
)

// Field describes one mapped struct field.
type Field struct {
	// Name is the snake-case lookup name derived from the Go field name.
	Name string
	// XPath locates the field's value relative to the bound node.
	XPath string
	Kind  Kind
	// Elem is the nested schema for Node and NodeList fields.
	Elem *Schema

	// index locates the field in the schema's struct type, possibly
	// through nested structs for derived schemas.
	index []int
}

// Schema is the mapping for one struct type.
type Schema struct {
	typ    reflect.Type
	fields []Field
	byName map[string]int
}

var schemaCache = struct {
	sync.RWMutex
	schemas map[reflect.Type]*Schema
}{schemas: map[reflect.Type]*Schema{}}

// SchemaOf builds (or returns the cached) schema for the given struct or
// pointer-to-struct sample.
func SchemaOf(sample any) (*Schema, error) {
	if sample == nil {
		return nil, fmt.Errorf("cannot map nil value")
	}
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot map %s, only structs are supported", t.Kind())
	}

	schemaCache.RLock()
	s, ok := schemaCache.schemas[t]
	schemaCache.RUnlock()
	if ok {
		return s, nil
	}

	s, err := buildSchema(t, map[reflect.Type]bool{})
	if err != nil {
		return nil, err
	}
	schemaCache.Lock()
	schemaCache.schemas[t] = s
	schemaCache.Unlock()
	return s, nil
}

func buildSchema(t reflect.Type, building map[reflect.Type]bool) (*Schema, error) {
	if building[t] {
		return nil, fmt.Errorf("cannot map recursive type %s", t.Name())
	}
	building[t] = true
	defer delete(building, t)

	s := &Schema{typ: t, byName: map[string]int{}}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		xp, tagged := sf.Tag.Lookup("xpath")
		if !tagged {
			continue
		}
		if !sf.IsExported() {
			return nil, fmt.Errorf(`xpath tag %q on unexported field %s of %s`, xp, sf.Name, t.Name())
		}
		if xp == "" {
			return nil, fmt.Errorf("empty xpath tag on field %s of %s", sf.Name, t.Name())
		}
		f := Field{
			Name:  snakeCase(sf.Name),
			XPath: xp,
			index: []int{i},
		}
		kind, elemType, err := kindOf(sf.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s of %s: %s", sf.Name, t.Name(), err)
		}
		f.Kind = kind
		if elemType != nil {
			elem, err := buildSchema(elemType, building)
			if err != nil {
				return nil, err
			}
			f.Elem = elem
		}
		s.byName[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

var timeType = reflect.TypeOf(time.Time{})

// kindOf classifies a Go type, returning the nested struct type for node
// kinds.
func kindOf(t reflect.Type) (Kind, reflect.Type, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType {
		return DateTime, nil, nil
	}
	switch t.Kind() {
	case reflect.String:
		return String, nil, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int, nil, nil
	case reflect.Float32, reflect.Float64:
		return Float, nil, nil
	case reflect.Bool:
		return Bool, nil, nil
	case reflect.Struct:
		return Node, t, nil
	case reflect.Slice:
		e := t.Elem()
		for e.Kind() == reflect.Pointer {
			e = e.Elem()
		}
		switch {
		case e.Kind() == reflect.String:
			return StringList, nil, nil
		case e.Kind() == reflect.Struct && e != timeType:
			return NodeList, e, nil
		}
		return Invalid, nil, fmt.Errorf("unsupported slice element type %s", e)
	}
	return Invalid, nil, fmt.Errorf("unsupported type %s", t)
}

// Type returns the struct type the schema maps.
func (s *Schema) Type() reflect.Type {
	return s.typ
}

// Fields returns the mapped fields in declaration order.
func (s *Schema) Fields() []Field {
	return s.fields
}

// Field returns the mapped field with the given lookup name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Resolve walks a double-underscore separated chain of field names through
// nested schemas, returning the fields along the chain. The chain must end
// on a leaf or node field; every intermediate field must be a node.
func (s *Schema) Resolve(name string) ([]Field, bool) {
	parts := strings.Split(name, "__")
	chain := make([]Field, 0, len(parts))
	cur := s
	for i, part := range parts {
		if cur == nil {
			return nil, false
		}
		f, ok := cur.Field(part)
		if !ok {
			return nil, false
		}
		chain = append(chain, f)
		if i < len(parts)-1 {
			cur = f.Elem
		}
	}
	return chain, true
}

// Projection names a value in a result document and the model field chain
// it populates.
type Projection struct {
	// Name is a field lookup name, possibly double-underscore nested.
	Name string
	// XPath locates the value relative to the bound result node.
	XPath string
}

// DeriveProjection builds a schema for the same struct type whose fields
// are the given projections: each value is read from its projection XPath
// and stored through the resolved field chain. Result documents with
// restructured layouts, such as constructed query returns, unmarshal
// through derived schemas.
func (s *Schema) DeriveProjection(projections []Projection) (*Schema, error) {
	d := &Schema{typ: s.typ, byName: map[string]int{}}
	for _, p := range projections {
		chain, ok := s.Resolve(p.Name)
		if !ok {
			return nil, fmt.Errorf("%s has no field %q", s.typ.Name(), p.Name)
		}
		leaf := chain[len(chain)-1]
		var index []int
		for _, f := range chain {
			index = append(index, f.index...)
		}
		f := Field{
			Name:  p.Name,
			XPath: p.XPath,
			Kind:  leaf.Kind,
			Elem:  leaf.Elem,
			index: index,
		}
		d.byName[f.Name] = len(d.fields)
		d.fields = append(d.fields, f)
	}
	return d, nil
}

// snakeCase converts a Go field name to its lookup name: MyField becomes
// my_field, NSField becomes ns_field, ID becomes id.
func snakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := !unicode.IsUpper(runes[i-1]) && runes[i-1] != '_'
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
