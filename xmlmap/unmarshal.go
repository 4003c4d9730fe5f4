// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

package xmlmap

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// Unmarshal parses an XML fragment and populates dest, a pointer to the
// schema's struct type, evaluating each field XPath relative to the
// fragment's root element.
func Unmarshal(raw string, s *Schema, dest any) error {
	root, err := parseFragment(raw)
	if err != nil {
		return err
	}
	return UnmarshalNode(root, s, dest)
}

// UnmarshalFirstChild is Unmarshal with the context bound one level down,
// at the first child element of the fragment root. Fields with parent-axis
// XPaths reach the root's other children, which is how results carrying a
// copied document node alongside projected values are laid out.
func UnmarshalFirstChild(raw string, s *Schema, dest any) error {
	root, err := parseFragment(raw)
	if err != nil {
		return err
	}
	child := firstElementChild(root)
	if child == nil {
		return fmt.Errorf("cannot unmarshal %s: fragment root %s has no child element", s.typ.Name(), root.Data)
	}
	return UnmarshalNode(child, s, dest)
}

// UnmarshalNode populates dest from an already parsed node.
func UnmarshalNode(node *xmlquery.Node, s *Schema, dest any) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("cannot unmarshal into %T, need a non-nil pointer to %s", dest, s.typ.Name())
	}
	v = v.Elem()
	if v.Type() != s.typ {
		return fmt.Errorf("cannot unmarshal %s into %s", s.typ.Name(), v.Type().Name())
	}
	for _, f := range s.fields {
		if err := setField(node, f, v); err != nil {
			return fmt.Errorf("cannot unmarshal field %q of %s: %s", f.Name, s.typ.Name(), err)
		}
	}
	return nil
}

func parseFragment(raw string) (*xmlquery.Node, error) {
	doc, err := xmlquery.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("cannot parse result fragment: %s", err)
	}
	root := firstElementChild(doc)
	if root == nil {
		return nil, fmt.Errorf("result fragment holds no element")
	}
	return root, nil
}

func firstElementChild(n *xmlquery.Node) *xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return c
		}
	}
	return nil
}

// evaluate runs an XPath expression against node. Node paths yield node
// lists; computed expressions such as substring or count yield their
// scalar result.
func evaluate(node *xmlquery.Node, expr string) (any, error) {
	xp, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %s", expr, err)
	}
	result := xp.Evaluate(xmlquery.CreateXPathNavigator(node))
	iter, ok := result.(*xpath.NodeIterator)
	if !ok {
		return result, nil
	}
	var nodes []*xmlquery.Node
	for iter.MoveNext() {
		nav, ok := iter.Current().(*xmlquery.NodeNavigator)
		if !ok {
			continue
		}
		if nav.NodeType() == xpath.AttributeNode {
			// The navigator stays positioned on the owning element, so
			// Current() would lose the attribute. Build a detached node
			// holding the attribute value instead.
			text := &xmlquery.Node{Type: xmlquery.TextNode, Data: nav.Value()}
			nodes = append(nodes, &xmlquery.Node{
				Type:       xmlquery.AttributeNode,
				Data:       nav.LocalName(),
				FirstChild: text,
				LastChild:  text,
			})
			continue
		}
		nodes = append(nodes, nav.Current())
	}
	return nodes, nil
}

func setField(node *xmlquery.Node, f Field, structVal reflect.Value) error {
	result, err := evaluate(node, f.XPath)
	if err != nil {
		return err
	}
	nodes, isNodes := result.([]*xmlquery.Node)
	if isNodes && len(nodes) == 0 {
		// Absent optional value; leave the zero value in place.
		return nil
	}

	target := fieldByIndex(structVal, f.index)
	for target.Kind() == reflect.Pointer {
		if target.IsNil() {
			target.Set(reflect.New(target.Type().Elem()))
		}
		target = target.Elem()
	}

	switch f.Kind {
	case String:
		target.SetString(scalarString(result))
	case StringList:
		if !isNodes {
			return fmt.Errorf("expression %q yields a scalar, not nodes", f.XPath)
		}
		values := make([]string, len(nodes))
		for i, n := range nodes {
			values[i] = n.InnerText()
		}
		target.Set(reflect.ValueOf(values))
	case Int:
		i, err := scalarInt(result)
		if err != nil {
			return err
		}
		target.SetInt(i)
	case Float:
		fl, err := scalarFloat(result)
		if err != nil {
			return err
		}
		target.SetFloat(fl)
	case Bool:
		b, err := scalarBool(result)
		if err != nil {
			return err
		}
		target.SetBool(b)
	case DateTime:
		t, err := parseDateTime(scalarString(result))
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(t))
	case Node:
		if !isNodes {
			return fmt.Errorf("expression %q yields a scalar, not nodes", f.XPath)
		}
		return unmarshalInto(nodes[0], f.Elem, target)
	case NodeList:
		if !isNodes {
			return fmt.Errorf("expression %q yields a scalar, not nodes", f.XPath)
		}
		slice := reflect.MakeSlice(target.Type(), len(nodes), len(nodes))
		for i, n := range nodes {
			elem := slice.Index(i)
			for elem.Kind() == reflect.Pointer {
				elem.Set(reflect.New(elem.Type().Elem()))
				elem = elem.Elem()
			}
			if err := unmarshalInto(n, f.Elem, elem); err != nil {
				return err
			}
		}
		target.Set(slice)
	default:
		return fmt.Errorf("unsupported field kind %d", f.Kind)
	}
	return nil
}

func unmarshalInto(node *xmlquery.Node, s *Schema, v reflect.Value) error {
	for _, f := range s.fields {
		if err := setField(node, f, v); err != nil {
			return fmt.Errorf("field %q: %s", f.Name, err)
		}
	}
	return nil
}

// fieldByIndex walks an index path, allocating intermediate nil pointers.
func fieldByIndex(v reflect.Value, index []int) reflect.Value {
	for _, i := range index {
		for v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

func scalarString(result any) string {
	switch v := result.(type) {
	case []*xmlquery.Node:
		if len(v) == 0 {
			return ""
		}
		return v[0].InnerText()
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprint(result)
}

func scalarInt(result any) (int64, error) {
	if f, ok := result.(float64); ok {
		return int64(f), nil
	}
	s := strings.TrimSpace(scalarString(result))
	if s == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as an integer", s)
	}
	return i, nil
}

func scalarFloat(result any) (float64, error) {
	if f, ok := result.(float64); ok {
		return f, nil
	}
	s := strings.TrimSpace(scalarString(result))
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as a number", s)
	}
	return f, nil
}

func scalarBool(result any) (bool, error) {
	if b, ok := result.(bool); ok {
		return b, nil
	}
	s := strings.TrimSpace(scalarString(result))
	switch s {
	case "", "false", "0":
		return false, nil
	case "true", "1":
		return true, nil
	}
	return false, fmt.Errorf("cannot parse %q as a boolean", s)
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a dateTime", s)
}
