// Package schema is the typed description of the four record shapes
// (object, list, set, map) a dataset's types can take, along with the
// bit-exact binary codec for the blob format's schema header.
package schema

import (
	"fmt"

	"github.com/sediment/sediment/internal/errs"
)

// FieldType enumerates the scalar and reference field types an
// object schema's fields can hold.
type FieldType uint8

const (
	Bool FieldType = iota
	Int
	Long
	Float
	Double
	String
	Bytes
	Reference
)

func (t FieldType) String() string {
	switch t {
	case Bool:
		return "BOOL"
	case Int:
		return "INT"
	case Long:
		return "LONG"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case String:
		return "STRING"
	case Bytes:
		return "BYTES"
	case Reference:
		return "REFERENCE"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(t))
	}
}

// IsScalar reports whether the field type holds a value directly
// rather than an ordinal reference into another type.
func (t FieldType) IsScalar() bool { return t != Reference }

// Kind discriminates the four schema shapes.
type Kind uint8

const (
	KindObject Kind = iota
	KindList
	KindSet
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "OBJECT"
	case KindList:
		return "LIST"
	case KindSet:
		return "SET"
	case KindMap:
		return "MAP"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Field is one (name, type) entry of an object schema.
type Field struct {
	Name      string
	Type      FieldType
	RefTarget string // target schema name, only meaningful when Type == Reference
}

// OrdinalHashKey is the sentinel meaning "hash on the element's or
// key's own ordinal" rather than on a projected field path. It is
// serialised as a key section with field count zero.
var OrdinalHashKey []string

// Schema is implemented by Object, List, Set, and Map.
type Schema interface {
	SchemaName() string
	Kind() Kind
}

// Object describes a record with an ordered list of fields and an
// optional primary key used for identity-based deduplication.
type Object struct {
	Name       string
	Fields     []Field
	PrimaryKey []string // nil => no primary key (content-addressed)
}

func (o *Object) SchemaName() string { return o.Name }
func (o *Object) Kind() Kind         { return KindObject }

// FieldIndex returns the index of the named field, or -1.
func (o *Object) FieldIndex(name string) int {
	for i, f := range o.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// List describes an ordered sequence of references to ElementType.
type List struct {
	Name        string
	ElementType string
}

func (l *List) SchemaName() string { return l.Name }
func (l *List) Kind() Kind         { return KindList }

// SetSchema describes a hashed collection of references to
// ElementType, placed by HashKey (a dotted path into the element) or,
// if HashKey is empty, by the element's own ordinal.
type SetSchema struct {
	Name        string
	ElementType string
	HashKey     []string
}

func (s *SetSchema) SchemaName() string { return s.Name }
func (s *SetSchema) Kind() Kind         { return KindSet }

// Map describes a hashed collection of key/value reference pairs,
// placed by HashKey (a dotted path into the key type) or, if HashKey
// is empty, by the key's own ordinal.
type Map struct {
	Name      string
	KeyType   string
	ValueType string
	HashKey   []string
}

func (m *Map) SchemaName() string { return m.Name }
func (m *Map) Kind() Kind         { return KindMap }

// Set is the validated collection of schemas making up one dataset.
type Set struct {
	byName map[string]Schema
	order  []string // insertion order, preserved for deterministic WriteSet output
}

// NewSet validates and builds a Set from the given schemas: names
// must be unique, every REFERENCE/element/key/value type name must
// resolve to a schema present in the set, and every hash-key or
// primary-key field path must resolve to a non-reference leaf field
// of the target type (or be the ordinal sentinel).
func NewSet(schemas []Schema) (Set, error) {
	s := Set{byName: make(map[string]Schema, len(schemas)), order: make([]string, 0, len(schemas))}
	for _, sc := range schemas {
		name := sc.SchemaName()
		if _, exists := s.byName[name]; exists {
			return Set{}, malformed("duplicate schema name %q", name)
		}
		s.byName[name] = sc
		s.order = append(s.order, name)
	}
	for _, sc := range schemas {
		if err := s.validate(sc); err != nil {
			return Set{}, err
		}
	}
	return s, nil
}

func (s Set) validate(sc Schema) error {
	switch t := sc.(type) {
	case *Object:
		for _, f := range t.Fields {
			if f.Type == Reference {
				if _, ok := s.byName[f.RefTarget]; !ok {
					return malformed("schema %q: field %q references unknown schema %q", t.Name, f.Name, f.RefTarget)
				}
			}
		}
		if len(t.PrimaryKey) > 0 {
			for _, path := range t.PrimaryKey {
				if err := s.resolveLeaf(t, path); err != nil {
					return malformed("schema %q: primary key path %q: %v", t.Name, path, err)
				}
			}
		}
	case *List:
		if _, ok := s.byName[t.ElementType]; !ok {
			return malformed("schema %q: element type %q not found", t.Name, t.ElementType)
		}
	case *SetSchema:
		elem, ok := s.byName[t.ElementType]
		if !ok {
			return malformed("schema %q: element type %q not found", t.Name, t.ElementType)
		}
		if len(t.HashKey) > 0 {
			elemObj, ok := elem.(*Object)
			if !ok {
				return malformed("schema %q: hash key requires element type %q to be an object", t.Name, t.ElementType)
			}
			for _, path := range t.HashKey {
				if err := s.resolveLeaf(elemObj, path); err != nil {
					return malformed("schema %q: hash key path %q: %v", t.Name, path, err)
				}
			}
		}
	case *Map:
		if _, ok := s.byName[t.KeyType]; !ok {
			return malformed("schema %q: key type %q not found", t.Name, t.KeyType)
		}
		if _, ok := s.byName[t.ValueType]; !ok {
			return malformed("schema %q: value type %q not found", t.Name, t.ValueType)
		}
		if len(t.HashKey) > 0 {
			keyObj, ok := s.byName[t.KeyType].(*Object)
			if !ok {
				return malformed("schema %q: hash key requires key type %q to be an object", t.Name, t.KeyType)
			}
			for _, path := range t.HashKey {
				if err := s.resolveLeaf(keyObj, path); err != nil {
					return malformed("schema %q: hash key path %q: %v", t.Name, path, err)
				}
			}
		}
	}
	return nil
}

// resolveLeaf walks a dotted field path starting at obj and requires
// the final field to be a non-reference (scalar) leaf.
func (s Set) resolveLeaf(obj *Object, path string) error {
	cur := obj
	remaining := splitPath(path)
	for i, part := range remaining {
		idx := cur.FieldIndex(part)
		if idx < 0 {
			return fmt.Errorf("field %q not found on schema %q", part, cur.Name)
		}
		f := cur.Fields[idx]
		last := i == len(remaining)-1
		if last {
			if f.Type == Reference {
				return fmt.Errorf("path %q resolves to a reference field, want a scalar leaf", path)
			}
			return nil
		}
		if f.Type != Reference {
			return fmt.Errorf("path %q: field %q is a leaf, cannot descend further", path, part)
		}
		next, ok := s.byName[f.RefTarget]
		if !ok {
			return fmt.Errorf("path %q: unknown schema %q", path, f.RefTarget)
		}
		nextObj, ok := next.(*Object)
		if !ok {
			return fmt.Errorf("path %q: referenced schema %q is not an object", path, f.RefTarget)
		}
		cur = nextObj
	}
	return nil
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

// Get returns the named schema, or nil if absent.
func (s Set) Get(name string) Schema { return s.byName[name] }

// Names returns schema names in the order they were inserted into
// the set (used for deterministic wire output).
func (s Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len reports the number of schemas in the set.
func (s Set) Len() int { return len(s.order) }

// Equal reports whether two schemas describe the same shape.
func Equal(a, b Schema) bool {
	if a.Kind() != b.Kind() || a.SchemaName() != b.SchemaName() {
		return false
	}
	switch x := a.(type) {
	case *Object:
		y := b.(*Object)
		if len(x.Fields) != len(y.Fields) || !stringsEqual(x.PrimaryKey, y.PrimaryKey) {
			return false
		}
		for i := range x.Fields {
			if x.Fields[i] != y.Fields[i] {
				return false
			}
		}
		return true
	case *List:
		y := b.(*List)
		return x.ElementType == y.ElementType
	case *SetSchema:
		y := b.(*SetSchema)
		return x.ElementType == y.ElementType && stringsEqual(x.HashKey, y.HashKey)
	case *Map:
		y := b.(*Map)
		return x.KeyType == y.KeyType && x.ValueType == y.ValueType && stringsEqual(x.HashKey, y.HashKey)
	}
	return false
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Textual renders a deterministic, human-readable one-line-per-field
// dump of a schema, used by cmd/sedctl and by test failure messages.
func Textual(sc Schema) string {
	switch t := sc.(type) {
	case *Object:
		out := fmt.Sprintf("object %s {\n", t.Name)
		for _, f := range t.Fields {
			if f.Type == Reference {
				out += fmt.Sprintf("  %s REFERENCE(%s)\n", f.Name, f.RefTarget)
			} else {
				out += fmt.Sprintf("  %s %s\n", f.Name, f.Type)
			}
		}
		if len(t.PrimaryKey) > 0 {
			out += fmt.Sprintf("  primary key %v\n", t.PrimaryKey)
		}
		return out + "}"
	case *List:
		return fmt.Sprintf("list %s { element %s }", t.Name, t.ElementType)
	case *SetSchema:
		if len(t.HashKey) == 0 {
			return fmt.Sprintf("set %s { element %s, hash ordinal }", t.Name, t.ElementType)
		}
		return fmt.Sprintf("set %s { element %s, hash key %v }", t.Name, t.ElementType, t.HashKey)
	case *Map:
		if len(t.HashKey) == 0 {
			return fmt.Sprintf("map %s { key %s, value %s, hash ordinal }", t.Name, t.KeyType, t.ValueType)
		}
		return fmt.Sprintf("map %s { key %s, value %s, hash key %v }", t.Name, t.KeyType, t.ValueType, t.HashKey)
	default:
		return fmt.Sprintf("<unknown schema %q>", sc.SchemaName())
	}
}

func malformed(format string, args ...any) error {
	return errs.Wrapf(errs.ErrMalformedSchema, format, args...)
}
