// Package schema carries the view definitions the rest of the server is
// compiled against: primary key, declared column types, and enum
// declarations. LoadFile (loader.go) builds them from an
// operator-maintained YAML file.
package schema

import "fmt"

// DataType is the internal type a declared upstream column type maps to.
type DataType int

const (
	Bool DataType = iota
	Int
	Float
	BigInt
	String // text/varchar/uuid/date/time/timestamp/timestamptz/json/jsonb/array
	EnumType
)

// Enum names the ordered value set of an enum-typed column. Ordering
// defines ordinal comparison semantics for _gt/_gte/_lt/_lte.
type Enum struct {
	Name   string
	Values []string
}

// Ordinals builds a name→index lookup; each call returns a freshly built
// map.
func (e Enum) Ordinals() map[string]int {
	m := make(map[string]int, len(e.Values))
	for i, v := range e.Values {
		m[v] = i
	}
	return m
}

// Field is one declared column of a View.
type Field struct {
	Name string
	Type DataType
	// Enum is non-nil iff Type == EnumType.
	Enum *Enum
}

// View is a `{name, primaryKeyField, fields}` view definition.
type View struct {
	Name           string
	PrimaryKey     string
	Fields         []Field
	fieldsByName   map[string]Field
	orderedColumns []string
}

// NewView validates and indexes a view definition. Declared-column order is
// preserved since the Protocol Parser's wire format depends on declaration
// order.
func NewView(name, primaryKey string, fields []Field) (*View, error) {
	if primaryKey == "" {
		return nil, fmt.Errorf("schema: view %q: primary key field is required", name)
	}
	byName := make(map[string]Field, len(fields))
	cols := make([]string, 0, len(fields))
	hasPK := false
	for _, f := range fields {
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("schema: view %q: duplicate field %q", name, f.Name)
		}
		if f.Type == EnumType && f.Enum == nil {
			return nil, fmt.Errorf("schema: view %q: field %q declared enum with no enum type", name, f.Name)
		}
		byName[f.Name] = f
		if f.Name == primaryKey {
			hasPK = true
		} else {
			cols = append(cols, f.Name)
		}
	}
	if !hasPK {
		return nil, fmt.Errorf("schema: view %q: primary key field %q not declared among fields", name, primaryKey)
	}
	return &View{
		Name:           name,
		PrimaryKey:     primaryKey,
		Fields:         fields,
		fieldsByName:   byName,
		orderedColumns: cols,
	}, nil
}

// Field looks up a declared field by name.
func (v *View) Field(name string) (Field, bool) {
	f, ok := v.fieldsByName[name]
	return f, ok
}

// NonKeyColumns returns the non-primary-key columns in declaration order,
// the order the wire protocol uses after [timestamp, opTag, pk].
func (v *View) NonKeyColumns() []string {
	return v.orderedColumns
}

// AllFieldNames returns every declared field name, primary key included, in
// declaration order — used to populate an Insert event's `fields` set.
func (v *View) AllFieldNames() []string {
	out := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		out = append(out, f.Name)
	}
	return out
}
