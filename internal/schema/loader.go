package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlDocument mirrors the on-disk shape the upstream schema collaborator
// publishes: a named enum table plus one view definition per source.
type yamlDocument struct {
	Enums   map[string][]string        `yaml:"enums"`
	Sources map[string]yamlSourceEntry `yaml:"sources"`
}

type yamlSourceEntry struct {
	PrimaryKey string            `yaml:"primary_key"`
	Columns    map[string]string `yaml:"columns"`
}

var declaredTypes = map[string]DataType{
	"bool":        Bool,
	"boolean":     Bool,
	"int":         Int,
	"integer":     Int,
	"smallint":    Int,
	"bigint":      BigInt,
	"int2":        Int,
	"int4":        Int,
	"int8":        BigInt, // int8 and other 64-bit integers preserve precision as BigInt-as-string
	"float":       Float,
	"double":      Float,
	"numeric":     Float,
	"real":        Float,
	"float4":      Float,
	"float8":      Float,
	"text":        String,
	"varchar":     String,
	"uuid":        String,
	"date":        String,
	"time":        String,
	"timestamp":   String,
	"timestamptz": String,
	"json":        String,
	"jsonb":       String,
	"array":       String,
}

// LoadFile parses a view-schema YAML document at path into a set of Views,
// keyed by name. This is the concrete bootstrap format for the "collaborator"
// this package's doc comment describes: an operator-maintained file rather
// than a live control plane, which is all cmd/viewstream needs to start.
func LoadFile(path string) (map[string]*View, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", path, err)
	}
	return decode(doc)
}

func decode(doc yamlDocument) (map[string]*View, error) {
	enums := make(map[string]*Enum, len(doc.Enums))
	for name, values := range doc.Enums {
		enums[name] = &Enum{Name: name, Values: values}
	}

	views := make(map[string]*View, len(doc.Sources))
	for name, entry := range doc.Sources {
		fields := make([]Field, 0, len(entry.Columns))
		for colName, declared := range entry.Columns {
			field, err := decodeField(colName, declared, enums)
			if err != nil {
				return nil, fmt.Errorf("schema: view %q: %w", name, err)
			}
			fields = append(fields, field)
		}
		v, err := NewView(name, entry.PrimaryKey, fields)
		if err != nil {
			return nil, err
		}
		views[name] = v
	}
	return views, nil
}

func decodeField(name, declared string, enums map[string]*Enum) (Field, error) {
	if e, ok := enums[declared]; ok {
		return Field{Name: name, Type: EnumType, Enum: e}, nil
	}
	dt, ok := declaredTypes[declared]
	if !ok {
		return Field{}, fmt.Errorf("field %q: unrecognized declared type %q", name, declared)
	}
	return Field{Name: name, Type: dt}, nil
}
