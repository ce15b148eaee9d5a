// Package schema describes the fields and tags of a source measurement and
// resolves them from configuration overrides or from the source's metadata.
package schema

import (
	"fmt"
	"strings"
)

// FieldType is the storage type of a measurement field as reported by
// SHOW FIELD KEYS.
type FieldType int

const (
	Unknown FieldType = iota
	Integer
	Float
	Double
	Unsigned
	String
	Boolean
)

var fieldTypeNames = map[FieldType]string{
	Unknown:  "unknown",
	Integer:  "integer",
	Float:    "float",
	Double:   "double",
	Unsigned: "unsigned",
	String:   "string",
	Boolean:  "boolean",
}

// ParseFieldType maps a fieldType string to a FieldType. Unrecognized names
// map to Unknown.
func ParseFieldType(s string) FieldType {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range fieldTypeNames {
		if n == name {
			return t
		}
	}
	return Unknown
}

func (t FieldType) String() string {
	if n, ok := fieldTypeNames[t]; ok {
		return n
	}
	return fieldTypeNames[Unknown]
}

// Numeric reports whether fields of this type can be aggregated.
func (t FieldType) Numeric() bool {
	switch t {
	case Integer, Float, Double, Unsigned:
		return true
	default:
		return false
	}
}

// MarshalText encodes the type by name so cached schemas stay readable.
func (t FieldType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name.
func (t *FieldType) UnmarshalText(b []byte) error {
	*t = ParseFieldType(string(b))
	return nil
}

// Field is one field key of a measurement.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Schema is the resolved shape of a measurement. Fields keep discovery order
// and Tags keep the configured or discovered order.
type Schema struct {
	Fields     []Field             `json:"fields"`
	Tags       []string            `json:"tags"`
	TagFilters map[string][]string `json:"tag_filters,omitempty"`
}

// NumericFields returns the aggregatable fields in schema order.
func (s Schema) NumericFields() []Field {
	out := make([]Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Type.Numeric() {
			out = append(out, f)
		}
	}
	return out
}

// FieldNames returns the names of every field in schema order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + ":" + f.Type.String()
	}
	return fmt.Sprintf("fields=[%s] tags=[%s]", strings.Join(parts, " "), strings.Join(s.Tags, " "))
}
