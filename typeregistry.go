package eavkit

import (
	"fmt"
	"strings"
)

// LogicalType is a normalized attribute type tag recognized by the registry.
type LogicalType string

const (
	TypeString       LogicalType = "string"
	TypeSmallInteger LogicalType = "smallinteger"
	TypeInteger      LogicalType = "integer"
	TypeBigInteger   LogicalType = "biginteger"
	TypeDecimal      LogicalType = "decimal"
	TypeFloat        LogicalType = "float"
	TypeBoolean      LogicalType = "boolean"
	TypeDate         LogicalType = "date"
	TypeDatetime     LogicalType = "datetime"
	TypeJSON         LogicalType = "json"
	TypeUUID         LogicalType = "uuid"

	// Foreign-key pseudo-types. Accepted unconditionally as custom types and
	// never validated against the general type map.
	TypeForeignKey     LogicalType = "fk"
	TypeForeignKeyUUID LogicalType = "fk_uuid"
	TypeForeignKeyInt  LogicalType = "fk_int"
)

// ColumnSpec is the default physical column specification for a logical type,
// used when provisioning value tables.
type ColumnSpec struct {
	Type      string `json:"type"`
	Limit     int    `json:"limit,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Scale     int    `json:"scale,omitempty"`
}

// SQLType renders the column spec as a PostgreSQL type expression.
func (s ColumnSpec) SQLType() string {
	switch {
	case s.Limit > 0:
		return fmt.Sprintf("%s(%d)", s.Type, s.Limit)
	case s.Precision > 0:
		return fmt.Sprintf("%s(%d,%d)", s.Type, s.Precision, s.Scale)
	default:
		return s.Type
	}
}

// TypeRegistry maps raw type tokens to logical types and supplies per-type
// physical column specifications.
type TypeRegistry struct {
	aliases map[string]LogicalType
	specs   map[LogicalType]ColumnSpec
}

// NewTypeRegistry builds a registry with the default alias table and column
// specifications.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		aliases: map[string]LogicalType{
			"bool":             TypeBoolean,
			"smallint":         TypeSmallInteger,
			"int":              TypeInteger,
			"bigint":           TypeBigInteger,
			"numeric":          TypeDecimal,
			"double":           TypeFloat,
			"double precision": TypeFloat,
			"real":             TypeFloat,
			"varchar":          TypeString,
			"char":             TypeString,
			"text":             TypeString,
			"timestamp":        TypeDatetime,
			"timestamptz":      TypeDatetime,
			"jsonb":            TypeJSON,
		},
		specs: map[LogicalType]ColumnSpec{
			TypeString:       {Type: "varchar", Limit: 1024},
			TypeSmallInteger: {Type: "smallint"},
			TypeInteger:      {Type: "integer"},
			TypeBigInteger:   {Type: "bigint"},
			TypeDecimal:      {Type: "numeric", Precision: 18, Scale: 6},
			TypeFloat:        {Type: "double precision"},
			TypeBoolean:      {Type: "boolean"},
			TypeDate:         {Type: "date"},
			TypeDatetime:     {Type: "timestamptz"},
			TypeJSON:         {Type: "jsonb"},
			TypeUUID:         {Type: "uuid"},

			TypeForeignKeyUUID: {Type: "uuid"},
			TypeForeignKeyInt:  {Type: "bigint"},
		},
	}
}

// IsCustom reports whether the token names a foreign-key pseudo-type.
func (r *TypeRegistry) IsCustom(token string) bool {
	switch LogicalType(strings.ToLower(strings.TrimSpace(token))) {
	case TypeForeignKey, TypeForeignKeyUUID, TypeForeignKeyInt:
		return true
	}
	return false
}

// Resolve normalizes a raw type token into a logical type. Aliases are
// applied first; fk pseudo-types are passed through unconditionally. Tokens
// that resolve to nothing fail with an UnsupportedTypeError rather than
// being silently coerced.
func (r *TypeRegistry) Resolve(token string) (LogicalType, error) {
	normalized := strings.ToLower(strings.TrimSpace(token))
	if normalized == "" {
		return "", NewUnsupportedTypeError(token)
	}

	if r.IsCustom(normalized) {
		return LogicalType(normalized), nil
	}

	candidate := LogicalType(normalized)
	if alias, ok := r.aliases[normalized]; ok {
		candidate = alias
	}

	if _, ok := r.specs[candidate]; !ok {
		return "", NewUnsupportedTypeError(token)
	}
	return candidate, nil
}

// ColumnSpec returns the default physical column specification for a logical
// type. The generic fk pseudo-type has no spec of its own; callers must pick
// fk_uuid or fk_int before provisioning.
func (r *TypeRegistry) ColumnSpec(t LogicalType) (ColumnSpec, bool) {
	spec, ok := r.specs[t]
	return spec, ok
}

// StorageTypes lists every logical type that owns a value table, in stable
// order. The generic fk pseudo-type is excluded: its values live in the
// fk_uuid / fk_int tables.
func (r *TypeRegistry) StorageTypes() []LogicalType {
	return []LogicalType{
		TypeString,
		TypeSmallInteger,
		TypeInteger,
		TypeBigInteger,
		TypeDecimal,
		TypeFloat,
		TypeBoolean,
		TypeDate,
		TypeDatetime,
		TypeJSON,
		TypeUUID,
		TypeForeignKeyUUID,
		TypeForeignKeyInt,
	}
}
