package eavkit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StorageMode selects how dynamic attribute values are persisted for a host
// table: dedicated per-type side tables, or a single JSONB column on the host
// table itself.
type StorageMode string

const (
	StorageModeTables     StorageMode = "tables"
	StorageModeJSONColumn StorageMode = "json_column"
)

// PKFamily identifies the primary-key shape of a host table. It decides which
// set of value tables is used in tables mode and how entity ids are bound.
type PKFamily string

const (
	PKFamilyUUID PKFamily = "uuid"
	PKFamilyInt  PKFamily = "int"
)

// EntityID is a host-row identifier of either primary-key family.
type EntityID struct {
	family PKFamily
	uuidID uuid.UUID
	intID  int64
}

// UUIDEntityID wraps a uuid primary key.
func UUIDEntityID(id uuid.UUID) EntityID {
	return EntityID{family: PKFamilyUUID, uuidID: id}
}

// IntEntityID wraps an integer primary key.
func IntEntityID(id int64) EntityID {
	return EntityID{family: PKFamilyInt, intID: id}
}

// Family returns the primary-key family of the id.
func (e EntityID) Family() PKFamily { return e.family }

// UUID returns the uuid form of the id. Valid only for PKFamilyUUID.
func (e EntityID) UUID() uuid.UUID { return e.uuidID }

// Int returns the integer form of the id. Valid only for PKFamilyInt.
func (e EntityID) Int() int64 { return e.intID }

// Value returns the id in the representation used for query binding.
func (e EntityID) Value() any {
	if e.family == PKFamilyInt {
		return e.intID
	}
	return e.uuidID
}

// IsZero reports whether the id has never been assigned.
func (e EntityID) IsZero() bool {
	return e.family == "" || (e.family == PKFamilyUUID && e.uuidID == uuid.Nil)
}

func (e EntityID) String() string {
	if e.family == PKFamilyInt {
		return fmt.Sprintf("%d", e.intID)
	}
	return e.uuidID.String()
}

// Operator defines supported attribute filter operations.
type Operator string

const (
	OpEquals    Operator = "eq"
	OpNotEquals Operator = "neq"
	OpGreater   Operator = "gt"
	OpGreaterEq Operator = "gte"
	OpLess      Operator = "lt"
	OpLessEq    Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpLike      Operator = "like"
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
)

// SortOrder defines sort direction.
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// Attribute is a directory record: a named, typed dynamic field independent
// of any one host table's schema.
type Attribute struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	Label    string         `json:"label,omitempty"`
	DataType LogicalType    `json:"data_type"`
	Options  map[string]any `json:"options,omitempty"`
	Created  time.Time      `json:"created"`
	Modified time.Time      `json:"modified"`
}

// AttributeSet is a named grouping of attributes used for display purposes.
// It has no bearing on value storage.
type AttributeSet struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// AttributeSetMember links an attribute into a set with a display position.
type AttributeSetMember struct {
	AttributeSetID int64 `json:"attribute_set_id"`
	AttributeID    int64 `json:"attribute_id"`
	Position       int   `json:"position"`
}

// EntityDescriptor describes how a host table participates in EAV storage.
// It is metadata consumed by scaffolding tooling; the runtime query path
// receives equivalent configuration through HostBinding.
type EntityDescriptor struct {
	Name           string      `json:"name"`
	ModelAlias     string      `json:"model_alias,omitempty"`
	TableName      string      `json:"table_name"`
	StorageDefault StorageMode `json:"storage_default"`
	JSONColumn     string      `json:"json_column,omitempty"`
	PKType         PKFamily    `json:"pk_type"`
	UUIDSubtype    string      `json:"uuid_subtype,omitempty"`
}

// FieldSpec declares how one host-record field maps into EAV storage.
type FieldSpec struct {
	AttributeName string      `json:"attribute_name"`
	DataType      LogicalType `json:"data_type"`
}

// AttributeMap maps host-record field names to their EAV specs.
type AttributeMap map[string]FieldSpec

// HostBinding carries the runtime configuration for one host table.
type HostBinding struct {
	Table      string       `json:"table"`
	Mode       StorageMode  `json:"mode"`
	PKFamily   PKFamily     `json:"pk_family"`
	IDColumn   string       `json:"id_column"`             // host primary-key column, default "id"
	JSONColumn string       `json:"json_column,omitempty"` // required for StorageModeJSONColumn
	Attributes AttributeMap `json:"attributes"`
}

// Record is the in-memory view of a host row as seen by the save/find hooks.
// Fields holds both physical columns and mapped attribute values; mapped
// attributes override same-named physical columns after AfterFind.
type Record struct {
	EntityID EntityID
	Fields   map[string]any
}

// unsetValue is the sentinel marking a field as deliberately absent.
type unsetValue struct{}

// Unset marks a mapped field for skipping (tables mode) or key removal
// (json column mode) during save.
var Unset unsetValue

// IsUnset reports whether v is the Unset sentinel or nil.
func IsUnset(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(unsetValue)
	return ok
}

// AttributeFilter is one attribute-level predicate requested on a host query.
type AttributeFilter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// AttributeOrdering is one attribute-level ordering requested on a host query.
type AttributeOrdering struct {
	Field string    `json:"field"`
	Order SortOrder `json:"order"`
}

// Predicate is a generated SQL fragment together with its bound arguments.
type Predicate struct {
	SQL  string
	Args []any
}

// HostQuery is the exchange structure between the host query layer and the
// query rewriter. The host fills Table, Filters, Orderings and Projections
// plus the next free placeholder index; RewriteQuery appends SQL fragments
// for the host to splice into its statement.
type HostQuery struct {
	Table       string
	HostAlias   string // optional alias the host uses for its table
	Filters     []AttributeFilter
	Orderings   []AttributeOrdering
	Projections []string // attribute field names to project (json column mode)

	// ParamIndex is the next free $N placeholder; RewriteQuery advances it.
	ParamIndex int

	// Output, filled by RewriteQuery.
	SelectSQL []string
	WhereSQL  []Predicate
	OrderSQL  []string
}

// NextParam returns the current placeholder index and advances it.
func (q *HostQuery) NextParam() int {
	if q.ParamIndex <= 0 {
		q.ParamIndex = 1
	}
	n := q.ParamIndex
	q.ParamIndex++
	return n
}
