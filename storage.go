package eavkit

import (
	"context"
)

// Engine is the capability surface a host persistence layer invokes around
// its own save/find lifecycle for one bound host table.
type Engine interface {
	// BeforeSave buffers attribute-mapped field values off the record before
	// the host row is finalized for persistence.
	BeforeSave(ctx context.Context, rec *Record) error

	// AfterSave flushes buffered attribute values once the host row has been
	// persisted and a valid id exists. Any value-store failure is returned
	// immediately and must fail the enclosing save.
	AfterSave(ctx context.Context, rec *Record) error

	// DiscardBuffered releases values buffered by BeforeSave when the host
	// row save fails before AfterSave runs, restoring them onto the record.
	// Hosts must call either AfterSave or DiscardBuffered after every
	// BeforeSave, or the buffered values are retained for the engine's
	// lifetime.
	DiscardBuffered(rec *Record)

	// AfterFind merges fetched attribute values onto hydrated records. Each
	// mapped attribute surfaces as a same-named field, overriding any
	// same-named physical column.
	AfterFind(ctx context.Context, recs []*Record) error

	// AfterDelete removes attribute values owned by a host row that has just
	// been deleted.
	AfterDelete(ctx context.Context, rec *Record) error

	// RewriteQuery translates attribute-level filters, orderings and
	// projections on the query into SQL fragments for the host to splice
	// into its statement.
	RewriteQuery(ctx context.Context, q *HostQuery) error

	// Binding returns the host binding the engine was built for.
	Binding() HostBinding
}

// AttributeDirectory is the canonical registry of attribute name, id and
// logical type, plus attribute-set management.
type AttributeDirectory interface {
	// ResolveOrCreate looks an attribute up by unique name, creating it with
	// defaultType on first sight. Safe to race: a duplicate insert on the
	// unique name is re-read, not surfaced.
	ResolveOrCreate(ctx context.Context, name string, defaultType LogicalType) (int64, error)

	// ResolveName returns the attribute name for an id.
	ResolveName(ctx context.Context, attributeID int64) (string, error)

	Create(ctx context.Context, attr *Attribute) error
	Get(ctx context.Context, name string) (*Attribute, error)
	List(ctx context.Context, limit, offset int) ([]*Attribute, error)

	// Delete removes an attribute. Blocked with an AttributeInUseError while
	// any attribute-set membership references it.
	Delete(ctx context.Context, attributeID int64) error

	CreateSet(ctx context.Context, set *AttributeSet) error
	DeleteSet(ctx context.Context, setID int64) error
	AddToSet(ctx context.Context, setID, attributeID int64, position int) error
	RemoveFromSet(ctx context.Context, setID, attributeID int64) error
	SetMembers(ctx context.Context, setID int64) ([]AttributeSetMember, error)
}
