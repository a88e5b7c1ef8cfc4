package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openfoundry/eavkit"
)

// QueryRewriter is the decorator a host persistence layer wraps around one
// bound host table. It translates attribute-level operations into value-store
// calls and SQL fragments, and merges fetched values back onto hydrated
// records.
type QueryRewriter struct {
	pool        dbPool
	binding     eavkit.HostBinding
	directory   *PostgresAttributeDirectory
	tableStore  *TableValueStore
	jsonStore   *JSONColumnStore
	defaultType eavkit.LogicalType

	mu       sync.Mutex
	buffered map[*eavkit.Record]map[string]any
}

// NewQueryRewriter wires a rewriter for one host binding. tableStore and
// jsonStore may each be nil when the binding's mode does not need them.
func NewQueryRewriter(pool dbPool, binding eavkit.HostBinding, directory *PostgresAttributeDirectory, tableStore *TableValueStore, jsonStore *JSONColumnStore, defaultType eavkit.LogicalType) *QueryRewriter {
	if binding.IDColumn == "" {
		binding.IDColumn = "id"
	}
	if defaultType == "" {
		defaultType = eavkit.TypeString
	}
	return &QueryRewriter{
		pool:        pool,
		binding:     binding,
		directory:   directory,
		tableStore:  tableStore,
		jsonStore:   jsonStore,
		defaultType: defaultType,
		buffered:    make(map[*eavkit.Record]map[string]any),
	}
}

// Binding returns the host binding the rewriter was built for.
func (r *QueryRewriter) Binding() eavkit.HostBinding {
	return r.binding
}

func (r *QueryRewriter) attributeName(field string) string {
	if spec, ok := r.binding.Attributes[field]; ok && spec.AttributeName != "" {
		return spec.AttributeName
	}
	return field
}

func (r *QueryRewriter) fieldType(field string) eavkit.LogicalType {
	if spec, ok := r.binding.Attributes[field]; ok && spec.DataType != "" {
		return spec.DataType
	}
	return r.defaultType
}

func (r *QueryRewriter) sortedFields() []string {
	fields := make([]string, 0, len(r.binding.Attributes))
	for f := range r.binding.Attributes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// BeforeSave pulls attribute-mapped field values off the record and buffers
// them, so the host does not try to persist them as physical columns.
func (r *QueryRewriter) BeforeSave(ctx context.Context, rec *eavkit.Record) error {
	if rec == nil || rec.Fields == nil {
		return nil
	}
	stash := make(map[string]any)
	for field := range r.binding.Attributes {
		if value, ok := rec.Fields[field]; ok {
			stash[field] = value
			delete(rec.Fields, field)
		}
	}
	if len(stash) == 0 {
		return nil
	}

	r.mu.Lock()
	r.buffered[rec] = stash
	r.mu.Unlock()
	return nil
}

// DiscardBuffered releases the stash BeforeSave took off the record when the
// host row save failed in between, restoring the fields so the caller can
// retry or inspect them.
func (r *QueryRewriter) DiscardBuffered(rec *eavkit.Record) {
	if rec == nil {
		return
	}
	r.mu.Lock()
	stash := r.buffered[rec]
	delete(r.buffered, rec)
	r.mu.Unlock()

	if len(stash) == 0 {
		return
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	for field, value := range stash {
		rec.Fields[field] = value
	}
}

// AfterSave flushes buffered attribute values now that the host row is
// persisted and carries a valid id. Falls back to whatever is currently set
// on the record for fields that were never buffered. Any value-store failure
// is returned immediately; remaining attributes are not processed and the
// enclosing save must fail.
func (r *QueryRewriter) AfterSave(ctx context.Context, rec *eavkit.Record) error {
	if rec == nil {
		return nil
	}
	if rec.EntityID.IsZero() {
		return eavkit.NewEavError(eavkit.ErrorTypeValidation, eavkit.ErrCodeQueryFailed,
			"record has no id; AfterSave must run after the host row is persisted")
	}

	r.mu.Lock()
	stash := r.buffered[rec]
	delete(r.buffered, rec)
	r.mu.Unlock()

	switch r.binding.Mode {
	case eavkit.StorageModeJSONColumn:
		return r.flushJSON(ctx, rec, stash)
	default:
		return r.flushTables(ctx, rec, stash)
	}
}

func (r *QueryRewriter) flushTables(ctx context.Context, rec *eavkit.Record, stash map[string]any) error {
	for _, field := range r.sortedFields() {
		value, ok := stash[field]
		if !ok {
			value, ok = rec.Fields[field]
		}
		if !ok || eavkit.IsUnset(value) {
			continue
		}

		name := r.attributeName(field)
		attrID, err := r.directory.ResolveOrCreate(ctx, name, r.fieldType(field))
		if err != nil {
			return eavkit.NewValueStorePersistError(r.binding.Table, name, err)
		}
		if err := r.tableStore.Upsert(ctx, r.binding.Table, rec.EntityID, attrID, r.fieldType(field), value); err != nil {
			return eavkit.NewValueStorePersistError(r.binding.Table, name, err)
		}

		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		rec.Fields[field] = value
	}
	return nil
}

func (r *QueryRewriter) flushJSON(ctx context.Context, rec *eavkit.Record, stash map[string]any) error {
	changes := make(map[string]any)
	for _, field := range r.sortedFields() {
		value, ok := stash[field]
		if !ok {
			value, ok = rec.Fields[field]
		}
		if !ok {
			continue
		}
		changes[r.attributeName(field)] = value

		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		if eavkit.IsUnset(value) {
			delete(rec.Fields, field)
		} else {
			rec.Fields[field] = value
		}
	}
	if len(changes) == 0 {
		return nil
	}

	param := 0
	next := func() int { param++; return param }
	bundleExpr, args, err := r.jsonStore.BuildBundleUpdate("", changes, next)
	if err != nil {
		return eavkit.NewValueStorePersistError(r.binding.Table, r.binding.JSONColumn, err)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s = %s WHERE %s = $%d",
		sanitizeIdentifier(r.binding.Table),
		sanitizeIdentifier(r.binding.JSONColumn),
		bundleExpr,
		sanitizeIdentifier(r.binding.IDColumn),
		next(),
	)
	args = append(args, rec.EntityID.Value())
	zap.S().Debugw("flush json bundle", "table", r.binding.Table, "keys", len(changes))

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return eavkit.NewValueStorePersistError(r.binding.Table, r.binding.JSONColumn, err)
	}
	return nil
}

// AfterFind merges fetched attribute values onto hydrated records. Mapped
// attributes surface as same-named fields, overriding same-named physical
// columns, since the side store is authoritative for a mapped field.
func (r *QueryRewriter) AfterFind(ctx context.Context, recs []*eavkit.Record) error {
	if len(recs) == 0 || len(r.binding.Attributes) == 0 {
		return nil
	}
	if r.binding.Mode == eavkit.StorageModeJSONColumn {
		return r.mergeJSON(recs)
	}
	return r.mergeTables(ctx, recs)
}

func (r *QueryRewriter) mergeTables(ctx context.Context, recs []*eavkit.Record) error {
	ids := make([]eavkit.EntityID, 0, len(recs))
	for _, rec := range recs {
		if rec != nil && !rec.EntityID.IsZero() {
			ids = append(ids, rec.EntityID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	idsByField := make(map[string]int64)
	specs := make(map[string]eavkit.FieldSpec, len(r.binding.Attributes))
	for _, field := range r.sortedFields() {
		specs[field] = eavkit.FieldSpec{
			AttributeName: r.attributeName(field),
			DataType:      r.fieldType(field),
		}
		attrID, err := r.directory.lookupID(ctx, r.attributeName(field))
		if err != nil {
			if eavkit.IsNotFoundError(err) {
				// Never written; no values to merge.
				continue
			}
			return err
		}
		idsByField[field] = attrID
	}
	if len(idsByField) == 0 {
		return nil
	}

	fetched, err := r.tableStore.BatchFetch(ctx, r.binding.Table, ids, specs, idsByField)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if rec == nil || rec.EntityID.IsZero() {
			continue
		}
		values, ok := fetched[rec.EntityID.String()]
		if !ok {
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		for field, value := range values {
			rec.Fields[field] = value
		}
	}
	return nil
}

// mergeJSON lifts mapped keys out of a fetched bundle column onto the record
// fields. Projection fragments from RewriteQuery already surface attributes
// as columns; this covers hosts that select the raw bundle instead.
func (r *QueryRewriter) mergeJSON(recs []*eavkit.Record) error {
	for _, rec := range recs {
		if rec == nil || rec.Fields == nil {
			continue
		}
		raw, ok := rec.Fields[r.binding.JSONColumn]
		if !ok || raw == nil {
			continue
		}

		var bundle map[string]any
		switch v := raw.(type) {
		case map[string]any:
			bundle = v
		case []byte:
			if err := json.Unmarshal(v, &bundle); err != nil {
				return fmt.Errorf("decode json bundle: %w", err)
			}
		case string:
			if err := json.Unmarshal([]byte(v), &bundle); err != nil {
				return fmt.Errorf("decode json bundle: %w", err)
			}
		default:
			continue
		}

		for field := range r.binding.Attributes {
			if value, ok := bundle[r.attributeName(field)]; ok {
				rec.Fields[field] = value
			}
		}
	}
	return nil
}

// AfterDelete removes the attribute values owned by a deleted host row. In
// json column mode the bundle dies with the row, so only tables mode sweeps.
func (r *QueryRewriter) AfterDelete(ctx context.Context, rec *eavkit.Record) error {
	if rec == nil || rec.EntityID.IsZero() {
		return nil
	}
	if r.binding.Mode == eavkit.StorageModeJSONColumn {
		return nil
	}
	return r.tableStore.DeleteEntity(ctx, r.binding.Table, rec.EntityID)
}

// RewriteQuery translates attribute-level filters, orderings and projections
// into SQL fragments appended to the query.
func (r *QueryRewriter) RewriteQuery(ctx context.Context, q *eavkit.HostQuery) error {
	if q == nil {
		return nil
	}
	if q.Table == "" {
		q.Table = r.binding.Table
	}
	if r.binding.Mode == eavkit.StorageModeJSONColumn {
		return r.rewriteJSON(ctx, q)
	}
	return r.rewriteTables(ctx, q)
}

func (r *QueryRewriter) hostRef(q *eavkit.HostQuery) string {
	base := q.HostAlias
	if base == "" {
		base = q.Table
	}
	return sanitizeIdentifier(base) + "." + sanitizeIdentifier(r.binding.IDColumn)
}

func (r *QueryRewriter) rewriteTables(ctx context.Context, q *eavkit.HostQuery) error {
	hostRef := r.hostRef(q)

	for _, filter := range q.Filters {
		if _, ok := r.binding.Attributes[filter.Field]; !ok {
			return eavkit.NewEavError(eavkit.ErrorTypeValidation, eavkit.ErrCodeInvalidFilter,
				fmt.Sprintf("field %q is not attribute-mapped", filter.Field)).WithField(filter.Field)
		}
		name := r.attributeName(filter.Field)
		attrID, err := r.directory.lookupID(ctx, name)
		if err != nil {
			if eavkit.IsNotFoundError(err) {
				// The attribute was never written anywhere: every entity
				// lacks it, so absence checks match all rows and everything
				// else matches none.
				if filter.Operator != eavkit.OpIsNull {
					q.WhereSQL = append(q.WhereSQL, eavkit.Predicate{SQL: "FALSE"})
				}
				continue
			}
			return err
		}

		pred, err := r.tableStore.FilterPredicate(r.binding.Table, r.binding.PKFamily, hostRef, attrID, r.fieldType(filter.Field), filter.Operator, filter.Value, q.NextParam)
		if err != nil {
			return err
		}
		q.WhereSQL = append(q.WhereSQL, pred)
	}

	for _, ordering := range q.Orderings {
		if _, ok := r.binding.Attributes[ordering.Field]; !ok {
			return eavkit.NewEavError(eavkit.ErrorTypeValidation, eavkit.ErrCodeInvalidFilter,
				fmt.Sprintf("field %q is not attribute-mapped", ordering.Field)).WithField(ordering.Field)
		}
		name := r.attributeName(ordering.Field)
		attrID, err := r.directory.lookupID(ctx, name)
		if err != nil {
			if eavkit.IsNotFoundError(err) {
				continue
			}
			return err
		}

		frag, err := r.tableStore.OrderFragment(r.binding.Table, r.binding.PKFamily, hostRef, attrID, r.fieldType(ordering.Field), ordering.Order)
		if err != nil {
			return err
		}
		q.OrderSQL = append(q.OrderSQL, frag)
	}
	return nil
}

func (r *QueryRewriter) rewriteJSON(ctx context.Context, q *eavkit.HostQuery) error {
	for _, field := range q.Projections {
		name := r.attributeName(field)
		t := r.resolveJSONType(ctx, field, name, nil)
		frag, err := r.jsonStore.BuildProjection(q.HostAlias, name, t)
		if err != nil {
			return err
		}
		q.SelectSQL = append(q.SelectSQL, frag)
	}

	for _, filter := range q.Filters {
		name := r.attributeName(filter.Field)
		t := r.resolveJSONType(ctx, filter.Field, name, filter.Value)
		pred, err := r.jsonStore.BuildPredicate(q.HostAlias, name, filter.Operator, filter.Value, t, q.NextParam)
		if err != nil {
			return err
		}
		q.WhereSQL = append(q.WhereSQL, pred)
	}

	for _, ordering := range q.Orderings {
		name := r.attributeName(ordering.Field)
		t := r.resolveJSONType(ctx, ordering.Field, name, nil)
		frag, err := r.jsonStore.BuildOrder(q.HostAlias, name, ordering.Order, t)
		if err != nil {
			return err
		}
		q.OrderSQL = append(q.OrderSQL, frag)
	}
	return nil
}

func (r *QueryRewriter) resolveJSONType(ctx context.Context, field, name string, literal any) eavkit.LogicalType {
	if spec, ok := r.binding.Attributes[field]; ok && spec.DataType != "" {
		return spec.DataType
	}
	return r.jsonStore.ResolveType(ctx, name, literal)
}
