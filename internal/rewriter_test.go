package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfoundry/eavkit"
)

func tablesBinding() eavkit.HostBinding {
	return eavkit.HostBinding{
		Table:    "products",
		Mode:     eavkit.StorageModeTables,
		PKFamily: eavkit.PKFamilyUUID,
		Attributes: eavkit.AttributeMap{
			"color":      {DataType: eavkit.TypeString},
			"year_start": {DataType: eavkit.TypeInteger},
		},
	}
}

func jsonBinding() eavkit.HostBinding {
	return eavkit.HostBinding{
		Table:      "vehicles",
		Mode:       eavkit.StorageModeJSONColumn,
		PKFamily:   eavkit.PKFamilyUUID,
		JSONColumn: "dyn_fields",
		Attributes: eavkit.AttributeMap{
			"color":      {DataType: eavkit.TypeString},
			"trim":       {DataType: eavkit.TypeString},
			"year_start": {DataType: eavkit.TypeInteger},
		},
	}
}

func newTablesRewriter(t *testing.T) (*QueryRewriter, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	registry := eavkit.NewTypeRegistry()
	directory := NewPostgresAttributeDirectory(mock, registry, eavkit.DefaultTableNames())
	tableStore := NewTableValueStore(mock, registry, "eav_values", 500)
	return NewQueryRewriter(mock, tablesBinding(), directory, tableStore, nil, eavkit.TypeString), mock
}

func newJSONRewriter(t *testing.T) (*QueryRewriter, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	binding := jsonBinding()
	registry := eavkit.NewTypeRegistry()
	directory := NewPostgresAttributeDirectory(mock, registry, eavkit.DefaultTableNames())
	typeMap := make(map[string]eavkit.LogicalType)
	for field, spec := range binding.Attributes {
		typeMap[field] = spec.DataType
	}
	jsonStore := NewJSONColumnStore(binding.JSONColumn, registry, typeMap, nil)
	return NewQueryRewriter(mock, binding, directory, nil, jsonStore, eavkit.TypeString), mock
}

func TestBeforeSaveBuffersMappedFields(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	rec := &eavkit.Record{Fields: map[string]any{
		"name":  "roadster",
		"color": "red",
	}}
	require.NoError(t, rw.BeforeSave(ctx, rec))

	// The mapped field is pulled off the record so the host does not try to
	// persist it as a physical column.
	assert.NotContains(t, rec.Fields, "color")
	assert.Equal(t, "roadster", rec.Fields["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscardBufferedRestoresFields(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	rec := &eavkit.Record{Fields: map[string]any{
		"name":  "roadster",
		"color": "red",
	}}
	require.NoError(t, rw.BeforeSave(ctx, rec))
	require.NotContains(t, rec.Fields, "color")

	// The host row save failed; the stash goes back onto the record and the
	// rewriter holds nothing for it.
	rw.DiscardBuffered(rec)
	assert.Equal(t, "red", rec.Fields["color"])
	assert.Empty(t, rw.buffered)

	// Discarding an unbuffered record is a no-op.
	rw.DiscardBuffered(rec)
	rw.DiscardBuffered(nil)
	assert.Equal(t, "red", rec.Fields["color"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterSaveRequiresID(t *testing.T) {
	ctx := context.Background()
	rw, _ := newTablesRewriter(t)

	rec := &eavkit.Record{Fields: map[string]any{"color": "red"}}
	require.NoError(t, rw.BeforeSave(ctx, rec))

	err := rw.AfterSave(ctx, rec)
	require.Error(t, err)
}

func TestAfterSaveFlushesBufferedValues(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	uid := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	rec := &eavkit.Record{Fields: map[string]any{
		"name":       "roadster",
		"color":      "red",
		"year_start": 2012,
	}}
	require.NoError(t, rw.BeforeSave(ctx, rec))
	rec.EntityID = eavkit.UUIDEntityID(uid)

	// Fields flush in sorted order: color, then year_start. Each resolves
	// its attribute id and upserts into its type's side table.
	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("color").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`INSERT INTO "eav_values_string_uuid"`).
		WithArgs("products", uid, int64(7), "red", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("year_start").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec(`INSERT INTO "eav_values_integer_uuid"`).
		WithArgs("products", uid, int64(3), int64(2012), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, rw.AfterSave(ctx, rec))

	// Values are restored onto the record for the caller.
	assert.Equal(t, "red", rec.Fields["color"])
	assert.Equal(t, 2012, rec.Fields["year_start"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterSaveSkipsUnsetInTablesMode(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	rec := &eavkit.Record{Fields: map[string]any{"color": eavkit.Unset}}
	require.NoError(t, rw.BeforeSave(ctx, rec))
	rec.EntityID = eavkit.UUIDEntityID(uuid.New())

	require.NoError(t, rw.AfterSave(ctx, rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterSaveFailsFastOnPersistError(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	uid := uuid.New()
	rec := &eavkit.Record{Fields: map[string]any{
		"color":      "red",
		"year_start": 2012,
	}}
	require.NoError(t, rw.BeforeSave(ctx, rec))
	rec.EntityID = eavkit.UUIDEntityID(uid)

	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("color").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`INSERT INTO "eav_values_string_uuid"`).
		WithArgs("products", uid, int64(7), "red", pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	// year_start is never attempted, the enclosing save must fail.
	err := rw.AfterSave(ctx, rec)
	require.Error(t, err)
	assert.True(t, eavkit.IsValueStorePersistError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterSaveJSONModeSingleUpdate(t *testing.T) {
	ctx := context.Background()
	rw, mock := newJSONRewriter(t)

	uid := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	rec := &eavkit.Record{Fields: map[string]any{
		"color": "red",
		"trim":  eavkit.Unset,
	}}
	require.NoError(t, rw.BeforeSave(ctx, rec))
	rec.EntityID = eavkit.UUIDEntityID(uid)

	// One atomic statement rewrites the bundle: set color, remove trim.
	mock.ExpectExec(`UPDATE "vehicles" SET "dyn_fields" = `).
		WithArgs(`"red"`, uid).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, rw.AfterSave(ctx, rec))

	assert.Equal(t, "red", rec.Fields["color"])
	assert.NotContains(t, rec.Fields, "trim")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterFindMergesFetchedValues(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	recs := []*eavkit.Record{
		{EntityID: eavkit.UUIDEntityID(a), Fields: map[string]any{"name": "roadster", "color": "stale"}},
		{EntityID: eavkit.UUIDEntityID(b), Fields: map[string]any{"name": "wagon"}},
	}

	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("color").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("year_start").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))

	mock.ExpectQuery(`SELECT entity_id::text, attribute_id, value FROM "eav_values_integer_uuid"`).
		WithArgs("products", []uuid.UUID{a, b}, []int64{3}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "attribute_id", "value"}).
			AddRow(a.String(), int64(3), int32(2012)))
	mock.ExpectQuery(`SELECT entity_id::text, attribute_id, value FROM "eav_values_string_uuid"`).
		WithArgs("products", []uuid.UUID{a, b}, []int64{7}).
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "attribute_id", "value"}).
			AddRow(a.String(), int64(7), "red"))

	require.NoError(t, rw.AfterFind(ctx, recs))

	// Fetched attribute values override same-named stale columns.
	assert.Equal(t, "red", recs[0].Fields["color"])
	assert.Equal(t, int32(2012), recs[0].Fields["year_start"])
	assert.Equal(t, "roadster", recs[0].Fields["name"])

	// No value rows for the second record, its fields stay untouched.
	assert.NotContains(t, recs[1].Fields, "color")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterFindSkipsUnknownAttributes(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	a := uuid.New()
	recs := []*eavkit.Record{{EntityID: eavkit.UUIDEntityID(a), Fields: map[string]any{}}}

	// Neither attribute has ever been written; nothing is fetched.
	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("color").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("year_start").
		WillReturnError(pgx.ErrNoRows)

	require.NoError(t, rw.AfterFind(ctx, recs))
	assert.Empty(t, recs[0].Fields)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterFindJSONModeLiftsBundle(t *testing.T) {
	ctx := context.Background()
	rw, mock := newJSONRewriter(t)

	recs := []*eavkit.Record{{
		EntityID: eavkit.UUIDEntityID(uuid.New()),
		Fields: map[string]any{
			"dyn_fields": map[string]any{"color": "red", "unmapped": true},
		},
	}}

	require.NoError(t, rw.AfterFind(ctx, recs))
	assert.Equal(t, "red", recs[0].Fields["color"])
	assert.NotContains(t, recs[0].Fields, "unmapped")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterFindJSONModeDecodesRawBundle(t *testing.T) {
	ctx := context.Background()
	rw, _ := newJSONRewriter(t)

	recs := []*eavkit.Record{{
		EntityID: eavkit.UUIDEntityID(uuid.New()),
		Fields: map[string]any{
			"dyn_fields": []byte(`{"year_start": 2012}`),
		},
	}}

	require.NoError(t, rw.AfterFind(ctx, recs))
	assert.Equal(t, float64(2012), recs[0].Fields["year_start"])
}

func TestAfterDeleteSweepsTables(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	uid := uuid.New()
	registry := eavkit.NewTypeRegistry()
	for _, typ := range registry.StorageTypes() {
		mock.ExpectExec(`DELETE FROM "eav_values_` + string(typ) + `_uuid"`).
			WithArgs("products", uid).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}

	require.NoError(t, rw.AfterDelete(ctx, &eavkit.Record{EntityID: eavkit.UUIDEntityID(uid)}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAfterDeleteJSONModeNoop(t *testing.T) {
	ctx := context.Background()
	rw, mock := newJSONRewriter(t)

	require.NoError(t, rw.AfterDelete(ctx, &eavkit.Record{EntityID: eavkit.UUIDEntityID(uuid.New())}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRewriteQueryTablesMode(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("color").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	q := &eavkit.HostQuery{
		Filters: []eavkit.AttributeFilter{{Field: "color", Operator: eavkit.OpEquals, Value: "red"}},
	}
	require.NoError(t, rw.RewriteQuery(ctx, q))

	assert.Equal(t, "products", q.Table)
	require.Len(t, q.WhereSQL, 1)
	assert.Equal(t,
		`EXISTS (SELECT 1 FROM "eav_values_string_uuid" v WHERE v.entity_table = $1 AND v.attribute_id = $2 AND v.entity_id = "products"."id" AND v.value = $3)`,
		q.WhereSQL[0].SQL)
	assert.Equal(t, []any{"products", int64(7), "red"}, q.WhereSQL[0].Args)
	assert.Equal(t, 4, q.ParamIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRewriteQueryTablesModeOrdering(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("year_start").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))

	q := &eavkit.HostQuery{
		HostAlias: "p",
		Orderings: []eavkit.AttributeOrdering{{Field: "year_start", Order: eavkit.SortOrderDesc}},
	}
	require.NoError(t, rw.RewriteQuery(ctx, q))

	require.Len(t, q.OrderSQL, 1)
	assert.Equal(t,
		`(SELECT v.value FROM "eav_values_integer_uuid" v WHERE v.entity_table = 'products' AND v.attribute_id = 3 AND v.entity_id = "p"."id") DESC NULLS LAST`,
		q.OrderSQL[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRewriteQueryRejectsUnmappedField(t *testing.T) {
	ctx := context.Background()
	rw, _ := newTablesRewriter(t)

	q := &eavkit.HostQuery{
		Filters: []eavkit.AttributeFilter{{Field: "weight", Operator: eavkit.OpEquals, Value: 1}},
	}
	err := rw.RewriteQuery(ctx, q)
	require.Error(t, err)

	var ee *eavkit.EavError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, eavkit.ErrCodeInvalidFilter, ee.Code)
}

func TestRewriteQueryNeverWrittenAttribute(t *testing.T) {
	ctx := context.Background()
	rw, mock := newTablesRewriter(t)

	// No entity can carry a value for an attribute that does not exist, so
	// positive filters match nothing and absence filters match everything.
	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("color").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM "eav_attributes"`).
		WithArgs("year_start").
		WillReturnError(pgx.ErrNoRows)

	q := &eavkit.HostQuery{
		Filters: []eavkit.AttributeFilter{
			{Field: "color", Operator: eavkit.OpEquals, Value: "red"},
			{Field: "year_start", Operator: eavkit.OpIsNull},
		},
	}
	require.NoError(t, rw.RewriteQuery(ctx, q))

	require.Len(t, q.WhereSQL, 1)
	assert.Equal(t, "FALSE", q.WhereSQL[0].SQL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRewriteQueryJSONMode(t *testing.T) {
	ctx := context.Background()
	rw, mock := newJSONRewriter(t)

	q := &eavkit.HostQuery{
		HostAlias:   "v",
		Projections: []string{"year_start"},
		Filters:     []eavkit.AttributeFilter{{Field: "year_start", Operator: eavkit.OpGreaterEq, Value: 2010}},
		Orderings:   []eavkit.AttributeOrdering{{Field: "year_start", Order: eavkit.SortOrderDesc}},
	}
	require.NoError(t, rw.RewriteQuery(ctx, q))

	require.Len(t, q.SelectSQL, 1)
	assert.Equal(t, `("v"."dyn_fields"->>'year_start')::bigint AS "year_start"`, q.SelectSQL[0])

	require.Len(t, q.WhereSQL, 1)
	assert.Equal(t, `("v"."dyn_fields"->>'year_start')::bigint >= $1`, q.WhereSQL[0].SQL)
	assert.Equal(t, []any{int64(2010)}, q.WhereSQL[0].Args)

	require.Len(t, q.OrderSQL, 1)
	assert.Equal(t, `("v"."dyn_fields"->>'year_start')::bigint DESC NULLS LAST`, q.OrderSQL[0])
	require.NoError(t, mock.ExpectationsWereMet())
}
