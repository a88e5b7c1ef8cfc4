package internal

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfoundry/eavkit"
)

func newTestProvisioner(t *testing.T) (*SchemaProvisioner, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewSchemaProvisioner(mock, eavkit.NewTypeRegistry(), eavkit.DefaultTableNames()), mock
}

func TestDirectoryDDL(t *testing.T) {
	prov, _ := newTestProvisioner(t)

	ddl := prov.DirectoryDDL()
	require.Len(t, ddl, 4)

	assert.Contains(t, ddl[0], `CREATE TABLE IF NOT EXISTS "eav_attributes"`)
	assert.Contains(t, ddl[0], "VARCHAR(255) NOT NULL UNIQUE")
	assert.Contains(t, ddl[1], `CREATE TABLE IF NOT EXISTS "eav_attribute_sets"`)
	assert.Contains(t, ddl[2], `CREATE TABLE IF NOT EXISTS "eav_attribute_set_members"`)
	assert.Contains(t, ddl[2], "ON DELETE CASCADE")
	assert.Contains(t, ddl[2], "PRIMARY KEY (attribute_set_id, attribute_id)")
	assert.Contains(t, ddl[3], "CREATE INDEX IF NOT EXISTS")
}

func TestValueTableDDL(t *testing.T) {
	prov, _ := newTestProvisioner(t)

	stmts, err := prov.ValueTableDDL(eavkit.TypeString, eavkit.PKFamilyUUID)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "eav_values_string_uuid"`)
	assert.Contains(t, stmts[0], "UUID NOT NULL")
	assert.Contains(t, stmts[0], "VARCHAR(1024)")
	assert.Contains(t, stmts[0], "UNIQUE (entity_table, entity_id, attribute_id)")
	assert.Contains(t, stmts[1], "(entity_table, attribute_id, value)")

	// Deleting an attribute must take its value rows with it, or the guard's
	// membership check alone would not be enough to let the delete through.
	assert.Contains(t, stmts[0], `REFERENCES "eav_attributes" (id) ON DELETE CASCADE`)

	stmts, err = prov.ValueTableDDL(eavkit.TypeDecimal, eavkit.PKFamilyInt)
	require.NoError(t, err)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "eav_values_decimal_int"`)
	assert.Contains(t, stmts[0], "entity_int_id")
	assert.Contains(t, stmts[0], "NUMERIC(18,6)")

	_, err = prov.ValueTableDDL(eavkit.TypeForeignKey, eavkit.PKFamilyUUID)
	require.Error(t, err)
	assert.True(t, eavkit.IsUnsupportedTypeError(err))
}

func TestProvisionExecutesAllStatements(t *testing.T) {
	ctx := context.Background()
	prov, mock := newTestProvisioner(t)

	// Directory DDL plus table and index per (type, family) pair.
	registry := eavkit.NewTypeRegistry()
	total := 4 + 2*2*len(registry.StorageTypes())
	for i := 0; i < total; i++ {
		mock.ExpectExec(`CREATE`).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, prov.Provision(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDescribeTable(t *testing.T) {
	ctx := context.Background()
	prov, mock := newTestProvisioner(t)

	mock.ExpectQuery(`SELECT column_name, data_type, is_nullable`).
		WithArgs("eav_attributes").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("label", "character varying", "YES"))

	cols, err := prov.DescribeTable(ctx, "eav_attributes")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "id", cols[0].Name)
	assert.False(t, cols[0].Nullable)
	assert.True(t, cols[1].Nullable)

	mock.ExpectQuery(`SELECT column_name, data_type, is_nullable`).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type", "is_nullable"}))

	_, err = prov.DescribeTable(ctx, "nope")
	require.Error(t, err)
	assert.True(t, eavkit.IsNotFoundError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSuggestDescriptor(t *testing.T) {
	ctx := context.Background()
	prov, mock := newTestProvisioner(t)

	mock.ExpectQuery(`SELECT column_name, data_type, is_nullable`).
		WithArgs("vehicles").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "uuid", "NO").
			AddRow("name", "character varying", "YES").
			AddRow("dyn_fields", "jsonb", "YES"))

	desc, err := prov.SuggestDescriptor(ctx, "vehicles", "")
	require.NoError(t, err)
	assert.Equal(t, eavkit.PKFamilyUUID, desc.PKType)
	assert.Equal(t, eavkit.StorageModeJSONColumn, desc.StorageDefault)
	assert.Equal(t, "dyn_fields", desc.JSONColumn)

	mock.ExpectQuery(`SELECT column_name, data_type, is_nullable`).
		WithArgs("legacy").
		WillReturnRows(pgxmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("title", "text", "YES"))

	desc, err = prov.SuggestDescriptor(ctx, "legacy", "id")
	require.NoError(t, err)
	assert.Equal(t, eavkit.PKFamilyInt, desc.PKType)
	assert.Equal(t, eavkit.StorageModeTables, desc.StorageDefault)
	require.NoError(t, mock.ExpectationsWereMet())
}
