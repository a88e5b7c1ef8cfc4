package internal

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/openfoundry/eavkit"
)

// SchemaProvisioner creates and inspects the persisted layout: the attribute
// directory tables and one value table per (logical type, pk family) pair.
// All DDL is idempotent so Provision can run on every deploy.
type SchemaProvisioner struct {
	pool     dbPool
	registry *eavkit.TypeRegistry
	tables   eavkit.TableNames
}

// NewSchemaProvisioner creates a provisioner over the configured table names.
func NewSchemaProvisioner(pool dbPool, registry *eavkit.TypeRegistry, tables eavkit.TableNames) *SchemaProvisioner {
	return &SchemaProvisioner{pool: pool, registry: registry, tables: tables}
}

// DirectoryDDL returns the statements creating the attribute directory:
// attributes, attribute sets and the membership join table. Membership rows
// cascade with their set, but attribute deletion is guarded in the directory
// layer, so attribute_id carries a plain reference.
func (p *SchemaProvisioner) DirectoryDDL() []string {
	attrs := sanitizeIdentifier(p.tables.Attributes)
	sets := sanitizeIdentifier(p.tables.AttributeSets)
	members := sanitizeIdentifier(p.tables.AttributeSetMembers)

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         BIGSERIAL PRIMARY KEY,
			name       VARCHAR(255) NOT NULL UNIQUE,
			label      VARCHAR(255),
			data_type  VARCHAR(32) NOT NULL,
			options    JSONB,
			created    TIMESTAMPTZ NOT NULL,
			modified   TIMESTAMPTZ NOT NULL
		)`, attrs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        BIGSERIAL PRIMARY KEY,
			name      VARCHAR(255) NOT NULL UNIQUE,
			created   TIMESTAMPTZ NOT NULL,
			modified  TIMESTAMPTZ NOT NULL
		)`, sets),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			attribute_set_id  BIGINT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
			attribute_id      BIGINT NOT NULL REFERENCES %s (id),
			position          INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (attribute_set_id, attribute_id)
		)`, members, sets, attrs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (attribute_id)`,
			sanitizeIdentifier(indexName(p.tables.AttributeSetMembers, "attribute")), members),
	}
}

// ValueTableDDL returns the statements creating one value table plus its
// lookup index. The unique constraint over the natural key backs the upsert's
// ON CONFLICT target.
func (p *SchemaProvisioner) ValueTableDDL(t eavkit.LogicalType, fam eavkit.PKFamily) ([]string, error) {
	spec, ok := p.registry.ColumnSpec(t)
	if !ok {
		return nil, eavkit.NewUnsupportedTypeError(string(t))
	}

	name := fmt.Sprintf("%s_%s_%s", p.tables.ValueTablePrefix, t, familySuffix(fam))
	table := sanitizeIdentifier(name)
	idCol := idColumn(fam)
	idType := "UUID"
	if fam == eavkit.PKFamilyInt {
		idType = "BIGINT"
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id            BIGSERIAL PRIMARY KEY,
		entity_table  VARCHAR(255) NOT NULL,
		%s            %s NOT NULL,
		attribute_id  BIGINT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
		value         %s,
		created       TIMESTAMPTZ NOT NULL,
		modified      TIMESTAMPTZ NOT NULL,
		UNIQUE (entity_table, %s, attribute_id)
	)`, table, idCol, idType, sanitizeIdentifier(p.tables.Attributes), strings.ToUpper(spec.SQLType()), idCol)

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (entity_table, attribute_id, value)`,
		sanitizeIdentifier(indexName(name, "lookup")), table)

	return []string{ddl, idx}, nil
}

// Provision creates the directory tables and every value table of both pk
// families.
func (p *SchemaProvisioner) Provision(ctx context.Context) error {
	statements := p.DirectoryDDL()
	for _, fam := range []eavkit.PKFamily{eavkit.PKFamilyUUID, eavkit.PKFamilyInt} {
		for _, t := range p.registry.StorageTypes() {
			ddl, err := p.ValueTableDDL(t, fam)
			if err != nil {
				return err
			}
			statements = append(statements, ddl...)
		}
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("provision schema: %w", err)
		}
	}
	zap.S().Infow("schema provisioned",
		"attributes", p.tables.Attributes, "value_prefix", p.tables.ValueTablePrefix)
	return nil
}

// ListTables returns the names of the directory and value tables that exist
// in the public schema, sorted.
func (p *SchemaProvisioner) ListTables(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND (table_name = ANY($1) OR table_name LIKE $2)`,
		[]string{p.tables.Attributes, p.tables.AttributeSets, p.tables.AttributeSetMembers},
		p.tables.ValueTablePrefix+"\\_%",
	)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ColumnInfo describes one physical column of a provisioned table.
type ColumnInfo struct {
	Name     string
	DataType string
	Nullable bool
}

// DescribeTable returns the column layout of a table in ordinal order.
func (p *SchemaProvisioner) DescribeTable(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := p.pool.Query(ctx, `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			col      ColumnInfo
			nullable string
		)
		if err := rows.Scan(&col.Name, &col.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.Nullable = nullable == "YES"
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, eavkit.NewEavError(eavkit.ErrorTypeNotFound, eavkit.ErrCodeQueryFailed,
			fmt.Sprintf("table %q does not exist", table))
	}
	return cols, nil
}

// SuggestDescriptor inspects a host table and proposes an entity descriptor
// for it: pk family from the id column type, json column mode when a JSONB
// column is present.
func (p *SchemaProvisioner) SuggestDescriptor(ctx context.Context, table, idCol string) (eavkit.EntityDescriptor, error) {
	if idCol == "" {
		idCol = "id"
	}
	cols, err := p.DescribeTable(ctx, table)
	if err != nil {
		return eavkit.EntityDescriptor{}, err
	}

	desc := eavkit.EntityDescriptor{
		Name:           table,
		TableName:      table,
		StorageDefault: eavkit.StorageModeTables,
		PKType:         eavkit.PKFamilyUUID,
	}
	for _, col := range cols {
		if col.Name == idCol && col.DataType != "uuid" {
			desc.PKType = eavkit.PKFamilyInt
		}
		if col.DataType == "jsonb" && desc.JSONColumn == "" && col.Name != idCol {
			desc.StorageDefault = eavkit.StorageModeJSONColumn
			desc.JSONColumn = col.Name
		}
	}
	return desc, nil
}

func indexName(table, suffix string) string {
	base := strings.ReplaceAll(table, ".", "_")
	return fmt.Sprintf("%s_%s_idx", base, suffix)
}
