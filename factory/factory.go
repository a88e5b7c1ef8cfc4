package factory

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openfoundry/eavkit"
	"github.com/openfoundry/eavkit/internal"
)

// NewEngineWithConfig creates the attribute engine for one host binding,
// backed by the provided connection pool. This is the primary way for
// external projects to wire the library.
//
// The directory tables must already exist; run the init-db tool or
// ProvisionSchema first. Value tables for tables-mode bindings are verified
// too, since a binding that lazily discovers a missing table only fails on
// first write.
//
// Usage:
//
//	config := eavkit.DefaultConfig()
//	binding := eavkit.HostBinding{
//	    Table: "products",
//	    Mode:  eavkit.StorageModeTables,
//	    Attributes: eavkit.AttributeMap{
//	        "color": {DataType: eavkit.TypeString},
//	    },
//	}
//	engine, err := factory.NewEngineWithConfig(config, pool, binding)
func NewEngineWithConfig(config *eavkit.Config, pool *pgxpool.Pool, binding eavkit.HostBinding) (eavkit.Engine, error) {
	if config == nil {
		config = eavkit.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if binding.Table == "" {
		return nil, fmt.Errorf("host binding requires a table name")
	}
	if binding.Mode == "" {
		binding.Mode = config.Storage.DefaultMode
	}
	if binding.PKFamily == "" {
		binding.PKFamily = config.Storage.PKFamily
	}
	if binding.Mode == eavkit.StorageModeJSONColumn && binding.JSONColumn == "" {
		binding.JSONColumn = config.Storage.JSONColumn
	}

	tables, err := tableCollector(pool)
	if err != nil {
		return nil, err
	}
	required := []string{
		config.Database.TableNames.Attributes,
		config.Database.TableNames.AttributeSets,
		config.Database.TableNames.AttributeSetMembers,
	}
	for _, name := range required {
		if !slices.Contains(tables, name) {
			return nil, fmt.Errorf("required table %q is missing in the database", name)
		}
	}

	registry := eavkit.NewTypeRegistry()
	directory := internal.NewPostgresAttributeDirectory(pool, registry, config.Database.TableNames)

	var (
		tableStore *internal.TableValueStore
		jsonStore  *internal.JSONColumnStore
	)
	switch binding.Mode {
	case eavkit.StorageModeJSONColumn:
		typeMap := make(map[string]eavkit.LogicalType, len(binding.Attributes))
		for field, spec := range binding.Attributes {
			name := spec.AttributeName
			if name == "" {
				name = field
			}
			if spec.DataType != "" {
				typeMap[name] = spec.DataType
			}
		}
		jsonStore = internal.NewJSONColumnStore(binding.JSONColumn, registry, typeMap, directory)
	default:
		tableStore = internal.NewTableValueStore(pool, registry,
			config.Database.TableNames.ValueTablePrefix, config.Storage.FetchBatchSize)
		for _, t := range registry.StorageTypes() {
			if !slices.Contains(tables, tableStore.TableName(t, binding.PKFamily)) {
				return nil, fmt.Errorf("value table for type %q is missing in the database", t)
			}
		}
	}

	return internal.NewQueryRewriter(pool, binding, directory, tableStore, jsonStore, config.Storage.AutoProvisionType), nil
}

// NewDirectoryWithConfig creates a standalone attribute directory, for
// callers that manage attributes and attribute sets without a host binding.
func NewDirectoryWithConfig(config *eavkit.Config, pool *pgxpool.Pool) (eavkit.AttributeDirectory, error) {
	if config == nil {
		config = eavkit.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	registry := eavkit.NewTypeRegistry()
	return internal.NewPostgresAttributeDirectory(pool, registry, config.Database.TableNames), nil
}

// ProvisionSchema creates the directory and value tables if they do not
// exist yet.
func ProvisionSchema(ctx context.Context, config *eavkit.Config, pool *pgxpool.Pool) error {
	if config == nil {
		config = eavkit.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return err
	}
	provisioner := internal.NewSchemaProvisioner(pool, eavkit.NewTypeRegistry(), config.Database.TableNames)
	return provisioner.Provision(ctx)
}

// queryPool is the query surface the table check needs; pgxmock pools
// satisfy it in tests.
type queryPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// tableCollector is swappable in tests.
var tableCollector = collectTablesFromPool

func collectTablesFromPool(pool queryPool) ([]string, error) {
	rows, err := pool.Query(context.Background(), `SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE';`)
	if err != nil {
		return nil, fmt.Errorf("failed to verify database connection: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tables, nil
}
