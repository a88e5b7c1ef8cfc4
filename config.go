package eavkit

import (
	"time"
)

// Config consolidates engine settings.
type Config struct {
	Database DatabaseConfig `json:"database"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Database       string        `json:"database"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	SSLMode        string        `json:"sslMode"`
	MaxConnections int           `json:"maxConnections"`
	Timeout        time.Duration `json:"timeout"`
	TableNames     TableNames    `json:"tableNames"`
}

// TableNames holds the physical names of the directory tables and the prefix
// shared by the per-type value tables.
type TableNames struct {
	Attributes          string `json:"attributes"`
	AttributeSets       string `json:"attributeSets"`
	AttributeSetMembers string `json:"attributeSetMembers"`
	ValueTablePrefix    string `json:"valueTablePrefix"`
}

// StorageConfig contains value-store settings.
type StorageConfig struct {
	DefaultMode StorageMode `json:"defaultMode"`
	PKFamily    PKFamily    `json:"pkFamily"`
	JSONColumn  string      `json:"jsonColumn,omitempty"`

	// AutoProvisionType is assigned to attributes created lazily on first
	// write when the binding does not name a type.
	AutoProvisionType LogicalType `json:"autoProvisionType"`

	// FetchBatchSize caps how many entity ids a single batched value fetch
	// covers before it is split.
	FetchBatchSize int `json:"fetchBatchSize"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level              string        `json:"level"`
	Format             string        `json:"format"`
	LogQueries         bool          `json:"logQueries"`
	LogSlowQueries     bool          `json:"logSlowQueries"`
	SlowQueryThreshold time.Duration `json:"slowQueryThreshold"`
}

// MetricsConfig contains metrics collection settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// DefaultTableNames returns the standard directory table names.
func DefaultTableNames() TableNames {
	return TableNames{
		Attributes:          "eav_attributes",
		AttributeSets:       "eav_attribute_sets",
		AttributeSetMembers: "eav_attribute_set_members",
		ValueTablePrefix:    "eav_values",
	}
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			SSLMode:        "disable",
			MaxConnections: 25,
			Timeout:        30 * time.Second,
			TableNames:     DefaultTableNames(),
		},
		Storage: StorageConfig{
			DefaultMode:       StorageModeTables,
			PKFamily:          PKFamilyUUID,
			AutoProvisionType: TypeString,
			FetchBatchSize:    500,
		},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "json",
			LogQueries:         false,
			LogSlowQueries:     true,
			SlowQueryThreshold: 1 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "eavkit",
		},
	}
}

// Validate validates the configuration. JSONColumn is deliberately not
// checked here: json column mode may be configured incrementally, so a
// missing column name surfaces as a ConfigurationError at the first
// operation that needs it.
func (c *Config) Validate() error {
	if c.Database.MaxConnections <= 0 {
		return NewConfigurationError("database.maxConnections", "must be greater than 0")
	}
	if c.Database.TableNames.Attributes == "" {
		return NewConfigurationError("database.tableNames.attributes", "must not be empty")
	}
	if c.Database.TableNames.AttributeSetMembers == "" {
		return NewConfigurationError("database.tableNames.attributeSetMembers", "must not be empty")
	}
	if c.Database.TableNames.ValueTablePrefix == "" {
		return NewConfigurationError("database.tableNames.valueTablePrefix", "must not be empty")
	}

	switch c.Storage.DefaultMode {
	case StorageModeTables, StorageModeJSONColumn:
	default:
		return NewConfigurationError("storage.defaultMode", "must be 'tables' or 'json_column'")
	}

	switch c.Storage.PKFamily {
	case PKFamilyUUID, PKFamilyInt:
	default:
		return NewConfigurationError("storage.pkFamily", "must be 'uuid' or 'int'")
	}

	if c.Storage.FetchBatchSize <= 0 {
		return NewConfigurationError("storage.fetchBatchSize", "must be greater than 0")
	}

	return nil
}
