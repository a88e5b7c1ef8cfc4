package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfoundry/eavkit"
	"github.com/openfoundry/eavkit/factory"
)

type dbOptions struct {
	host     string
	port     int
	database string
	user     string
	password string
	sslMode  string
}

func (o *dbOptions) register(flags *flag.FlagSet) {
	flags.StringVar(&o.host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&o.port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&o.database, "db-name", getenvDefault("DB_NAME", "eavkit"), "database name")
	flags.StringVar(&o.user, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&o.password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&o.sslMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")
}

type initDBOptions struct {
	db               dbOptions
	attributesTable  string
	setsTable        string
	membersTable     string
	valueTablePrefix string
}

func runInitDB(args []string) error {
	flags := flag.NewFlagSet("init-db", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: eavkit-tools init-db [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	opts := initDBOptions{}
	opts.db.register(flags)
	flags.StringVar(&opts.attributesTable, "attributes-table", getenvDefault("ATTRIBUTES_TABLE", "eav_attributes"), "attribute directory table name")
	flags.StringVar(&opts.setsTable, "attribute-sets-table", getenvDefault("ATTRIBUTE_SETS_TABLE", "eav_attribute_sets"), "attribute set table name")
	flags.StringVar(&opts.membersTable, "attribute-set-members-table", getenvDefault("ATTRIBUTE_SET_MEMBERS_TABLE", "eav_attribute_set_members"), "attribute set membership table name")
	flags.StringVar(&opts.valueTablePrefix, "value-table-prefix", getenvDefault("VALUE_TABLE_PREFIX", "eav_values"), "value table name prefix")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	return initDatabase(opts)
}

func initDatabase(opts initDBOptions) error {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, buildConnString(opts.db))
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	config := eavkit.DefaultConfig()
	config.Database.TableNames.Attributes = opts.attributesTable
	config.Database.TableNames.AttributeSets = opts.setsTable
	config.Database.TableNames.AttributeSetMembers = opts.membersTable
	config.Database.TableNames.ValueTablePrefix = opts.valueTablePrefix

	if err := factory.ProvisionSchema(ctx, config, pool); err != nil {
		return err
	}

	fmt.Println("Database initialized successfully.")
	return nil
}

func buildConnString(opts dbOptions) string {
	hostPort := fmt.Sprintf("%s:%d", opts.host, opts.port)

	var userInfo *url.Userinfo
	if opts.password != "" {
		userInfo = url.UserPassword(opts.user, opts.password)
	} else {
		userInfo = url.User(opts.user)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   hostPort,
		Path:   "/" + opts.database,
	}

	q := url.Values{}
	if opts.sslMode != "" {
		q.Set("sslmode", opts.sslMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
