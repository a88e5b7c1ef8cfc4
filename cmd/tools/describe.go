package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfoundry/eavkit"
	"github.com/openfoundry/eavkit/internal"
)

func runDescribe(args []string) error {
	flags := flag.NewFlagSet("describe", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: eavkit-tools describe [options]")
		fmt.Println("")
		fmt.Println("Lists provisioned tables, or the columns of one table when -table is set.")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	var (
		db    dbOptions
		table string
	)
	db.register(flags)
	flags.StringVar(&table, "table", "", "table to describe (default: list all provisioned tables)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, buildConnString(db))
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	config := eavkit.DefaultConfig()
	provisioner := internal.NewSchemaProvisioner(pool, eavkit.NewTypeRegistry(), config.Database.TableNames)

	if table == "" {
		names, err := provisioner.ListTables(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}

	cols, err := provisioner.DescribeTable(ctx, table)
	if err != nil {
		return err
	}
	for _, col := range cols {
		nullable := "NOT NULL"
		if col.Nullable {
			nullable = "NULL"
		}
		fmt.Printf("%-20s %-20s %s\n", col.Name, col.DataType, nullable)
	}
	return nil
}
