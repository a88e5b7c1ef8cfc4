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

func runAttributes(args []string) error {
	flags := flag.NewFlagSet("attributes", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: eavkit-tools attributes [options]")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	var (
		db     dbOptions
		limit  int
		offset int
	)
	db.register(flags)
	flags.IntVar(&limit, "limit", 100, "maximum attributes to list")
	flags.IntVar(&offset, "offset", 0, "listing offset")

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
	directory := internal.NewPostgresAttributeDirectory(pool, eavkit.NewTypeRegistry(), config.Database.TableNames)

	attrs, err := directory.List(ctx, limit, offset)
	if err != nil {
		return err
	}
	for _, attr := range attrs {
		label := attr.Label
		if label == "" {
			label = "-"
		}
		fmt.Printf("%-6d %-32s %-12s %s\n", attr.ID, attr.Name, attr.DataType, label)
	}
	return nil
}
