package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/floweave/floweave/config"
	"github.com/floweave/floweave/internal/migration"
)

// runMigrate dispatches the migrate subcommands.
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	var err error
	switch sub {
	case "up":
		err = migrateCmd("migrate up", rest, nil, (*migration.CLI).RunUp)

	case "down":
		var all bool
		err = migrateCmd("migrate down", rest,
			func(fs *flag.FlagSet) { fs.BoolVar(&all, "all", false, "Rollback all migrations") },
			func(cli *migration.CLI, ctx context.Context) error {
				if all {
					return cli.RunDownAll(ctx)
				}
				return cli.RunDown(ctx)
			})

	case "status":
		err = migrateCmd("migrate status", rest, nil, (*migration.CLI).RunStatus)

	case "version":
		err = migrateCmd("migrate version", rest, nil, (*migration.CLI).RunVersion)

	case "goto":
		target, ok := versionArg(rest, "floweave migrate goto <version>")
		if !ok {
			os.Exit(1)
		}
		err = migrateCmd("migrate goto", rest[1:], nil,
			func(cli *migration.CLI, ctx context.Context) error {
				return cli.RunGoto(ctx, uint(target))
			})

	case "force":
		target, ok := versionArg(rest, "floweave migrate force <version>")
		if !ok {
			os.Exit(1)
		}
		err = migrateCmd("migrate force", rest[1:], nil,
			func(cli *migration.CLI, ctx context.Context) error {
				return cli.RunForce(ctx, int(target))
			})

	case "reset":
		err = migrateCmd("migrate reset", rest, nil, (*migration.CLI).RunDownAll)

	case "help", "-h", "--help":
		printMigrateUsage()
		return

	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", sub, err)
		os.Exit(1)
	}
}

// migrateCmd wires flags, migrator, and CLI for one subcommand. The register
// callback adds subcommand-specific flags before parsing.
func migrateCmd(name string, args []string, register func(*flag.FlagSet), action func(*migration.CLI, context.Context) error) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	if register != nil {
		register(fs)
	}

	migrator, err := createMigrator(fs, args)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	return action(migration.NewCLI(migrator), context.Background())
}

// versionArg parses the leading numeric argument of goto and force.
func versionArg(args []string, usage string) (uint64, bool) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		return 0, false
	}
	v, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		return 0, false
	}
	return v, true
}

// createMigrator builds a migrator from flags, falling back to the config
// file when no explicit database URL is given.
func createMigrator(fs *flag.FlagSet, args []string) (*migration.Migrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}

	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  floweave migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  floweave migrate up
  floweave migrate up --config /etc/floweave/config.yaml
  floweave migrate down
  floweave migrate status
  floweave migrate goto 1
  floweave migrate force 0
  floweave migrate reset`)
}
