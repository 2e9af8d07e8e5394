// expoctl seeds and inspects the check-in database: accounts, content
// items, nursery families, children and services, and signed QR links.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"expocheckin/internal/config"
	"expocheckin/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	dsn := cfg.DatabaseURL
	if cfg.DatabaseDriver == "sqlite" && !strings.HasPrefix(dsn, "file:") {
		dsn = store.SQLiteDSN(dsn)
	}
	db, err := store.NewDB(cfg.DatabaseDriver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return newCLI(db, cfg, os.Stdout).dispatch(ctx, args)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `expoctl manages expo check-in records.

Usage:
  expoctl <command> [flags]

Commands:
  add-user      create an account (--login, --password, --role, names)
  add-item      create an exhibitor, session, panel or speaker (--type, --title, --slug)
  add-family    create a nursery family (--name, --contact)
  add-child     create a nursery child (--name, --family, --allergies)
  add-service   create a nursery service (--title, --label, --starts, --ends)
  qr-url        print the signed check-in link for an item (--type, --id, --event)

Run "expoctl <command> --help" for the flags of a command.
`)
}
