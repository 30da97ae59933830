package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"robotrss/migrations"
)

const usage = `Usage: migrate [-db path] <command> [version]

Commands:
  up            Apply all pending migrations
  up-one        Apply the next migration
  up-to N       Apply migrations up to version N
  down          Roll back the latest migration
  down-to N     Roll back to version N
  status        Show migration status
  version       Show current schema version
  reset         Roll back all migrations`

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/bot.db"), "path to the subscription database")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := runCommand(db, args[0], args[1:]); err != nil {
		_ = db.Close()
		log.Fatalf("%s: %v", args[0], err)
	}
}

func runCommand(db *sql.DB, cmd string, rest []string) error {
	switch cmd {
	case "up":
		return goose.Up(db, ".")
	case "up-one":
		return goose.UpByOne(db, ".")
	case "up-to", "down-to":
		if len(rest) != 1 {
			return fmt.Errorf("%s needs a target version", cmd)
		}
		var target int64
		if _, err := fmt.Sscan(rest[0], &target); err != nil {
			return fmt.Errorf("invalid version %q: %w", rest[0], err)
		}
		if cmd == "up-to" {
			return goose.UpTo(db, ".", target)
		}
		return goose.DownTo(db, ".", target)
	case "down":
		return goose.Down(db, ".")
	case "status":
		return goose.Status(db, ".")
	case "version":
		return goose.Version(db, ".")
	case "reset":
		return goose.Reset(db, ".")
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
