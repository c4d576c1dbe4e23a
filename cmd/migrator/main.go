// Command migrator applies ORIGIN's schema migrations with golang-migrate.
// It is deliberately thin, with no migration-authoring subcommands: it only
// runs the SQL files already checked into migrations/ against
// DATABASE_URL, up or down one step.
package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var logFatalf = log.Fatalf

func main() {
	dir := flag.String("dir", "migrations", "path to migration files")
	down := flag.Bool("down", false, "roll back the most recent migration instead of applying pending ones")
	flag.Parse()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logFatalf("migrator: DATABASE_URL is required")
		return
	}

	m, err := migrate.New("file://"+*dir, dsn)
	if err != nil {
		logFatalf("migrator: open: %v", err)
		return
	}
	defer func() { _, _ = m.Close() }()

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logFatalf("migrator: run: %v", err)
		return
	}
	log.Printf("migrator: done")
}
