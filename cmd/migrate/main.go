// Package main applies the level store schema to PostgreSQL.
//
// Usage:
//
//	migrate -config configs/dev.yaml            # apply everything
//	migrate -direction down -steps 1            # roll back one step
//	migrate -direction version                  # print the current version
//	migrate -force 1                            # clear a dirty flag at version 1
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/cory-johannsen/playnet/internal/config"
	"github.com/cory-johannsen/playnet/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	direction := flag.String("direction", "up", "up, down or version")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	force := flag.Int("force", -1, "force the schema to this version without running migrations")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	m, err := postgres.NewMigrator(cfg.Database.DSN())
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer m.Close()

	if *force >= 0 {
		if err := m.Force(*force); err != nil {
			log.Fatalf("forcing version %d: %v", *force, err)
		}
		report("forced", m, start)
		return
	}

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	case "version":
		report("current", m, start)
		return
	default:
		log.Fatalf("invalid direction %q: must be up, down or version", *direction)
	}

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		report("no changes", m, start)
	case err != nil:
		log.Fatalf("migration failed: %v", err)
	default:
		report("migrated "+*direction, m, start)
	}
}

func report(what string, m *migrate.Migrate, start time.Time) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintf(os.Stdout, "%s: no schema [%s]\n", what, time.Since(start))
		return
	}
	fmt.Fprintf(os.Stdout, "%s: version=%d dirty=%v [%s]\n", what, version, dirty, time.Since(start))
}
