package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/wolfman30/chatpulse/migrations"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// Usage:
//
//	migrate              apply all pending migrations
//	migrate down <n>     roll back n steps
//	migrate force <v>    mark version v clean after a failed run
//	migrate version      print the applied version
func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"))

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		fatal(logger, "open db", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		fatal(logger, "ping db", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		fatal(logger, "db driver", err)
	}
	m, err := newMigrator(dbDriver)
	if err != nil {
		fatal(logger, "create migrator", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := run(m, os.Args[1:]); err != nil {
		fatal(logger, "migrate", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		fatal(logger, "read version", err)
	}
	logger.Info("migrations complete", "version", version, "dirty", dirty)
}

func newMigrator(dbDriver database.Driver) (*migrate.Migrate, error) {
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("source driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
}

// runner is the subset of *migrate.Migrate the commands use.
type runner interface {
	Up() error
	Steps(n int) error
	Force(version int) error
}

func run(m runner, args []string) error {
	if len(args) == 0 {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("up: %w", err)
		}
		return nil
	}
	switch args[0] {
	case "up":
		return run(m, nil)
	case "version":
		return nil
	case "down", "force":
		if len(args) < 2 {
			return fmt.Errorf("%s needs a number", args[0])
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", args[1], err)
		}
		if args[0] == "force" {
			return m.Force(n)
		}
		if n <= 0 {
			return fmt.Errorf("down needs a positive step count")
		}
		return m.Steps(-n)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func fatal(logger *logging.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
