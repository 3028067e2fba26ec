package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/cognoxlabs/sofia/internal/config"
	"github.com/cognoxlabs/sofia/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigration(func(m *migrate.Migrate) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigration(func(m *migrate.Migrate) error { return m.Steps(-1) })
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigration(func(m *migrate.Migrate) error {
					version, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Println("no migrations applied")
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Printf("version %d (dirty: %v)\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func runMigration(fn func(*migrate.Migrate) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m, db, err := newMigrator(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration: %w", err)
	}
	return nil
}

// newMigrator builds a migrator over the embedded migration files for
// the configured database backend.
func newMigrator(cfg *config.Config) (*migrate.Migrate, *sql.DB, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		path := config.ExpandHome(cfg.Database.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite database: %w", err)
		}
		src, err := iofs.New(migrations.FS, "sqlite")
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
		}
		driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create sqlite migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, db, nil

	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("SOFIA_POSTGRES_DSN environment variable is not set")
		}
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres database: %w", err)
		}
		src, err := iofs.New(migrations.FS, "postgres")
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
		}
		driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create postgres migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, db, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
