package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migration files follow the golang-migrate naming convention:
//
//	000001_description.up.sql   - applies the migration
//	000001_description.down.sql - reverts the migration
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// newMigrate binds a migrate instance to one dedicated connection. Close
// releases that connection and leaves db open.
func newMigrate(ctx context.Context, db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

func closeMigrate(m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		slog.Warn("closing migrate instance", slog.Any("source_err", srcErr), slog.Any("db_err", dbErr), slog.String("component", "db_migrate"))
	}
}

// LatestVersion returns the newest embedded migration version.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	defer func() { _ = src.Close() }()
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, err
		}
		v = next
	}
}

// RunMigrations applies every pending embedded migration. It is safe to run
// on every start.
func RunMigrations(db *sql.DB) error {
	m, err := newMigrate(context.Background(), db)
	if err != nil {
		return err
	}
	defer closeMigrate(m)
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	slog.Info("migrations applied successfully", slog.Uint64("version", uint64(version)), slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(db *sql.DB) error {
	m, err := newMigrate(context.Background(), db)
	if err != nil {
		return err
	}
	defer closeMigrate(m)
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
// A database without migrations reports version 0.
func GetMigrationVersion(ctx context.Context, db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrate(ctx, db)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrate(m)
	v, d, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, d, nil
}

// SchemaCheck returns a readiness probe that fails while the schema is dirty
// or behind the embedded migrations.
func SchemaCheck(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		want, err := LatestVersion()
		if err != nil {
			return err
		}
		got, dirty, err := GetMigrationVersion(ctx, db)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("schema dirty at version %d", got)
		}
		if got < want {
			return fmt.Errorf("schema at version %d, want %d", got, want)
		}
		return nil
	}
}
