// Package sqlmigrator applies the embedded SQL migrations for a
// migration group to a database handle.
package sqlmigrator

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/jobgate/jobgate/sql/migrations"
)

// Migrator applies database migrations from the embedded migrations FS.
type Migrator struct {
	// Handle is the database connection to migrate.
	Handle *sql.DB

	// MigrationsTable is where golang-migrate tracks applied versions.
	MigrationsTable string
}

// Migrate brings the database up to date with the migrations found
// under the given group directory. Running against an already
// up-to-date database is a no-op.
func (m *Migrator) Migrate(group string) error {
	source, err := iofs.New(migrations.FS, group)
	if err != nil {
		return fmt.Errorf("opening embedded migrations for %q: %w", group, err)
	}

	driver, err := postgres.WithInstance(m.Handle, &postgres.Config{
		MigrationsTable: m.MigrationsTable,
	})
	if err != nil {
		return fmt.Errorf("setting up migration driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("setting up migrations for %q: %w", group, err)
	}

	if err := mig.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations for %q: %w", group, err)
	}
	return nil
}
