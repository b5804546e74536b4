// Package migrations holds the llm_logs schema for each supported SQL dialect.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

// Supported dialect names. They match the directory holding each schema.
const (
	DialectSQLite = "sqlite3"
	DialectMySQL  = "mysql"
)

//go:embed sqlite3/*.sql mysql/*.sql
var schemas embed.FS

// RunMigrations applies all pending migrations for dialect to db.
func RunMigrations(db *sql.DB, dialect string, logger zerolog.Logger) error {
	driver, err := databaseDriver(db, dialect)
	if err != nil {
		return err
	}

	source, err := iofs.New(schemas, dialect)
	if err != nil {
		return fmt.Errorf("failed to open %s migrations: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	logger.Debug().Str("dialect", dialect).Msg("Running database migrations")
	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Debug().Msg("Database is already up to date")
	case err != nil:
		return fmt.Errorf("failed to apply migrations: %w", err)
	default:
		logger.Debug().Msg("Database migrations applied successfully")
	}
	return nil
}

func databaseDriver(db *sql.DB, dialect string) (database.Driver, error) {
	switch dialect {
	case DialectSQLite:
		driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite3 driver: %w", err)
		}
		return driver, nil
	case DialectMySQL:
		driver, err := mysql.WithInstance(db, &mysql.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create mysql driver: %w", err)
		}
		return driver, nil
	default:
		return nil, fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}
