// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// LatestMigrationVersion must be bumped with every new migration file.
const LatestMigrationVersion uint = 1

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrMigrationDowngrade is returned when the database is newer than this binary.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open DB: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	log.Info("connected to database")
	return db, nil
}

// migrationLogger adapts zap to migrate.Logger.
type migrationLogger struct {
	log *zap.SugaredLogger
}

func (m *migrationLogger) Printf(format string, v ...any) {
	m.log.Infof(format, v...)
}

func (m *migrationLogger) Verbose() bool { return false }

// Migrate applies the embedded migrations. A zero target migrates to the
// latest version.
func Migrate(db *sql.DB, target uint, log *zap.Logger) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("open migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	m.Log = &migrationLogger{log: log.Sugar()}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual intervention required", version)
	}
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%d latest=%d", ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	if target == 0 {
		err = m.Up()
	} else {
		err = m.Migrate(target)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, _, _ = m.Version()
	log.Info("database migrated", zap.Uint("version", version))
	return nil
}
