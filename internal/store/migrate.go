package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// MigrateResult describes the schema after Migrate.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// migrateLogger routes golang-migrate's progress lines to zap at debug level.
type migrateLogger struct {
	logger *zap.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}

// migrator builds a migrate instance on db's connection. The caller closes
// the returned source; closing the instance would close db as well.
func (db *DB) migrator(logger *zap.Logger) (*migrate.Migrate, source.Driver, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("migration instance: %w", err)
	}
	m.Log = migrateLogger{logger: logger}
	return m, src, nil
}

func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return version, dirty, nil
}

// Migrate applies every pending migration and logs the resulting version.
// logger may be nil.
func (db *DB) Migrate(logger *zap.Logger) (*MigrateResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("migrate")

	m, src, err := db.migrator(logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	changed := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	if dirty {
		logger.Warn("schema is dirty", zap.Uint("version", version))
	}
	logger.Info("schema ready", zap.Uint("version", version), zap.Bool("changed", changed))
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}

// SchemaVersion reports the applied schema version, 0 when no migration
// has run yet.
func (db *DB) SchemaVersion() (uint, bool, error) {
	m, src, err := db.migrator(zap.NewNop())
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = src.Close() }()
	return schemaVersion(m)
}
