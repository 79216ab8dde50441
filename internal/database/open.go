package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// DriverSQLite stores everything in a single local file.
	DriverSQLite = "sqlite"
	// DriverPostgres connects to a Postgres server through pgx.
	DriverPostgres = "postgres"
)

// Options selects and addresses the backing database.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes the configured connection and performs schema migrations.
// Migrations are idempotent and safe to run against an existing store.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	dialector, target, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// The job is the only writer; one connection keeps SQLite writes serialized.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(store.Models(), &migrationRecord{})...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driverName(options.Driver)), zap.String("target", target))
	}

	return db, nil
}

func dialectorFor(options Options) (gorm.Dialector, string, error) {
	switch driverName(options.Driver) {
	case DriverSQLite:
		if strings.TrimSpace(options.Path) == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(options.Path), options.Path, nil
	case DriverPostgres:
		if strings.TrimSpace(options.DSN) == "" {
			return nil, "", fmt.Errorf("database dsn is required for postgres")
		}
		return postgres.Open(options.DSN), "postgres", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

func driverName(driver string) string {
	normalized := strings.ToLower(strings.TrimSpace(driver))
	if normalized == "" {
		return DriverSQLite
	}
	return normalized
}
