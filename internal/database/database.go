// Package database opens the GORM connection and runs schema migrations.
// SQLite backs single-node deployments and tests; PostgreSQL is for
// anything multi-instance.
package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // pure Go SQLite build
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gitgenie/gitgenie/internal/config"
	"github.com/gitgenie/gitgenie/internal/model"
)

// DB is a GORM handle that remembers which driver opened it.
type DB struct {
	*gorm.DB
	Driver string
}

// New opens a connection for the configured driver and tunes the pool.
func New(cfg *config.Config) (*DB, error) {
	// Log only slow queries; per-request logging lives in the HTTP layer.
	gormConfig := &gorm.Config{
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  true,
			},
		),
	}

	driver := cfg.DatabaseDriver
	dsn := cfg.CleanDSN()

	var db *gorm.DB
	var err error
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = openSQLite(dsn, gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if driver == "sqlite" {
		// WAL allows readers alongside the single writer, so a few
		// connections keep the job dispatcher's polling from queueing
		// behind request traffic.
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	return &DB{DB: db, Driver: driver}, nil
}

func openSQLite(dsn string, gormConfig *gorm.Config) (*gorm.DB, error) {
	path := strings.TrimPrefix(dsn, "file:")

	if !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL")
	// Wait up to 5s on a locked database instead of failing with SQLITE_BUSY.
	db.Exec("PRAGMA busy_timeout = 5000")
	db.Exec("PRAGMA foreign_keys = ON")
	return db, nil
}

// Migrate applies the schema for every registered model.
func (db *DB) Migrate() error {
	return db.AutoMigrate(model.AllModels()...)
}

// IsPostgres reports whether the connection uses PostgreSQL.
func (db *DB) IsPostgres() bool {
	return db.Driver == "postgres"
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
