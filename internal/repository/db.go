// Package repository persists websites, owners, ping logs and job runs with
// GORM. SQLite (pure Go) is the default engine; PostgreSQL is selected with
// database.driver = "postgres".
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sitewatch/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a website with the same URL already exists.
	ErrDuplicate = errors.New("duplicate")
)

// Repo wraps the database handle. Repos derived from a transaction share the
// per-website lock table with their parent.
type Repo struct {
	DB    *gorm.DB
	locks *keyedMutex
}

// New opens the configured database and migrates every table the engine owns.
func New(cfg model.DatabaseConfig) (*Repo, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if db.Dialector.Name() == "sqlite" {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY between workers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(
		&model.User{},
		&model.Website{},
		&model.PingLog{},
		&model.ScheduleEntry{},
		&model.JobRun{},
	); err != nil {
		return nil, err
	}
	return &Repo{DB: db, locks: newKeyedMutex()}, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "sitewatch.db"
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Close closes the underlying database connection.
func (r *Repo) Close() error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction with a Repo bound to it.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{DB: tx, locks: r.locks})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
