package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/errors"
	"github.com/chavi-india/draw-agent/internal/logging"
)

// SQLiteStore is the SQLite-backed datastore.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// NewSQLite returns an unopened SQLite store for the configured path.
func NewSQLite(settings *conf.Settings) *SQLiteStore {
	return &SQLiteStore{Settings: settings}
}

// Open connects to the database file, creating parent directories as needed,
// and runs the schema migration.
func (store *SQLiteStore) Open() error {
	dbPath := store.Settings.Output.SQLite.Path
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.New(fmt.Errorf("creating database directory: %w", err)).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("path", dir).
				Build()
		}
	}

	logLevel := logger.Warn
	if store.Settings.Debug {
		logLevel = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: newSlogGormLogger(logging.ForService("datastore"), logLevel),
	})
	if err != nil {
		return errors.New(fmt.Errorf("opening sqlite database: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("path", dbPath).
			Build()
	}

	// SQLite allows a single writer; serialize access through one connection
	// so concurrent workers queue instead of failing with SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return errors.New(err).Component("datastore").Category(errors.CategoryDatabase).Build()
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug)
}

// Close releases the underlying connection pool.
func (store *SQLiteStore) Close() error {
	if store.DB == nil {
		return nil
	}
	sqlDB, err := store.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogGormLogger adapts gorm's logger interface onto slog so database
// messages land in the same service log as everything else.
type slogGormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

func newSlogGormLogger(log *slog.Logger, level logger.LogLevel) logger.Interface {
	return &slogGormLogger{log: log, level: level}
}

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &slogGormLogger{log: l.log, level: level}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("query failed", "error", err, "sql", sql, "rows", rows, "elapsed", elapsed)
	case elapsed > 200*time.Millisecond:
		l.log.Warn("slow query", "sql", sql, "rows", rows, "elapsed", elapsed)
	case l.level >= logger.Info:
		l.log.Debug("query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
