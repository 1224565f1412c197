package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fastintercom/internal/config"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DB struct {
	Gorm   *gorm.DB
	SQL    *sql.DB
	Driver string
	// Path is the SQLite file backing the store; empty for Postgres and in-memory databases.
	Path string
}

func Open(cfg config.DBConfig) (*DB, error) {
	gcfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		dialector gorm.Dialector
		path      string
	)
	switch driver {
	case DriverSQLite:
		dsn, filePath, err := sqliteDSN(cfg)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
		path = filePath
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, err
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{Gorm: gdb, SQL: sqldb, Driver: driver, Path: path}, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

func Ping(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Ping()
}

// SizeBytes reports the on-disk size of a SQLite store, including its WAL.
func SizeBytes(db *DB) int64 {
	if db == nil || db.Path == "" {
		return 0
	}
	var total int64
	for _, p := range []string{db.Path, db.Path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// sqliteDSN enables WAL, a busy timeout and foreign keys on every pooled
// connection so readers never block on the sync writer.
func sqliteDSN(cfg config.DBConfig) (string, string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return "", "", fmt.Errorf("sqlite dsn is empty")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := fmt.Sprintf("_busy_timeout=%d&_foreign_keys=on", busy.Milliseconds())

	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		if strings.HasPrefix(dsn, "file:") {
			return appendQuery(dsn, pragmas), "", nil
		}
		return "file::memory:?cache=shared&" + pragmas, "", nil
	}

	filePath := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(filePath, "?"); i >= 0 {
		filePath = filePath[:i]
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create database directory: %w", err)
		}
	}
	return appendQuery("file:"+strings.TrimPrefix(dsn, "file:"), "_journal_mode=WAL&"+pragmas), filePath, nil
}

func appendQuery(dsn, query string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + query
	}
	return dsn + "?" + query
}
