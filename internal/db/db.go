package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/slot-scheduler/internal/config"
)

// Open connects to the job database selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	var (
		gdb *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		gdb, err = openPostgres(cfg)
	case "sqlite", "":
		gdb, err = openSQLite(cfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := Ping(ctx, gdb); err != nil {
		_ = Close(gdb)
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return gdb, nil
}

func openSQLite(cfg config.DatabaseConfig) (*gorm.DB, error) {
	// Fail early if the parent directory does not exist.
	if dir := filepath.Dir(cfg.DSN); dir != "." && cfg.DSN != ":memory:" {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	gdb, err := gorm.Open(sqlite.Open(cfg.DSN), gormConfig())
	if err != nil {
		return nil, err
	}

	gdb.Exec("PRAGMA journal_mode=WAL;")
	gdb.Exec("PRAGMA synchronous=NORMAL;")
	gdb.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := gdb.DB(); err == nil {
		// one writer avoids SQLITE_BUSY under concurrent job completions
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	return gdb, nil
}

func openPostgres(cfg config.DatabaseConfig) (*gorm.DB, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDB(*connCfg)

	lifetime := time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	sqlDB.SetConnMaxLifetime(lifetime)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func Ping(ctx context.Context, gdb *gorm.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var ErrNotFound = errors.New("not found")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

func WrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
