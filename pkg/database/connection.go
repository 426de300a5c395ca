package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/medrex/dlt-keyx/pkg/config"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/retry"
)

// ConnectPolicy bounds the pings made while the key store database starts up
var ConnectPolicy = retry.Exponential(5, 500*time.Millisecond, 5*time.Second)

// DB is the key store's PostgreSQL handle
type DB struct {
	*sql.DB
	logger *logger.Logger
}

// NewConnection opens the key store database and waits until it answers
func NewConnection(ctx context.Context, cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	sqlDB, err := sql.Open("postgres", buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	db := Wrap(sqlDB, log)
	if err := db.await(ctx, ConnectPolicy, nil); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.WithComponent("database").WithField("host", cfg.Host).Info("Key store database connected")
	return db, nil
}

// Wrap adopts an existing *sql.DB, e.g. one opened by sqlmock
func Wrap(sqlDB *sql.DB, log *logger.Logger) *DB {
	if log == nil {
		log = logger.Discard()
	}
	return &DB{DB: sqlDB, logger: log}
}

func (db *DB) await(ctx context.Context, policy retry.Policy, clock retry.Clock) error {
	err := retry.Do(ctx, policy, clock, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	}, func(attempt int, err error) {
		db.logger.WithComponent("database").WithError(err).WithField("attempt", attempt).Warn("Database not reachable yet")
	})
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// buildConnectionString prefers an explicit DSN over discrete fields
func buildConnectionString(cfg *config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}
