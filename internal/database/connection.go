// internal/database/connection.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/models"
)

// Connection holds the pgx pool shared by gorm and the job queue.
type Connection struct {
	Pool  *pgxpool.Pool
	Gorm  *gorm.DB
	sqlDB *sql.DB
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func Initialize(ctx context.Context, cfg config.DatabaseConfig) (*Connection, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
		TranslateError: true,
	})
	if err != nil {
		sqlDB.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"host":      cfg.Host,
		"database":  cfg.Database,
		"max_conns": poolCfg.MaxConns,
	}).Info("Database connection established")

	return &Connection{Pool: pool, Gorm: db, sqlDB: sqlDB}, nil
}

func (c *Connection) Close() {
	if err := c.sqlDB.Close(); err != nil {
		logrus.WithError(err).Warn("Error closing database handle")
	}
	c.Pool.Close()
	logrus.Info("Database connection closed")
}

// RunMigrations migrates the domain schema and the job queue tables.
func RunMigrations(ctx context.Context, c *Connection) error {
	logrus.Info("Running database migrations")

	if err := c.Gorm.WithContext(ctx).Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error; err != nil {
		return fmt.Errorf("failed to create pgcrypto extension: %w", err)
	}

	err := c.Gorm.WithContext(ctx).AutoMigrate(
		&models.User{},
		&models.Order{},
		&models.Balance{},
		&models.LedgerTransaction{},
		&models.PaymentCallbackRecord{},
		&models.RateEntry{},
		&models.RateVersion{},
		&models.AdminNotification{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := createIndexes(ctx, c.Gorm); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create queue migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("failed to migrate queue tables: %w", err)
	}

	logrus.Info("Database migrations completed")
	return nil
}

// requiredIndexes back correctness guarantees; a failure aborts the migration.
var requiredIndexes = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_tx_external_ref ON ledger_transactions(external_ref) WHERE external_ref IS NOT NULL",
	"CREATE UNIQUE INDEX IF NOT EXISTS ux_rate_versions_active ON rate_versions(active) WHERE active",
	"ALTER TABLE ledger_balances DROP CONSTRAINT IF EXISTS ck_ledger_balances_held, ADD CONSTRAINT ck_ledger_balances_held CHECK (held >= 0)",
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_users_ancestor_path ON users USING GIN(ancestor_path)",
	"CREATE INDEX IF NOT EXISTS idx_ledger_tx_beneficiary_created ON ledger_transactions(beneficiary_id, sequence DESC)",
	"CREATE INDEX IF NOT EXISTS idx_callbacks_due ON payment_callbacks(status, next_attempt_at) WHERE status = 'RECEIVED'",
	"CREATE INDEX IF NOT EXISTS idx_callbacks_lease ON payment_callbacks(status, lease_expires_at) WHERE status = 'PROCESSING'",
	"CREATE INDEX IF NOT EXISTS idx_callbacks_received ON payment_callbacks(received_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_admin_notifications_status ON admin_notifications(status, priority)",
	"CREATE INDEX IF NOT EXISTS idx_admin_notifications_type ON admin_notifications(type, created_at DESC)",
}

func createIndexes(ctx context.Context, db *gorm.DB) error {
	for _, stmt := range requiredIndexes {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}

	for _, index := range indexes {
		if err := db.WithContext(ctx).Exec(index).Error; err != nil {
			logrus.WithError(err).WithField("statement", index).Warn("Failed to create index")
		}
	}
	return nil
}

// WithTransaction runs fn in a transaction, rolling back on error or panic.
func WithTransaction(ctx context.Context, db *gorm.DB, fn func(*gorm.DB) error) error {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
