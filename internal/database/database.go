package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"presenter-sync-service/internal/logger"
)

// Database wraps a pooled *sql.DB. Drivers are registered by the packages
// that own a schema (store: sqlite, remote: mysql and postgres).
type Database struct {
	DB     *sql.DB
	Driver string
}

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PingAttempts > 1 waits for a database that is still starting.
	PingAttempts int
	PingInterval time.Duration
}

func Open(ctx context.Context, driver, dsn string, opts Options) (*Database, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	attempts := opts.PingAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := opts.PingInterval
	if interval <= 0 {
		interval = time.Second
	}
	for i := 0; i < attempts; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if i+1 == attempts {
			break
		}
		logger.Log.Info("Waiting for database...", zap.String("driver", driver), zap.Error(err), zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	logger.Log.Info("Connected to database", zap.String("driver", driver))

	return &Database{
		DB:     db,
		Driver: driver,
	}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
