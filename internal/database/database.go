// Package database owns the relational+vector store: the connection
// pool, schema migrations, transaction helpers and batch builders that
// every repository runs through.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/config"
	"github.com/anima-ai/anima/internal/metrics"
)

// waitingWarnThreshold is the per-tick pool wait count above which the
// stats ticker logs a warning.
const waitingWarnThreshold = 5

// Database wraps the sqlx pool with engine-level helpers.
type Database struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *zap.Logger

	statsDone chan struct{}
	lastWaits int64
}

// New connects, applies pool limits and starts the stats ticker. The
// connect attempt is bounded by the configured connect timeout.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Database, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(connectCtx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	d := &Database{
		db:        db,
		cfg:       cfg,
		logger:    logger.Named("database"),
		statsDone: make(chan struct{}),
	}
	if cfg.StatsInterval > 0 {
		go d.statsLoop(cfg.StatsInterval)
	}
	return d, nil
}

// NewWithDB wraps an already-open pool. No stats ticker is started;
// repository tests use this with a sqlmock connection.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Database {
	return &Database{
		db:        db,
		logger:    logger.Named("database"),
		statsDone: make(chan struct{}),
	}
}

// DB exposes the underlying pool to the repositories.
func (d *Database) DB() *sqlx.DB { return d.db }

// Ping verifies connectivity.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close stops the stats ticker and closes the pool.
func (d *Database) Close() error {
	close(d.statsDone)
	return d.db.Close()
}

// Tx runs fn inside a transaction. A panic rolls back and re-panics;
// an error rolls back; otherwise the transaction commits.
func (d *Database) Tx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// PoolStats is the point-in-time pool snapshot surfaced on the metrics
// route.
type PoolStats struct {
	TotalConnections   int   `json:"totalConnections"`
	IdleConnections    int   `json:"idleConnections"`
	WaitingConnections int64 `json:"waitingConnections"`
	MaxOpenConnections int   `json:"maxOpenConnections"`
}

// Stats reads the current pool counters.
func (d *Database) Stats() PoolStats {
	s := d.db.Stats()
	return PoolStats{
		TotalConnections:   s.OpenConnections,
		IdleConnections:    s.Idle,
		WaitingConnections: s.WaitCount,
		MaxOpenConnections: s.MaxOpenConnections,
	}
}

func (d *Database) statsLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.statsDone:
			return
		case <-ticker.C:
			s := d.db.Stats()
			metrics.DBPoolOpen.Set(float64(s.OpenConnections))
			metrics.DBPoolIdle.Set(float64(s.Idle))

			waited := s.WaitCount - d.lastWaits
			d.lastWaits = s.WaitCount
			metrics.DBPoolWaiting.Set(float64(waited))

			if waited > waitingWarnThreshold {
				d.logger.Warn("database pool saturated",
					zap.Int64("waiting", waited),
					zap.Int("open", s.OpenConnections),
					zap.Int("idle", s.Idle),
					zap.Duration("wait_duration", s.WaitDuration),
				)
			} else {
				d.logger.Debug("database pool stats",
					zap.Int("open", s.OpenConnections),
					zap.Int("idle", s.Idle),
					zap.Int64("waits_total", s.WaitCount),
				)
			}
		}
	}
}

// IsRetriable reports whether err is a transient connection-class
// failure that a caller may retry.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception; 57P01: admin shutdown;
		// 40001/40P01: serialization and deadlock failures
		class := pqErr.Code.Class()
		return class == "08" || pqErr.Code == "57P01" ||
			pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// IsConstraint reports whether err is an integrity-constraint violation,
// which is fatal to the call rather than retriable.
func IsConstraint(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}

// IsPoolExhausted reports whether err looks like a timed-out pool
// acquisition rather than a query failure.
func IsPoolExhausted(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, sql.ErrNoRows)
}
