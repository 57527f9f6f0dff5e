package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/jaketajohnson/Attributor/internal/config"
	"github.com/jaketajohnson/Attributor/internal/models"
)

// New connects to Postgres and returns a Bun DB handle.
func New(dsn string, cfg *config.Config) (*bun.DB, error) {
	// Attribution passes run long UPDATEs over the whole asset table, so the
	// timeouts are generous.
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(120*time.Second),
		pgdriver.WithDialTimeout(15*time.Second),
		pgdriver.WithReadTimeout(120*time.Second),
		pgdriver.WithWriteTimeout(30*time.Second),
	)

	sqldb := sql.OpenDB(connector)
	db := bun.NewDB(sqldb, pgdialect.New())

	// Configure connection pool
	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(10)
	sqldb.SetConnMaxLifetime(5 * time.Minute)
	sqldb.SetConnMaxIdleTime(10 * time.Minute)

	// Optional query logging
	if cfg.BunDebug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Verify connection first
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	_, err := db.ExecContext(ctx, `
		SET search_path TO app, public;
		SET statement_timeout = '120s';
		SET idle_in_transaction_session_timeout = '180s';
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to set database configuration: %w", err)
	}

	return db, nil
}

// runLockKey identifies the attribution advisory lock. One key per database,
// so only one run executes at a time regardless of which binary started it.
const runLockKey int64 = 0x41545452 // "ATTR"

// RunLock pins one pooled connection for the duration of a run; advisory
// locks are session-scoped, so lock and unlock must happen on the same
// connection.
type RunLock struct {
	conn bun.Conn
}

// AcquireRunLock takes the run advisory lock without waiting. Returns
// models.ErrRunInProgress when another session already holds it.
func AcquireRunLock(ctx context.Context, db *bun.DB) (*RunLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}

	var locked bool
	if err := conn.NewRaw("SELECT pg_try_advisory_lock(?)", runLockKey).Scan(ctx, &locked); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		_ = conn.Close()
		return nil, models.ErrRunInProgress
	}
	return &RunLock{conn: conn}, nil
}

// Release unlocks and returns the pinned connection to the pool. The unlock
// must run before Close; a pooled connection keeps its session, and with it
// the lock, alive. A canceled run still unlocks, on a fresh deadline.
func (l *RunLock) Release(ctx context.Context) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	var released bool
	_ = l.conn.NewRaw("SELECT pg_advisory_unlock(?)", runLockKey).Scan(ctx, &released)
	_ = l.conn.Close()
}
