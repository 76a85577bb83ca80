package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Conn is the backing-database session handed out by the pool. Both the
// MySQL driver and the TDengine REST driver are reached through database/sql,
// so the pool only needs this narrow surface.
type Conn interface {
	PingContext(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// Factory opens one new backing connection. Implementations must honor the
// context deadline for the socket-level open.
type Factory func(ctx context.Context) (Conn, error)

// sqlConn wraps a database/sql handle pinned to a single underlying
// connection, so the pool's accounting matches real sessions one to one.
type sqlConn struct {
	db *sql.DB
}

func (c *sqlConn) PingContext(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

func (c *sqlConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *sqlConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *sqlConn) Close() error { return c.db.Close() }

// SQLFactory returns a Factory producing single-session database/sql handles
// for the given driver and DSN.
func SQLFactory(driverName, dsn string) Factory {
	return func(ctx context.Context) (Conn, error) {
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s connection: %w", driverName, err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping %s connection: %w", driverName, err)
		}
		return &sqlConn{db: db}, nil
	}
}

// pooledConn is the pool's bookkeeping wrapper around one live connection.
type pooledConn struct {
	conn       Conn
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	broken     bool
}

func (pc *pooledConn) idleFor(now time.Time) time.Duration {
	return now.Sub(pc.lastUsedAt)
}

func (pc *pooledConn) age(now time.Time) time.Duration {
	return now.Sub(pc.createdAt)
}
