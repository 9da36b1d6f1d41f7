// Package pgxkv provides a postgres-backed session KV using the pgx driver.
//
// Schema:
//
//	CREATE TABLE weblategate_sessions (
//		id TEXT PRIMARY KEY,
//		data BYTEA NOT NULL,
//		expires_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX weblategate_sessions_expires_at_idx ON weblategate_sessions (expires_at);
package pgxkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"lds.li/weblategate/session"
)

const DefaultTableName = "weblategate_sessions"

var (
	_ DBConn     = (*pgx.Conn)(nil)
	_ DBConn     = (*pgxpool.Pool)(nil)
	_ session.KV = (*KV)(nil)
)

type DBConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	data BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (expires_at);`
	getQueryTemplate    = `SELECT data FROM %s WHERE id = $1 AND expires_at > now()`
	setQueryTemplate    = `INSERT INTO %s (id, data, expires_at) VALUES ($1, $2, $3) ON CONFLICT(id) DO UPDATE SET data=EXCLUDED.data, expires_at=EXCLUDED.expires_at`
	deleteQueryTemplate = `DELETE FROM %s WHERE id = $1`
	gcQueryTemplate     = `DELETE FROM %s WHERE expires_at < now()`
)

type KV struct {
	conn DBConn

	schema      string
	getQuery    string
	setQuery    string
	deleteQuery string
	gcQuery     string
}

type Opts struct {
	TableName string
}

func New(conn DBConn, opts *Opts) *KV {
	tn := DefaultTableName
	if opts != nil && opts.TableName != "" {
		tn = opts.TableName
	}
	idx := pgx.Identifier{tn + "_expires_at_idx"}.Sanitize()
	tn = pgx.Identifier{tn}.Sanitize()
	return &KV{
		conn: conn,

		schema:      fmt.Sprintf(schemaTemplate, tn, idx),
		getQuery:    fmt.Sprintf(getQueryTemplate, tn),
		setQuery:    fmt.Sprintf(setQueryTemplate, tn),
		deleteQuery: fmt.Sprintf(deleteQueryTemplate, tn),
		gcQuery:     fmt.Sprintf(gcQueryTemplate, tn),
	}
}

// Migrate creates the table if it does not exist.
func (k *KV) Migrate(ctx context.Context) error {
	if _, err := k.conn.Exec(ctx, k.schema); err != nil {
		return fmt.Errorf("creating session table: %w", err)
	}
	return nil
}

func (k *KV) Get(ctx context.Context, key string) (_ []byte, found bool, _ error) {
	var data []byte
	if err := k.conn.QueryRow(ctx, k.getQuery, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}
	return data, true, nil
}

func (k *KV) Set(ctx context.Context, key string, expiresAt time.Time, value []byte) error {
	if _, err := k.conn.Exec(ctx, k.setQuery, key, value, expiresAt); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if _, err := k.conn.Exec(ctx, k.deleteQuery, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// GC removes expired rows.
func (k *KV) GC(ctx context.Context) (deleted int, _ error) {
	res, err := k.conn.Exec(ctx, k.gcQuery)
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	return int(res.RowsAffected()), nil
}

// RunGC calls GC every interval until ctx is done.
func (k *KV) RunGC(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "session garbage collection stopped", "reason", ctx.Err())
				return
			case <-ticker.C:
				deleted, err := k.GC(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "session garbage collection failed", "err", err)
					continue
				}
				logger.DebugContext(ctx, "session garbage collection done", "deleted_rows", deleted)
			}
		}
	}()
}
