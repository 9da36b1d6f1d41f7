// Package pgstore keeps remote users in PostgreSQL.
//
// Schema:
//
//	CREATE TABLE remote_users (
//		id BIGSERIAL PRIMARY KEY,
//		username TEXT NOT NULL UNIQUE,
//		email TEXT NOT NULL DEFAULT '',
//		first_name TEXT NOT NULL DEFAULT '',
//		last_name TEXT NOT NULL DEFAULT '',
//		is_active BOOLEAN NOT NULL DEFAULT true,
//		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//		last_login TIMESTAMPTZ
//	);
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"lds.li/weblategate/remoteuser"
)

const DefaultTableName = "remote_users"

var (
	_ DBConn               = (*pgx.Conn)(nil)
	_ DBConn               = (*pgxpool.Pool)(nil)
	_ remoteuser.UserStore = (*Store)(nil)
)

type DBConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	columns = `id, username, email, first_name, last_name, is_active, created_at, last_login`

	schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login TIMESTAMPTZ
);`
	byIDQueryTemplate       = `SELECT ` + columns + ` FROM %s WHERE id = $1`
	byUsernameQueryTemplate = `SELECT ` + columns + ` FROM %s WHERE username = $1`
	// The no-op update makes RETURNING yield the existing row on conflict.
	// xmax is zero only for freshly inserted rows.
	getOrCreateQueryTemplate = `INSERT INTO %s (username) VALUES ($1)
ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
RETURNING ` + columns + `, (xmax = 0) AS created`
	updateQueryTemplate      = `UPDATE %s SET username = $2, email = $3, first_name = $4, last_name = $5, is_active = $6 WHERE id = $1`
	recordLoginQueryTemplate = `UPDATE %s SET last_login = $2 WHERE id = $1`
)

type Store struct {
	conn DBConn

	schema           string
	byIDQuery        string
	byUsernameQuery  string
	getOrCreateQuery string
	updateQuery      string
	recordLoginQuery string
}

type Opts struct {
	TableName string
}

func New(conn DBConn, opts *Opts) *Store {
	tn := DefaultTableName
	if opts != nil && opts.TableName != "" {
		tn = opts.TableName
	}
	tn = pgx.Identifier{tn}.Sanitize()
	return &Store{
		conn: conn,

		schema:           fmt.Sprintf(schemaTemplate, tn),
		byIDQuery:        fmt.Sprintf(byIDQueryTemplate, tn),
		byUsernameQuery:  fmt.Sprintf(byUsernameQueryTemplate, tn),
		getOrCreateQuery: fmt.Sprintf(getOrCreateQueryTemplate, tn),
		updateQuery:      fmt.Sprintf(updateQueryTemplate, tn),
		recordLoginQuery: fmt.Sprintf(recordLoginQueryTemplate, tn),
	}
}

// Migrate creates the table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, s.schema); err != nil {
		return fmt.Errorf("creating user table: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row, extra ...any) (*remoteuser.User, error) {
	var (
		u         remoteuser.User
		lastLogin *time.Time
	)
	dest := append([]any{&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.IsActive, &u.CreatedAt, &lastLogin}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, remoteuser.ErrUserNotFound
		}
		return nil, err
	}
	if lastLogin != nil {
		u.LastLogin = *lastLogin
	}
	return &u, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*remoteuser.User, error) {
	u, err := scanUser(s.conn.QueryRow(ctx, s.byIDQuery, id))
	if err != nil && !errors.Is(err, remoteuser.ErrUserNotFound) {
		return nil, fmt.Errorf("getting user %d: %w", id, err)
	}
	return u, err
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*remoteuser.User, error) {
	u, err := scanUser(s.conn.QueryRow(ctx, s.byUsernameQuery, username))
	if err != nil && !errors.Is(err, remoteuser.ErrUserNotFound) {
		return nil, fmt.Errorf("getting user %q: %w", username, err)
	}
	return u, err
}

func (s *Store) GetOrCreate(ctx context.Context, username string) (*remoteuser.User, bool, error) {
	var created bool
	u, err := scanUser(s.conn.QueryRow(ctx, s.getOrCreateQuery, username), &created)
	if err != nil {
		return nil, false, fmt.Errorf("upserting user %q: %w", username, err)
	}
	return u, created, nil
}

func (s *Store) Update(ctx context.Context, u *remoteuser.User) error {
	res, err := s.conn.Exec(ctx, s.updateQuery, u.ID, u.Username, u.Email, u.FirstName, u.LastName, u.IsActive)
	if err != nil {
		return fmt.Errorf("updating user %d: %w", u.ID, err)
	}
	if res.RowsAffected() == 0 {
		return remoteuser.ErrUserNotFound
	}
	return nil
}

func (s *Store) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	res, err := s.conn.Exec(ctx, s.recordLoginQuery, id, at)
	if err != nil {
		return fmt.Errorf("recording login for user %d: %w", id, err)
	}
	if res.RowsAffected() == 0 {
		return remoteuser.ErrUserNotFound
	}
	return nil
}
