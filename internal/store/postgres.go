// Package store provides the persistent session.Store implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"rummi-server/internal/session"
)

// pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore keeps one JSONB document per session, guarded by a version
// column.
type PostgresStore struct {
	pool pool
}

func NewPostgresStore(p pool) *PostgresStore {
	return &PostgresStore{pool: p}
}

// OpenPool connects to dsn.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, code string) (*session.Session, error) {
	var data []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM sessions WHERE code = $1`, code).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, oops.With("operation", "get session").With("code", code).Wrap(err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, oops.With("operation", "decode session").With("code", code).Wrap(err)
	}
	sess.Version = version
	return &sess, nil
}

func (s *PostgresStore) Create(ctx context.Context, sess *session.Session) error {
	sess.Version = 1
	data, err := json.Marshal(sess)
	if err != nil {
		return oops.With("operation", "encode session").Wrap(err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (code, id, status, players, version, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		 ON CONFLICT (code) DO NOTHING`,
		sess.Code, sess.ID, string(sess.Status), len(sess.Players), data, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return oops.With("operation", "create session").With("code", sess.Code).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrCodeTaken
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, sess *session.Session) error {
	expected := sess.Version
	next := *sess
	next.Version = expected + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return oops.With("operation", "encode session").Wrap(err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $2, players = $3, version = version + 1, data = $4, updated_at = $5
		 WHERE code = $1 AND version = $6`,
		sess.Code, string(sess.Status), len(sess.Players), data, sess.UpdatedAt, expected)
	if err != nil {
		return oops.With("operation", "put session").With("code", sess.Code).Wrap(err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE code = $1)`, sess.Code).Scan(&exists)
		if err != nil {
			return oops.With("operation", "check session").With("code", sess.Code).Wrap(err)
		}
		if !exists {
			return session.ErrNotFound
		}
		return session.ErrConflict
	}

	sess.Version = expected + 1
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, code string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE code = $1`, code); err != nil {
		return oops.With("operation", "delete session").With("code", code).Wrap(err)
	}
	return nil
}

func (s *PostgresStore) Bind(ctx context.Context, connID, code string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO connections (conn_id, code, bound_at) VALUES ($1, $2, now())
		 ON CONFLICT (conn_id) DO UPDATE SET code = EXCLUDED.code, bound_at = EXCLUDED.bound_at`,
		connID, code)
	if err != nil {
		return oops.With("operation", "bind connection").With("conn_id", connID).Wrap(err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, connID string) (string, error) {
	var code string
	err := s.pool.QueryRow(ctx, `SELECT code FROM connections WHERE conn_id = $1`, connID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", oops.With("operation", "lookup connection").With("conn_id", connID).Wrap(err)
	}
	return code, nil
}

func (s *PostgresStore) Unbind(ctx context.Context, connID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE conn_id = $1`, connID); err != nil {
		return oops.With("operation", "unbind connection").With("conn_id", connID).Wrap(err)
	}
	return nil
}

// Sweep deletes over or empty sessions idle since before the cutoff. Their
// connection bindings go with them through the foreign key.
func (s *PostgresStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions
		 WHERE (status IN ($1, $2) OR players = 0) AND updated_at < $3`,
		string(session.StatusFinished), string(session.StatusDraw), time.Now().Add(-olderThan))
	if err != nil {
		return 0, oops.With("operation", "sweep sessions").Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
