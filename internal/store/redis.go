package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"rummi-server/internal/session"
)

const (
	sessionPrefix = "session:"
	connPrefix    = "conn:"
)

// RedisStore keeps each session as a JSON string under session:<code> and
// each connection binding under conn:<id>. Finished and drawn sessions expire
// after the terminal TTL.
type RedisStore struct {
	client      *redis.Client
	terminalTTL time.Duration
}

func NewRedisStore(client *redis.Client, terminalTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, terminalTTL: terminalTTL}
}

func sessionKey(code string) string { return sessionPrefix + code }
func connKey(connID string) string  { return connPrefix + connID }

func (r *RedisStore) ttlFor(s *session.Session) time.Duration {
	if s.Status.Terminal() {
		return r.terminalTTL
	}
	return 0
}

func decodeSession(data []byte, code string) (*session.Session, error) {
	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, oops.With("operation", "decode session").With("code", code).Wrap(err)
	}
	return &s, nil
}

func (r *RedisStore) Get(ctx context.Context, code string) (*session.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, oops.With("operation", "get session").With("code", code).Wrap(err)
	}
	return decodeSession(data, code)
}

func (r *RedisStore) Create(ctx context.Context, s *session.Session) error {
	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		return oops.With("operation", "encode session").Wrap(err)
	}

	ok, err := r.client.SetNX(ctx, sessionKey(s.Code), data, r.ttlFor(s)).Result()
	if err != nil {
		return oops.With("operation", "create session").With("code", s.Code).Wrap(err)
	}
	if !ok {
		return session.ErrCodeTaken
	}
	return nil
}

// Put runs the version check and the write inside WATCH/MULTI so a concurrent
// writer aborts the transaction.
func (r *RedisStore) Put(ctx context.Context, s *session.Session) error {
	key := sessionKey(s.Code)
	expected := s.Version

	next := *s
	next.Version = expected + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return oops.With("operation", "encode session").Wrap(err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}

		current, err := decodeSession(raw, s.Code)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return session.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttlFor(s))
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		return session.ErrConflict
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrConflict):
		return err
	case err != nil:
		return oops.With("operation", "put session").With("code", s.Code).Wrap(err)
	}

	s.Version = expected + 1
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, sessionKey(code)).Err(); err != nil {
		return oops.With("operation", "delete session").With("code", code).Wrap(err)
	}
	return nil
}

func (r *RedisStore) Bind(ctx context.Context, connID, code string) error {
	if err := r.client.Set(ctx, connKey(connID), code, 0).Err(); err != nil {
		return oops.With("operation", "bind connection").With("conn_id", connID).Wrap(err)
	}
	return nil
}

func (r *RedisStore) Lookup(ctx context.Context, connID string) (string, error) {
	code, err := r.client.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", oops.With("operation", "lookup connection").With("conn_id", connID).Wrap(err)
	}
	return code, nil
}

func (r *RedisStore) Unbind(ctx context.Context, connID string) error {
	if err := r.client.Del(ctx, connKey(connID)).Err(); err != nil {
		return oops.With("operation", "unbind connection").With("conn_id", connID).Wrap(err)
	}
	return nil
}

// Sweep removes sessions the TTL does not cover (empty ones, or terminal ones
// written without expiry) and bindings whose session is gone.
func (r *RedisStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	deleted := 0

	iter := r.client.Scan(ctx, 0, sessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return deleted, oops.With("operation", "sweep sessions").Wrap(err)
		}

		s, err := decodeSession(data, strings.TrimPrefix(key, sessionPrefix))
		if err != nil {
			return deleted, err
		}
		if !session.Sweepable(s, cutoff) {
			continue
		}
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return deleted, oops.With("operation", "sweep sessions").Wrap(err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, oops.With("operation", "sweep sessions").Wrap(err)
	}

	conns := r.client.Scan(ctx, 0, connPrefix+"*", 100).Iterator()
	for conns.Next(ctx) {
		code, err := r.client.Get(ctx, conns.Val()).Result()
		if err != nil {
			continue
		}
		n, err := r.client.Exists(ctx, sessionKey(code)).Result()
		if err != nil {
			return deleted, oops.With("operation", "sweep bindings").Wrap(err)
		}
		if n == 0 {
			r.client.Del(ctx, conns.Val())
		}
	}
	if err := conns.Err(); err != nil {
		return deleted, oops.With("operation", "sweep bindings").Wrap(err)
	}

	return deleted, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
