package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"oidcrp/rp"
)

// RedisStore shares login state and sessions between instances. GETDEL makes
// state redemption atomic across them.
type RedisStore struct {
	c      *rdb.Client
	prefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	c := rdb.NewClient(&rdb.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return &RedisStore{c: c, prefix: prefix}, nil
}

func (r *RedisStore) stateKey(state string) string { return r.prefix + "state:" + state }
func (r *RedisStore) sessionKey(id string) string  { return r.prefix + "session:" + id }

func (r *RedisStore) SaveState(ctx context.Context, st rp.AuthRequestState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return r.c.Set(ctx, r.stateKey(st.State), b, ttlUntil(st.ExpiresAt)).Err()
}

func (r *RedisStore) ConsumeState(ctx context.Context, state string) (rp.AuthRequestState, bool, error) {
	b, err := r.c.GetDel(ctx, r.stateKey(state)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return rp.AuthRequestState{}, false, nil
	}
	if err != nil {
		return rp.AuthRequestState{}, false, err
	}
	var st rp.AuthRequestState
	if err := json.Unmarshal(b, &st); err != nil {
		return rp.AuthRequestState{}, false, fmt.Errorf("decode state: %w", err)
	}
	return st, true, nil
}

func (r *RedisStore) SaveSession(ctx context.Context, id string, p *rp.Principal, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return r.c.Set(ctx, r.sessionKey(id), b, ttl).Err()
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*rp.Principal, bool, error) {
	b, err := r.c.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p rp.Principal
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	return &p, true, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return r.c.Del(ctx, r.sessionKey(id)).Err()
}

func (r *RedisStore) Close() error { return r.c.Close() }

// NewStore builds the store selected by cfg.
func NewStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", StorageDriverMemory:
		return NewInMemoryStore(), nil
	case StorageDriverRedis:
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
