package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/scalecode-solutions/mvchat2-client/redis"
)

// KV is the subset of *redis.Client used by RedisStore.
type KV interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, dest any) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Compile-time check that the redis client satisfies KV.
var _ KV = (*redis.Client)(nil)

// RedisStore keeps credentials in Redis so several processes can share one
// session. The device id lives under its own key and survives Clear.
type RedisStore struct {
	kv  KV
	key string
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store keeping credentials under key.
func NewRedisStore(kv KV, key string) *RedisStore {
	return &RedisStore{kv: kv, key: key}
}

func (r *RedisStore) credsKey() string  { return r.key }
func (r *RedisStore) deviceKey() string { return r.key + ":device" }

func (r *RedisStore) Load(ctx context.Context) (*Credentials, error) {
	var c Credentials
	err := r.kv.Get(ctx, r.credsKey(), &c)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Save stores creds without expiry; the server decides when they stop working.
func (r *RedisStore) Save(ctx context.Context, creds *Credentials) error {
	return r.kv.Set(ctx, r.credsKey(), creds, 0)
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return r.kv.Delete(ctx, r.credsKey())
}

func (r *RedisStore) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := r.kv.Get(ctx, r.deviceKey(), &id)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, redis.ErrNotFound) {
		return "", err
	}

	// First writer wins; re-read so concurrent clients agree.
	if _, err := r.kv.SetNX(ctx, r.deviceKey(), newDeviceID(), 0); err != nil {
		return "", err
	}
	if err := r.kv.Get(ctx, r.deviceKey(), &id); err != nil {
		return "", err
	}
	return id, nil
}
