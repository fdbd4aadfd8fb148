// Package redis implements storage.Storage on top of go-redis/v9, grounded
// on the NewRedisStorageWithClient/key-prefix pattern used for auth-server
// session storage elsewhere in the ecosystem. Locks use SETNX so
// AcquireLock is atomic across processes sharing one Redis instance.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atproto-oauth/atproto-oauth-go/storage"
)

// releaseScript deletes a lock key only if its value still matches the
// token the caller acquired it with, so ReleaseLock never deletes a lock
// another holder took after this one's TTL expired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Storage is a Redis-backed implementation of storage.Storage.
type Storage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorageWithClient wraps an existing *redis.Client, namespacing
// every key under prefix so multiple logical stores can share one Redis
// instance.
func NewRedisStorageWithClient(client *redis.Client, prefix string) *Storage {
	return &Storage{client: client, prefix: prefix}
}

func (s *Storage) key(k string) string { return s.prefix + k }

func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, &storage.Error{Op: "get", Key: key, Err: err}
	}
	return val, nil
}

func (s *Storage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return &storage.Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return &storage.Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, &storage.Error{Op: "exists", Key: key, Err: err}
	}
	return n > 0, nil
}

func (s *Storage) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	vals, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, &storage.Error{Op: "multi_get", Key: "(batch)", Err: err}
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(str)
	}
	return out, nil
}

func (s *Storage) MultiSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	for key, value := range values {
		pipe.Set(ctx, s.key(key), value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &storage.Error{Op: "multi_set", Key: "(batch)", Err: err}
	}
	return nil
}

// AcquireLock uses SET key token NX EX ttl, the standard atomic Redis
// mutual-exclusion primitive, with a random token so ReleaseLock can tell
// this acquisition apart from one a different holder takes later.
func (s *Storage) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key("lock:"+key), token, ttl).Result()
	if err != nil {
		return "", false, &storage.Error{Op: "acquire_lock", Key: key, Err: err}
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock runs releaseScript so the delete only happens if token still
// matches, returning storage.ErrLockNotHeld when it doesn't (lock expired
// and was re-acquired by someone else, or was never held).
func (s *Storage) ReleaseLock(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key("lock:" + key)}, token).Int64()
	if err != nil {
		return &storage.Error{Op: "release_lock", Key: key, Err: err}
	}
	if n == 0 {
		return storage.ErrLockNotHeld
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Storage) Close() error {
	return s.client.Close()
}
