// Package storage defines the abstract key/value store every session,
// nonce, and DPoP-keypair persistence path is built on. Concrete backends
// live in the memory and redis subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key does not exist (or has expired).
var ErrNotFound = errors.New("storage: key not found")

// ErrLockNotHeld is returned by ReleaseLock when token does not match the
// token currently holding key's lock (or nothing holds it at all) — it was
// already released, stolen by another holder after this one's TTL expired,
// or never actually acquired.
var ErrLockNotHeld = errors.New("storage: lock not held")

// Storage is the abstract capability every backend must provide: get/set
// with TTL, existence checks, batched get/set, and advisory locking used to
// serialize session mutations (spec §5 "Locking discipline").
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MultiSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error

	// AcquireLock attempts to atomically take an advisory lock on key for
	// ttl, returning ok=false if it is already held. On success it returns
	// an opaque token identifying this acquisition, which must be passed to
	// ReleaseLock to release it. Implementations must make acquisition
	// atomic (e.g. SET NX in Redis; a guarded map in memory).
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseLock releases key's lock if token matches its current holder,
	// returning ErrLockNotHeld otherwise.
	ReleaseLock(ctx context.Context, key, token string) error
}

// WithLock acquires key's lock, runs fn, and releases the lock on every
// exit path including a panic or error from fn. It polls briefly for the
// lock rather than failing immediately, matching the "wait briefly" refresh
// semantics spec §5 describes for concurrent session access.
func WithLock(ctx context.Context, s Storage, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(ttl)
	backoff := 10 * time.Millisecond
	var token string
	for {
		t, ok, err := s.AcquireLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			token = t
			break
		}
		if time.Now().After(deadline) {
			return &LockError{Key: key}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}

	defer func() {
		_ = s.ReleaseLock(ctx, key, token)
	}()

	return fn(ctx)
}

// LockError is raised when a lock cannot be acquired within its own TTL
// window.
type LockError struct {
	Key string
}

func (e *LockError) Error() string { return "storage: failed to acquire lock for " + e.Key }
func (e *LockError) Code() string  { return "LockError" }

// Error wraps a backend failure, distinguishing it from ErrNotFound so
// callers can apply spec §7's "reads return null, writes propagate" policy.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string { return "storage: " + e.Op + " " + e.Key + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Code() string  { return "StorageError" }

// KeySession builds the atproto:session:<id> key.
func KeySession(id string) string { return "atproto:session:" + id }

// KeyState builds the atproto:state:<token> key.
func KeyState(token string) string { return "atproto:state:" + token }

// KeyNonce builds the atproto:nonce:<server_origin> key.
func KeyNonce(serverOrigin string) string { return "atproto:nonce:" + serverOrigin }

// KeyLock builds the atproto:lock:<namespace>:<id> key used by WithLock.
func KeyLock(namespace, id string) string { return "atproto:lock:" + namespace + ":" + id }

// KeyDPoPKeypair builds the atproto:dpop:<client_id> key reserved for the
// persisted, encrypted DPoP keypair (spec §9 open question resolution).
func KeyDPoPKeypair(clientID string) string { return "atproto:dpop:" + clientID }
