package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/storage"
)

// storageCache implements IdentityCache on top of the generic storage.Storage
// interface, replacing the teacher's Postgres-specific cache so the same
// Memory/Redis backends used for sessions and nonces also serve identity
// lookups.
type storageCache struct {
	store storage.Storage
	ttl   time.Duration
}

// NewStorageCache returns an IdentityCache backed by store, caching entries
// for ttl (bidirectionally, under both handle and DID keys, as the
// IdentityCache contract requires).
func NewStorageCache(store storage.Storage, ttl time.Duration) IdentityCache {
	return &storageCache{store: store, ttl: ttl}
}

func cacheKey(identifier string) string {
	return "atproto:identity-cache:" + identifier
}

func (c *storageCache) Get(ctx context.Context, identifier string) (*Identity, error) {
	raw, err := c.store.Get(ctx, cacheKey(identifier))
	if err != nil {
		return nil, &ErrCacheMiss{Identifier: identifier}
	}
	var identity Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("identity: corrupt cache entry for %s: %w", identifier, err)
	}
	return &identity, nil
}

func (c *storageCache) Set(ctx context.Context, identity *Identity) error {
	raw, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("identity: marshal cache entry: %w", err)
	}
	if identity.Handle != "" {
		if err := c.store.Set(ctx, cacheKey(identity.Handle), raw, c.ttl); err != nil {
			return err
		}
	}
	if identity.DID != "" {
		if err := c.store.Set(ctx, cacheKey(identity.DID), raw, c.ttl); err != nil {
			return err
		}
	}
	return nil
}

func (c *storageCache) Delete(ctx context.Context, identifier string) error {
	return c.store.Delete(ctx, cacheKey(identifier))
}

func (c *storageCache) Purge(ctx context.Context, identifier string) error {
	identity, err := c.Get(ctx, identifier)
	if err != nil {
		// Nothing cached under this key; still try deleting it directly.
		return c.store.Delete(ctx, cacheKey(identifier))
	}
	if identity.Handle != "" {
		if err := c.store.Delete(ctx, cacheKey(identity.Handle)); err != nil {
			return err
		}
	}
	if identity.DID != "" {
		if err := c.store.Delete(ctx, cacheKey(identity.DID)); err != nil {
			return err
		}
	}
	return nil
}
