package identity

import (
	"context"
	"log/slog"
)

// cachingResolver wraps a base resolver with an IdentityCache decorator,
// the same read-through-then-populate shape the teacher used for its
// Postgres-backed identity cache, generalized to any IdentityCache.
type cachingResolver struct {
	base   Resolver
	cache  IdentityCache
	logger *slog.Logger
}

// newCachingResolver creates a caching resolver wrapping base.
func newCachingResolver(base Resolver, cache IdentityCache) Resolver {
	return &cachingResolver{base: base, cache: cache, logger: slog.Default().With("component", "identity.cache")}
}

// Resolve tries the cache first, falling back to base and populating the
// cache on miss.
func (r *cachingResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	if hit := r.fromCache(ctx, identifier); hit != nil {
		return hit, nil
	}

	resolved, err := r.base.Resolve(ctx, identifier)
	if err != nil {
		return nil, err
	}
	r.populate(ctx, identifier, resolved)
	return resolved, nil
}

// fromCache returns the cached identity for identifier, or nil on a cache
// miss or error. A resolution error from the underlying cache is treated
// the same as a miss: the caller always has the base resolver to fall
// back to.
func (r *cachingResolver) fromCache(ctx context.Context, identifier string) *Identity {
	cached, err := r.cache.Get(ctx, identifier)
	if err != nil {
		return nil
	}
	cached.Method = MethodCache
	return cached
}

// populate writes resolved into the cache, logging but not propagating a
// cache write failure: a missed cache write just means the next lookup
// pays the resolution cost again.
func (r *cachingResolver) populate(ctx context.Context, identifier string, resolved *Identity) {
	if err := r.cache.Set(ctx, resolved); err != nil {
		r.logger.Warn("failed to cache resolved identity", "identifier", identifier, "error", err)
	}
}

func (r *cachingResolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	identity, err := r.Resolve(ctx, handle)
	if err != nil {
		return "", err
	}
	return identity.DID, nil
}

// GetDIDInfo, the Verify* bindings, and Purge are not cached: a DID
// document can change (key rotation, PDS migration) and the bindings exist
// specifically to catch that, so they always hit the base resolver live.
func (r *cachingResolver) GetDIDInfo(ctx context.Context, did string) (*DIDDocument, error) {
	return r.base.GetDIDInfo(ctx, did)
}

func (r *cachingResolver) VerifyPDSBinding(ctx context.Context, did, pds string) error {
	return r.base.VerifyPDSBinding(ctx, did, pds)
}

func (r *cachingResolver) VerifyIssuerBinding(ctx context.Context, pds, issuer string) error {
	return r.base.VerifyIssuerBinding(ctx, pds, issuer)
}

func (r *cachingResolver) VerifyHandleBinding(ctx context.Context, handle, did string) error {
	return r.base.VerifyHandleBinding(ctx, handle, did)
}

func (r *cachingResolver) Purge(ctx context.Context, identifier string) error {
	if err := r.cache.Purge(ctx, identifier); err != nil {
		return err
	}
	return r.base.Purge(ctx, identifier)
}
