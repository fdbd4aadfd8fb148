package identity

import (
	"net/http"
	"time"

	"github.com/atproto-oauth/atproto-oauth-go/storage"
)

// Config holds configuration for the identity resolver.
type Config struct {
	// PLCURL is the URL of the PLC directory (default: https://plc.directory)
	PLCURL string

	// CacheTTL is how long to cache resolved identities
	CacheTTL time.Duration

	// HTTPClient for making HTTP requests (optional, will use default if nil)
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PLCURL:     "https://plc.directory",
		CacheTTL:   24 * time.Hour,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewResolver creates a new identity resolver with caching, backed by the
// same storage.Storage instance the rest of the library uses for sessions
// and nonces, rather than a dedicated database connection.
func NewResolver(store storage.Storage, config Config) Resolver {
	if config.PLCURL == "" {
		config.PLCURL = "https://plc.directory"
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 24 * time.Hour
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	base := newBaseResolver(config.PLCURL, config.HTTPClient)
	cache := NewStorageCache(store, config.CacheTTL)
	return newCachingResolver(base, cache)
}
