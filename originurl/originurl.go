// Package originurl enforces the "simple origin URL" shape used throughout
// AT Protocol OAuth discovery documents: scheme, host, and an optional
// non-default port, nothing else.
package originurl

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate returns nil if raw is a valid origin URL: scheme https, no
// userinfo, empty or "/" path, no query, no fragment, and (if an explicit
// port is present) a port that differs from the scheme's default (443).
func Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("originurl: %q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("originurl: %q must use https", raw)
	}
	if u.User != nil {
		return fmt.Errorf("originurl: %q must not contain userinfo", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("originurl: %q must not contain a path", raw)
	}
	if u.RawQuery != "" {
		return fmt.Errorf("originurl: %q must not contain a query", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("originurl: %q must not contain a fragment", raw)
	}
	if port := u.Port(); port != "" && port == "443" {
		return fmt.Errorf("originurl: %q must not specify the default port", raw)
	}
	return nil
}

// Canonicalize returns the origin (scheme + host + non-default port) for
// raw, stripping path/query/fragment and default ports. It does not
// validate raw's scheme — callers needing strict validation should call
// Validate first.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("originurl: %q is not a valid URL: %w", raw, err)
	}
	host := u.Hostname()
	port := u.Port()
	if port != "" {
		if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
			port = ""
		}
	}
	origin := u.Scheme + "://" + host
	if port != "" {
		origin += ":" + port
	}
	return origin, nil
}

// IsLocalhost reports whether host (as returned by url.Hostname) names the
// local loopback interface, used to permit non-HTTPS schemes during local
// development per the client-metadata and DPoP-nonce rules.
func IsLocalhost(host string) bool {
	h := strings.ToLower(host)
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}
