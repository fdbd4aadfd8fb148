package refresh

import (
	"fmt"
	"time"
)

// Error is the RefreshError kind spec §7 names. RetryPossible governs
// whether attemptLoop should back off and try again or abort the refresh
// immediately.
type Error struct {
	Message       string
	RetryPossible bool
	RetryAfter    time.Duration
}

func (e *Error) Error() string { return fmt.Sprintf("refresh: %s", e.Message) }
func (e *Error) Code() string  { return "RefreshError" }

// InvalidTokenError reports a refresh token the authorization server has
// rejected outright (invalid_grant, HTTP 401, or a malformed success
// response) — always fatal, never retried.
type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string { return fmt.Sprintf("refresh: invalid token: %s", e.Reason) }
func (e *InvalidTokenError) Code() string  { return "TokenError" }
