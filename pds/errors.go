package pds

import (
	"encoding/json"
	"fmt"
)

// Error reports a non-2xx XRPC response, carrying the OAuth/XRPC error
// shape the PDS returns alongside the HTTP status.
type Error struct {
	StatusCode int
	Kind       string // XRPC "error" field, e.g. "ExpiredToken", "InvalidRequest"
	Message    string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("pds: HTTP %d: %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("pds: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unauthorized reports whether the PDS rejected the access token, the
// signal callers use to decide whether a refresh might help.
func (e *Error) Unauthorized() bool { return e.StatusCode == 401 }

func newErrorFromResponse(status int, body []byte) error {
	var wire struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &wire)
	return &Error{StatusCode: status, Kind: wire.Error, Message: wire.Message}
}
