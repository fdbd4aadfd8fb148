// Package pds is a minimal example resource client demonstrating how an
// application consumes the library's AuthHeaders/xrpc surface: plain JSON
// XRPC GET/POST calls authenticated with a DPoP-bound access token.
// Trimmed from the teacher's PDS client to the JSON XRPC subset — no
// CAR/CBOR repository plumbing, no blob upload, no password-auth fallback,
// none of which this OAuth-core module touches.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client issues JSON XRPC calls against a single PDS host, using an
// http.Client whose transport already attaches DPoP authentication (see
// xrpc.NewAuthenticatedClient).
type Client struct {
	HTTPClient *http.Client
	Host       string
}

// NewClient returns a Client for host, using httpClient for every request.
func NewClient(host string, httpClient *http.Client) *Client {
	return &Client{HTTPClient: httpClient, Host: strings.TrimRight(host, "/")}
}

// Get issues an XRPC query: GET <host>/xrpc/<nsid>?<params>, decoding the
// JSON response body into out.
func (c *Client) Get(ctx context.Context, nsid string, params url.Values, out any) error {
	endpoint := c.Host + "/xrpc/" + nsid
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("pds: build request: %w", err)
	}
	return c.do(req, out)
}

// Post issues an XRPC procedure: POST <host>/xrpc/<nsid> with body
// marshaled as JSON, decoding the JSON response body into out (if non-nil).
func (c *Client) Post(ctx context.Context, nsid string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("pds: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/xrpc/"+nsid, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("pds: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pds: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pds: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newErrorFromResponse(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("pds: invalid JSON response: %w", err)
	}
	return nil
}
