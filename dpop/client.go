package dpop

import (
	"context"
	"net/http"
)

// Client is the facade binding a KeyManager to a NonceManager (spec §4.6
// C9): it generates proofs with the correct nonce auto-attached, and
// absorbs DPoP-Nonce response headers so the next proof to that server
// carries the freshest value.
type Client struct {
	Keys   *KeyManager
	Nonces *NonceManager
}

// NewClient wires a KeyManager and NonceManager into a facade.
func NewClient(keys *KeyManager, nonces *NonceManager) *Client {
	return &Client{Keys: keys, Nonces: nonces}
}

// GenerateProof builds a proof for method/rawURL, always attaching the nonce
// stored for the derived server origin, if there is one; callers cannot pass
// a nonce of their own.
func (c *Client) GenerateProof(ctx context.Context, method, rawURL, accessToken string) (string, error) {
	nonce, err := c.Nonces.Get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	proof, err := c.Keys.GenerateProof(method, rawURL, ProofOptions{Nonce: nonce, AccessToken: accessToken})
	if err != nil {
		return "", err
	}
	return proof, nil
}

// ProcessResponse reads a case-insensitive DPoP-Nonce header from headers
// and, if present, updates the nonce manager for serverURL's origin.
func (c *Client) ProcessResponse(ctx context.Context, headers http.Header, serverURL string) error {
	nonce := headers.Get("DPoP-Nonce")
	if nonce == "" {
		return nil
	}
	return c.Nonces.Update(ctx, serverURL, nonce)
}
