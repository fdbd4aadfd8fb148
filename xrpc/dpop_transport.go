// Package xrpc provides a DPoP-aware http.RoundTripper for making
// authenticated calls against a PDS once a session holds tokens, grounded
// on the teacher's DPoP transport (attach headers, absorb DPoP-Nonce,
// retry once on a nonce challenge), adapted to this module's own dpop
// package instead of a session-store-coupled implementation.
package xrpc

import (
	"fmt"
	"net/http"

	"github.com/atproto-oauth/atproto-oauth-go/dpop"
)

// DPoPTransport wraps a base http.RoundTripper, attaching
// "Authorization: DPoP <access_token>" and a fresh DPoP proof to every
// outgoing request, per spec §4.9's AuthHeaders contract. On a 401 response
// carrying a DPoP-Nonce header it absorbs the nonce and retries the request
// exactly once with a regenerated proof.
type DPoPTransport struct {
	Base        http.RoundTripper
	DPoP        *dpop.Client
	AccessToken string
}

// NewDPoPTransport wraps base (http.DefaultTransport if nil) with DPoP
// authentication for accessToken, proofs generated through dc.
func NewDPoPTransport(base http.RoundTripper, dc *dpop.Client, accessToken string) *DPoPTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DPoPTransport{Base: base, DPoP: dc, AccessToken: accessToken}
}

// RoundTrip implements http.RoundTripper.
func (t *DPoPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())

	resp, err := t.doOnce(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	newNonce := resp.Header.Get("DPoP-Nonce")
	if newNonce == "" {
		return resp, nil
	}
	_ = resp.Body.Close()

	if absorbErr := t.DPoP.ProcessResponse(req.Context(), resp.Header, req.URL.String()); absorbErr != nil {
		return nil, absorbErr
	}
	return t.doOnce(req.Clone(req.Context()))
}

func (t *DPoPTransport) doOnce(req *http.Request) (*http.Response, error) {
	proof, err := t.DPoP.GenerateProof(req.Context(), req.Method, req.URL.String(), t.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("xrpc: generate DPoP proof: %w", err)
	}

	req.Header.Set("Authorization", "DPoP "+t.AccessToken)
	req.Header.Set("DPoP", proof)

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if newNonce := resp.Header.Get("DPoP-Nonce"); newNonce != "" {
		if absorbErr := t.DPoP.ProcessResponse(req.Context(), resp.Header, req.URL.String()); absorbErr != nil {
			_ = resp.Body.Close()
			return nil, absorbErr
		}
	}
	return resp, nil
}

// NewAuthenticatedClient returns an *http.Client whose requests carry
// correct DPoP authentication headers for accessToken.
func NewAuthenticatedClient(base *http.Client, dc *dpop.Client, accessToken string) *http.Client {
	var rt http.RoundTripper
	if base != nil {
		rt = base.Transport
	}
	transport := NewDPoPTransport(rt, dc, accessToken)
	client := &http.Client{Transport: transport}
	if base != nil {
		client.Timeout = base.Timeout
		client.CheckRedirect = base.CheckRedirect
	}
	return client
}
