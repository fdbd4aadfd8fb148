package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/atproto-oauth/atproto-oauth-go/httpclient"
	"github.com/atproto-oauth/atproto-oauth-go/originurl"
)

const dnsTimeout = 3 * time.Second

// baseResolver implements Resolver by hand: DNS TXT lookup with HTTPS
// well-known fallback for handles, PLC-directory/did:web document fetch for
// DIDs, and the three cross-binding checks. indigo's atproto/syntax package
// is used only for handle/DID syntax validation, never for resolution.
type baseResolver struct {
	plcURL     string
	httpClient *http.Client
	lookupTXT  func(ctx context.Context, name string) ([]string, error)
}

// newBaseResolver creates a resolver that talks to plcURL for did:plc
// lookups and dials out through httpClient (expected to be SSRF-hardened).
func newBaseResolver(plcURL string, client *http.Client) Resolver {
	if client == nil {
		client = httpclient.New(false)
	}
	resolver := net.Resolver{}
	return &baseResolver{
		plcURL:     strings.TrimRight(plcURL, "/"),
		httpClient: client,
		lookupTXT: func(ctx context.Context, name string) ([]string, error) {
			return resolver.LookupTXT(ctx, name)
		},
	}
}

// Resolve performs the full handle (or DID) -> Identity chain.
func (r *baseResolver) Resolve(ctx context.Context, identifier string) (*Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, &ErrInvalidIdentifier{Identifier: identifier, Reason: "identifier cannot be empty"}
	}

	if strings.HasPrefix(identifier, "did:") {
		doc, err := r.GetDIDInfo(ctx, identifier)
		if err != nil {
			return nil, err
		}
		return &Identity{
			DID:        identifier,
			PDSURL:     doc.PDS(),
			ResolvedAt: time.Now().UTC(),
			Method:     MethodHTTPS,
		}, nil
	}

	did, method, err := r.resolveHandleWithMethod(ctx, identifier)
	if err != nil {
		return nil, err
	}
	doc, err := r.GetDIDInfo(ctx, did)
	if err != nil {
		return nil, err
	}
	return &Identity{
		DID:        did,
		Handle:     normalizeHandle(identifier),
		PDSURL:     doc.PDS(),
		ResolvedAt: time.Now().UTC(),
		Method:     method,
	}, nil
}

// ResolveHandle implements spec §4.5's handle resolution order: DNS TXT
// first, then an HTTPS well-known fallback, but ONLY when DNS produced no
// usable record at all. If DNS returns a record whose did= suffix fails
// validation, that failure is final — no HTTPS fallback is attempted
// (spec §9 open question, resolved to match the reference exactly).
func (r *baseResolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	did, _, err := r.resolveHandleWithMethod(ctx, handle)
	return did, err
}

func (r *baseResolver) resolveHandleWithMethod(ctx context.Context, handle string) (string, ResolutionMethod, error) {
	handle = normalizeHandle(handle)
	if _, err := syntax.ParseHandle(handle); err != nil {
		return "", "", &ErrInvalidIdentifier{Identifier: handle, Reason: fmt.Sprintf("invalid handle: %v", err)}
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	records, dnsErr := r.lookupTXT(dnsCtx, "_atproto."+handle)
	if dnsErr == nil {
		for _, rec := range records {
			if !strings.HasPrefix(rec, "did=") {
				continue
			}
			candidate := strings.TrimPrefix(rec, "did=")
			if _, parseErr := syntax.ParseDID(candidate); parseErr != nil {
				// DNS answered but the DID it gave us is malformed: this
				// is a final failure, not a cue to try HTTPS (spec §9).
				return "", "", &ErrResolutionFailed{
					Identifier: handle,
					Reason:     fmt.Sprintf("DNS TXT record did=%q failed DID validation: %v", candidate, parseErr),
				}
			}
			return candidate, MethodDNS, nil
		}
	}

	// No usable DNS record (NXDOMAIN, timeout, no did= line): fall back to
	// the HTTPS well-known endpoint.
	did, err := r.resolveHandleHTTPS(ctx, handle)
	if err != nil {
		return "", "", err
	}
	return did, MethodHTTPS, nil
}

func (r *baseResolver) resolveHandleHTTPS(ctx context.Context, handle string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+handle+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", fmt.Errorf("identity: building well-known request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", &ErrResolutionFailed{Identifier: handle, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &ErrNotFound{Identifier: handle, Reason: fmt.Sprintf("well-known endpoint returned HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ErrResolutionFailed{Identifier: handle, Reason: err.Error()}
	}

	did := strings.TrimSpace(string(body))
	if _, err := syntax.ParseDID(did); err != nil {
		return "", &ErrResolutionFailed{Identifier: handle, Reason: fmt.Sprintf("well-known body is not a valid DID: %v", err)}
	}
	return did, nil
}

// GetDIDInfo fetches and parses a DID document, dispatching on the DID
// method exactly per spec §4.5/§6.
func (r *baseResolver) GetDIDInfo(ctx context.Context, didStr string) (*DIDDocument, error) {
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return nil, &ErrInvalidIdentifier{Identifier: didStr, Reason: fmt.Sprintf("invalid DID: %v", err)}
	}

	var docURL string
	switch {
	case strings.HasPrefix(did.String(), "did:plc:"):
		docURL = r.plcURL + "/" + did.String()
	case strings.HasPrefix(did.String(), "did:web:"):
		rest := strings.TrimPrefix(did.String(), "did:web:")
		parts := strings.SplitN(rest, ":", 2)
		domain := parts[0]
		if len(parts) == 1 {
			docURL = "https://" + domain + "/.well-known/did.json"
		} else {
			path := strings.ReplaceAll(parts[1], ":", "/")
			docURL = "https://" + domain + "/" + path + "/did.json"
		}
	default:
		return nil, &ErrInvalidIdentifier{Identifier: didStr, Reason: "unsupported DID method"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: building DID document request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &ErrResolutionFailed{Identifier: didStr, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ErrNotFound{Identifier: didStr, Reason: fmt.Sprintf("DID document fetch returned HTTP %d", resp.StatusCode)}
	}

	var wire didDocumentWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &DocumentError{DID: didStr, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	doc := &DIDDocument{DID: wire.ID, AlsoKnownAs: wire.AlsoKnownAs}
	for _, svc := range wire.Service {
		doc.Service = append(doc.Service, Service{ID: svc.ID, Type: svc.Type, ServiceEndpoint: svc.ServiceEndpoint})
	}

	if doc.PDS() == "" {
		return nil, &DocumentError{DID: didStr, Reason: "document has no AtprotoPersonalDataServer service entry"}
	}
	if err := originurl.Validate(mustOrigin(doc.PDS())); err != nil {
		return nil, &DocumentError{DID: didStr, Reason: fmt.Sprintf("PDS URL is not a valid HTTPS origin: %v", err)}
	}

	return doc, nil
}

// VerifyPDSBinding confirms did's DID document's PDS matches pds, comparing
// normalized origins (default-port stripped, no trailing slash/query/fragment).
func (r *baseResolver) VerifyPDSBinding(ctx context.Context, did, pds string) error {
	doc, err := r.GetDIDInfo(ctx, did)
	if err != nil {
		return err
	}
	docOrigin, err := originurl.Canonicalize(doc.PDS())
	if err != nil {
		return &ValidationError{Kind: "pds_binding", Reason: err.Error()}
	}
	wantOrigin, err := originurl.Canonicalize(pds)
	if err != nil {
		return &ValidationError{Kind: "pds_binding", Reason: err.Error()}
	}
	if docOrigin != wantOrigin {
		return &ValidationError{Kind: "pds_binding", Reason: fmt.Sprintf("document PDS %q does not match %q", docOrigin, wantOrigin)}
	}
	return nil
}

// VerifyIssuerBinding fetches pds's resource-server metadata and confirms
// its sole authorization server matches issuer.
func (r *baseResolver) VerifyIssuerBinding(ctx context.Context, pds, issuer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(pds, "/")+"/.well-known/oauth-protected-resource", nil)
	if err != nil {
		return fmt.Errorf("identity: building resource-metadata request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &ValidationError{Kind: "issuer_binding", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ValidationError{Kind: "issuer_binding", Reason: fmt.Sprintf("resource metadata fetch returned HTTP %d", resp.StatusCode)}
	}

	var meta struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return &ValidationError{Kind: "issuer_binding", Reason: fmt.Sprintf("invalid resource metadata JSON: %v", err)}
	}
	if len(meta.AuthorizationServers) != 1 {
		return &ValidationError{Kind: "issuer_binding", Reason: "resource metadata must list exactly one authorization server"}
	}

	gotOrigin, err := originurl.Canonicalize(meta.AuthorizationServers[0])
	if err != nil {
		return &ValidationError{Kind: "issuer_binding", Reason: err.Error()}
	}
	wantOrigin, err := originurl.Canonicalize(issuer)
	if err != nil {
		return &ValidationError{Kind: "issuer_binding", Reason: err.Error()}
	}
	if gotOrigin != wantOrigin {
		return &ValidationError{Kind: "issuer_binding", Reason: fmt.Sprintf("resource metadata authorization server %q does not match issuer %q", gotOrigin, wantOrigin)}
	}
	return nil
}

// VerifyHandleBinding confirms did's DID document lists at://<handle> in
// also_known_as.
func (r *baseResolver) VerifyHandleBinding(ctx context.Context, handle, did string) error {
	doc, err := r.GetDIDInfo(ctx, did)
	if err != nil {
		return err
	}
	want := "at://" + normalizeHandle(handle)
	for _, aka := range doc.AlsoKnownAs {
		if aka == want {
			return nil
		}
	}
	return &ValidationError{Kind: "handle_binding", Reason: fmt.Sprintf("document also_known_as does not contain %q", want)}
}

func (r *baseResolver) Purge(ctx context.Context, identifier string) error {
	return nil
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func mustOrigin(rawURL string) string {
	origin, err := originurl.Canonicalize(rawURL)
	if err != nil {
		return rawURL
	}
	return origin
}

type didDocumentWire struct {
	ID          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}
