package identity

import "context"

// Resolver drives the handle->DID->DID-document->PDS->authorization-server
// chain and its bidirectional binding checks. This is the hard part of the
// library: every method here is a hand-implemented network algorithm, not a
// delegation to a third-party identity directory.
type Resolver interface {
	// Resolve resolves a handle or DID to complete identity information.
	Resolve(ctx context.Context, identifier string) (*Identity, error)

	// ResolveHandle resolves handle to its DID via DNS TXT lookup, falling
	// back to the HTTPS well-known endpoint only when DNS produces no
	// usable record at all.
	ResolveHandle(ctx context.Context, handle string) (did string, err error)

	// GetDIDInfo fetches and parses a DID document for did (PLC directory
	// for did:plc, .well-known/did.json for did:web).
	GetDIDInfo(ctx context.Context, did string) (*DIDDocument, error)

	// VerifyPDSBinding confirms did's DID document advertises pds as its
	// PDS service endpoint.
	VerifyPDSBinding(ctx context.Context, did, pds string) error

	// VerifyIssuerBinding confirms pds's resource-server metadata names
	// issuer as its sole authorization server.
	VerifyIssuerBinding(ctx context.Context, pds, issuer string) error

	// VerifyHandleBinding confirms did's DID document lists
	// at://<handle> in also_known_as.
	VerifyHandleBinding(ctx context.Context, handle, did string) error

	// Purge removes an identifier from the cache, if any.
	Purge(ctx context.Context, identifier string) error
}

// IdentityCache provides caching for resolved identities.
type IdentityCache interface {
	Get(ctx context.Context, identifier string) (*Identity, error)
	Set(ctx context.Context, identity *Identity) error
	Delete(ctx context.Context, identifier string) error
	Purge(ctx context.Context, identifier string) error
}
