// Package assertion builds RFC 7523 ES256 JWT client assertions used for
// `private_key_jwt` authentication to the token and PAR endpoints
// (spec §4.7, component C11).
package assertion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/atproto-oauth/atproto-oauth-go/dpop"
)

// DefaultLifetime is the spec §4.7 default assertion validity window.
const DefaultLifetime = 300 * time.Second

// Build constructs a signed client assertion JWT: header
// {alg:"ES256", typ:"JWT", kid:<jwk.kid>}, payload
// {iss:client_id, sub:client_id, aud:issuer, jti, iat, exp}.
func Build(km *dpop.KeyManager, clientID, issuer string, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	now := time.Now()

	claims := map[string]any{
		"iss": clientID,
		"sub": clientID,
		"aud": issuer,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("assertion: marshal claims: %w", err)
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.AlgorithmKey, jwa.ES256); err != nil {
		return "", fmt.Errorf("assertion: set alg header: %w", err)
	}
	if err := headers.Set(jws.TypeKey, "JWT"); err != nil {
		return "", fmt.Errorf("assertion: set typ header: %w", err)
	}
	if err := headers.Set(jws.KeyIDKey, km.Kid()); err != nil {
		return "", fmt.Errorf("assertion: set kid header: %w", err)
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, km.PrivateKey(), jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("assertion: sign: %w", err)
	}
	return string(signed), nil
}

// ClientAssertionType is the RFC 7523 urn value PAR/token requests must
// send alongside ClientAssertion whenever confidential client
// authentication is used, per spec §4.7.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
