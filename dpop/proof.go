package dpop

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// ProofOptions controls optional claims on a generated proof.
type ProofOptions struct {
	// Nonce is the server-provided DPoP-Nonce to embed, if any.
	Nonce string
	// AccessToken, if set, causes an `ath` claim to be computed, unless
	// WithoutATH is also set. Default per spec §4.6 is ath=true whenever an
	// access token is supplied.
	AccessToken string
	// WithoutATH suppresses the `ath` claim even though AccessToken is set.
	WithoutATH bool
}

// GenerateProof builds a DPoP proof JWT for an HTTP request to method/rawURL,
// per spec §4.6: header {typ:"dpop+jwt", alg:"ES256", jwk:<public JWK>},
// payload {jti, htm, htu, iat} plus optional nonce/ath.
func (km *KeyManager) GenerateProof(method, rawURL string, opts ProofOptions) (string, error) {
	htu, err := normalizeURL(rawURL)
	if err != nil {
		return "", wrapf("generate_proof", err, "invalid URL %q", rawURL)
	}

	claims := map[string]any{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(method),
		"htu": htu,
		"iat": time.Now().Unix(),
	}
	if opts.Nonce != "" {
		claims["nonce"] = opts.Nonce
	}
	if opts.AccessToken != "" && !opts.WithoutATH {
		sum := sha256.Sum256([]byte(opts.AccessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", wrapf("generate_proof", err, "failed to marshal claims")
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.AlgorithmKey, jwa.ES256); err != nil {
		return "", wrapf("generate_proof", err, "failed to set alg header")
	}
	if err := headers.Set(jws.TypeKey, "dpop+jwt"); err != nil {
		return "", wrapf("generate_proof", err, "failed to set typ header")
	}
	if err := headers.Set(jws.JWKKey, km.public); err != nil {
		return "", wrapf("generate_proof", err, "failed to set jwk header")
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256, km.private, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", wrapf("generate_proof", err, "failed to sign proof")
	}
	return string(signed), nil
}

// normalizeURL strips the default port and fragment, keeping scheme, host,
// path, and query verbatim, per spec §4.6's htu normalization rule.
func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Fragment = ""

	host := u.Hostname()
	port := u.Port()
	if port != "" && ((u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80")) {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u.String(), nil
}
