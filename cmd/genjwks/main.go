package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/atproto-oauth/atproto-oauth-go/dpop"
)

// genjwks generates an ES256 keypair for private_key_jwt client
// authentication (spec §4.9 step 5). The output is a private JWK meant to
// be embedded in the ClientMetadata passed to atprotooauth.Config, not
// served as-is: the document published at the client_id URL should publish
// only the public half, via jwks_uri or a jwks set with d stripped.
//
// Usage:
//
//	go run ./cmd/genjwks
func main() {
	fmt.Println("Generating ES256 keypair for private_key_jwt client authentication...")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate private key: %v", err)
	}

	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		log.Fatalf("Failed to create JWK from private key: %v", err)
	}
	if err := jwkKey.Set(jwk.AlgorithmKey, "ES256"); err != nil {
		log.Fatalf("Failed to set alg: %v", err)
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		log.Fatalf("Failed to set use: %v", err)
	}
	// dpop.ImportKeyManager sets the kid, derived deterministically from
	// kty|crv|x|y; clientmeta.Validate rejects a JWKS key without one.
	rawJWK, err := json.Marshal(jwkKey)
	if err != nil {
		log.Fatalf("Failed to marshal JWK: %v", err)
	}
	km, err := dpop.ImportKeyManager(rawJWK)
	if err != nil {
		log.Fatalf("Failed to derive kid: %v", err)
	}

	jsonData, err := json.MarshalIndent(km.PrivateKey(), "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal JWK: %v", err)
	}

	fmt.Println("\nPrivate JWK (keep secret, never commit):")
	fmt.Println(string(jsonData))
	fmt.Println("\nWire it into the client's metadata:")
	fmt.Println(`
	var privateJWK clientmeta.JWK
	if err := json.Unmarshal(jwkJSON, &privateJWK); err != nil {
		return err
	}
	meta := &clientmeta.ClientMetadata{
		// ... client_id, redirect_uris, scope, etc.
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: "ES256",
		JWKS:                        &clientmeta.JWKSet{Keys: []clientmeta.JWK{privateJWK}},
	}
	client, err := atprotooauth.NewClient(ctx, atprotooauth.Config{ClientMetadata: meta, ...})`)
	fmt.Println("\nThe document published at client_id must NOT include this JWK's d")
	fmt.Println("component; publish the public half only (or a jwks_uri pointing at it).")

	if len(os.Args) > 1 && os.Args[1] == "--save" {
		filename := "client-signing-key.json"
		if err := os.WriteFile(filename, jsonData, 0600); err != nil {
			log.Fatalf("Failed to write key file: %v", err)
		}
		fmt.Printf("\nPrivate key saved to %s (add it to .gitignore)\n", filename)
	}
}
