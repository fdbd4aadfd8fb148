// Package crypto provides the AES-256-GCM envelope encryption service used
// to protect sensitive fields (access/refresh tokens, PKCE verifiers, DPoP
// private key material) at rest. Keys are derived per context with
// HKDF-SHA256 from a single master key, grounded on the same
// nonce||ciphertext||tag sealing technique the teacher used for mobile
// session envelopes, generalized to the versioned {version,iv,data,tag}
// shape spec §6 requires.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // GCM standard nonce size
)

// Service derives a fresh AES-256 key per context from a single master key
// and performs authenticated encryption/decryption of byte payloads.
type Service struct {
	masterKey []byte
}

// NewService creates a Service from a 32-byte master key.
func NewService(masterKey []byte) (*Service, error) {
	if len(masterKey) != keyLen {
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", keyLen, len(masterKey))
	}
	return &Service{masterKey: masterKey}, nil
}

// LoadMasterKey reads ATPROTO_MASTER_KEY (base64, 32 bytes) from the
// environment. If unset, it generates a random per-process key and reports
// generated=true so callers can warn, matching spec §6's documented
// fallback behavior.
func LoadMasterKey() (key []byte, generated bool, err error) {
	if encoded := os.Getenv("ATPROTO_MASTER_KEY"); encoded != "" {
		decoded, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil {
			return nil, false, fmt.Errorf("crypto: ATPROTO_MASTER_KEY is not valid base64: %w", decodeErr)
		}
		if len(decoded) != keyLen {
			return nil, false, fmt.Errorf("crypto: ATPROTO_MASTER_KEY must decode to %d bytes, got %d", keyLen, len(decoded))
		}
		return decoded, false, nil
	}

	random := make([]byte, keyLen)
	if _, readErr := rand.Read(random); readErr != nil {
		return nil, false, fmt.Errorf("crypto: failed to generate random master key: %w", readErr)
	}
	return random, true, nil
}

// deriveKey computes HKDF-SHA256(master_key, salt=SHA256("atproto-salt-"+context),
// info="atproto-"+context, length=32) exactly as spec §6 specifies.
func (s *Service) deriveKey(context string) ([]byte, error) {
	salt := sha256.Sum256([]byte("atproto-salt-" + context))
	info := []byte("atproto-" + context)

	reader := hkdf.New(sha256.New, s.masterKey, salt[:], info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive failed: %w", err)
	}
	return key, nil
}

// Envelope is the sealed-value wire shape for a single sensitive field.
type Envelope struct {
	Version int    `json:"version"`
	IV      string `json:"iv"`
	Data    string `json:"data"`
	Tag     string `json:"tag"`
}

// Encrypt seals plaintext under the key derived for context, using aad as
// GCM additional authenticated data (spec §6: "auth-data is the dotted
// JSON path to the field").
func (s *Service) Encrypt(context string, aad string, plaintext []byte) (*Envelope, error) {
	key, err := s.deriveKey(context)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	iv := make([]byte, nonceLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(aad))
	// Go's GCM.Seal appends the tag to the ciphertext; split it back out so
	// the wire envelope carries ciphertext and tag as distinct fields.
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext := sealed[:tagStart]
	tag := sealed[tagStart:]

	return &Envelope{
		Version: 1,
		IV:      base64.StdEncoding.EncodeToString(iv),
		Data:    base64.StdEncoding.EncodeToString(ciphertext),
		Tag:     base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens env, requiring the same context and aad that Encrypt used.
func (s *Service) Decrypt(context string, aad string, env *Envelope) ([]byte, error) {
	if env.Version != 1 {
		return nil, fmt.Errorf("crypto: unsupported envelope version %d", env.Version)
	}

	key, err := s.deriveKey(context)
	if err != nil {
		return nil, err
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid iv encoding: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid data encoding: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid tag encoding: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	sealed := append(data, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong context or tampered data): %w", err)
	}
	return plaintext, nil
}
