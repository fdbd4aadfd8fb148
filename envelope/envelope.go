// Package envelope implements the versioned, typed serialization format
// persisted sessions and nonces are stored under, encrypting sensitive
// fields in place by walking the parsed JSON tree with a path stack rather
// than by reflection over field names (spec §9 design note).
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atproto-oauth/atproto-oauth-go/crypto"
)

// sensitiveFields names the JSON object keys, anywhere in the tree, whose
// values must be replaced with an encrypted crypto.Envelope before the
// document is persisted.
var sensitiveFields = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"pkce_verifier": true,
	"d":             true, // EC private key component
}

// Envelope is the outer, unencrypted wrapper persisted for every stored
// value: {version, type, created_at, updated_at, data}.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Seal marshals data to JSON, encrypts every sensitive field found at any
// depth under the given encryption context, and wraps the result in an
// Envelope with typ and the supplied timestamps.
func Seal(svc *crypto.Service, context, typ string, createdAt, updatedAt int64, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal data: %w", err)
	}

	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal for encryption pass: %w", err)
	}

	encrypted, err := encryptTree(svc, context, nil, tree)
	if err != nil {
		return nil, err
	}

	encodedData, err := json.Marshal(encrypted)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal encrypted tree: %w", err)
	}

	return &Envelope{
		Version:   1,
		Type:      typ,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Data:      encodedData,
	}, nil
}

// Open decrypts every sensitive field in env.Data and unmarshals the result
// into out.
func Open(svc *crypto.Service, context string, env *Envelope, out any) error {
	if env.Version != 1 {
		return fmt.Errorf("envelope: unsupported envelope version %d", env.Version)
	}

	var tree any
	if err := json.Unmarshal(env.Data, &tree); err != nil {
		return fmt.Errorf("envelope: unmarshal data: %w", err)
	}

	decrypted, err := decryptTree(svc, context, nil, tree)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(decrypted)
	if err != nil {
		return fmt.Errorf("envelope: remarshal decrypted tree: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("envelope: unmarshal into destination: %w", err)
	}
	return nil
}

func path(stack []string) string {
	return "data." + strings.Join(stack, ".")
}

func encryptTree(svc *crypto.Service, context string, stack []string, node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			childStack := append(append([]string{}, stack...), key)
			if sensitiveFields[key] {
				str, ok := val.(string)
				if !ok || str == "" {
					out[key] = val
					continue
				}
				env, err := svc.Encrypt(context, path(childStack), []byte(str))
				if err != nil {
					return nil, fmt.Errorf("envelope: encrypt %s: %w", path(childStack), err)
				}
				out[key] = env
				continue
			}
			encrypted, err := encryptTree(svc, context, childStack, val)
			if err != nil {
				return nil, err
			}
			out[key] = encrypted
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			childStack := append(append([]string{}, stack...), fmt.Sprintf("%d", i))
			encrypted, err := encryptTree(svc, context, childStack, val)
			if err != nil {
				return nil, err
			}
			out[i] = encrypted
		}
		return out, nil
	default:
		return v, nil
	}
}

func decryptTree(svc *crypto.Service, context string, stack []string, node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if isEnvelopeShape(v) {
			env, err := envelopeFromMap(v)
			if err != nil {
				return nil, err
			}
			plaintext, err := svc.Decrypt(context, path(stack), env)
			if err != nil {
				return nil, fmt.Errorf("envelope: decrypt %s: %w", path(stack), err)
			}
			return string(plaintext), nil
		}
		out := make(map[string]any, len(v))
		for key, val := range v {
			childStack := append(append([]string{}, stack...), key)
			decrypted, err := decryptTree(svc, context, childStack, val)
			if err != nil {
				return nil, err
			}
			out[key] = decrypted
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			childStack := append(append([]string{}, stack...), fmt.Sprintf("%d", i))
			decrypted, err := decryptTree(svc, context, childStack, val)
			if err != nil {
				return nil, err
			}
			out[i] = decrypted
		}
		return out, nil
	default:
		return v, nil
	}
}

// isEnvelopeShape detects a crypto.Envelope that survived a JSON
// round-trip as a map[string]any: exactly {version, iv, data, tag}.
func isEnvelopeShape(m map[string]any) bool {
	if len(m) != 4 {
		return false
	}
	_, hasVersion := m["version"]
	_, hasIV := m["iv"]
	_, hasData := m["data"]
	_, hasTag := m["tag"]
	return hasVersion && hasIV && hasData && hasTag
}

func envelopeFromMap(m map[string]any) (*crypto.Envelope, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("envelope: remarshal candidate envelope: %w", err)
	}
	var env crypto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("envelope: parse candidate envelope: %w", err)
	}
	return &env, nil
}
