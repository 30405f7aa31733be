package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// ed25519Prefix is the curve tag NEAR uses when rendering keys as text.
const ed25519Prefix = "ed25519"

// PrivateKey wraps an Ed25519 signing key in NEAR's expanded form: the 64-byte
// concatenation of seed and public key, rendered as "ed25519:<base58>".
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PublicKey is a 32-byte Ed25519 verification key.
type PublicKey struct {
	key ed25519.PublicKey
}

// GeneratePrivateKey creates a fresh random keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// ParsePrivateKey decodes a key in the "ed25519:<base58>" text form. Both the
// 64-byte expanded encoding and the bare 32-byte seed are accepted.
func ParsePrivateKey(encoded string) (*PrivateKey, error) {
	raw, err := decodeKeyString(encoded)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return &PrivateKey{key: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return &PrivateKey{key: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}

// Sign produces an Ed25519 signature over msg. NEAR signs the SHA-256 digest
// of the serialized transaction; hashing is the caller's responsibility.
func (k *PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.key, msg)
}

// PubKey returns the verification half of the keypair.
func (k *PrivateKey) PubKey() PublicKey {
	return PublicKey{key: k.key.Public().(ed25519.PublicKey)}
}

// String renders the key in NEAR's "ed25519:<base58>" form.
func (k *PrivateKey) String() string {
	return ed25519Prefix + ":" + base58.Encode(k.key)
}

// ParsePublicKey decodes a public key in the "ed25519:<base58>" text form.
func ParsePublicKey(encoded string) (PublicKey, error) {
	raw, err := decodeKeyString(encoded)
	if err != nil {
		return PublicKey{}, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return PublicKey{key: ed25519.PublicKey(raw)}, nil
}

// Verify reports whether sig is a valid signature over msg.
func (p PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(p.key, msg, sig)
}

// Bytes returns the raw 32-byte key.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, len(p.key))
	copy(out, p.key)
	return out
}

// String renders the key in NEAR's "ed25519:<base58>" form.
func (p PublicKey) String() string {
	return ed25519Prefix + ":" + base58.Encode(p.key)
}

func decodeKeyString(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("empty key string")
	}
	if curve, rest, found := strings.Cut(trimmed, ":"); found {
		if !strings.EqualFold(curve, ed25519Prefix) {
			return nil, fmt.Errorf("unsupported key curve %q", curve)
		}
		trimmed = rest
	}
	raw, err := base58.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode base58 key: %w", err)
	}
	return raw, nil
}
