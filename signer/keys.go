// Package signer implements node/validator identity: secp256k1 keypairs and
// deterministic sign/recover over caller-supplied canonical strings. A
// NodeId is the 20-byte address recovered from a signature, never a value
// the holder merely claims.
package signer

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GenerateKeyPair generates a new secp256k1 key pair.
func GenerateKeyPair() (PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return PrivateKey{}, fmt.Errorf("generate key: %w", err)
	}
	return PrivateKey{key: key}, nil
}

// Public derives the public key from priv.
func (priv PrivateKey) Public() PublicKey {
	return PublicKey{key: priv.key.PubKey()}
}

// Bytes returns the raw 32-byte private scalar.
func (priv PrivateKey) Bytes() []byte {
	return priv.key.Serialize()
}

// Hex returns the hex-encoded private key.
func (priv PrivateKey) Hex() string {
	return hex.EncodeToString(priv.Bytes())
}

// Address returns the 20-byte NodeId derived from the public key: the
// first 20 bytes of SHA-256 over the uncompressed public key encoding.
func (pub PublicKey) Address() NodeId {
	h := hashBytes(pub.key.SerializeUncompressed())
	var id NodeId
	copy(id[:], h[:20])
	return id
}

// Hex returns the hex-encoded, 0x-prefixed compressed public key.
func (pub PublicKey) Hex() string {
	return "0x" + hex.EncodeToString(pub.key.SerializeCompressed())
}

// PrivKeyFromHex decodes a hex-encoded private key (with or without 0x).
func PrivKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return PrivateKey{}, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return PrivateKey{}, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return PrivateKey{key: key}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// LoadOrGenerate loads a private key by priority: the named environment
// variable, then the on-disk path (0600 perms), then generates a fresh key
// and persists it to path. This mirrors the teacher's keystore-password
// priority (env var over CLI flags) generalized to key material itself.
func LoadOrGenerate(envVar, path string) (PrivateKey, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return PrivKeyFromHex(v)
		}
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return PrivKeyFromHex(string(trimTrailingNewline(data)))
		} else if !os.IsNotExist(err) {
			return PrivateKey{}, fmt.Errorf("read key file %s: %w", path, err)
		}
	}
	priv, err := GenerateKeyPair()
	if err != nil {
		return PrivateKey{}, err
	}
	if path != "" {
		if err := os.WriteFile(path, []byte(priv.Hex()), 0o600); err != nil {
			return PrivateKey{}, fmt.Errorf("persist generated key to %s: %w", path, err)
		}
	}
	return priv, nil
}

func trimTrailingNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
