package signer

import "crypto/sha256"

// hashBytes returns the raw SHA-256 digest of data.
func hashBytes(data []byte) [32]byte {
	return sha256.Sum256(data)
}
