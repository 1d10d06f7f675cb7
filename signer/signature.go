package signer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Sign signs msg (a caller-supplied canonical UTF-8 string) with priv and
// returns a hex-encoded 65-byte recoverable signature.
func Sign(priv PrivateKey, msg string) string {
	digest := hashBytes([]byte(msg))
	sig := ecdsa.SignCompact(priv.key, digest[:], false)
	return "0x" + hex.EncodeToString(sig)
}

// Recover recovers the NodeId (address) that produced sig over msg.
func Recover(msg string, sigHex string) (NodeId, error) {
	sig, err := decodeSig(sigHex)
	if err != nil {
		return NodeId{}, err
	}
	digest := hashBytes([]byte(msg))
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return NodeId{}, fmt.Errorf("recover signature: %w", err)
	}
	return PublicKey{key: pub}.Address(), nil
}

// Verify checks that sig over msg recovers to expectedAddress
// (case-insensitive compare on the hex form).
func Verify(msg, sigHex string, expectedAddress NodeId) bool {
	got, err := Recover(msg, sigHex)
	if err != nil {
		return false
	}
	return strings.EqualFold(got.Hex(), expectedAddress.Hex())
}

func decodeSig(sigHex string) ([]byte, error) {
	sigHex = strings.TrimPrefix(strings.TrimPrefix(sigHex, "0x"), "0X")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, errors.New("signature must be 65 bytes")
	}
	return sig, nil
}
