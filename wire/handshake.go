package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quorumchain/node/signer"
)

// NonceMaxSkew bounds how far the timestamp portion of a handshake nonce
// may drift from the local clock in either direction.
const NonceMaxSkew = 5 * time.Minute

// NonceCacheSize is the minimum bounded replay-cache size the spec requires.
const NonceCacheSize = 10_000

// CanonicalHandshakeString builds the string signed by the handshake.
func CanonicalHandshakeString(nodeId, chainId, nonce string) string {
	return "wire:handshake:" + nodeId + ":" + chainId + ":" + nonce
}

// NewNonce returns a fresh "<unixMilli>:<uuid>" nonce.
func NewNonce() string {
	return fmt.Sprintf("%d:%s", time.Now().UnixMilli(), uuid.NewString())
}

// BuildHandshake constructs and signs a handshake from s for the given
// chain and local chain height.
func BuildHandshake(s *signer.Signer, chainId string, height uint64) Handshake {
	nonce := NewNonce()
	nodeId := s.NodeId().Hex()
	sig := s.Sign(CanonicalHandshakeString(nodeId, chainId, nonce))
	return Handshake{
		NodeId:    nodeId,
		ChainId:   chainId,
		Height:    U64String(height),
		Nonce:     nonce,
		Signature: sig,
	}
}

// NonceTimestamp extracts the millisecond timestamp portion of a
// "<ms>:<uuid>" nonce.
func NonceTimestamp(nonce string) (time.Time, error) {
	idx := strings.IndexByte(nonce, ':')
	if idx <= 0 {
		return time.Time{}, fmt.Errorf("malformed nonce %q", nonce)
	}
	ms, err := strconv.ParseInt(nonce[:idx], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed nonce timestamp %q: %w", nonce, err)
	}
	return time.UnixMilli(ms), nil
}

// Verifier authenticates a claimed NodeId against a signature.
type Verifier func(msg, sig string, claimed signer.NodeId) bool

// DefaultVerifier uses signer.Verify directly.
func DefaultVerifier(msg, sig string, claimed signer.NodeId) bool {
	return signer.Verify(msg, sig, claimed)
}

// VerifyHandshake applies the fail-closed admission rules from §4.5: the
// nonce must be absent-free, within NonceMaxSkew, unseen in nonceCache, the
// chain id must match, and the signature must recover to the claimed
// NodeId. verifier may be nil only in test-only configurations; production
// builds must always supply one (RequireAuthenticatedVerify).
func VerifyHandshake(hs Handshake, expectChainId string, verifier Verifier, nonceCache *DedupSet, now time.Time) error {
	if hs.ChainId != expectChainId {
		return fmt.Errorf("%w: chain id mismatch: got %q want %q", ErrAuthFailure, hs.ChainId, expectChainId)
	}
	if hs.Signature == "" || hs.Nonce == "" {
		return fmt.Errorf("%w: missing signature or nonce", ErrAuthFailure)
	}
	ts, err := NonceTimestamp(hs.Nonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if ts.Before(now.Add(-NonceMaxSkew)) || ts.After(now.Add(NonceMaxSkew)) {
		return fmt.Errorf("%w: nonce timestamp outside +/-%s window", ErrAuthFailure, NonceMaxSkew)
	}
	if nonceCache != nil && nonceCache.SeenOrAdd(hs.NodeId+"|"+hs.Nonce) {
		return fmt.Errorf("%w: nonce replay detected", ErrAuthFailure)
	}
	if verifier == nil {
		return nil // test-only fail-open configuration
	}
	claimed, err := signer.ParseNodeId(hs.NodeId)
	if err != nil {
		return fmt.Errorf("%w: invalid nodeId: %v", ErrAuthFailure, err)
	}
	msg := CanonicalHandshakeString(hs.NodeId, hs.ChainId, hs.Nonce)
	if !verifier(msg, hs.Signature, claimed) {
		return fmt.Errorf("%w: handshake signature does not recover to claimed nodeId", ErrAuthFailure)
	}
	return nil
}
