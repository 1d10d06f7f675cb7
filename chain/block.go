// Package chain implements block proposal, validation, and finality
// tracking for the consensus core: the chain engine and the consensus
// driver that ticks it.
package chain

import (
	"fmt"

	"github.com/quorumchain/node/core"
	"github.com/quorumchain/node/signer"
)

// canonicalBlockString is the exact string a proposer signs: "block:" ‖ hash.
// This is a distinct signing scheme from the account-transaction signatures
// core.Block.Sign/Verify already provide (ed25519, a non-goal concern here);
// block proposal authenticity rides on the node's secp256k1 identity so
// chain-level trust matches the wire/DHT trust boundary.
func canonicalBlockString(hash string) string {
	return "block:" + hash
}

// SignBlock computes block's hash from its header and signs it with s,
// the proposing node's identity.
func SignBlock(block *core.Block, s *signer.Signer) {
	block.Hash = block.ComputeHash()
	block.Signature = s.Sign(canonicalBlockString(block.Hash))
}

// VerifyBlockSignature recomputes block's hash and checks that its
// signature recovers to proposerId.
func VerifyBlockSignature(block *core.Block, proposerId signer.NodeId) error {
	computed := block.ComputeHash()
	if computed != block.Hash {
		return fmt.Errorf("%w: stored %s computed %s", ErrBlockHashMismatch, block.Hash, computed)
	}
	if !signer.Verify(canonicalBlockString(block.Hash), block.Signature, proposerId) {
		return fmt.Errorf("%w: signature does not recover to proposer %s", ErrSignatureInvalid, proposerId.Hex())
	}
	return nil
}
