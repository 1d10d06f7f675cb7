// Package bft implements the BFT-lite round state machine, round
// coordination, and equivocation/slashing used to finalize blocks proposed
// by the chain engine.
package bft

import "fmt"

// VoteType distinguishes a prepare vote from a commit vote.
type VoteType string

const (
	VotePrepare VoteType = "prepare"
	VoteCommit  VoteType = "commit"
)

// Validator is one member of the active validator set.
type Validator struct {
	Id     string
	Stake  uint64
	Active bool
}

// Message is a signed BFT vote as carried over the wire or gossip hub.
type Message struct {
	Type      VoteType
	Height    uint64
	BlockHash string
	SenderId  string
	Signature string
}

// CanonicalString builds the exact string a validator signs for m:
// "bft:" ‖ type ‖ ":" ‖ height ‖ ":" ‖ blockHash.
func (m Message) CanonicalString() string {
	return fmt.Sprintf("bft:%s:%d:%s", m.Type, m.Height, m.BlockHash)
}

// EquivocationEvidence records a validator voting for two distinct block
// hashes at the same (height, phase).
type EquivocationEvidence struct {
	ValidatorId string
	Height      uint64
	Phase       VoteType
	BlockHash1  string
	BlockHash2  string
	DetectedAt  int64 // unix ms
}
