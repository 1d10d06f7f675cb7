package signer

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// NodeId is the 20-byte address recovered from a known-message signature.
// It is the authenticated identity used throughout the wire transport and
// DHT, and the routing key of the Kademlia table.
type NodeId [20]byte

// Hex returns the canonical "0x"-prefixed lowercase hex encoding.
func (id NodeId) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id NodeId) String() string { return id.Hex() }

// IsZero reports whether id is the all-zero value.
func (id NodeId) IsZero() bool {
	return id == NodeId{}
}

// Equal reports whether id and other are the same address, case-insensitively.
func (id NodeId) Equal(other NodeId) bool {
	return id == other
}

// ParseNodeId decodes a "0x"-prefixed 20-byte hex address.
func ParseNodeId(s string) (NodeId, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 40 {
		return NodeId{}, fmt.Errorf("node id must be 40 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeId{}, fmt.Errorf("invalid node id hex: %w", err)
	}
	var id NodeId
	copy(id[:], b)
	return id, nil
}
