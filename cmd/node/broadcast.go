package main

import (
	"encoding/json"
	"log"

	"github.com/quorumchain/node/bft"
	"github.com/quorumchain/node/core"
	"github.com/quorumchain/node/gossip"
	"github.com/quorumchain/node/wire"
)

// newBlockBroadcaster fans a newly proposed block out over both the wire
// transport (connected peers) and the gossip hub (HTTP-only peers),
// matching the shape each transport's own inbound handler expects.
func newBlockBroadcaster(server *wire.Server, hub *gossip.Hub, gossipPeers []string) func(*core.Block) {
	return func(block *core.Block) {
		raw, err := json.Marshal(block)
		if err != nil {
			log.Printf("[broadcast] marshal block: %v", err)
			return
		}
		msg, err := json.Marshal(wire.BlockMessage{Block: raw})
		if err == nil {
			server.Broadcast(wire.Frame{Type: wire.FrameBlock, Payload: msg})
		}
		if hub != nil && len(gossipPeers) > 0 {
			body, _ := json.Marshal(struct {
				Block json.RawMessage `json:"block"`
			}{Block: raw})
			hub.Broadcast(gossipPeers, "/p2p/gossip-block", body)
		}
	}
}

// newBftBroadcaster fans a round's prepare/commit votes out the same way.
func newBftBroadcaster(server *wire.Server, hub *gossip.Hub, gossipPeers []string) func(bft.Message) {
	return func(m bft.Message) {
		vm := wire.BftVoteMessage{
			Type:      string(m.Type),
			Height:    wire.U64String(m.Height),
			BlockHash: m.BlockHash,
			SenderId:  m.SenderId,
			Signature: m.Signature,
		}
		payload, err := json.Marshal(vm)
		if err != nil {
			log.Printf("[broadcast] marshal bft message: %v", err)
			return
		}
		frameType := wire.FrameBftPrepare
		if m.Type == bft.VoteCommit {
			frameType = wire.FrameBftCommit
		}
		server.Broadcast(wire.Frame{Type: frameType, Payload: payload})
		if hub != nil && len(gossipPeers) > 0 {
			hub.Broadcast(gossipPeers, "/p2p/bft-message", payload)
		}
	}
}
