package main

import (
	"encoding/json"
	"log"

	"github.com/quorumchain/node/bft"
	"github.com/quorumchain/node/chain"
	"github.com/quorumchain/node/core"
	"github.com/quorumchain/node/dht"
	"github.com/quorumchain/node/wire"
)

// frameRouter implements wire.FrameDispatcher: it is the single point
// where an authenticated peer's frames (arriving over either an inbound
// Server connection or an outbound Client connection) reach the rest of
// the node. On outbound connections wire.Client consumes Ping, Pong and
// FindNodeResponse frames before they reach here; inbound Server
// connections pass every post-handshake frame through, and types not
// handled below are logged and dropped.
type frameRouter struct {
	engine      *chain.Engine
	mempool     *core.Mempool
	coordinator *bft.Coordinator // nil when BFT is disabled
	table       *dht.Table
}

func (r *frameRouter) DispatchFrame(c *wire.Conn, f wire.Frame) error {
	switch f.Type {
	case wire.FrameBlock:
		return r.handleBlock(f.Payload)
	case wire.FrameTransaction:
		return r.handleTransaction(f.Payload)
	case wire.FrameBftPrepare:
		return r.handleBftVote(c, f.Payload, bft.VotePrepare)
	case wire.FrameBftCommit:
		return r.handleBftVote(c, f.Payload, bft.VoteCommit)
	case wire.FrameFindNode:
		return r.handleFindNode(c, f.Payload)
	default:
		log.Printf("[wire] unexpected frame type from %s: %s", c.AuthenticatedId(), f.Type)
		return nil
	}
}

func (r *frameRouter) handleBlock(payload []byte) error {
	var msg wire.BlockMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil // malformed payload: drop rather than tear down the connection
	}
	return r.applyRawBlock(msg.Block)
}

func (r *frameRouter) handleTransaction(payload []byte) error {
	var msg wire.TransactionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil
	}
	return r.applyRawTx(msg.RawTx)
}

// applyRawBlock and applyRawTx are shared by both the wire dispatcher
// above and the gossip hub handlers (gossip.go): the two transports carry
// the same payload shapes, just wrapped differently on the way in.

func (r *frameRouter) applyRawBlock(raw json.RawMessage) error {
	var block core.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil
	}
	if err := r.engine.ApplyBlock(&block, false); err != nil {
		log.Printf("[chain] rejected block %d from peer: %v", block.Header.Height, err)
	}
	return nil
}

func (r *frameRouter) applyRawTx(raw json.RawMessage) error {
	var tx core.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil
	}
	if err := r.mempool.Add(&tx); err != nil {
		log.Printf("[mempool] rejected tx %s from peer: %v", tx.ID, err)
	}
	return nil
}

// handleBftMessage is the gossip hub entry point for a BFT vote; the wire
// dispatcher's handleBftVote below covers the same message over TCP.
func (r *frameRouter) handleBftMessage(vm wire.BftVoteMessage) error {
	if r.coordinator == nil {
		return nil
	}
	r.coordinator.HandleMessage(bft.Message{
		Type:      bft.VoteType(vm.Type),
		Height:    uint64(vm.Height),
		BlockHash: vm.BlockHash,
		SenderId:  vm.SenderId,
		Signature: vm.Signature,
	})
	return nil
}

func (r *frameRouter) handleBftVote(c *wire.Conn, payload []byte, want bft.VoteType) error {
	if r.coordinator == nil {
		return nil // BFT disabled: depth-finality alone governs this chain
	}
	var vm wire.BftVoteMessage
	if err := json.Unmarshal(payload, &vm); err != nil {
		return nil
	}
	if vm.SenderId != c.AuthenticatedId() {
		log.Printf("[bft] dropping %s: claimed sender %s does not match authenticated connection %s", want, vm.SenderId, c.AuthenticatedId())
		return nil
	}
	r.coordinator.HandleMessage(bft.Message{
		Type:      want,
		Height:    uint64(vm.Height),
		BlockHash: vm.BlockHash,
		SenderId:  vm.SenderId,
		Signature: vm.Signature,
	})
	return nil
}

func (r *frameRouter) handleFindNode(c *wire.Conn, payload []byte) error {
	var req wire.FindNodeMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil
	}
	closest := r.table.FindClosest(req.Target, dht.KBucketSize)
	refs := make([]wire.WirePeerRef, len(closest))
	for i, p := range closest {
		refs[i] = wire.WirePeerRef{Id: p.Id, Address: p.Address, Seen: wire.U64String(uint64(p.LastSeenMs))}
	}
	data, err := json.Marshal(wire.FindNodeResponseMessage{RequestId: req.RequestId, Peers: refs})
	if err != nil {
		return nil
	}
	return c.Send(wire.Frame{Type: wire.FrameFindNodeResponse, Payload: data})
}
