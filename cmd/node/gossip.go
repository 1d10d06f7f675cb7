package main

import (
	"encoding/json"
	"time"

	"github.com/quorumchain/node/chain"
	"github.com/quorumchain/node/dht"
	"github.com/quorumchain/node/gossip"
	"github.com/quorumchain/node/wire"
)

// chainSnapshotDepth bounds how many of the most recent blocks a single
// GET /p2p/chain-snapshot response carries.
const chainSnapshotDepth = 256

// newGossipHandlers wires the HTTP fanout hub to the same apply paths the
// wire transport uses, so a block or transaction reaches the engine and
// mempool identically regardless of which carrier delivered it.
func newGossipHandlers(r *frameRouter, engine *chain.Engine, table *dht.Table) gossip.Handlers {
	return gossip.Handlers{
		OnTx:         r.applyRawTx,
		OnBlock:      r.applyRawBlock,
		OnBftMessage: r.handleBftMessage,
		ChainSnapshot: func() (gossip.ChainSnapshotResponse, bool) {
			return buildChainSnapshot(engine)
		},
		StateSnapshot: func() (json.RawMessage, bool) {
			return nil, false // bulk state dump/import is not implemented
		},
		Peers: func() []wire.WirePeerRef {
			peers := table.AllPeers()
			refs := make([]wire.WirePeerRef, len(peers))
			for i, p := range peers {
				refs[i] = wire.WirePeerRef{Id: p.Id, Address: p.Address, Seen: wire.U64String(uint64(p.LastSeenMs))}
			}
			return refs
		},
	}
}

// buildChainSnapshot returns up to chainSnapshotDepth of the most recent
// committed blocks, oldest first, for a peer catching up via block sync.
func buildChainSnapshot(engine *chain.Engine) (gossip.ChainSnapshotResponse, bool) {
	tip := engine.Height()
	if tip <= 0 {
		return gossip.ChainSnapshotResponse{}, false
	}
	from := tip - chainSnapshotDepth + 1
	if from < 0 {
		from = 0
	}
	blocks := make([]json.RawMessage, 0, tip-from+1)
	for h := from; h <= tip; h++ {
		block, err := engine.BlockByHeight(h)
		if err != nil || block == nil {
			continue
		}
		data, err := json.Marshal(block)
		if err != nil {
			continue
		}
		blocks = append(blocks, data)
	}
	if len(blocks) == 0 {
		return gossip.ChainSnapshotResponse{}, false
	}
	return gossip.ChainSnapshotResponse{Blocks: blocks, UpdatedAtMs: time.Now().UnixMilli()}, true
}
