package chain

import (
	"log"
	"time"

	"github.com/quorumchain/node/bft"
	"github.com/quorumchain/node/core"
)

// DriverConfig bundles Driver construction parameters. Coordinator and the
// snapshot/broadcast hooks may be nil: a node running without BFT enabled,
// or without peers configured yet, still ticks propose/sync on a lone
// chain.
type DriverConfig struct {
	Engine         *Engine
	Coordinator    *bft.Coordinator // nil disables BFT round start on propose
	BlockTimeMs    int64
	SyncIntervalMs int64

	// BroadcastBlock fans a newly-proposed block out over gossip/wire.
	BroadcastBlock func(*core.Block)

	// FetchSnapshot returns a candidate block range to import and whether
	// one is available (e.g. the best answer across connected peers).
	FetchSnapshot func() ([]*core.Block, bool)

	// SnapSyncEnabled and SnapSyncGapThreshold govern whether trySync
	// prefers a state-snapshot path before falling back to block-level
	// adoption when this node is far behind.
	SnapSyncEnabled      bool
	SnapSyncGapThreshold int64

	// FetchStateSnapshot commits a state snapshot first; used only when
	// SnapSyncEnabled and the local node is more than SnapSyncGapThreshold
	// blocks behind.
	FetchStateSnapshot func() error
}

// Driver runs the two periodic tasks that advance the chain: proposing a
// block on this node's turn, and pulling snapshots from peers to catch up.
type Driver struct {
	cfg DriverConfig
}

// NewDriver constructs a Driver from cfg, defaulting BlockTimeMs and
// SyncIntervalMs if unset.
func NewDriver(cfg DriverConfig) *Driver {
	if cfg.BlockTimeMs <= 0 {
		cfg.BlockTimeMs = 2000
	}
	if cfg.SyncIntervalMs <= 0 {
		cfg.SyncIntervalMs = 5000
	}
	return &Driver{cfg: cfg}
}

// Run starts both tick loops; it blocks until done is closed.
func (d *Driver) Run(done <-chan struct{}) {
	proposeTicker := time.NewTicker(time.Duration(d.cfg.BlockTimeMs) * time.Millisecond)
	syncTicker := time.NewTicker(time.Duration(d.cfg.SyncIntervalMs) * time.Millisecond)
	defer proposeTicker.Stop()
	defer syncTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-proposeTicker.C:
			d.tryPropose()
		case <-syncTicker.C:
			d.trySync()
		}
	}
}

// tryPropose asks the engine for the next block; on success it starts a BFT
// round (if configured) and broadcasts the block.
func (d *Driver) tryPropose() {
	block, err := d.cfg.Engine.ProposeNextBlock()
	if err != nil {
		log.Printf("[chain] propose error: %v", err)
		return
	}
	if block == nil {
		return // not this node's turn
	}
	if d.cfg.Coordinator != nil {
		d.cfg.Coordinator.StartRound(bft.ProposedBlock{
			Number: uint64(block.Header.Height),
			Hash:   block.Hash,
		})
	}
	if d.cfg.BroadcastBlock != nil {
		d.cfg.BroadcastBlock(block)
	}
}

// trySync fetches a candidate block range from peers and offers it to the
// engine. When snap-sync is enabled and the local node is far enough behind,
// a state-snapshot commit is attempted first; block-level adoption of the
// fetched range then runs in every case, whether that attempt succeeded,
// failed, or was skipped.
func (d *Driver) trySync() {
	if d.cfg.FetchSnapshot == nil {
		return
	}
	blocks, ok := d.cfg.FetchSnapshot()
	if !ok || len(blocks) == 0 {
		return
	}

	gap := blocks[len(blocks)-1].Header.Height - d.cfg.Engine.Height()
	if d.cfg.SnapSyncEnabled && d.cfg.FetchStateSnapshot != nil && gap > d.cfg.SnapSyncGapThreshold {
		if err := d.cfg.FetchStateSnapshot(); err != nil {
			log.Printf("[chain] state snapshot failed, falling back to block sync: %v", err)
		}
	}

	if err := d.cfg.Engine.MaybeAdoptSnapshot(blocks); err != nil {
		log.Printf("[chain] sync: %v", err)
	}
}
