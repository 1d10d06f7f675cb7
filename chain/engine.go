package chain

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/quorumchain/node/config"
	"github.com/quorumchain/node/core"
	"github.com/quorumchain/node/signer"
)

// Sentinel error kinds, matched with errors.Is at the call sites that need
// to tell block-invalid reasons apart (e.g. gossip relay vs. peer scoring).
var (
	ErrBlockHashMismatch = errors.New("block hash mismatch")
	ErrParentMismatch    = errors.New("parent hash mismatch")
	ErrTimestampInvalid  = errors.New("block timestamp invalid")
	ErrWeightInvalid     = errors.New("cumulative weight invalid")
	ErrSignatureInvalid  = errors.New("block signature invalid")
)

// maxClockDriftMs bounds how far into the future a block's timestamp may sit.
const maxClockDriftMs = 60_000

// recomputeWindow bounds how many blocks below the finality threshold a
// single apply re-checks, so a long-idle chain catching up does not walk
// its entire history on every new block.
const recomputeWindow = 256

// EVMExecutor applies a block's transactions to account/session/market
// state. The chain engine only calls it; the execution semantics
// themselves are an out-of-scope collaborator.
type EVMExecutor interface {
	ExecuteBlock(block *core.Block) error
}

// MempoolSource supplies pending transactions for the next proposal and is
// told which ones were included once a block commits.
type MempoolSource interface {
	Pending(limit int) []*core.Transaction
	Remove(ids []string)
}

// EngineConfig bundles Engine construction parameters.
type EngineConfig struct {
	Blockchain       *core.Blockchain
	State            core.State // nil disables state-root/commit wiring (test-only)
	Mempool          MempoolSource
	Executor         EVMExecutor
	Signer           *signer.Signer // nil: this node never proposes
	Validators       *Validators
	FinalityDepth    int64
	MaxBlockTxs      int
	RequireSignature bool
}

// Engine validates and applies blocks, proposes new ones on this node's
// turn, and maintains depth-based finality over the local chain. It is the
// single writer of chain state: every mutation path holds mu.
type Engine struct {
	mu sync.Mutex

	bc      *core.Blockchain
	state   core.State
	mempool MempoolSource
	exec    EVMExecutor
	signer  *signer.Signer
	vals    *Validators

	finalityDepth int64
	maxBlockTxs   int
	requireSig    bool
}

// NewEngine constructs an Engine from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	maxBlockTxs := cfg.MaxBlockTxs
	if maxBlockTxs <= 0 {
		maxBlockTxs = 500
	}
	finality := cfg.FinalityDepth
	if finality <= 0 {
		finality = 6
	}
	return &Engine{
		bc:            cfg.Blockchain,
		state:         cfg.State,
		mempool:       cfg.Mempool,
		exec:          cfg.Executor,
		signer:        cfg.Signer,
		vals:          cfg.Validators,
		finalityDepth: finality,
		maxBlockTxs:   maxBlockTxs,
		requireSig:    cfg.RequireSignature,
	}
}

// Tip returns the current chain tip, or nil for a fresh chain.
func (e *Engine) Tip() *core.Block { return e.bc.Tip() }

// Height returns the height of the current tip.
func (e *Engine) Height() int64 { return e.bc.Height() }

// BlockByHeight returns the committed block at height, if any.
func (e *Engine) BlockByHeight(height int64) (*core.Block, error) {
	return e.bc.GetBlockByHeight(height)
}

// BlockByHash returns the committed block with the given hash, if any.
func (e *Engine) BlockByHash(hash string) (*core.Block, error) {
	return e.bc.GetBlock(hash)
}

// ExpectedProposer returns the active validator expected to propose the
// block at height, by round-robin over validators sorted by id.
func (e *Engine) ExpectedProposer(height int64) (string, bool) {
	ids := e.vals.ActiveSortedIds()
	if len(ids) == 0 {
		return "", false
	}
	idx := int(uint64(height) % uint64(len(ids)))
	return ids[idx], true
}

// ApplyBlock validates and commits block. When trustedLocal is false (a
// block received over the wire or gossip) the BftFinalized flag is cleared
// before any other check runs: it is settable only through the trusted
// local call path (the BFT coordinator's onFinalized callback).
func (e *Engine) ApplyBlock(block *core.Block, trustedLocal bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyBlockLocked(block, trustedLocal)
}

func (e *Engine) applyBlockLocked(block *core.Block, trustedLocal bool) error {
	if !trustedLocal {
		block.BftFinalized = false
	}

	if existing, err := e.bc.GetBlock(block.Hash); err == nil && existing != nil {
		// Re-applying an already-committed block is normally a no-op, but
		// the trusted local path (the BFT coordinator's onFinalized
		// callback) still needs to persist a late BftFinalized flag onto a
		// block this node optimistically committed before the round closed.
		if trustedLocal && block.BftFinalized && !existing.BftFinalized {
			existing.BftFinalized = true
			if err := e.bc.UpdateBlock(existing); err != nil {
				log.Printf("[chain] failed to persist BFT finality for block %d: %v", existing.Header.Height, err)
			}
		}
		return nil
	}

	computed := block.ComputeHash()
	if block.Hash != computed {
		return fmt.Errorf("%w: stored %s computed %s", ErrBlockHashMismatch, block.Hash, computed)
	}

	tip := e.bc.Tip()
	if tip == nil {
		if !config.IsGenesisHash(block.Header.PrevHash) {
			return fmt.Errorf("%w: first block must reference genesis prev-hash", ErrParentMismatch)
		}
	} else {
		if block.Header.PrevHash != tip.Hash {
			return fmt.Errorf("%w: got %s want %s", ErrParentMismatch, block.Header.PrevHash, tip.Hash)
		}
		if block.Header.Height != tip.Header.Height+1 {
			return fmt.Errorf("%w: height %d does not follow tip %d", ErrParentMismatch, block.Header.Height, tip.Header.Height)
		}
		if block.Header.TimestampMs <= tip.Header.TimestampMs {
			return fmt.Errorf("%w: %d does not exceed parent %d", ErrTimestampInvalid, block.Header.TimestampMs, tip.Header.TimestampMs)
		}
		now := time.Now().UnixMilli()
		if block.Header.TimestampMs > now+maxClockDriftMs {
			return fmt.Errorf("%w: %d exceeds now+drift %d", ErrTimestampInvalid, block.Header.TimestampMs, now+maxClockDriftMs)
		}
		if block.Header.CumulativeWeight != tip.Header.CumulativeWeight+1 {
			return fmt.Errorf("%w: got %d want %d", ErrWeightInvalid, block.Header.CumulativeWeight, tip.Header.CumulativeWeight+1)
		}
	}

	if e.requireSig {
		proposerId, err := signer.ParseNodeId(block.Header.Proposer)
		if err != nil {
			return fmt.Errorf("%w: invalid proposer id: %v", ErrSignatureInvalid, err)
		}
		if err := VerifyBlockSignature(block, proposerId); err != nil {
			return err
		}
	}

	if e.exec != nil {
		if err := e.exec.ExecuteBlock(block); err != nil {
			return fmt.Errorf("execute block: %w", err)
		}
	}
	if e.state != nil {
		block.Header.StateRoot = e.state.ComputeRoot()
	}

	if err := e.bc.AddBlock(block); err != nil {
		return fmt.Errorf("add block: %w", err)
	}

	if e.state != nil {
		if err := e.state.Commit(); err != nil {
			log.Printf("[chain] FATAL: block %d stored but state commit failed: %v", block.Header.Height, err)
		}
	}

	if e.mempool != nil {
		ids := make([]string, len(block.Transactions))
		for i, tx := range block.Transactions {
			ids[i] = tx.ID
		}
		e.mempool.Remove(ids)
	}

	e.recomputeFinalityLocked(block.Header.Height)
	return nil
}

// recomputeFinalityLocked marks blocks depth-finalized once
// tip.number - block.number >= finalityDepth, walking back a bounded
// window from the newly-crossed threshold.
func (e *Engine) recomputeFinalityLocked(tipHeight int64) {
	threshold := tipHeight - e.finalityDepth
	if threshold < 0 {
		return
	}
	floor := threshold - recomputeWindow
	if floor < 0 {
		floor = 0
	}
	for h := threshold; h >= floor; h-- {
		b, err := e.bc.GetBlockByHeight(h)
		if err != nil || b == nil || b.Finalized {
			continue
		}
		b.Finalized = true
		if err := e.bc.UpdateBlock(b); err != nil {
			log.Printf("[chain] failed to persist finality for block %d: %v", h, err)
		}
	}
}

// ProposeNextBlock builds, executes, signs, and commits the next block if
// this node is the expected proposer for that height. It returns (nil, nil)
// when it is not this node's turn.
func (e *Engine) ProposeNextBlock() (*core.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.signer == nil {
		return nil, nil
	}

	tip := e.bc.Tip()
	nextHeight := int64(1)
	prevHash := config.GenesisHash
	cumulativeWeight := int64(1)
	if tip != nil {
		nextHeight = tip.Header.Height + 1
		prevHash = tip.Hash
		cumulativeWeight = tip.Header.CumulativeWeight + 1
	}

	expected, ok := e.ExpectedProposer(nextHeight)
	if !ok || !strings.EqualFold(expected, e.signer.NodeId().Hex()) {
		return nil, nil
	}

	var txs []*core.Transaction
	if e.mempool != nil {
		txs = e.mempool.Pending(e.maxBlockTxs)
	}

	block := core.NewBlock(nextHeight, prevHash, e.signer.NodeId().Hex(), txs, cumulativeWeight)

	if e.exec != nil {
		if err := e.exec.ExecuteBlock(block); err != nil {
			return nil, fmt.Errorf("execute block: %w", err)
		}
	}
	if e.state != nil {
		block.Header.StateRoot = e.state.ComputeRoot()
	}
	SignBlock(block, e.signer)

	if err := e.bc.AddBlock(block); err != nil {
		return nil, fmt.Errorf("add block: %w", err)
	}
	if e.state != nil {
		if err := e.state.Commit(); err != nil {
			log.Printf("[chain] FATAL: block %d stored but state commit failed: %v", block.Header.Height, err)
		}
	}
	if e.mempool != nil {
		ids := make([]string, len(txs))
		for i, tx := range txs {
			ids[i] = tx.ID
		}
		e.mempool.Remove(ids)
	}
	e.recomputeFinalityLocked(block.Header.Height)

	return block, nil
}

// MaybeAdoptSnapshot imports a contiguous, height-ascending block range that
// extends the local chain without a gap. It rejects overlapping or
// gapped ranges, validates every block with the same rules as ApplyBlock
// (trustedLocal=false, so BftFinalized is cleared and depth-finality is
// recomputed), and only commits if the whole range validates.
func (e *Engine) MaybeAdoptSnapshot(blocks []*core.Block) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(blocks) == 0 {
		return errors.New("empty snapshot")
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Header.Height != blocks[i-1].Header.Height+1 {
			return fmt.Errorf("snapshot blocks not contiguous at index %d", i)
		}
	}

	tip := e.bc.Tip()
	tipHeight := int64(0)
	if tip != nil {
		tipHeight = tip.Header.Height
	}

	first := blocks[0].Header.Height
	if tip != nil && first <= tipHeight {
		return fmt.Errorf("snapshot range overlaps local chain: first=%d tip=%d", first, tipHeight)
	}
	wantFirst := tipHeight + 1
	if tip == nil {
		wantFirst = 1
	}
	if first != wantFirst {
		return fmt.Errorf("snapshot range leaves a gap: first=%d want=%d", first, wantFirst)
	}

	// Validate the full range before committing any of it, so a bad block
	// partway through does not leave the chain half-imported.
	staged := make([]*core.Block, len(blocks))
	copy(staged, blocks)
	for _, b := range staged {
		b.BftFinalized = false
	}
	for i, b := range staged {
		if err := e.dryValidateLocked(b, staged, i); err != nil {
			return fmt.Errorf("snapshot block %d: %w", b.Header.Height, err)
		}
	}

	for i, b := range staged {
		if err := e.applyBlockLocked(b, false); err != nil {
			return fmt.Errorf("snapshot block %d (commit phase, %d of %d staged): %w", b.Header.Height, i+1, len(staged), err)
		}
	}
	return nil
}

// dryValidateLocked checks hash, parent linkage within the staged batch,
// timestamp, weight, and signature — without mutating chain state — so MaybeAdoptSnapshot can
// fail the whole batch before committing any of it.
func (e *Engine) dryValidateLocked(b *core.Block, staged []*core.Block, index int) error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("%w: stored %s computed %s", ErrBlockHashMismatch, b.Hash, computed)
	}

	var parent *core.Block
	if index == 0 {
		parent = e.bc.Tip()
	} else {
		parent = staged[index-1]
	}
	if parent == nil {
		if !config.IsGenesisHash(b.Header.PrevHash) {
			return fmt.Errorf("%w: first block must reference genesis prev-hash", ErrParentMismatch)
		}
	} else {
		if b.Header.PrevHash != parent.Hash {
			return fmt.Errorf("%w: got %s want %s", ErrParentMismatch, b.Header.PrevHash, parent.Hash)
		}
		if b.Header.TimestampMs <= parent.Header.TimestampMs {
			return fmt.Errorf("%w: %d does not exceed parent %d", ErrTimestampInvalid, b.Header.TimestampMs, parent.Header.TimestampMs)
		}
		now := time.Now().UnixMilli()
		if b.Header.TimestampMs > now+maxClockDriftMs {
			return fmt.Errorf("%w: %d exceeds now+drift %d", ErrTimestampInvalid, b.Header.TimestampMs, now+maxClockDriftMs)
		}
		if b.Header.CumulativeWeight != parent.Header.CumulativeWeight+1 {
			return fmt.Errorf("%w: got %d want %d", ErrWeightInvalid, b.Header.CumulativeWeight, parent.Header.CumulativeWeight+1)
		}
	}

	if e.requireSig {
		proposerId, err := signer.ParseNodeId(b.Header.Proposer)
		if err != nil {
			return fmt.Errorf("%w: invalid proposer id: %v", ErrSignatureInvalid, err)
		}
		if err := VerifyBlockSignature(b, proposerId); err != nil {
			return err
		}
	}
	return nil
}
