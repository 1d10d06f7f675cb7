package chain

import (
	"errors"
	"testing"

	"github.com/quorumchain/node/config"
	"github.com/quorumchain/node/core"
	"github.com/quorumchain/node/internal/testutil"
	"github.com/quorumchain/node/signer"
)

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	priv, err := signer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return signer.New(priv)
}

func newTestEngine(t *testing.T, s *signer.Signer, vals *Validators, requireSig bool) *Engine {
	t.Helper()
	bc := core.NewBlockchain(testutil.NewMemBlockStore())
	if err := bc.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return NewEngine(EngineConfig{
		Blockchain:       bc,
		Signer:           s,
		Validators:       vals,
		RequireSignature: requireSig,
		FinalityDepth:    2,
	})
}

// signedChild builds and signs the next block after parent (or the genesis
// block if parent is nil), without going through Engine.ProposeNextBlock.
func signedChild(s *signer.Signer, parent *core.Block) *core.Block {
	height := int64(1)
	prevHash := config.GenesisHash
	weight := int64(1)
	if parent != nil {
		height = parent.Header.Height + 1
		prevHash = parent.Hash
		weight = parent.Header.CumulativeWeight + 1
	}
	b := core.NewBlock(height, prevHash, s.NodeId().Hex(), nil, weight)
	if parent != nil && b.Header.TimestampMs <= parent.Header.TimestampMs {
		b.Header.TimestampMs = parent.Header.TimestampMs + 1
	}
	SignBlock(b, s)
	return b
}

func TestProposeNextBlockSingleValidator(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block, err := e.ProposeNextBlock()
	if err != nil {
		t.Fatalf("ProposeNextBlock: %v", err)
	}
	if block == nil {
		t.Fatal("expected a proposed block, got nil")
	}
	if block.Header.Height != 1 {
		t.Errorf("height = %d, want 1", block.Header.Height)
	}
	if block.Header.PrevHash != config.GenesisHash {
		t.Errorf("prev hash = %s, want genesis", block.Header.PrevHash)
	}
	if block.Header.CumulativeWeight != 1 {
		t.Errorf("cumulative weight = %d, want 1", block.Header.CumulativeWeight)
	}
	if e.Height() != 1 {
		t.Errorf("engine height = %d, want 1", e.Height())
	}

	second, err := e.ProposeNextBlock()
	if err != nil {
		t.Fatalf("ProposeNextBlock (2): %v", err)
	}
	if second == nil || second.Header.Height != 2 {
		t.Fatalf("expected height-2 block, got %+v", second)
	}
	if second.Header.PrevHash != block.Hash {
		t.Errorf("second block does not chain onto first")
	}
}

func TestProposeNextBlockNotOurTurn(t *testing.T) {
	other := newTestSigner(t)
	s := newTestSigner(t)
	// Only "other" is a registered validator; s should never be asked to
	// propose for any height.
	vals := NewValidators(map[string]uint64{other.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block, err := e.ProposeNextBlock()
	if err != nil {
		t.Fatalf("ProposeNextBlock: %v", err)
	}
	if block != nil {
		t.Fatalf("expected nil block when it is not this node's turn, got %+v", block)
	}
}

func TestExpectedProposerRoundRobin(t *testing.T) {
	a := newTestSigner(t)
	b := newTestSigner(t)
	vals := NewValidators(map[string]uint64{
		a.NodeId().Hex(): 100,
		b.NodeId().Hex(): 100,
	})
	e := newTestEngine(t, a, vals, false)

	ids := vals.ActiveSortedIds()
	if len(ids) != 2 {
		t.Fatalf("expected 2 active validators, got %d", len(ids))
	}
	for h := int64(1); h <= 4; h++ {
		got, ok := e.ExpectedProposer(h)
		if !ok {
			t.Fatalf("ExpectedProposer(%d): no proposer found", h)
		}
		want := ids[uint64(h)%uint64(len(ids))]
		if got != want {
			t.Errorf("ExpectedProposer(%d) = %s, want %s", h, got, want)
		}
	}
}

func TestApplyBlockIdempotent(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block := signedChild(s, nil)
	if err := e.ApplyBlock(block, true); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := e.ApplyBlock(block, true); err != nil {
		t.Fatalf("second apply (should be a no-op): %v", err)
	}
	if e.Height() != 1 {
		t.Errorf("height = %d, want 1 after re-applying the same block", e.Height())
	}
}

func TestApplyBlockClearsForgedFinality(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block := signedChild(s, nil)
	// A peer claims this block is BFT-finalized, but the local coordinator
	// never ran a round for it.
	block.BftFinalized = true

	if err := e.ApplyBlock(block, false); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	tip := e.Tip()
	if tip == nil {
		t.Fatal("expected a tip after applying a valid block")
	}
	if tip.BftFinalized {
		t.Error("BftFinalized must be cleared for non-trusted input")
	}
}

func TestApplyBlockTrustedLocalKeepsFinality(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block := signedChild(s, nil)
	block.BftFinalized = true

	if err := e.ApplyBlock(block, true); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	if !e.Tip().BftFinalized {
		t.Error("BftFinalized should survive on the trusted local call path")
	}
}

func TestApplyBlockPersistsLateFinalityOnReapply(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block, err := e.ProposeNextBlock() // committed optimistically, BftFinalized false
	if err != nil {
		t.Fatalf("ProposeNextBlock: %v", err)
	}

	// Simulate the BFT coordinator's onFinalized callback closing the round
	// for this block after it was already committed.
	finalized := *block
	finalized.BftFinalized = true
	if err := e.ApplyBlock(&finalized, true); err != nil {
		t.Fatalf("ApplyBlock (re-apply with finality): %v", err)
	}

	stored, err := e.bc.GetBlock(block.Hash)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if !stored.BftFinalized {
		t.Error("expected BftFinalized to be persisted on re-apply via the trusted local path")
	}
}

func TestApplyBlockRejectsHashMismatch(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block := signedChild(s, nil)
	block.Hash = "tampered"

	err := e.ApplyBlock(block, false)
	if !errors.Is(err, ErrBlockHashMismatch) {
		t.Fatalf("err = %v, want ErrBlockHashMismatch", err)
	}
}

func TestApplyBlockRejectsParentMismatch(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	first := signedChild(s, nil)
	if err := e.ApplyBlock(first, true); err != nil {
		t.Fatalf("apply first: %v", err)
	}

	// A second block that doesn't reference first's hash.
	bad := core.NewBlock(2, "not-the-real-parent", s.NodeId().Hex(), nil, 2)
	SignBlock(bad, s)

	err := e.ApplyBlock(bad, false)
	if !errors.Is(err, ErrParentMismatch) {
		t.Fatalf("err = %v, want ErrParentMismatch", err)
	}
}

func TestApplyBlockRejectsStaleTimestamp(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	first := signedChild(s, nil)
	if err := e.ApplyBlock(first, true); err != nil {
		t.Fatalf("apply first: %v", err)
	}

	second := core.NewBlock(2, first.Hash, s.NodeId().Hex(), nil, 2)
	second.Header.TimestampMs = first.Header.TimestampMs // not strictly increasing
	SignBlock(second, s)

	err := e.ApplyBlock(second, false)
	if !errors.Is(err, ErrTimestampInvalid) {
		t.Fatalf("err = %v, want ErrTimestampInvalid", err)
	}
}

func TestApplyBlockRejectsWeightMismatch(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	first := signedChild(s, nil)
	if err := e.ApplyBlock(first, true); err != nil {
		t.Fatalf("apply first: %v", err)
	}

	second := core.NewBlock(2, first.Hash, s.NodeId().Hex(), nil, 99)
	second.Header.TimestampMs = first.Header.TimestampMs + 1
	SignBlock(second, s)

	err := e.ApplyBlock(second, false)
	if !errors.Is(err, ErrWeightInvalid) {
		t.Fatalf("err = %v, want ErrWeightInvalid", err)
	}
}

func TestApplyBlockRejectsBadSignature(t *testing.T) {
	s := newTestSigner(t)
	impostor := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	block := core.NewBlock(1, config.GenesisHash, s.NodeId().Hex(), nil, 1)
	// Signed by a different key than the one named in Header.Proposer.
	SignBlock(block, impostor)

	err := e.ApplyBlock(block, false)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}
}

func TestApplyBlockSkipsSignatureWhenNotRequired(t *testing.T) {
	s := newTestSigner(t)
	impostor := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, false)

	block := core.NewBlock(1, config.GenesisHash, s.NodeId().Hex(), nil, 1)
	SignBlock(block, impostor)

	if err := e.ApplyBlock(block, false); err != nil {
		t.Fatalf("ApplyBlock should succeed with signature checking disabled: %v", err)
	}
}

func TestMaybeAdoptSnapshotCommitsContiguousRange(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	b1 := signedChild(s, nil)
	b2 := signedChild(s, b1)
	b3 := signedChild(s, b2)

	if err := e.MaybeAdoptSnapshot([]*core.Block{b1, b2, b3}); err != nil {
		t.Fatalf("MaybeAdoptSnapshot: %v", err)
	}
	if e.Height() != 3 {
		t.Errorf("height = %d, want 3", e.Height())
	}
	tip := e.Tip()
	if tip.Hash != b3.Hash {
		t.Errorf("tip = %s, want %s", tip.Hash, b3.Hash)
	}
}

func TestMaybeAdoptSnapshotRejectsGap(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	b1 := signedChild(s, nil)
	b2 := signedChild(s, b1)
	// b3 skips a height, leaving a gap between b2 and b4.
	b4 := core.NewBlock(4, b2.Hash, s.NodeId().Hex(), nil, 3)
	SignBlock(b4, s)

	if err := e.MaybeAdoptSnapshot([]*core.Block{b1, b2, b4}); err == nil {
		t.Fatal("expected an error for a non-contiguous snapshot range")
	}
}

func TestMaybeAdoptSnapshotRejectsOverlap(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	b1 := signedChild(s, nil)
	if err := e.ApplyBlock(b1, true); err != nil {
		t.Fatalf("apply b1: %v", err)
	}

	// Offer a range that starts at an already-applied height.
	b1Again := signedChild(s, nil)
	b2 := signedChild(s, b1Again)

	if err := e.MaybeAdoptSnapshot([]*core.Block{b1Again, b2}); err == nil {
		t.Fatal("expected an error for a snapshot range overlapping the local chain")
	}
	if e.Height() != 1 {
		t.Errorf("height = %d, want 1 (snapshot must not have partially applied)", e.Height())
	}
}

func TestMaybeAdoptSnapshotIsAtomic(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	b1 := signedChild(s, nil)
	b2 := signedChild(s, b1)
	b2.Hash = "corrupted" // fails dry validation for the batch

	if err := e.MaybeAdoptSnapshot([]*core.Block{b1, b2}); err == nil {
		t.Fatal("expected an error for a snapshot containing an invalid block")
	}
	if e.Height() != 0 || e.Tip() != nil {
		t.Errorf("height = %d tip = %+v, want a fully untouched chain", e.Height(), e.Tip())
	}
}

func TestRecomputeFinalityMarksOldBlocks(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true) // FinalityDepth: 2

	var last *core.Block
	for i := 0; i < 3; i++ {
		b, err := e.ProposeNextBlock()
		if err != nil {
			t.Fatalf("ProposeNextBlock %d: %v", i, err)
		}
		last = b
	}
	if last.Header.Height != 3 {
		t.Fatalf("expected 3 blocks, tip height = %d", last.Header.Height)
	}

	b1, err := e.bc.GetBlockByHeight(1)
	if err != nil {
		t.Fatalf("GetBlockByHeight(1): %v", err)
	}
	if !b1.Finalized {
		t.Error("block 1 should be finalized once tip reaches height 3 with depth 2")
	}

	b2, err := e.bc.GetBlockByHeight(2)
	if err != nil {
		t.Fatalf("GetBlockByHeight(2): %v", err)
	}
	if b2.Finalized {
		t.Error("block 2 should not yet be finalized")
	}
}
