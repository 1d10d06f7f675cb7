package chain

import (
	"testing"

	"github.com/quorumchain/node/core"
)

func TestDriverTryProposeBroadcasts(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	var broadcast *core.Block
	d := NewDriver(DriverConfig{
		Engine: e,
		BroadcastBlock: func(b *core.Block) {
			broadcast = b
		},
	})

	d.tryPropose()
	if broadcast == nil {
		t.Fatal("expected tryPropose to broadcast the proposed block")
	}
	if broadcast.Header.Height != 1 {
		t.Errorf("broadcast block height = %d, want 1", broadcast.Header.Height)
	}
}

func TestDriverTryProposeSkipsBroadcastWhenNotOurTurn(t *testing.T) {
	other := newTestSigner(t)
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{other.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	called := false
	d := NewDriver(DriverConfig{
		Engine: e,
		BroadcastBlock: func(*core.Block) {
			called = true
		},
	})

	d.tryPropose()
	if called {
		t.Error("tryPropose should not broadcast when it is not this node's turn")
	}
}

func TestDriverTrySyncAdoptsFetchedRange(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	b1 := signedChild(s, nil)
	b2 := signedChild(s, b1)

	d := NewDriver(DriverConfig{
		Engine: e,
		FetchSnapshot: func() ([]*core.Block, bool) {
			return []*core.Block{b1, b2}, true
		},
	})

	d.trySync()
	if e.Height() != 2 {
		t.Errorf("height = %d, want 2 after trySync adopts the fetched range", e.Height())
	}
}

func TestDriverTrySyncNoopWithoutFetcher(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	d := NewDriver(DriverConfig{Engine: e})
	d.trySync() // must not panic with FetchSnapshot unset
	if e.Height() != 0 {
		t.Errorf("height = %d, want 0", e.Height())
	}
}

func TestDriverTrySyncPrefersStateSnapshotWhenFarBehind(t *testing.T) {
	s := newTestSigner(t)
	vals := NewValidators(map[string]uint64{s.NodeId().Hex(): 100})
	e := newTestEngine(t, s, vals, true)

	b1 := signedChild(s, nil)
	b2 := signedChild(s, b1)

	snapshotCalled := false
	d := NewDriver(DriverConfig{
		Engine: e,
		FetchSnapshot: func() ([]*core.Block, bool) {
			return []*core.Block{b1, b2}, true
		},
		SnapSyncEnabled:      true,
		SnapSyncGapThreshold: 1,
		FetchStateSnapshot: func() error {
			snapshotCalled = true
			return nil
		},
	})

	d.trySync()
	if !snapshotCalled {
		t.Error("expected FetchStateSnapshot to be attempted when the gap exceeds the threshold")
	}
	if e.Height() != 2 {
		t.Errorf("height = %d, want 2 (falls through to block-level adoption regardless)", e.Height())
	}
}
