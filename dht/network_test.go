package dht

import (
	"sync/atomic"
	"testing"
)

// adversarialFinder always returns a batch of fresh, unverifiable peers,
// simulating the seed scenario's adversarial node.
type adversarialFinder struct {
	queries int32
	batch   int
}

func (f *adversarialFinder) FindNodeAt(address, target string) ([]Peer, error) {
	atomic.AddInt32(&f.queries, 1)
	var out []Peer
	for i := 0; i < f.batch; i++ {
		out = append(out, Peer{Id: id(byte(200 + i)), Address: "198.51.100.1:9000"})
	}
	return out, nil
}

func TestLookupTerminatesUnderAdversarialPeer(t *testing.T) {
	local := id(0)
	table := NewTable(local, nil)
	for i := 1; i <= 5; i++ {
		table.AddPeer(Peer{Id: id(byte(i)), Address: "10.0.0.1:9000"})
	}

	finder := &adversarialFinder{batch: 20}
	// No probe configured and requireAuthenticatedVerify=true: every
	// unverifiable peer the adversary returns must be rejected.
	net := NewNetwork(local, table, finder, nil, nil, true, nil)

	result := net.Lookup(id(42))

	if int(finder.queries) > lookupMaxQueries {
		t.Fatalf("expected <= %d queries, got %d", lookupMaxQueries, finder.queries)
	}
	for _, p := range result {
		if p.Address == "198.51.100.1:9000" {
			t.Fatal("adversarial peer should never pass verifyPeer without a probe under requireAuthenticatedVerify")
		}
	}
}

func TestLookupReturnsEmptyWithNoLocalPeers(t *testing.T) {
	local := id(0)
	table := NewTable(local, nil)
	net := NewNetwork(local, table, &adversarialFinder{batch: 1}, nil, nil, true, nil)
	if result := net.Lookup(id(42)); result != nil {
		t.Fatalf("expected empty result with no seed peers, got %v", result)
	}
}

func TestParseIdRejectsMissingPrefix(t *testing.T) {
	if err := ParseId("deadbeef"); err == nil {
		t.Fatal("expected error for id without 0x prefix")
	}
}

func TestParseIdRejectsTooLong(t *testing.T) {
	long := "0x"
	for i := 0; i < 100; i++ {
		long += "a"
	}
	if err := ParseId(long); err == nil {
		t.Fatal("expected error for overlong id")
	}
}

func TestImportPeerRejectsFutureLastSeen(t *testing.T) {
	local := id(0)
	table := NewTable(local, nil)
	farFuture := int64(1 << 62)
	err := table.ImportPeer(Peer{Id: id(1), Address: "10.0.0.1:9000", LastSeenMs: farFuture})
	if err == nil {
		t.Fatal("expected error for implausible future lastSeenMs")
	}
}
