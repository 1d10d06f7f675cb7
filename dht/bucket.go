package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/quorumchain/node/wire"
)

// LivenessProbe reports whether the peer at address is still reachable. It
// is supplied by the wire layer (a short probe connection) and may be nil,
// in which case a full bucket simply rejects new peers rather than evicting.
type LivenessProbe func(address string) bool

type bucket struct {
	mu    sync.Mutex
	peers []Peer // ordered oldest (head, index 0) to newest (tail)
}

// Table is the Kademlia routing table: NumBuckets fixed-size buckets
// indexed by XOR-distance high-bit position relative to localId.
type Table struct {
	localId string
	probe   LivenessProbe
	buckets [NumBuckets]*bucket
}

// NewTable creates an empty routing table for localId. probe may be nil.
func NewTable(localId string, probe LivenessProbe) *Table {
	t := &Table{localId: localId, probe: probe}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) bucketFor(id string) *bucket {
	idx := bucketIndex(Distance(t.localId, id))
	if idx < 0 {
		return nil // id == localId
	}
	return t.buckets[idx]
}

// AddPeer implements the five-step admission rule from the routing table
// design: reject self, refresh-in-place, per-IP Sybil cap, append-if-slack,
// else liveness-probe-the-head eviction.
func (t *Table) AddPeer(p Peer) bool {
	if p.Id == t.localId {
		return false
	}
	b := t.bucketFor(p.Id)
	if b == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.peers {
		if existing.Id == p.Id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			p.LastSeenMs = nowMs()
			b.peers = append(b.peers, p)
			return true
		}
	}

	ip := wire.CanonicalIP(p.Address)
	loopback := wire.IsLoopback(p.Address)
	if !loopback {
		count := 0
		for _, existing := range b.peers {
			if !wire.IsLoopback(existing.Address) && wire.CanonicalIP(existing.Address) == ip {
				count++
			}
		}
		if count >= MaxPeersPerIPPerBucket {
			return false
		}
	}

	if len(b.peers) < KBucketSize {
		b.peers = append(b.peers, p)
		return true
	}

	if t.probe == nil {
		return false
	}
	head := b.peers[0]
	if t.probe(head.Address) {
		b.peers = append(b.peers[1:], head)
		return false
	}
	b.peers = append(b.peers[1:], p)
	return true
}

// peersSnapshot returns a copy of every peer currently held across all
// buckets.
func (t *Table) peersSnapshot() []Peer {
	var out []Peer
	for _, b := range t.buckets {
		b.mu.Lock()
		out = append(out, b.peers...)
		b.mu.Unlock()
	}
	return out
}

// FindClosest returns the n globally closest peers to target by XOR
// distance, scanning every bucket rather than privileging the target's own
// bucket.
func (t *Table) FindClosest(target string, n int) []Peer {
	all := t.peersSnapshot()
	sort.Slice(all, func(i, j int) bool {
		return lessDistance(Distance(target, all[i].Id), Distance(target, all[j].Id))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func lessDistance(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// AllPeers returns a copy of every peer currently held across all buckets,
// unsorted. Used to answer peer-list queries (gossip's /p2p/peers).
func (t *Table) AllPeers() []Peer {
	return t.peersSnapshot()
}

// Len returns the total number of peers held across all buckets.
func (t *Table) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		n += len(b.peers)
		b.mu.Unlock()
	}
	return n
}

func nowMs() int64 { return time.Now().UnixMilli() }
