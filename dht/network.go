package dht

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quorumchain/node/metrics"
	"github.com/quorumchain/node/signer"
)

const (
	lookupAlpha             = 3
	lookupMaxIterations     = 20
	lookupMaxQueries        = 60
	lookupGlobalTimeout     = 30 * time.Second
	refreshInterval         = 5 * time.Minute
	announceInterval        = 3 * time.Minute
	peerVerifyProbeTimeout  = 3 * time.Second
)

// Finder issues an outbound FIND_NODE query for target against a peer at
// address and returns whatever peer references it reported.
type Finder interface {
	FindNodeAt(address, target string) ([]Peer, error)
}

// ProbeVerifier opens a short-lived outbound wire probe to address and
// reports whether its handshake recovers to claimedId.
type ProbeVerifier func(address string, claimedId signer.NodeId) bool

// VerifyStats tracks verifyPeer outcomes for observability.
type VerifyStats struct {
	mu                                         sync.Mutex
	Attempts, Successes, Failures              int64
	FallbackAttempts, FallbackFailures         int64
}

func (s *VerifyStats) record(success bool, fallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attempts++
	if fallback {
		s.FallbackAttempts++
	}
	if success {
		s.Successes++
	} else {
		s.Failures++
		if fallback {
			s.FallbackFailures++
		}
	}
}

// Network drives iterative lookups, scheduled refresh/announce, and peer
// verification on top of a Table.
type Network struct {
	localId                   string
	table                     *Table
	finder                    Finder
	probe                     ProbeVerifier
	hasAuthenticatedSession   func(id string) bool
	requireAuthenticatedVerify bool
	onPeerDiscovered          func(Peer)

	// Metrics is nil by default (no Prometheus wiring); callers may set it
	// once after NewNetwork, before Start, to mirror VerifyStats into a
	// registered collector set.
	Metrics *metrics.DHTMetrics

	Stats VerifyStats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewNetwork wires a Network on top of table. hasAuthenticatedSession and
// probe may be nil in test-only configurations; requireAuthenticatedVerify
// should be true in production (the default per spec).
func NewNetwork(localId string, table *Table, finder Finder, probe ProbeVerifier, hasAuthenticatedSession func(string) bool, requireAuthenticatedVerify bool, onPeerDiscovered func(Peer)) *Network {
	return &Network{
		localId:                    localId,
		table:                      table,
		finder:                     finder,
		probe:                      probe,
		hasAuthenticatedSession:    hasAuthenticatedSession,
		requireAuthenticatedVerify: requireAuthenticatedVerify,
		onPeerDiscovered:           onPeerDiscovered,
		stopCh:                     make(chan struct{}),
	}
}

// verifyPeer trusts peers with an already-authenticated wire session;
// otherwise, if a probe is configured, it opens a short-lived verification
// probe. When requireAuthenticatedVerify is set, no probe-less fallback is
// permitted and an unverifiable peer is always rejected.
func (n *Network) verifyPeer(p Peer) bool {
	if n.Metrics != nil {
		n.Metrics.VerifyAttempts.Inc()
	}
	ok := n.verifyPeerUnmetered(p)
	if n.Metrics != nil {
		if ok {
			n.Metrics.VerifySuccesses.Inc()
		} else {
			n.Metrics.VerifyFailures.Inc()
		}
	}
	return ok
}

func (n *Network) verifyPeerUnmetered(p Peer) bool {
	if n.hasAuthenticatedSession != nil && n.hasAuthenticatedSession(p.Id) {
		n.Stats.record(true, false)
		return true
	}
	if n.probe == nil {
		if n.requireAuthenticatedVerify {
			n.Stats.record(false, true)
			return false
		}
		// Test-only TCP-presence fallback: treated as an unauthenticated
		// accept, recorded as a fallback attempt.
		n.Stats.record(true, true)
		return true
	}
	claimed, err := signer.ParseNodeId(p.Id)
	if err != nil {
		n.Stats.record(false, false)
		return false
	}
	ok := n.probe(p.Address, claimed)
	n.Stats.record(ok, false)
	return ok
}

// Lookup performs the iterative α-parallel FIND_NODE lookup for target,
// bounded by lookupMaxIterations, lookupMaxQueries, and
// lookupGlobalTimeout, and returns the K closest verified peers found.
func (n *Network) Lookup(target string) []Peer {
	if n.Metrics != nil {
		n.Metrics.LookupsStarted.Inc()
	}
	deadline := time.Now().Add(lookupGlobalTimeout)

	found := n.table.FindClosest(target, KBucketSize)
	if len(found) == 0 {
		return nil
	}

	queried := make(map[string]bool)
	queries := 0

	for iter := 0; iter < lookupMaxIterations; iter++ {
		if time.Now().After(deadline) || queries >= lookupMaxQueries {
			break
		}

		candidates := closestUnqueried(found, target, queried, lookupAlpha)
		if len(candidates) == 0 {
			break // no queried round can produce improvement
		}

		type result struct {
			peers []Peer
			err   error
		}
		results := make([]result, len(candidates))
		var wg sync.WaitGroup
		for i, c := range candidates {
			queried[c.Id] = true
			queries++
			if queries > lookupMaxQueries {
				break
			}
			wg.Add(1)
			go func(i int, c Peer) {
				defer wg.Done()
				if n.finder == nil {
					results[i] = result{err: fmt.Errorf("no finder configured")}
					return
				}
				peers, err := n.finder.FindNodeAt(c.Address, target)
				results[i] = result{peers: peers, err: err}
			}(i, c)
		}
		wg.Wait()

		improved := false
		for _, r := range results {
			if r.err != nil {
				continue
			}
			for _, p := range r.peers {
				if alreadyKnown(found, p.Id) {
					continue
				}
				if !n.verifyPeer(p) {
					continue
				}
				found = append(found, p)
				n.table.AddPeer(p)
				if n.onPeerDiscovered != nil {
					n.onPeerDiscovered(p)
				}
				improved = true
			}
		}
		if !improved {
			break
		}
	}

	sortByDistance(found, target)
	if len(found) > KBucketSize {
		found = found[:KBucketSize]
	}
	return found
}

func alreadyKnown(found []Peer, id string) bool {
	for _, f := range found {
		if f.Id == id {
			return true
		}
	}
	return false
}

func closestUnqueried(found []Peer, target string, queried map[string]bool, n int) []Peer {
	var candidates []Peer
	for _, p := range found {
		if !queried[p.Id] {
			candidates = append(candidates, p)
		}
	}
	sortByDistance(candidates, target)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func sortByDistance(peers []Peer, target string) {
	for i := 1; i < len(peers); i++ {
		j := i
		for j > 0 && lessDistance(Distance(target, peers[j].Id), Distance(target, peers[j-1].Id)) {
			peers[j], peers[j-1] = peers[j-1], peers[j]
			j--
		}
	}
}

// randomTargetId draws a cryptographically strong random 20-byte target id
// for refresh lookups; a predictable RNG would let an attacker pre-position
// peers at buckets about to be refreshed.
func randomTargetId() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, degrade to an all-zero target rather than panic.
		return "0x" + hex.EncodeToString(make([]byte, 20))
	}
	return "0x" + hex.EncodeToString(b)
}

// Start launches the background refresh and announce tickers.
func (n *Network) Start(announce func(targetId string)) {
	n.wg.Add(2)
	go n.refreshLoop()
	go n.announceLoop(announce)
}

// Stop cancels the background tickers.
func (n *Network) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

func (n *Network) refreshLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			target := randomTargetId()
			n.Lookup(target)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Network) announceLoop(announce func(targetId string)) {
	defer n.wg.Done()
	if announce == nil {
		return
	}
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("[dht] announce panic recovered: %v", r)
					}
				}()
				announce(n.localId)
			}()
		case <-n.stopCh:
			return
		}
	}
}
