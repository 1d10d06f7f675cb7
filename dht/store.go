package dht

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"time"
)

// persistedPeer is the on-disk JSON shape: {id,address,lastSeenMs}.
type persistedPeer struct {
	Id         string `json:"id"`
	Address    string `json:"address"`
	LastSeenMs int64  `json:"lastSeenMs"`
}

// maxPeerAge discards persisted entries older than this on load, per the
// routing table's persistence contract.
const maxPeerAge = 24 * time.Hour

// ImportPeer validates id format, host:port shape (including IPv6 bracket
// notation), and that lastSeenMs is not implausibly far in the future,
// before admitting p through the normal AddPeer path so Sybil and
// ID-format checks apply uniformly to persisted and freshly-discovered
// peers alike.
func (t *Table) ImportPeer(p Peer) error {
	if err := ParseId(p.Id); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return fmt.Errorf("peer %s: invalid address %q: %w", p.Id, p.Address, err)
	}
	if time.UnixMilli(p.LastSeenMs).After(time.Now().Add(MaxFutureSkew)) {
		return fmt.Errorf("peer %s: lastSeenMs %d is implausibly far in the future", p.Id, p.LastSeenMs)
	}
	t.AddPeer(p)
	return nil
}

// Save writes the full routing table to path as a JSON array, following the
// teacher's append-then-rewrite-on-save idiom for small config-sized files.
func (t *Table) Save(path string) error {
	peers := t.peersSnapshot()
	out := make([]persistedPeer, 0, len(peers))
	for _, p := range peers {
		out = append(out, persistedPeer{Id: p.Id, Address: p.Address, LastSeenMs: p.LastSeenMs})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peer store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write peer store: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads a peer store from path, discards entries older than
// maxPeerAge, and re-admits the survivors through ImportPeer.
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read peer store: %w", err)
	}
	var stored []persistedPeer
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("unmarshal peer store: %w", err)
	}
	cutoff := time.Now().Add(-maxPeerAge)
	for _, sp := range stored {
		if time.UnixMilli(sp.LastSeenMs).Before(cutoff) {
			continue
		}
		p := Peer{Id: sp.Id, Address: sp.Address, LastSeenMs: sp.LastSeenMs}
		if err := t.ImportPeer(p); err != nil {
			log.Printf("[dht] discarding persisted peer %s: %v", sp.Id, err)
		}
	}
	return nil
}
