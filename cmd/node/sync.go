package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/quorumchain/node/core"
	"github.com/quorumchain/node/gossip"
)

const snapshotFetchTimeout = 10 * time.Second

// fetchChainSnapshot tries each gossip peer in order and returns the first
// usable chain snapshot, decoded into blocks ordered as the peer sent them.
func fetchChainSnapshot(peers []string) ([]*core.Block, bool) {
	client := http.Client{Timeout: snapshotFetchTimeout}
	for _, addr := range peers {
		resp, err := client.Get(fmt.Sprintf("http://%s/p2p/chain-snapshot", addr))
		if err != nil {
			log.Printf("[sync] chain snapshot from %s: %v", addr, err)
			continue
		}
		var snap gossip.ChainSnapshotResponse
		err = json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if err != nil || len(snap.Blocks) == 0 {
			continue
		}
		blocks := make([]*core.Block, 0, len(snap.Blocks))
		ok := true
		for _, raw := range snap.Blocks {
			var b core.Block
			if err := json.Unmarshal(raw, &b); err != nil {
				ok = false
				break
			}
			blocks = append(blocks, &b)
		}
		if ok && len(blocks) > 0 {
			return blocks, true
		}
	}
	return nil, false
}
