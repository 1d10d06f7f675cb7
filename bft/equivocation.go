package bft

import (
	"sort"
	"sync"
	"time"

	"github.com/quorumchain/node/metrics"
)

// DefaultMaxTrackedHeights bounds how many recent heights the detector
// retains; older heights are evicted as the chain advances.
const DefaultMaxTrackedHeights = 100

type voteKey struct {
	height uint64
	phase  VoteType
	sender string
}

// Detector tracks one blockHash per (height, phase, validatorId) tuple over
// a sliding window of the most recent heights, and produces
// EquivocationEvidence the moment a validator is seen voting for a second,
// distinct hash in the same tuple.
type Detector struct {
	mu                sync.Mutex
	maxTrackedHeights int
	votes             map[voteKey]string
	heights           []uint64 // tracked heights; sorted ascending whenever the window overflows

	// Metrics is nil by default; set it once after NewDetector, before
	// Offer is ever called, to count detected evidence.
	Metrics *metrics.SlashMetrics
}

// NewDetector creates a Detector retaining maxTrackedHeights distinct
// heights; 0 selects DefaultMaxTrackedHeights.
func NewDetector(maxTrackedHeights int) *Detector {
	if maxTrackedHeights <= 0 {
		maxTrackedHeights = DefaultMaxTrackedHeights
	}
	return &Detector{
		maxTrackedHeights: maxTrackedHeights,
		votes:             make(map[voteKey]string),
	}
}

// Offer records msg and returns evidence if it is a second, distinct vote
// for the same (height, phase, validatorId) tuple.
func (d *Detector) Offer(msg Message) *EquivocationEvidence {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.trackHeight(msg.Height)

	key := voteKey{height: msg.Height, phase: msg.Type, sender: msg.SenderId}
	prior, seen := d.votes[key]
	if !seen {
		d.votes[key] = msg.BlockHash
		return nil
	}
	if prior == msg.BlockHash {
		return nil
	}
	if d.Metrics != nil {
		d.Metrics.EquivocationsDetected.Inc()
	}
	return &EquivocationEvidence{
		ValidatorId: msg.SenderId,
		Height:      msg.Height,
		Phase:       msg.Type,
		BlockHash1:  prior,
		BlockHash2:  msg.BlockHash,
		DetectedAt:  time.Now().UnixMilli(),
	}
}

func (d *Detector) trackHeight(h uint64) {
	for _, existing := range d.heights {
		if existing == h {
			return
		}
	}
	d.heights = append(d.heights, h)
	if len(d.heights) <= d.maxTrackedHeights {
		return
	}
	sort.Slice(d.heights, func(i, j int) bool { return d.heights[i] < d.heights[j] })
	evict := d.heights[:len(d.heights)-d.maxTrackedHeights]
	d.heights = d.heights[len(d.heights)-d.maxTrackedHeights:]
	for _, eh := range evict {
		for key := range d.votes {
			if key.height == eh {
				delete(d.votes, key)
			}
		}
	}
}
