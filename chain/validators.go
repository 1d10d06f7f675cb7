package chain

import (
	"sort"
	"sync"

	"github.com/quorumchain/node/bft"
)

// Validators is the chain's live validator registry: the single source of
// truth for stake and activity shared by the BFT coordinator, the slashing
// handler, and proposer election. It implements bft.ValidatorSet.
type Validators struct {
	mu sync.RWMutex
	m  map[string]*bft.Validator
}

// NewValidators builds a registry from an initial id -> stake table; every
// entry starts active.
func NewValidators(initial map[string]uint64) *Validators {
	m := make(map[string]*bft.Validator, len(initial))
	for id, stake := range initial {
		m[id] = &bft.Validator{Id: id, Stake: stake, Active: true}
	}
	return &Validators{m: m}
}

// Get returns a defensive copy of the validator, and whether it exists.
func (v *Validators) Get(id string) (*bft.Validator, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[id]
	if !ok {
		return nil, false
	}
	cp := *val
	return &cp, true
}

// ReduceStake lowers a validator's stake by amount, floored at zero.
func (v *Validators) ReduceStake(id string, amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	val, ok := v.m[id]
	if !ok {
		return
	}
	if amount > val.Stake {
		amount = val.Stake
	}
	val.Stake -= amount
}

// Deactivate marks a validator inactive; it no longer counts toward quorum
// or proposer rotation.
func (v *Validators) Deactivate(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if val, ok := v.m[id]; ok {
		val.Active = false
	}
}

// Snapshot returns a defensive copy of the full validator map, suitable for
// bft.NewRound / bft.CoordinatorConfig.Validators.
func (v *Validators) Snapshot() map[string]*bft.Validator {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]*bft.Validator, len(v.m))
	for id, val := range v.m {
		cp := *val
		out[id] = &cp
	}
	return out
}

// ActiveSortedIds returns the ids of active validators sorted
// lexicographically: the basis of round-robin proposer election
// (validators_sorted_by_id[height mod |V|]).
func (v *Validators) ActiveSortedIds() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.m))
	for id, val := range v.m {
		if val.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
