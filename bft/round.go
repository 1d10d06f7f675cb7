package bft

import "fmt"

// Phase is the round's current state machine phase.
type Phase string

const (
	PhasePropose   Phase = "propose"
	PhasePrepare   Phase = "prepare"
	PhaseCommit    Phase = "commit"
	PhaseFinalized Phase = "finalized"
	PhaseFailed    Phase = "failed"
)

// ProposedBlock is the minimal view of a block a Round needs: its height
// and canonical hash.
type ProposedBlock struct {
	Number uint64
	Hash   string
}

// Round is the pure, no-I/O propose -> prepare -> commit -> finalized/failed
// state machine for one block height. All stake/quorum math happens here;
// networking and timers live in Coordinator.
type Round struct {
	Height    uint64
	Validators map[string]*Validator
	totalStake uint64

	phase    Phase
	proposed *ProposedBlock

	prepareVotes map[string]string // validatorId -> blockHash
	commitVotes  map[string]string

	localId string // "" if this node is not a validator
}

// NewRound constructs a round at height for the given validator set snapshot.
// localId may be "" if this node does not participate in voting.
func NewRound(height uint64, validators map[string]*Validator, localId string) *Round {
	var total uint64
	for _, v := range validators {
		if v.Active {
			total += v.Stake
		}
	}
	return &Round{
		Height:       height,
		Validators:   validators,
		totalStake:   total,
		phase:        PhasePropose,
		prepareVotes: make(map[string]string),
		commitVotes:  make(map[string]string),
		localId:      localId,
	}
}

// Phase returns the round's current phase.
func (r *Round) Phase() Phase { return r.phase }

// Proposed returns the block this round is voting on, or nil before Propose.
func (r *Round) Proposed() *ProposedBlock { return r.proposed }

// hasQuorum reports whether the accumulated stake behind votes meets the
// stake-weighted 2f+1 threshold: floor(2*totalStake/3) + 1.
func (r *Round) hasQuorum(votes map[string]string, hash string) bool {
	var accum uint64
	for validatorId, votedHash := range votes {
		if votedHash != hash {
			continue
		}
		v, ok := r.Validators[validatorId]
		if !ok || !v.Active {
			continue
		}
		accum += v.Stake
	}
	threshold := (2*r.totalStake)/3 + 1
	return accum >= threshold
}

// quorumThreshold exposes the computed threshold for observability/tests.
func (r *Round) quorumThreshold() uint64 {
	return (2*r.totalStake)/3 + 1
}

// Propose transitions propose -> prepare on a valid proposal whose height
// matches the round. If the local node is a validator it casts its own
// prepare vote. emit, if non-nil, is invoked with the local prepare message
// to broadcast.
func (r *Round) Propose(block ProposedBlock, emit func(Message)) error {
	if r.phase != PhasePropose {
		return fmt.Errorf("round %d: cannot propose in phase %s", r.Height, r.phase)
	}
	if block.Number != r.Height {
		return fmt.Errorf("round %d: proposed block number %d does not match round height", r.Height, block.Number)
	}
	r.proposed = &block
	r.phase = PhasePrepare
	if v, ok := r.Validators[r.localId]; r.localId != "" && ok && v.Active {
		r.prepareVotes[r.localId] = block.Hash
		if emit != nil {
			emit(Message{Type: VotePrepare, Height: r.Height, BlockHash: block.Hash, SenderId: r.localId})
		}
	}
	return nil
}

// OnVote admits msg according to the vote admission rules: unknown
// validator drops, a blockHash mismatch with the proposed block drops (the
// caller should separately offer mismatched votes to the equivocation
// detector), and a duplicate vote from the same validator for the same hash
// is idempotent. Returns true if the vote is counted, including a repeat of
// a vote already counted for the same hash.
func (r *Round) OnVote(msg Message, emit func(Message)) bool {
	v, ok := r.Validators[msg.SenderId]
	if !ok || !v.Active {
		return false
	}
	if r.proposed == nil || msg.BlockHash != r.proposed.Hash {
		return false
	}

	switch msg.Type {
	case VotePrepare:
		if r.phase != PhasePrepare {
			return false
		}
		if existing, seen := r.prepareVotes[msg.SenderId]; seen {
			return existing == msg.BlockHash // idempotent
		}
		r.prepareVotes[msg.SenderId] = msg.BlockHash
		if r.hasQuorum(r.prepareVotes, r.proposed.Hash) {
			r.phase = PhaseCommit
			if v, ok := r.Validators[r.localId]; r.localId != "" && ok && v.Active {
				r.commitVotes[r.localId] = r.proposed.Hash
				if emit != nil {
					emit(Message{Type: VoteCommit, Height: r.Height, BlockHash: r.proposed.Hash, SenderId: r.localId})
				}
			}
			// Commit votes may have already arrived (and been recorded below)
			// while this round was still in PhasePrepare, so the
			// prepare-triggered transition must itself check for a
			// commit quorum rather than waiting on a future commit vote
			// that may never come.
			r.maybeFinalizeLocked()
		}
		return true
	case VoteCommit:
		if r.phase != PhaseCommit && r.phase != PhasePrepare {
			return false
		}
		if existing, seen := r.commitVotes[msg.SenderId]; seen {
			return existing == msg.BlockHash
		}
		r.commitVotes[msg.SenderId] = msg.BlockHash
		r.maybeFinalizeLocked()
		return true
	default:
		return false
	}
}

// maybeFinalizeLocked re-checks the commit quorum and advances
// commit -> finalized whenever it is met, regardless of what caused this
// call: a commit vote arriving after the round reached PhaseCommit, or the
// round only just entering PhaseCommit after commit votes had already
// accumulated during PhasePrepare. No-op outside PhaseCommit.
func (r *Round) maybeFinalizeLocked() {
	if r.phase != PhaseCommit {
		return
	}
	if r.hasQuorum(r.commitVotes, r.proposed.Hash) {
		r.phase = PhaseFinalized
	}
}

// Fail transitions any non-terminal phase to failed on an external timeout
// signal. No-op if already terminal.
func (r *Round) Fail() {
	if r.phase == PhaseFinalized || r.phase == PhaseFailed {
		return
	}
	r.phase = PhaseFailed
}

// VotingProgress reports whether any prepare or commit vote has been
// recorded beyond the round's own initial state.
func (r *Round) VotingProgress() bool {
	return len(r.prepareVotes) > 0 || len(r.commitVotes) > 0
}
