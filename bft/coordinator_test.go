package bft

import (
	"testing"
	"time"
)

func TestCoordinatorHappyRoundFinalizes(t *testing.T) {
	validators := threeValidators()
	var finalized []ProposedBlock
	var broadcasts []Message

	c := NewCoordinator(CoordinatorConfig{
		LocalId:          "v1",
		Validators:       validators,
		Verifier:         nil, // test-only fail-open
		OnFinalized:      func(b ProposedBlock) { finalized = append(finalized, b) },
		Broadcast:        func(m Message) { broadcasts = append(broadcasts, m) },
		PrepareTimeoutMs: 5000,
		CommitTimeoutMs:  5000,
	})
	defer c.Stop()

	block := ProposedBlock{Number: 1, Hash: "0xBLOCK"}
	c.StartRound(block)

	if state := c.GetRoundState(); !state.Active || state.Phase != PhasePrepare {
		t.Fatalf("expected active prepare round, got %+v", state)
	}

	c.HandleMessage(Message{Type: VotePrepare, Height: 1, BlockHash: "0xBLOCK", SenderId: "v2"})
	c.HandleMessage(Message{Type: VotePrepare, Height: 1, BlockHash: "0xBLOCK", SenderId: "v3"})

	if state := c.GetRoundState(); state.Phase != PhaseCommit {
		t.Fatalf("expected commit phase after prepare quorum, got %+v", state)
	}

	c.HandleMessage(Message{Type: VoteCommit, Height: 1, BlockHash: "0xBLOCK", SenderId: "v2"})
	c.HandleMessage(Message{Type: VoteCommit, Height: 1, BlockHash: "0xBLOCK", SenderId: "v3"})

	if len(finalized) != 1 || finalized[0].Hash != "0xBLOCK" {
		t.Fatalf("expected onFinalized to fire once with the block, got %+v", finalized)
	}
	if state := c.GetRoundState(); state.Active {
		t.Fatalf("expected round inactive after finalization, got %+v", state)
	}
}

func TestCoordinatorDefersSecondBlockDuringVotingProgress(t *testing.T) {
	validators := threeValidators()
	c := NewCoordinator(CoordinatorConfig{
		LocalId:          "v1",
		Validators:       validators,
		PrepareTimeoutMs: 5000,
		CommitTimeoutMs:  5000,
	})
	defer c.Stop()

	c.StartRound(ProposedBlock{Number: 1, Hash: "0xFIRST"})
	c.HandleMessage(Message{Type: VotePrepare, Height: 1, BlockHash: "0xFIRST", SenderId: "v2"})

	c.StartRound(ProposedBlock{Number: 2, Hash: "0xSECOND"})
	if state := c.GetRoundState(); state.Height != 1 {
		t.Fatalf("second block should be deferred while round 1 has voting progress, got %+v", state)
	}
}

func TestCoordinatorTotalTimeoutFailsRound(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{
		LocalId:          "v1",
		Validators:       threeValidators(),
		PrepareTimeoutMs: 10,
		CommitTimeoutMs:  10,
	})
	defer c.Stop()

	c.StartRound(ProposedBlock{Number: 1, Hash: "0xBLOCK"})
	time.Sleep(100 * time.Millisecond)

	if state := c.GetRoundState(); state.Active {
		t.Fatalf("expected round cleared after total timeout, got %+v", state)
	}
}
