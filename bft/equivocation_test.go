package bft

import "testing"

type fakeValidatorSet struct {
	validators map[string]*Validator
}

func (f *fakeValidatorSet) Get(id string) (*Validator, bool) {
	v, ok := f.validators[id]
	return v, ok
}

func (f *fakeValidatorSet) ReduceStake(id string, amount uint64) {
	if v, ok := f.validators[id]; ok {
		v.Stake -= amount
	}
}

func (f *fakeValidatorSet) Deactivate(id string) {
	if v, ok := f.validators[id]; ok {
		v.Active = false
	}
}

func TestEquivocationAndSlash(t *testing.T) {
	detector := NewDetector(100)

	ev := detector.Offer(Message{Type: VotePrepare, Height: 10, BlockHash: "0xAAA", SenderId: "v0"})
	if ev != nil {
		t.Fatalf("first vote must not produce evidence, got %+v", ev)
	}

	ev = detector.Offer(Message{Type: VotePrepare, Height: 10, BlockHash: "0xBBB", SenderId: "v0"})
	if ev == nil {
		t.Fatal("second distinct vote at the same tuple must produce evidence")
	}
	if ev.ValidatorId != "v0" || ev.Height != 10 || ev.Phase != VotePrepare || ev.BlockHash1 != "0xAAA" || ev.BlockHash2 != "0xBBB" {
		t.Fatalf("unexpected evidence shape: %+v", ev)
	}

	set := &fakeValidatorSet{validators: map[string]*Validator{
		"v0": {Id: "v0", Stake: 100, Active: true},
	}}
	handler := NewSlashingHandler(set, 10, 1, true, "")
	handler.Handle(*ev)

	if set.validators["v0"].Stake != 90 {
		t.Fatalf("expected stake reduced to 90, got %d", set.validators["v0"].Stake)
	}
	if !set.validators["v0"].Active {
		t.Fatal("v0 should remain active: remaining stake 90 >= minStake 1")
	}
	if handler.Treasury() != 10 {
		t.Fatalf("expected treasury 10, got %d", handler.Treasury())
	}
}

func TestSlashAutoDeactivatesBelowMinStake(t *testing.T) {
	set := &fakeValidatorSet{validators: map[string]*Validator{
		"v0": {Id: "v0", Stake: 10, Active: true},
	}}
	handler := NewSlashingHandler(set, 50, 6, true, "")
	handler.Handle(EquivocationEvidence{ValidatorId: "v0", Height: 1, Phase: VotePrepare, BlockHash1: "a", BlockHash2: "b"})
	if set.validators["v0"].Stake != 5 {
		t.Fatalf("expected stake 5, got %d", set.validators["v0"].Stake)
	}
	if set.validators["v0"].Active {
		t.Fatal("v0 should be auto-deactivated: remaining stake 5 < minStake 6")
	}
}

func TestSlashIgnoresUnknownValidator(t *testing.T) {
	set := &fakeValidatorSet{validators: map[string]*Validator{}}
	handler := NewSlashingHandler(set, 10, 1, true, "")
	handler.Handle(EquivocationEvidence{ValidatorId: "ghost"})
	if handler.Treasury() != 0 {
		t.Fatalf("expected no-op for unknown validator, treasury=%d", handler.Treasury())
	}
}

func TestDetectorEvictsOldHeightsBeyondWindow(t *testing.T) {
	detector := NewDetector(2)
	detector.Offer(Message{Type: VotePrepare, Height: 1, BlockHash: "a", SenderId: "v0"})
	detector.Offer(Message{Type: VotePrepare, Height: 2, BlockHash: "a", SenderId: "v0"})
	detector.Offer(Message{Type: VotePrepare, Height: 3, BlockHash: "a", SenderId: "v0"})
	// height 1 should have been evicted, so a "new" vote there is treated as
	// first-seen rather than a second distinct vote.
	ev := detector.Offer(Message{Type: VotePrepare, Height: 1, BlockHash: "z", SenderId: "v0"})
	if ev != nil {
		t.Fatalf("expected no evidence for evicted height, got %+v", ev)
	}
}
