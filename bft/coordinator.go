package bft

import (
	"log"
	"sync"
	"time"

	"github.com/quorumchain/node/metrics"
)

const (
	// MaxPendingMessages bounds the buffer of messages for heights the
	// coordinator has not yet started a round for.
	MaxPendingMessages = 50
	// MaxHeightGap bounds how far above the current round height a
	// message may be buffered rather than dropped outright.
	MaxHeightGap = 10

	lingerInterval = 500 * time.Millisecond
	lingerDuration = 3 * time.Second
	commitRetryInterval = 1 * time.Second
)

// Verifier authenticates a BFT message's signature against its claimed
// senderId using the canonical BFT signing string.
type Verifier func(msg Message) bool

// Coordinator owns the sole active Round, a bounded pending-message
// buffer, and a single deferred-block slot. All of its entry points are
// treated as a single-writer section guarded by mu.
type Coordinator struct {
	mu sync.Mutex

	localId            string
	validators         map[string]*Validator
	verifier           Verifier
	detector           *Detector
	onEquivocation     func(EquivocationEvidence)
	onFinalized        func(ProposedBlock)
	broadcast          func(Message)
	prepareTimeoutMs   int64
	commitTimeoutMs    int64
	metrics            *metrics.BFTMetrics

	round    *Round
	pending  []Message // buffered messages for future heights
	deferred *ProposedBlock

	totalTimer  *time.Timer
	lingerTimer *time.Timer
	lingerStop  chan struct{}
	commitTimer *time.Ticker
	commitStop  chan struct{}

	warnedNoVerifier bool
}

// CoordinatorConfig bundles Coordinator construction parameters.
type CoordinatorConfig struct {
	LocalId          string
	Validators       map[string]*Validator
	Verifier         Verifier // may be nil in test-only configurations
	Detector         *Detector
	OnEquivocation   func(EquivocationEvidence)
	OnFinalized      func(ProposedBlock)
	Broadcast        func(Message)
	PrepareTimeoutMs int64
	CommitTimeoutMs  int64
	Metrics          *metrics.BFTMetrics // nil disables Prometheus counters
}

// NewCoordinator constructs a Coordinator from cfg.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	detector := cfg.Detector
	if detector == nil {
		detector = NewDetector(DefaultMaxTrackedHeights)
	}
	return &Coordinator{
		localId:          cfg.LocalId,
		validators:       cfg.Validators,
		verifier:         cfg.Verifier,
		detector:         detector,
		onEquivocation:   cfg.OnEquivocation,
		onFinalized:      cfg.OnFinalized,
		broadcast:        cfg.Broadcast,
		prepareTimeoutMs: cfg.PrepareTimeoutMs,
		commitTimeoutMs:  cfg.CommitTimeoutMs,
		metrics:          cfg.Metrics,
	}
}

// StartRound begins a round for block. If an active round already has
// voting progress, block is deferred rather than preempting it. Otherwise
// any prior round is cleared and a fresh round is constructed and proposed.
func (c *Coordinator) StartRound(block ProposedBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round != nil && c.round.VotingProgress() {
		d := block
		c.deferred = &d
		return
	}

	c.clearRoundLocked()
	c.round = NewRound(block.Number, c.validators, c.localId)
	if err := c.round.Propose(block, c.emitLocked); err != nil {
		log.Printf("[bft] StartRound: %v", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RoundsStarted.Inc()
	}
	c.armTotalTimeoutLocked()
	c.drainPendingLocked()
	c.maybeArmCommitRetryLocked()
}

func (c *Coordinator) emitLocked(msg Message) {
	if c.broadcast != nil {
		c.broadcast(msg)
	}
}

// HandleMessage verifies and applies an inbound BFT vote. Messages above
// the current round height within MaxHeightGap are buffered; messages
// below are stale and dropped.
func (c *Coordinator) HandleMessage(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verifier == nil {
		if !c.warnedNoVerifier {
			log.Printf("[bft] WARNING: coordinator running without a message verifier (test-only, fail-open)")
			c.warnedNoVerifier = true
		}
	} else if !c.verifier(msg) {
		log.Printf("[bft] dropping message from %s: signature verification failed", msg.SenderId)
		return
	}

	if c.round == nil || msg.Height > c.round.Height {
		if c.round != nil && msg.Height > c.round.Height+MaxHeightGap {
			return // too far ahead, drop
		}
		if len(c.pending) < MaxPendingMessages {
			c.pending = append(c.pending, msg)
		}
		return
	}
	if msg.Height < c.round.Height {
		return // stale
	}

	c.applyToRoundLocked(msg)
}

func (c *Coordinator) applyToRoundLocked(msg Message) {
	if ev := c.detector.Offer(msg); ev != nil {
		if c.onEquivocation != nil {
			c.onEquivocation(*ev)
		}
		return
	}

	prevPhase := c.round.Phase()
	c.round.OnVote(msg, c.emitLocked)
	newPhase := c.round.Phase()

	if newPhase == PhaseCommit {
		c.maybeArmCommitRetryLocked()
	}
	if prevPhase != PhaseFinalized && newPhase == PhaseFinalized {
		c.finalizeLocked()
	}
}

// drainPendingLocked replays buffered messages for the new round height in
// prepare-then-commit order, so a commit that arrived before prepare
// quorum is not dropped.
func (c *Coordinator) drainPendingLocked() {
	var remaining []Message
	var forRound []Message
	for _, m := range c.pending {
		if m.Height == c.round.Height {
			forRound = append(forRound, m)
		} else {
			remaining = append(remaining, m)
		}
	}
	c.pending = remaining

	var prepares, commits []Message
	for _, m := range forRound {
		if m.Type == VotePrepare {
			prepares = append(prepares, m)
		} else {
			commits = append(commits, m)
		}
	}
	for _, m := range prepares {
		c.applyToRoundLocked(m)
	}
	for _, m := range commits {
		c.applyToRoundLocked(m)
	}
}

func (c *Coordinator) armTotalTimeoutLocked() {
	if c.totalTimer != nil {
		c.totalTimer.Stop()
	}
	total := time.Duration(c.prepareTimeoutMs+c.commitTimeoutMs) * time.Millisecond
	round := c.round
	c.totalTimer = time.AfterFunc(total, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.round != round {
			return // round already moved on
		}
		c.round.Fail()
		if c.metrics != nil {
			c.metrics.RoundsFailed.Inc()
		}
		c.stopCommitRetryLocked()
		c.clearRoundLocked()
		c.startDeferredLocked()
	})
}

// maybeArmCommitRetryLocked starts the 1s commit-retry ticker while the
// round is in the commit phase; it is stopped on finalize or failure.
func (c *Coordinator) maybeArmCommitRetryLocked() {
	if c.round == nil || c.round.Phase() != PhaseCommit || c.commitTimer != nil {
		return
	}
	round := c.round
	c.commitTimer = time.NewTicker(commitRetryInterval)
	c.commitStop = make(chan struct{})
	stop := c.commitStop
	ticker := c.commitTimer
	go func() {
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				if c.round != round || c.round.Phase() != PhaseCommit {
					c.mu.Unlock()
					return
				}
				vote, ok := round.commitVotes[round.localId]
				if ok && c.broadcast != nil {
					c.broadcast(Message{Type: VoteCommit, Height: round.Height, BlockHash: vote, SenderId: round.localId})
				}
				c.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Coordinator) stopCommitRetryLocked() {
	if c.commitTimer != nil {
		c.commitTimer.Stop()
		close(c.commitStop)
		c.commitTimer = nil
		c.commitStop = nil
	}
}

// finalizeLocked captures the finalized block, starts the linger
// broadcast, clears the round, invokes onFinalized, and starts any
// deferred block.
func (c *Coordinator) finalizeLocked() {
	block := *c.round.Proposed()
	vote, hasVote := c.round.commitVotes[c.round.localId]

	if c.metrics != nil {
		c.metrics.QuorumsReached.Inc()
	}
	c.stopCommitRetryLocked()
	if c.totalTimer != nil {
		c.totalTimer.Stop()
	}

	if hasVote && c.broadcast != nil {
		c.armLingerLocked(Message{Type: VoteCommit, Height: block.Number, BlockHash: vote, SenderId: c.round.localId})
	}

	c.round = nil

	if c.onFinalized != nil {
		c.onFinalized(block)
	}
	c.startDeferredLocked()
}

func (c *Coordinator) armLingerLocked(msg Message) {
	c.lingerStop = make(chan struct{})
	stop := c.lingerStop
	deadline := time.Now().Add(lingerDuration)
	go func() {
		ticker := time.NewTicker(lingerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if time.Now().After(deadline) {
					return
				}
				c.broadcast(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (c *Coordinator) startDeferredLocked() {
	if c.deferred == nil {
		return
	}
	block := *c.deferred
	c.deferred = nil
	c.round = NewRound(block.Number, c.validators, c.localId)
	if err := c.round.Propose(block, c.emitLocked); err != nil {
		log.Printf("[bft] startDeferred: %v", err)
		c.round = nil
		return
	}
	c.armTotalTimeoutLocked()
	c.drainPendingLocked()
	c.maybeArmCommitRetryLocked()
}

func (c *Coordinator) clearRoundLocked() {
	if c.totalTimer != nil {
		c.totalTimer.Stop()
		c.totalTimer = nil
	}
	c.stopCommitRetryLocked()
	c.round = nil
}

// RoundState is a read-only snapshot for observability/tests.
type RoundState struct {
	Active bool
	Height uint64
	Phase  Phase
}

// GetRoundState returns a snapshot of the active round, if any.
func (c *Coordinator) GetRoundState() RoundState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.round == nil {
		return RoundState{Active: false}
	}
	return RoundState{Active: true, Height: c.round.Height, Phase: c.round.Phase()}
}

// Stop cancels every timer, including the linger timer, so the process can
// exit cleanly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearRoundLocked()
	if c.lingerStop != nil {
		close(c.lingerStop)
		c.lingerStop = nil
	}
}
