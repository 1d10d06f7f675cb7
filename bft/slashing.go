package bft

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/quorumchain/node/metrics"
)

// DefaultSlashPercent is the slash percentage NewSlashingHandler falls back
// to when given one above 100; a slashPercent of 0 is kept as 0.
const DefaultSlashPercent = 10

// MinSlashHistory is the minimum bounded size of the in-memory event
// history the handler retains.
const MinSlashHistory = 10_000

// ValidatorSet is the subset of validator-set operations the slashing
// handler needs; the chain/validator registry implements this.
type ValidatorSet interface {
	Get(id string) (*Validator, bool)
	ReduceStake(id string, amount uint64)
	Deactivate(id string)
}

// SlashEvent is one completed slash, appended to the bounded history and
// the line-delimited evidence log.
type SlashEvent struct {
	Evidence       EquivocationEvidence `json:"evidence"`
	SlashedAmount  uint64               `json:"slashedAmount"`
	RemainingStake uint64               `json:"remainingStake"`
	Deactivated    bool                 `json:"deactivated"`
	TreasuryAfter  uint64               `json:"treasuryAfter"`
}

// SlashingHandler reduces a validator's stake on equivocation evidence,
// deposits the slashed amount into a treasury, optionally auto-deactivates
// validators that fall below minStake, and appends every event to a
// bounded in-memory history and a line-delimited evidence log file.
type SlashingHandler struct {
	mu           sync.Mutex
	validators   ValidatorSet
	slashPercent uint64
	minStake     uint64
	autoRemove   bool
	treasury     uint64
	history      []SlashEvent
	logPath      string

	// Metrics is nil by default; set it once after NewSlashingHandler,
	// before Handle is ever called, to mirror slash outcomes into
	// registered Prometheus counters.
	Metrics *metrics.SlashMetrics
}

// NewSlashingHandler constructs a handler. slashPercent is bounds-checked to
// [0,100] (falling back to DefaultSlashPercent if out of range); logPath may
// be empty to disable on-disk evidence logging.
func NewSlashingHandler(validators ValidatorSet, slashPercent uint64, minStake uint64, autoRemove bool, logPath string) *SlashingHandler {
	if slashPercent > 100 {
		slashPercent = DefaultSlashPercent
	}
	return &SlashingHandler{
		validators:   validators,
		slashPercent: slashPercent,
		minStake:     minStake,
		autoRemove:   autoRemove,
		logPath:      logPath,
	}
}

// Handle processes one piece of equivocation evidence. Unknown or inactive
// validators are logged and ignored rather than erroring, since a stale
// evidence callback reaching a validator that already left the set is not
// an exceptional condition.
func (h *SlashingHandler) Handle(ev EquivocationEvidence) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.validators.Get(ev.ValidatorId)
	if !ok || !v.Active {
		log.Printf("[bft] slashing: validator %s unknown or inactive, ignoring evidence", ev.ValidatorId)
		return
	}

	slashAmount := v.Stake * h.slashPercent / 100
	remaining := v.Stake - slashAmount
	h.validators.ReduceStake(ev.ValidatorId, slashAmount)
	h.treasury += slashAmount

	deactivated := false
	if h.autoRemove && remaining < h.minStake {
		h.validators.Deactivate(ev.ValidatorId)
		deactivated = true
	}

	if h.Metrics != nil {
		h.Metrics.ValidatorsSlashed.Inc()
		if deactivated {
			h.Metrics.ValidatorsDeactivated.Inc()
		}
	}

	event := SlashEvent{
		Evidence:       ev,
		SlashedAmount:  slashAmount,
		RemainingStake: remaining,
		Deactivated:    deactivated,
		TreasuryAfter:  h.treasury,
	}
	h.history = append(h.history, event)
	if len(h.history) > MinSlashHistory {
		h.history = h.history[len(h.history)-MinSlashHistory:]
	}
	h.appendLog(event)
}

func (h *SlashingHandler) appendLog(event SlashEvent) {
	if h.logPath == "" {
		return
	}
	f, err := os.OpenFile(h.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		log.Printf("[bft] slashing: failed to open evidence log %s: %v", h.logPath, err)
		return
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[bft] slashing: failed to marshal evidence: %v", err)
		return
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		log.Printf("[bft] slashing: failed to write evidence log: %v", err)
		return
	}
	if err := w.Flush(); err != nil {
		log.Printf("[bft] slashing: failed to flush evidence log: %v", err)
	}
}

// Treasury returns the accumulated slashed stake.
func (h *SlashingHandler) Treasury() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.treasury
}

// History returns a copy of the bounded recent slash-event history.
func (h *SlashingHandler) History() []SlashEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SlashEvent, len(h.history))
	copy(out, h.history)
	return out
}
