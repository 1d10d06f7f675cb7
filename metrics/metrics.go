// Package metrics wires the operational counters and gauges exposed across
// the DHT network, wire transport, BFT coordinator, and slashing
// components into a single prometheus.Registry, and serves them over the
// gossip hub's HTTP mux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DHTMetrics covers peer verification and lookup activity (C4).
type DHTMetrics struct {
	LookupsStarted  prometheus.Counter
	VerifyAttempts  prometheus.Counter
	VerifySuccesses prometheus.Counter
	VerifyFailures  prometheus.Counter
}

// WireMetrics covers the TCP transport's connection and frame lifecycle (C5).
type WireMetrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	FramesDispatched    prometheus.Counter
	FramesDropped       prometheus.Counter
}

// BFTMetrics covers the consensus coordinator's round lifecycle (C7).
type BFTMetrics struct {
	RoundsStarted  prometheus.Counter
	QuorumsReached prometheus.Counter
	RoundsFailed   prometheus.Counter
}

// SlashMetrics covers equivocation detection and slashing outcomes (C9).
type SlashMetrics struct {
	EquivocationsDetected prometheus.Counter
	ValidatorsSlashed     prometheus.Counter
	ValidatorsDeactivated prometheus.Counter
}

// Metrics aggregates every component's collectors. A nil field (or a nil
// *Metrics itself) means that component's increments are skipped, so every
// caller site stays safe when metrics are not wired in (e.g. tests that
// build components without a Metrics value).
type Metrics struct {
	DHT   *DHTMetrics
	Wire  *WireMetrics
	BFT   *BFTMetrics
	Slash *SlashMetrics
}

// New builds every collector and registers it against reg. reg is normally
// a fresh *prometheus.Registry so a node's metrics never collide with the
// default global registry other imported packages may also touch.
func New(reg prometheus.Registerer) (*Metrics, error) {
	dht := &DHTMetrics{
		LookupsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_dht_lookups_started_total",
			Help: "Iterative FIND_NODE lookups started.",
		}),
		VerifyAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_dht_verify_attempts_total",
			Help: "Peer verification attempts, authenticated session or probe.",
		}),
		VerifySuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_dht_verify_successes_total",
			Help: "Peer verification attempts that succeeded.",
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_dht_verify_failures_total",
			Help: "Peer verification attempts that failed.",
		}),
	}

	wireMetrics := &WireMetrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_wire_connections_accepted_total",
			Help: "Inbound TCP connections admitted past the connection caps.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_wire_connections_rejected_total",
			Help: "Inbound TCP connections rejected by the global or per-IP cap.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_wire_connections_closed_total",
			Help: "Connections released after handshake failure or disconnect.",
		}),
		FramesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_wire_frames_dispatched_total",
			Help: "Frames handed to the node's FrameDispatcher.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_wire_frames_dropped_total",
			Help: "Frames whose dispatcher call returned an error.",
		}),
	}

	bftMetrics := &BFTMetrics{
		RoundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_bft_rounds_started_total",
			Help: "BFT rounds started by the coordinator.",
		}),
		QuorumsReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_bft_quorums_reached_total",
			Help: "Rounds that reached commit quorum and finalized.",
		}),
		RoundsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_bft_rounds_failed_total",
			Help: "Rounds that timed out without reaching quorum.",
		}),
	}

	slashMetrics := &SlashMetrics{
		EquivocationsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_bft_equivocations_detected_total",
			Help: "Distinct equivocation evidence records produced by the detector.",
		}),
		ValidatorsSlashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_bft_validators_slashed_total",
			Help: "Slash events applied to a validator's stake.",
		}),
		ValidatorsDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumchain_bft_validators_deactivated_total",
			Help: "Validators auto-deactivated after falling below the minimum stake.",
		}),
	}

	collectors := []prometheus.Collector{
		dht.LookupsStarted, dht.VerifyAttempts, dht.VerifySuccesses, dht.VerifyFailures,
		wireMetrics.ConnectionsAccepted, wireMetrics.ConnectionsRejected, wireMetrics.ConnectionsClosed,
		wireMetrics.FramesDispatched, wireMetrics.FramesDropped,
		bftMetrics.RoundsStarted, bftMetrics.QuorumsReached, bftMetrics.RoundsFailed,
		slashMetrics.EquivocationsDetected, slashMetrics.ValidatorsSlashed, slashMetrics.ValidatorsDeactivated,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &Metrics{DHT: dht, Wire: wireMetrics, BFT: bftMetrics, Slash: slashMetrics}, nil
}
