// Package gossip implements the HTTP fanout transport that carries the
// same payloads as the wire transport (transactions, blocks, BFT votes,
// and chain/state snapshots) to peers that are not reachable over TCP.
package gossip

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumchain/node/wire"
)

// MaxBodyBytes bounds every inbound HTTP gossip request.
const MaxBodyBytes = 2 * 1024 * 1024

// MaxConcurrentFanout caps how many outbound broadcast requests run at
// once per batch.
const MaxConcurrentFanout = 5

const alreadySentCapacity = 50_000

// Handlers are invoked, in order, before any re-broadcast so an invalid
// payload is rejected before it can amplify across the network.
type Handlers struct {
	OnTx          func(rawTx json.RawMessage) error
	OnBlock       func(block json.RawMessage) error
	OnBftMessage  func(msg wire.BftVoteMessage) error
	ChainSnapshot func() (ChainSnapshotResponse, bool)
	StateSnapshot func() (json.RawMessage, bool)
	Peers         func() []wire.WirePeerRef
}

// ChainSnapshotResponse is the GET /p2p/chain-snapshot payload.
type ChainSnapshotResponse struct {
	Blocks      []json.RawMessage `json:"blocks"`
	UpdatedAtMs int64             `json:"updatedAtMs"`
}

// Hub is the HTTP fanout server for C6.
type Hub struct {
	handlers Handlers
	dedup    *wire.DedupSet // may be shared with the wire transport (C5)
	srv      *http.Server
	ln       net.Listener

	metricsRegistry *prometheus.Registry

	mu          sync.Mutex
	alreadySent map[string]map[string]struct{} // peerAddr -> set of content hashes
	peerOrder   map[string][]string             // peerAddr -> FIFO order of hashes sent
}

// HubOption customises Hub construction.
type HubOption func(*Hub)

// WithMetricsRegistry exposes reg's collectors on GET /metrics. Omitting
// this option leaves the hub without a /metrics route.
func WithMetricsRegistry(reg *prometheus.Registry) HubOption {
	return func(h *Hub) { h.metricsRegistry = reg }
}

// NewHub constructs a Hub. dedup should be the same DedupSet instance
// passed to the wire transport so a block/tx arriving on both carriers is
// delivered to handlers at most once.
func NewHub(addr string, handlers Handlers, dedup *wire.DedupSet, opts ...HubOption) *Hub {
	h := &Hub{
		handlers:    handlers,
		dedup:       dedup,
		alreadySent: make(map[string]map[string]struct{}),
		peerOrder:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p/gossip-tx", h.handleGossipTx)
	mux.HandleFunc("/p2p/gossip-block", h.handleGossipBlock)
	mux.HandleFunc("/p2p/bft-message", h.handleBftMessage)
	mux.HandleFunc("/p2p/chain-snapshot", h.handleChainSnapshot)
	mux.HandleFunc("/p2p/state-snapshot", h.handleStateSnapshot)
	mux.HandleFunc("/p2p/peers", h.handlePeers)
	if h.metricsRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.metricsRegistry, promhttp.HandlerOpts{}))
	}
	h.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return h
}

// Start binds the listener synchronously and serves in the background.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.srv.Addr)
	if err != nil {
		return err
	}
	h.ln = ln
	go func() {
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[gossip] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (h *Hub) Addr() net.Addr {
	if h.ln != nil {
		return h.ln.Addr()
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (h *Hub) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func readBoundedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return data, true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// seenBefore deduplicates inbound payloads by content hash through the
// shared DedupSet, if configured.
func (h *Hub) seenBefore(data []byte) bool {
	if h.dedup == nil {
		return false
	}
	return h.dedup.SeenOrAdd(contentHash(data))
}

func (h *Hub) handleGossipTx(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	data, ok := readBoundedBody(w, r)
	if !ok {
		return
	}
	var body struct {
		RawTx json.RawMessage `json:"rawTx"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if h.seenBefore(body.RawTx) {
		writeOK(w)
		return
	}
	if h.handlers.OnTx != nil {
		if err := h.handlers.OnTx(body.RawTx); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeOK(w)
}

func (h *Hub) handleGossipBlock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	data, ok := readBoundedBody(w, r)
	if !ok {
		return
	}
	var body struct {
		Block json.RawMessage `json:"block"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if h.seenBefore(body.Block) {
		writeOK(w)
		return
	}
	if h.handlers.OnBlock != nil {
		if err := h.handlers.OnBlock(body.Block); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeOK(w)
}

func (h *Hub) handleBftMessage(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	data, ok := readBoundedBody(w, r)
	if !ok {
		return
	}
	var msg wire.BftVoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if h.seenBefore(data) {
		writeOK(w)
		return
	}
	if h.handlers.OnBftMessage != nil {
		if err := h.handlers.OnBftMessage(msg); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeOK(w)
}

func (h *Hub) handleChainSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.handlers.ChainSnapshot == nil {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	snap, ok := h.handlers.ChainSnapshot()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (h *Hub) handleStateSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.handlers.StateSnapshot == nil {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	snap, ok := h.handlers.StateSnapshot()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(snap)
}

func (h *Hub) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var peers []wire.WirePeerRef
	if h.handlers.Peers != nil {
		peers = h.handlers.Peers()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"peers": peers})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// alreadySentTo reports whether hash has already been sent to peerAddr,
// recording it if not. The per-peer set is bounded (FIFO) so a long-lived
// hub does not grow it unboundedly.
func (h *Hub) alreadySentTo(peerAddr, hash string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.alreadySent[peerAddr]
	if !ok {
		set = make(map[string]struct{})
		h.alreadySent[peerAddr] = set
	}
	if _, sent := set[hash]; sent {
		return true
	}
	set[hash] = struct{}{}
	h.peerOrder[peerAddr] = append(h.peerOrder[peerAddr], hash)
	if len(h.peerOrder[peerAddr]) > alreadySentCapacity {
		oldest := h.peerOrder[peerAddr][0]
		h.peerOrder[peerAddr] = h.peerOrder[peerAddr][1:]
		delete(set, oldest)
	}
	return false
}

// Broadcast fans payload out to peers at endpoint (e.g. "/p2p/gossip-block"),
// skipping any peer the content hash has already been sent to and running
// at most MaxConcurrentFanout requests at a time.
func (h *Hub) Broadcast(peers []string, endpoint string, payload []byte) {
	hash := contentHash(payload)
	sem := make(chan struct{}, MaxConcurrentFanout)
	var wg sync.WaitGroup
	for _, peer := range peers {
		if h.alreadySentTo(peer, hash) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(peer string) {
			defer wg.Done()
			defer func() { <-sem }()
			url := fmt.Sprintf("http://%s%s", peer, endpoint)
			client := http.Client{Timeout: 5 * time.Second}
			resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
			if err != nil {
				log.Printf("[gossip] broadcast to %s%s: %v", peer, endpoint, err)
				return
			}
			_ = resp.Body.Close()
		}(peer)
	}
	wg.Wait()
}
