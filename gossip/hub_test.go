package gossip

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quorumchain/node/wire"
)

func TestHandleGossipTxDeduplicatesBeforeHandler(t *testing.T) {
	var received []string
	h := NewHub(":0", Handlers{
		OnTx: func(rawTx json.RawMessage) error {
			received = append(received, string(rawTx))
			return nil
		},
	}, wire.NewDedupSet(100))

	body, _ := json.Marshal(map[string]any{"rawTx": json.RawMessage(`"deadbeef"`)})
	req := httptest.NewRequest(http.MethodPost, "/p2p/gossip-tx", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.handleGossipTx(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(received) != 1 {
		t.Fatalf("expected handler invoked once, got %d", len(received))
	}

	// Same payload again must be deduplicated, not re-delivered.
	req2 := httptest.NewRequest(http.MethodPost, "/p2p/gossip-tx", bytes.NewReader(body))
	w2 := httptest.NewRecorder()
	h.handleGossipTx(w2, req2)
	if len(received) != 1 {
		t.Fatalf("expected handler NOT invoked on duplicate payload, got %d calls", len(received))
	}
}

func TestGossipRejectsNonPost(t *testing.T) {
	h := NewHub(":0", Handlers{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/p2p/gossip-tx", nil)
	w := httptest.NewRecorder()
	h.handleGossipTx(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestGossipRejectsOversizeBody(t *testing.T) {
	h := NewHub(":0", Handlers{}, nil)
	big := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/p2p/gossip-tx", bytes.NewReader(big))
	w := httptest.NewRecorder()
	h.handleGossipTx(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestChainSnapshotNotFoundWithoutHandler(t *testing.T) {
	h := NewHub(":0", Handlers{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/p2p/chain-snapshot", nil)
	w := httptest.NewRecorder()
	h.handleChainSnapshot(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAlreadySentToDeduplicatesPerPeer(t *testing.T) {
	h := NewHub(":0", Handlers{}, nil)
	if h.alreadySentTo("peerA:9000", "hash1") {
		t.Fatal("first send to peerA should report not-yet-sent")
	}
	if !h.alreadySentTo("peerA:9000", "hash1") {
		t.Fatal("second send of same hash to peerA should report already-sent")
	}
	if h.alreadySentTo("peerB:9000", "hash1") {
		t.Fatal("same hash to a different peer should report not-yet-sent")
	}
}
