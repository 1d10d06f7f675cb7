package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/quorumchain/node/dht"
	"github.com/quorumchain/node/signer"
	"github.com/quorumchain/node/wire"
)

const probeDialTimeout = 5 * time.Second

// dialAndHandshake opens a short-lived TCP connection to address, exchanges
// handshakes, and returns the peer's self-reported Handshake. It does not
// check the handshake's signature; newProbeVerifier does that. The
// connection is always closed before returning; this is a one-shot probe,
// not a maintained session.
func dialAndHandshake(s *signer.Signer, chainId, address string, heightFn func() uint64) (wire.Handshake, error) {
	conn, err := net.DialTimeout("tcp", address, probeDialTimeout)
	if err != nil {
		return wire.Handshake{}, fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	height := uint64(0)
	if heightFn != nil {
		height = heightFn()
	}
	ours := wire.BuildHandshake(s, chainId, height)
	data, err := json.Marshal(ours)
	if err != nil {
		return wire.Handshake{}, err
	}
	frame, err := wire.Encode(wire.Frame{Type: wire.FrameHandshake, Payload: data})
	if err != nil {
		return wire.Handshake{}, err
	}
	_ = conn.SetDeadline(time.Now().Add(probeDialTimeout))
	if _, err := conn.Write(frame); err != nil {
		return wire.Handshake{}, fmt.Errorf("send handshake to %s: %w", address, err)
	}

	codec := wire.NewCodec()
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return wire.Handshake{}, fmt.Errorf("read handshake from %s: %w", address, err)
		}
		frames, err := codec.Feed(buf[:n])
		if err != nil {
			return wire.Handshake{}, fmt.Errorf("decode handshake from %s: %w", address, err)
		}
		if len(frames) == 0 {
			continue
		}
		var theirs wire.Handshake
		if err := json.Unmarshal(frames[0].Payload, &theirs); err != nil {
			return wire.Handshake{}, fmt.Errorf("unmarshal handshake from %s: %w", address, err)
		}
		return theirs, nil
	}
}

// newProbeVerifier builds a dht.ProbeVerifier: it dials address, completes
// one handshake round-trip, and reports whether the peer's signature
// recovers to exactly claimedId.
func newProbeVerifier(s *signer.Signer, chainId string, heightFn func() uint64) dht.ProbeVerifier {
	return func(address string, claimedId signer.NodeId) bool {
		theirs, err := dialAndHandshake(s, chainId, address, heightFn)
		if err != nil {
			return false
		}
		if theirs.NodeId != claimedId.Hex() {
			return false
		}
		msg := wire.CanonicalHandshakeString(theirs.NodeId, theirs.ChainId, theirs.Nonce)
		return theirs.ChainId == chainId && wire.DefaultVerifier(msg, theirs.Signature, claimedId)
	}
}

// dialFinder implements dht.Finder on top of wire.Client: FIND_NODE is a
// request/response the Client already correlates, so each FindNodeAt call
// starts a fresh Client to address, issues one FIND_NODE, and stops the
// Client before returning.
type dialFinder struct {
	s        *signer.Signer
	chainId  string
	heightFn func() uint64
}

func (f *dialFinder) FindNodeAt(address, target string) ([]dht.Peer, error) {
	cl := wire.NewClient(f.s, f.chainId, address, f.heightFn, nil, wire.DefaultVerifier)
	cl.Start()
	defer cl.Stop()

	deadline := time.Now().Add(probeDialTimeout)
	for !cl.Connected() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("find_node %s: connect timeout", address)
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp, err := cl.FindNode(target)
	if err != nil {
		return nil, fmt.Errorf("find_node %s: %w", address, err)
	}
	peers := make([]dht.Peer, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		peers = append(peers, dht.Peer{Id: p.Id, Address: p.Address, LastSeenMs: int64(p.Seen)})
	}
	return peers, nil
}
