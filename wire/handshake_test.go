package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/quorumchain/node/signer"
)

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	priv, err := signer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return signer.New(priv)
}

func TestVerifyHandshakeAcceptsFreshHandshake(t *testing.T) {
	s := newTestSigner(t)
	hs := BuildHandshake(s, "testnet", 10)
	cache := NewDedupSet(100)
	if err := VerifyHandshake(hs, "testnet", DefaultVerifier, cache, time.Now()); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
}

func TestVerifyHandshakeRejectsChainIdMismatch(t *testing.T) {
	s := newTestSigner(t)
	hs := BuildHandshake(s, "testnet", 10)
	cache := NewDedupSet(100)
	err := VerifyHandshake(hs, "mainnet", DefaultVerifier, cache, time.Now())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestVerifyHandshakeRejectsReplayedNonce(t *testing.T) {
	s := newTestSigner(t)
	hs := BuildHandshake(s, "testnet", 10)
	cache := NewDedupSet(100)
	now := time.Now()
	if err := VerifyHandshake(hs, "testnet", DefaultVerifier, cache, now); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	err := VerifyHandshake(hs, "testnet", DefaultVerifier, cache, now)
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestVerifyHandshakeRejectsStaleNonce(t *testing.T) {
	s := newTestSigner(t)
	hs := BuildHandshake(s, "testnet", 10)
	cache := NewDedupSet(100)
	future := time.Now().Add(NonceMaxSkew + time.Minute)
	err := VerifyHandshake(hs, "testnet", DefaultVerifier, cache, future)
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected stale-nonce rejection, got %v", err)
	}
}

func TestVerifyHandshakeRejectsForgedSignature(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)
	hs := BuildHandshake(s, "testnet", 10)
	hs.NodeId = other.NodeId().Hex() // claim someone else's identity
	cache := NewDedupSet(100)
	err := VerifyHandshake(hs, "testnet", DefaultVerifier, cache, time.Now())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected forged-signature rejection, got %v", err)
	}
}

func TestVerifyHandshakeNilVerifierFailsOpen(t *testing.T) {
	s := newTestSigner(t)
	hs := BuildHandshake(s, "testnet", 10)
	hs.Signature = "garbage"
	cache := NewDedupSet(100)
	if err := VerifyHandshake(hs, "testnet", nil, cache, time.Now()); err != nil {
		t.Fatalf("nil verifier must fail open for test-only configurations: %v", err)
	}
}
