package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/quorumchain/node/signer"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// Config holds all node configuration.
type Config struct {
	NodeID      string        `json:"node_id"`
	DataDir     string        `json:"data_dir"`
	RPCPort     int           `json:"rpc_port"`
	P2PPort     int           `json:"p2p_port"`
	MaxBlockTxs int           `json:"max_block_txs"` // max transactions per block; 0 → 500
	Validators   []string      `json:"validators"`              // authorised proposer pubkey hexes (ed25519, tx-authorship scheme)
	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig    `json:"tls,omitempty"`           // nil → plain TCP
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"` // empty → no auth

	// NodeKeyPath is the file holding this node's secp256k1 private key
	// (signer.PrivKeyFromHex-decodable), the identity used for block
	// proposal signatures, wire handshakes, and DHT routing. Distinct from
	// Validators above, which names ed25519 transaction-signing keys.
	NodeKeyPath string `json:"node_key_path"`
	// WirePort is the TCP port the framed wire transport listens on,
	// separate from P2PPort (the HTTP gossip hub's port).
	WirePort int `json:"wire_port"`
	// DHTBootstrapPeers seeds the routing table on startup, each entry
	// "nodeIdHex@host:port".
	DHTBootstrapPeers []string `json:"dht_bootstrap_peers,omitempty"`
	// GossipPeers are HTTP host:port addresses of peer gossip hubs, tried
	// in order as chain/state snapshot sync sources.
	GossipPeers []string `json:"gossip_peers,omitempty"`
	// RequireAuthenticatedVerify forces handshake/frame signature checks;
	// only disabled in test-only configurations (see wire.VerifyHandshake).
	RequireAuthenticatedVerify bool `json:"require_authenticated_verify"`

	// BftEnabled turns on round-based finalization via the bft package. A
	// node running without it still produces and validates blocks through
	// the chain engine's depth-finality rule alone.
	BftEnabled bool `json:"bft_enabled"`
	// BftValidators is the initial id (NodeId hex) -> stake table shared by
	// proposer election, the BFT coordinator, and the slashing handler.
	BftValidators    map[string]uint64 `json:"bft_validators,omitempty"`
	PrepareTimeoutMs int64             `json:"prepare_timeout_ms"`
	CommitTimeoutMs  int64             `json:"commit_timeout_ms"`

	// FinalityDepth is how many blocks behind the tip a block must sit
	// before the chain engine marks it depth-finalized.
	FinalityDepth int64 `json:"finality_depth"`
	// BlockTimeMs and SyncIntervalMs drive the two consensus driver ticks:
	// proposal attempts and peer sync polls, respectively.
	BlockTimeMs    int64 `json:"block_time_ms"`
	SyncIntervalMs int64 `json:"sync_interval_ms"`

	// SnapSyncEnabled and SnapSyncGapThreshold are passed to the consensus
	// driver (chain.DriverConfig). cmd/node supplies no state-snapshot
	// fetcher, so the node binary syncs block by block whatever their values.
	SnapSyncEnabled      bool  `json:"snap_sync_enabled"`
	SnapSyncGapThreshold int64 `json:"snap_sync_gap_threshold"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		RPCPort:     8545,
		P2PPort:     30303,
		MaxBlockTxs: 500,
		Genesis: GenesisConfig{
			ChainID: "tolchain-dev",
			Alloc:   map[string]uint64{},
		},
		WirePort:                   30304,
		RequireAuthenticatedVerify: true,
		PrepareTimeoutMs:           4000,
		CommitTimeoutMs:            4000,
		FinalityDepth:              6,
		BlockTimeMs:                2000,
		SyncIntervalMs:             5000,
		SnapSyncGapThreshold:       128,
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.Validators) == 0 {
		return fmt.Errorf("validators list must not be empty")
	}
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("validators[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, v)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	if c.WirePort <= 0 || c.WirePort > 65535 {
		return fmt.Errorf("wire_port must be 1-65535, got %d", c.WirePort)
	}
	if c.WirePort == c.RPCPort || c.WirePort == c.P2PPort {
		return fmt.Errorf("wire_port must not collide with rpc_port or p2p_port (%d)", c.WirePort)
	}
	if c.BftEnabled {
		if len(c.BftValidators) == 0 {
			return fmt.Errorf("bft_validators must not be empty when bft_enabled is set")
		}
		for id := range c.BftValidators {
			if _, err := signer.ParseNodeId(id); err != nil {
				return fmt.Errorf("bft_validators: invalid node id %q: %w", id, err)
			}
		}
		if c.PrepareTimeoutMs <= 0 {
			return fmt.Errorf("prepare_timeout_ms must be positive when bft_enabled is set")
		}
		if c.CommitTimeoutMs <= 0 {
			return fmt.Errorf("commit_timeout_ms must be positive when bft_enabled is set")
		}
	}
	if c.FinalityDepth <= 0 {
		return fmt.Errorf("finality_depth must be positive, got %d", c.FinalityDepth)
	}
	if c.BlockTimeMs <= 0 {
		return fmt.Errorf("block_time_ms must be positive, got %d", c.BlockTimeMs)
	}
	if c.SyncIntervalMs <= 0 {
		return fmt.Errorf("sync_interval_ms must be positive, got %d", c.SyncIntervalMs)
	}
	for i, peer := range c.DHTBootstrapPeers {
		if !strings.Contains(peer, "@") {
			return fmt.Errorf("dht_bootstrap_peers[%d]: must be \"nodeIdHex@host:port\", got %q", i, peer)
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
