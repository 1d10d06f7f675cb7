// Command node starts a QuorumChain node: state, consensus, and the
// wire/DHT/gossip p2p stack that carries blocks, transactions, and BFT
// votes between peers.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumchain/node/bft"
	"github.com/quorumchain/node/chain"
	"github.com/quorumchain/node/config"
	"github.com/quorumchain/node/core"
	"github.com/quorumchain/node/crypto/certgen"
	"github.com/quorumchain/node/dht"
	"github.com/quorumchain/node/events"
	"github.com/quorumchain/node/gossip"
	"github.com/quorumchain/node/indexer"
	"github.com/quorumchain/node/metrics"
	"github.com/quorumchain/node/rpc"
	"github.com/quorumchain/node/signer"
	"github.com/quorumchain/node/storage"
	"github.com/quorumchain/node/vm"
	"github.com/quorumchain/node/wallet"
	"github.com/quorumchain/node/wire"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/quorumchain/node/vm/modules/asset"
	_ "github.com/quorumchain/node/vm/modules/economy"
	_ "github.com/quorumchain/node/vm/modules/market"
	_ "github.com/quorumchain/node/vm/modules/session"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load validator key (ed25519, transaction authorship) ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	// ---- load node identity (secp256k1, wire/DHT/block-proposal) ----
	nodePriv, err := signer.LoadOrGenerate("TOL_NODE_KEY_PASSWORD", cfg.NodeKeyPath)
	if err != nil {
		log.Fatalf("load node key: %v", err)
	}
	nodeSigner := signer.New(nodePriv)
	log.Printf("Node identity: %s", nodeSigner.NodeId().Hex())

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	stateDB := db // reuse same DB with different key prefixes
	blockStore := storage.NewLevelBlockStore(db)

	// ---- initialise state ----
	state := storage.NewStateDB(stateDB)

	// ---- initialise blockchain ----
	bc := core.NewBlockchain(blockStore)
	if err := bc.Init(); err != nil {
		log.Fatalf("blockchain init: %v", err)
	}

	// ---- genesis block (if fresh chain) ----
	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			log.Fatalf("genesis: %v", err)
		}
		chain.SignBlock(genesisBlock, nodeSigner)
		if err := bc.AddBlock(genesisBlock); err != nil {
			log.Fatalf("add genesis: %v", err)
		}
		log.Printf("Genesis block committed: %s", genesisBlock.Hash)
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(db, emitter)

	// ---- mempool ----
	mempool := core.NewMempool()

	// ---- VM executor ----
	exec := vm.NewExecutor(state, emitter)

	// ---- validator registry (shared by proposer election, BFT, slashing) ----
	validators := chain.NewValidators(cfg.BftValidators)

	// ---- chain engine ----
	engine := chain.NewEngine(chain.EngineConfig{
		Blockchain:       bc,
		State:            state,
		Mempool:          mempool,
		Executor:         exec,
		Signer:           nodeSigner,
		Validators:       validators,
		FinalityDepth:    cfg.FinalityDepth,
		MaxBlockTxs:      cfg.MaxBlockTxs,
		RequireSignature: cfg.RequireAuthenticatedVerify,
	})

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- Prometheus registry, shared by every component below ----
	metricsRegistry := prometheus.NewRegistry()
	metricsSet, err := metrics.New(metricsRegistry)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}

	// ---- BFT coordinator, detector, slashing (optional) ----
	var coordinator *bft.Coordinator
	var bftBroadcast func(bft.Message)
	if cfg.BftEnabled {
		detector := bft.NewDetector(0)
		detector.Metrics = metricsSet.Slash
		slashing := bft.NewSlashingHandler(validators, bft.DefaultSlashPercent, 0, true, cfg.DataDir+"/slashing.log")
		slashing.Metrics = metricsSet.Slash
		coordinator = bft.NewCoordinator(bft.CoordinatorConfig{
			LocalId:    nodeSigner.NodeId().Hex(),
			Validators: validators.Snapshot(),
			Verifier: func(msg bft.Message) bool {
				senderId, err := signer.ParseNodeId(msg.SenderId)
				if err != nil {
					return false
				}
				return signer.Verify(msg.CanonicalString(), msg.Signature, senderId)
			},
			Detector:       detector,
			OnEquivocation: slashing.Handle,
			OnFinalized: func(pb bft.ProposedBlock) {
				block, err := engine.BlockByHash(pb.Hash)
				if err != nil || block == nil {
					log.Printf("[bft] finalized block %s not found locally: %v", pb.Hash, err)
					return
				}
				block.BftFinalized = true
				if err := engine.ApplyBlock(block, true); err != nil {
					log.Printf("[bft] failed to persist finality for block %d: %v", block.Header.Height, err)
				}
			},
			Broadcast: func(m bft.Message) {
				if bftBroadcast != nil {
					bftBroadcast(m)
				}
			},
			PrepareTimeoutMs: cfg.PrepareTimeoutMs,
			CommitTimeoutMs:  cfg.CommitTimeoutMs,
			Metrics:          metricsSet.BFT,
		})
	}

	// ---- wire transport ----
	wireVerifier := wire.DefaultVerifier
	if !cfg.RequireAuthenticatedVerify {
		wireVerifier = nil
	}
	// ---- DHT routing table (built before the wire server so the frame
	// router has it wired before any FIND_NODE frame can arrive) ----
	table := dht.NewTable(nodeSigner.NodeId().Hex(), func(address string) bool {
		_, err := dialAndHandshake(nodeSigner, cfg.Genesis.ChainID, address, func() uint64 { return uint64(engine.Height()) })
		return err == nil
	})
	router := &frameRouter{engine: engine, mempool: mempool, coordinator: coordinator, table: table}

	wireAddr := fmt.Sprintf(":%d", cfg.WirePort)
	var serverOpts []wire.ServerOption
	if wireVerifier != nil {
		serverOpts = append(serverOpts, wire.WithVerifier(wireVerifier))
	}
	if tlsCfg != nil {
		serverOpts = append(serverOpts, wire.WithTLS(func(ln net.Listener) (net.Listener, error) {
			return tls.NewListener(ln, tlsCfg), nil
		}))
	}
	serverOpts = append(serverOpts, wire.WithMetrics(metricsSet.Wire))
	server := wire.NewServer(nodeSigner, cfg.Genesis.ChainID, wireAddr, func() uint64 { return uint64(engine.Height()) }, router, serverOpts...)
	if err := server.Start(); err != nil {
		log.Fatalf("wire start: %v", err)
	}
	defer server.Stop()
	log.Printf("Wire transport listening on %s", wireAddr)

	// ---- DHT network (iterative lookup, refresh, peer verification) ----
	finder := &dialFinder{s: nodeSigner, chainId: cfg.Genesis.ChainID, heightFn: func() uint64 { return uint64(engine.Height()) }}
	dhtNetwork := dht.NewNetwork(
		nodeSigner.NodeId().Hex(),
		table,
		finder,
		newProbeVerifier(nodeSigner, cfg.Genesis.ChainID, func() uint64 { return uint64(engine.Height()) }),
		func(id string) bool { _, ok := server.PeerByNodeId(id); return ok },
		cfg.RequireAuthenticatedVerify,
		nil,
	)
	dhtNetwork.Metrics = metricsSet.DHT
	for _, boot := range cfg.DHTBootstrapPeers {
		id, addr, ok := splitBootstrapPeer(boot)
		if !ok {
			log.Printf("[dht] skipping malformed bootstrap peer %q", boot)
			continue
		}
		table.AddPeer(dht.Peer{Id: id, Address: addr})
	}
	dhtNetwork.Start(func(targetId string) { dhtNetwork.Lookup(targetId) })
	defer dhtNetwork.Stop()

	// ---- gossip hub ----
	dedup := wire.NewDedupSet(50_000)
	hub := gossip.NewHub(fmt.Sprintf(":%d", cfg.P2PPort), newGossipHandlers(router, engine, table), dedup, gossip.WithMetricsRegistry(metricsRegistry))
	if err := hub.Start(); err != nil {
		log.Fatalf("gossip start: %v", err)
	}
	defer hub.Stop()
	log.Printf("Gossip hub listening on :%d", cfg.P2PPort)

	// ---- connect to seed peers over wire ----
	var wireClients []*wire.Client
	for _, boot := range cfg.DHTBootstrapPeers {
		_, addr, ok := splitBootstrapPeer(boot)
		if !ok {
			continue
		}
		cl := wire.NewClient(nodeSigner, cfg.Genesis.ChainID, addr, func() uint64 { return uint64(engine.Height()) }, router, wireVerifier)
		cl.Start()
		wireClients = append(wireClients, cl)
		log.Printf("Connecting to seed peer %s", addr)
	}
	defer func() {
		for _, cl := range wireClients {
			cl.Stop()
		}
	}()

	bftBroadcast = newBftBroadcaster(server, hub, cfg.GossipPeers)
	blockBroadcast := newBlockBroadcaster(server, hub, cfg.GossipPeers)

	// ---- consensus driver ----
	driver := chain.NewDriver(chain.DriverConfig{
		Engine:         engine,
		Coordinator:    coordinator,
		BlockTimeMs:    cfg.BlockTimeMs,
		SyncIntervalMs: cfg.SyncIntervalMs,
		BroadcastBlock: func(block *core.Block) {
			blockBroadcast(block)
		},
		FetchSnapshot: func() ([]*core.Block, bool) {
			return fetchChainSnapshot(cfg.GossipPeers)
		},
		SnapSyncEnabled:      cfg.SnapSyncEnabled,
		SnapSyncGapThreshold: cfg.SnapSyncGapThreshold,
	})

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, idx, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- consensus loop ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Run(done)
	}()
	log.Printf("Consensus running (node: %s, bft: %v)", nodeSigner.NodeId().Hex(), cfg.BftEnabled)

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop the driver first (no new blocks proposed or adopted)
	close(done)
	wg.Wait()
	if coordinator != nil {
		coordinator.Stop()
	}

	// 2. Deferred calls run in LIFO: rpcServer.Stop → wire clients →
	//    gossip hub → dhtNetwork → wire server → db.Close
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// splitBootstrapPeer parses a "nodeIdHex@host:port" bootstrap entry.
func splitBootstrapPeer(entry string) (id, addr string, ok bool) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '@' {
			return entry[:i], entry[i+1:], true
		}
	}
	return "", "", false
}
