package wire

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/quorumchain/node/metrics"
	"github.com/quorumchain/node/signer"
)

const (
	// DefaultMaxConnections is the default ceiling on simultaneous inbound
	// connections.
	DefaultMaxConnections = 50
	// MaxConnectionsPerIP caps simultaneous connections from one canonical
	// IP (IPv4-mapped IPv6 canonicalized).
	MaxConnectionsPerIP = 5
)

// FrameDispatcher routes a decoded frame from an authenticated connection to
// the rest of the node (chain engine, BFT coordinator, DHT network...).
type FrameDispatcher interface {
	DispatchFrame(c *Conn, f Frame) error
}

// Server is the TCP (optionally TLS) listener side of the wire transport.
type Server struct {
	signer      *signer.Signer
	chainId     string
	addr        string
	maxConns    int
	verifier    Verifier
	dispatcher  FrameDispatcher
	heightFn    func() uint64
	nonceCache  *DedupSet
	tlsWrap     func(net.Listener) (net.Listener, error)
	metrics     *metrics.WireMetrics

	mu         sync.Mutex
	ln         net.Listener
	conns      map[*Conn]struct{}
	byNodeId   map[string]*Conn
	perIPCount map[string]int
	stopCh     chan struct{}
}

// ServerOption customises Server construction.
type ServerOption func(*Server)

// WithVerifier installs the handshake verifier. Omitting it runs the server
// in a fail-open, test-only configuration (one-time warning is logged).
func WithVerifier(v Verifier) ServerOption {
	return func(s *Server) { s.verifier = v }
}

// WithMaxConnections overrides DefaultMaxConnections.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) { s.maxConns = n }
}

// WithTLS wraps the raw listener through wrap (e.g. tls.NewListener).
func WithTLS(wrap func(net.Listener) (net.Listener, error)) ServerOption {
	return func(s *Server) { s.tlsWrap = wrap }
}

// WithMetrics installs the Prometheus collector set. Omitting it leaves
// the server's metrics increments as no-ops.
func WithMetrics(m *metrics.WireMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a Server bound to addr once Start is called.
func NewServer(sgnr *signer.Signer, chainId, addr string, heightFn func() uint64, dispatcher FrameDispatcher, opts ...ServerOption) *Server {
	s := &Server{
		signer:     sgnr,
		chainId:    chainId,
		addr:       addr,
		maxConns:   DefaultMaxConnections,
		dispatcher: dispatcher,
		heightFn:   heightFn,
		nonceCache: NewDedupSet(NonceCacheSize),
		conns:      make(map[*Conn]struct{}),
		byNodeId:   make(map[string]*Conn),
		perIPCount: make(map[string]int),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		log.Printf("[wire] WARNING: server %s started without a handshake verifier (test-only, fail-open)", addr)
	}
	return s
}

// Start binds the listener and begins accepting connections in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	if s.tlsWrap != nil {
		ln, err = s.tlsWrap(ln)
		if err != nil {
			return fmt.Errorf("tls wrap %s: %w", s.addr, err)
		}
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every active connection.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Broadcast sends f to every authenticated, connected peer.
func (s *Server) Broadcast(f Frame) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if c.AuthenticatedId() == "" {
			continue // handshake not completed yet
		}
		if err := c.Send(f); err != nil {
			log.Printf("[wire] broadcast to %s: %v", c.RemoteAddr(), err)
		}
	}
}

// PeerByNodeId returns the authenticated connection for id, if connected.
func (s *Server) PeerByNodeId(id string) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byNodeId[id]
	return c, ok
}

// ConnectionCount returns the number of currently accepted connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.Printf("[wire] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		if !s.admitConnection(conn) {
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) admitConnection(conn net.Conn) bool {
	ip := CanonicalIP(conn.RemoteAddr().String())
	loopback := IsLoopback(conn.RemoteAddr().String())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= s.maxConns {
		log.Printf("[wire] max connections (%d) reached, rejecting %s", s.maxConns, conn.RemoteAddr())
		if s.metrics != nil {
			s.metrics.ConnectionsRejected.Inc()
		}
		return false
	}
	if !loopback && s.perIPCount[ip] >= MaxConnectionsPerIP {
		log.Printf("[wire] per-IP connection cap (%d) reached for %s", MaxConnectionsPerIP, ip)
		if s.metrics != nil {
			s.metrics.ConnectionsRejected.Inc()
		}
		return false
	}
	s.perIPCount[ip]++
	if s.metrics != nil {
		s.metrics.ConnectionsAccepted.Inc()
	}
	return true
}

func (s *Server) releaseConnection(c *Conn) {
	ip := CanonicalIP(c.RemoteAddr())
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if id := c.AuthenticatedId(); id != "" && s.byNodeId[id] == c {
		delete(s.byNodeId, id)
	}
	s.perIPCount[ip]--
	if s.perIPCount[ip] <= 0 {
		delete(s.perIPCount, ip)
	}
	if s.metrics != nil {
		s.metrics.ConnectionsClosed.Inc()
	}
}

func (s *Server) handleConn(raw net.Conn) {
	c := NewConn(raw, s.dispatchFrame)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer s.releaseConnection(c)

	if err := s.doHandshake(c); err != nil {
		log.Printf("[wire] handshake with %s failed: %v", c.RemoteAddr(), err)
		c.Close()
		return
	}

	c.Serve()
}

func (s *Server) doHandshake(c *Conn) error {
	height := uint64(0)
	if s.heightFn != nil {
		height = s.heightFn()
	}
	ours := BuildHandshake(s.signer, s.chainId, height)
	data, err := json.Marshal(ours)
	if err != nil {
		return err
	}
	if err := c.Send(Frame{Type: FrameHandshake, Payload: data}); err != nil {
		return err
	}

	raw := make([]byte, 64*1024)
	_ = c.raw.SetReadDeadline(time.Now().Add(idleTimeout))
	var theirs Handshake
	for {
		n, err := c.raw.Read(raw)
		if err != nil {
			return fmt.Errorf("read handshake: %w", err)
		}
		frames, err := c.codec.Feed(raw[:n])
		if err != nil {
			return fmt.Errorf("decode handshake: %w", err)
		}
		if len(frames) == 0 {
			continue
		}
		f := frames[0]
		if f.Type != FrameHandshake {
			return fmt.Errorf("expected Handshake frame, got %s", f.Type)
		}
		if err := json.Unmarshal(f.Payload, &theirs); err != nil {
			return fmt.Errorf("unmarshal handshake: %w", err)
		}
		// Re-queue any further frames decoded in the same read for normal
		// processing once Serve starts.
		for _, extra := range frames[1:] {
			c.frameQueue <- extra
		}
		break
	}

	if err := VerifyHandshake(theirs, s.chainId, s.verifier, s.nonceCache, time.Now()); err != nil {
		return err
	}

	authenticated := s.verifier != nil
	if authenticated {
		s.mu.Lock()
		if prior, exists := s.byNodeId[theirs.NodeId]; exists && prior != c {
			// Only the authenticated path may evict a prior connection,
			// otherwise an attacker could disconnect peers by merely
			// claiming their nodeId.
			s.mu.Unlock()
			prior.Close()
			s.mu.Lock()
		}
		s.byNodeId[theirs.NodeId] = c
		s.mu.Unlock()
	}
	c.SetAuthenticatedId(theirs.NodeId)

	ack := BuildHandshake(s.signer, s.chainId, height)
	ackData, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return c.Send(Frame{Type: FrameHandshakeAck, Payload: ackData})
}

func (s *Server) dispatchFrame(c *Conn, f Frame) error {
	if s.dispatcher == nil {
		return nil
	}
	err := s.dispatcher.DispatchFrame(c, f)
	if s.metrics != nil {
		if err != nil {
			s.metrics.FramesDropped.Inc()
		} else {
			s.metrics.FramesDispatched.Inc()
		}
	}
	return err
}
