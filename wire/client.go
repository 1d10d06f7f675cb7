package wire

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quorumchain/node/signer"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	findNodeTimeout    = 5 * time.Second
	pingLatencySamples = 32
)

// Client maintains one outbound connection to a remote address, handling
// handshake, reconnect-with-backoff, and request/response correlation for
// FIND_NODE and Ping/Pong.
type Client struct {
	signer     *signer.Signer
	chainId    string
	addr       string
	heightFn   func() uint64
	verifier   Verifier
	dispatcher FrameDispatcher
	nonceCache *DedupSet

	mu       sync.Mutex
	conn     *Conn
	stopCh   chan struct{}
	stopped  bool
	pending  map[string]chan FindNodeResponseMessage
	pingsOut map[string]time.Time
	latency  []time.Duration // bounded ring of recent Ping round-trips
}

// NewClient creates a Client dialing addr once Start is called.
func NewClient(sgnr *signer.Signer, chainId, addr string, heightFn func() uint64, dispatcher FrameDispatcher, verifier Verifier) *Client {
	return &Client{
		signer:     sgnr,
		chainId:    chainId,
		addr:       addr,
		heightFn:   heightFn,
		dispatcher: dispatcher,
		verifier:   verifier,
		nonceCache: NewDedupSet(NonceCacheSize),
		stopCh:     make(chan struct{}),
		pending:    make(map[string]chan FindNodeResponseMessage),
		pingsOut:   make(map[string]time.Time),
	}
}

// Start begins the connect-and-retry loop in the background.
func (cl *Client) Start() {
	go cl.run()
}

// Stop ends the reconnect loop and closes any active connection.
func (cl *Client) Stop() {
	cl.mu.Lock()
	if cl.stopped {
		cl.mu.Unlock()
		return
	}
	cl.stopped = true
	conn := cl.conn
	cl.mu.Unlock()
	close(cl.stopCh)
	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether the client currently has a live, handshaked
// connection.
func (cl *Client) Connected() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conn != nil
}

// Send queues f on the current connection, if any.
func (cl *Client) Send(f Frame) error {
	cl.mu.Lock()
	conn := cl.conn
	cl.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: not connected", cl.addr)
	}
	return conn.Send(f)
}

func (cl *Client) run() {
	delay := reconnectBaseDelay
	for {
		select {
		case <-cl.stopCh:
			return
		default:
		}
		if err := cl.connectOnce(); err != nil {
			log.Printf("[wire] client %s: %v (retrying in %s)", cl.addr, err, delay)
			select {
			case <-time.After(delay):
			case <-cl.stopCh:
				return
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectBaseDelay // reset after a clean, authenticated session
	}
}

func (cl *Client) connectOnce() error {
	raw, err := net.DialTimeout("tcp", cl.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c := NewConn(raw, cl.dispatchFrame)
	if err := cl.doHandshake(c); err != nil {
		c.Close()
		return err
	}

	cl.mu.Lock()
	cl.conn = c
	cl.mu.Unlock()

	c.Serve() // blocks until the connection dies

	cl.mu.Lock()
	cl.conn = nil
	cl.mu.Unlock()
	return nil
}

func (cl *Client) doHandshake(c *Conn) error {
	height := uint64(0)
	if cl.heightFn != nil {
		height = cl.heightFn()
	}
	ours := BuildHandshake(cl.signer, cl.chainId, height)
	data, err := json.Marshal(ours)
	if err != nil {
		return err
	}
	if err := c.Send(Frame{Type: FrameHandshake, Payload: data}); err != nil {
		return err
	}

	buf := make([]byte, 64*1024)
	_ = c.raw.SetReadDeadline(time.Now().Add(idleTimeout))
	for {
		n, err := c.raw.Read(buf)
		if err != nil {
			return fmt.Errorf("read handshake: %w", err)
		}
		frames, err := c.codec.Feed(buf[:n])
		if err != nil {
			return fmt.Errorf("decode handshake: %w", err)
		}
		if len(frames) == 0 {
			continue
		}
		f := frames[0]
		if f.Type != FrameHandshake && f.Type != FrameHandshakeAck {
			return fmt.Errorf("expected Handshake/HandshakeAck frame, got %s", f.Type)
		}
		var theirs Handshake
		if err := json.Unmarshal(f.Payload, &theirs); err != nil {
			return fmt.Errorf("unmarshal handshake: %w", err)
		}
		for _, extra := range frames[1:] {
			c.frameQueue <- extra
		}
		if err := VerifyHandshake(theirs, cl.chainId, cl.verifier, cl.nonceCache, time.Now()); err != nil {
			return err
		}
		c.SetAuthenticatedId(theirs.NodeId)
		return nil
	}
}

func (cl *Client) dispatchFrame(c *Conn, f Frame) error {
	switch f.Type {
	case FrameFindNodeResponse:
		var resp FindNodeResponseMessage
		if err := json.Unmarshal(f.Payload, &resp); err != nil {
			return nil // malformed response, ignore rather than tear down
		}
		cl.mu.Lock()
		ch, ok := cl.pending[resp.RequestId]
		if ok {
			delete(cl.pending, resp.RequestId)
		}
		cl.mu.Unlock()
		if ok {
			ch <- resp
		}
		return nil
	case FramePong:
		var pong PongMessage
		if err := json.Unmarshal(f.Payload, &pong); err != nil {
			return nil
		}
		cl.recordPong(pong.Nonce)
		return nil
	case FramePing:
		var ping PingMessage
		if err := json.Unmarshal(f.Payload, &ping); err != nil {
			return nil
		}
		data, err := json.Marshal(PongMessage{Nonce: ping.Nonce})
		if err != nil {
			return nil
		}
		return c.Send(Frame{Type: FramePong, Payload: data})
	}
	if cl.dispatcher == nil {
		return nil
	}
	return cl.dispatcher.DispatchFrame(c, f)
}

// FindNode sends a FIND_NODE request and waits (bounded by findNodeTimeout)
// for the correlated response.
func (cl *Client) FindNode(target string) (FindNodeResponseMessage, error) {
	reqId := uuid.NewString()
	ch := make(chan FindNodeResponseMessage, 1)
	cl.mu.Lock()
	cl.pending[reqId] = ch
	cl.mu.Unlock()

	data, err := json.Marshal(FindNodeMessage{RequestId: reqId, Target: target})
	if err != nil {
		return FindNodeResponseMessage{}, err
	}
	if err := cl.Send(Frame{Type: FrameFindNode, Payload: data}); err != nil {
		cl.mu.Lock()
		delete(cl.pending, reqId)
		cl.mu.Unlock()
		return FindNodeResponseMessage{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(findNodeTimeout):
		cl.mu.Lock()
		delete(cl.pending, reqId)
		cl.mu.Unlock()
		return FindNodeResponseMessage{}, fmt.Errorf("FIND_NODE %s: timed out after %s", target, findNodeTimeout)
	}
}

// Ping sends a Ping frame carrying a fresh nonce; the round-trip latency is
// recorded once the matching Pong arrives via dispatchFrame.
func (cl *Client) Ping() error {
	nonce := uuid.NewString()
	cl.mu.Lock()
	cl.pingsOut[nonce] = time.Now()
	cl.mu.Unlock()
	data, err := json.Marshal(PingMessage{Nonce: nonce})
	if err != nil {
		return err
	}
	return cl.Send(Frame{Type: FramePing, Payload: data})
}

func (cl *Client) recordPong(nonce string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	sentAt, ok := cl.pingsOut[nonce]
	if !ok {
		return
	}
	delete(cl.pingsOut, nonce)
	cl.latency = append(cl.latency, time.Since(sentAt))
	if len(cl.latency) > pingLatencySamples {
		cl.latency = cl.latency[len(cl.latency)-pingLatencySamples:]
	}
}

// LatencySamples returns a copy of the bounded recent Ping round-trip
// samples, most recent last.
func (cl *Client) LatencySamples() []time.Duration {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]time.Duration, len(cl.latency))
	copy(out, cl.latency)
	return out
}
