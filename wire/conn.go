package wire

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maxOutboundBufferedBytes is the write-backpressure limit: if a
	// connection's outbound queue exceeds this many bytes the peer is not
	// draining fast enough and the connection is dropped as unhealthy.
	maxOutboundBufferedBytes = 10 * 1024 * 1024
	outboxQueueDepth         = 4096
	frameQueueDepth          = 4096

	idleTimeout       = 5 * time.Minute
	rateLimitWindow   = 10 * time.Second
	rateLimitMaxFrame = 500
)

// Handler processes one decoded frame for a connection. Returning a non-nil
// error tears the connection down; the frame queue itself is unaffected by
// the error (only this connection's processing loop stops).
type Handler func(c *Conn, f Frame) error

// Conn wraps one TCP (or TLS) connection with framed dispatch, idle
// timeout, per-connection rate limiting, and write backpressure. Frames
// decoded from a single read are processed strictly in arrival order.
type Conn struct {
	raw     net.Conn
	addr    string // remote address as seen at accept/dial time
	codec   *Codec
	handler Handler

	mu          sync.RWMutex
	remoteId    string // authenticated NodeId hex, "" until handshake verified
	closed      bool
	closeOnce   sync.Once
	closeSignal chan struct{}

	outbox      chan []byte
	outboxBytes atomic.Int64

	frameQueue chan Frame

	rateLimiter *slidingRateLimiter

	lastActivity atomic.Int64 // unix ms
}

// NewConn wraps raw as a framed connection. handler is invoked for each
// frame from the single processing goroutine started by Serve.
func NewConn(raw net.Conn, handler Handler) *Conn {
	c := &Conn{
		raw:         raw,
		addr:        raw.RemoteAddr().String(),
		codec:       NewCodec(),
		handler:     handler,
		closeSignal: make(chan struct{}),
		outbox:      make(chan []byte, outboxQueueDepth),
		frameQueue:  make(chan Frame, frameQueueDepth),
		rateLimiter: newSlidingRateLimiter(rateLimitMaxFrame, rateLimitWindow),
	}
	c.touch()
	return c
}

// RemoteAddr returns the address captured when the connection was
// established.
func (c *Conn) RemoteAddr() string { return c.addr }

// AuthenticatedId returns the handshake-verified NodeId hex, or "" if this
// connection has not (yet, or ever) been authenticated.
func (c *Conn) AuthenticatedId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteId
}

// SetAuthenticatedId records the verified remote identity.
func (c *Conn) SetAuthenticatedId(id string) {
	c.mu.Lock()
	c.remoteId = id
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// Send encodes and queues f for writing. Returns an error (and tears the
// connection down) if the outbound buffer would exceed the backpressure
// limit.
func (c *Conn) Send(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if c.outboxBytes.Load()+int64(len(data)) > maxOutboundBufferedBytes {
		c.Close()
		return fmt.Errorf("%s: outbound buffer would exceed %d bytes", c.addr, maxOutboundBufferedBytes)
	}
	select {
	case c.outbox <- data:
		c.outboxBytes.Add(int64(len(data)))
		return nil
	default:
		c.Close()
		return fmt.Errorf("%s: outbound queue full", c.addr)
	}
}

// Serve runs the write pump, read loop, and frame-processing loop. It
// blocks until the connection is closed (locally or by a decode/handler
// error) and always returns after cleaning up.
func (c *Conn) Serve() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.processLoop() }()
	c.readLoop()
	c.Close()
	wg.Wait()
}

func (c *Conn) writePump() {
	for {
		select {
		case data, ok := <-c.outbox:
			if !ok {
				return
			}
			_ = c.raw.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := c.raw.Write(data); err != nil {
				c.outboxBytes.Add(-int64(len(data)))
				c.Close()
				return
			}
			c.outboxBytes.Add(-int64(len(data)))
		case <-c.closeSignal:
			return
		}
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-c.closeSignal:
			return
		default:
		}
		_ = c.raw.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := c.raw.Read(buf)
		if err != nil {
			return
		}
		c.touch()
		frames, ferr := c.codec.Feed(buf[:n])
		for _, f := range frames {
			if !c.rateLimiter.Allow() {
				log.Printf("[wire] %s: rate limit exceeded, dropping connection", c.addr)
				return
			}
			select {
			case c.frameQueue <- f:
			case <-c.closeSignal:
				return
			}
		}
		if ferr != nil {
			log.Printf("[wire] %s: frame decode error: %v", c.addr, ferr)
			return
		}
	}
}

func (c *Conn) processLoop() {
	for {
		select {
		case f := <-c.frameQueue:
			if c.handler == nil {
				continue
			}
			if err := c.handler(c, f); err != nil {
				log.Printf("[wire] %s: frame handler error, closing: %v", c.addr, err)
				c.Close()
				return
			}
		case <-c.closeSignal:
			return
		}
	}
}

// Close tears the connection down. Safe to call multiple times and from
// multiple goroutines.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closeSignal)
		_ = c.raw.Close()
	})
}

// IdleFor reports how long it has been since the last successful read.
func (c *Conn) IdleFor() time.Duration {
	last := c.lastActivity.Load()
	return time.Since(time.UnixMilli(last))
}
