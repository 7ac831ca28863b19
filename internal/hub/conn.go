package hub

import (
	"sync"
	"sync/atomic"

	"github.com/emberchat/emberhub/internal/monitoring"
)

// sendBufferSize bounds the per-connection mailbox. Broadcast sends are
// fail-fast: a full mailbox drops the frame rather than blocking the sender.
const sendBufferSize = 256

// Conn is one WebSocket connection. It owns the outbound mailbox consumed by
// the transport's write pump; every subsystem reaches it only through the
// signaling registry.
type Conn struct {
	ID   string
	Addr string

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
	tornDown  atomic.Bool
}

// NewConn allocates a connection with a fresh mailbox.
func NewConn(id, addr string) *Conn {
	return &Conn{
		ID:   id,
		Addr: addr,
		send: make(chan []byte, sendBufferSize),
	}
}

// Send exposes the mailbox to the write pump.
func (c *Conn) Send() <-chan []byte {
	return c.send
}

// TrySend queues a frame without blocking. Frames to a full or closed
// mailbox are dropped silently; kind labels the drop counter.
func (c *Conn) TrySend(payload []byte, kind string) (ok bool) {
	if c.closed.Load() {
		return false
	}
	// Close races with broadcast senders; a send on the closed mailbox is
	// swallowed and counted as a drop.
	defer func() {
		if recover() != nil {
			monitoring.DroppedBroadcasts.WithLabelValues(kind).Inc()
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		monitoring.DroppedBroadcasts.WithLabelValues(kind).Inc()
		return false
	}
}

// Close shuts the mailbox, ending the write pump. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// beginTeardown reports whether the caller is the first to tear this
// connection down. The disconnect path runs exactly once.
func (c *Conn) beginTeardown() bool {
	return c.tornDown.CompareAndSwap(false, true)
}
