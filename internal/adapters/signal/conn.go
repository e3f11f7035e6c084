// Package signal carries the websocket signaling transport: one
// upgraded connection per client, a buffered outbound queue drained by
// a write pump, and a read pump feeding the message router.
package signal

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/core"
)

var ErrClosed = errors.New("connection closed")

// outFrame tags queued data with its websocket frame type. Signaling
// events go out as text, audio chunks as binary.
type outFrame struct {
	binary bool
	data   core.Frame
}

type Conn struct {
	ws   *websocket.Conn
	send chan outFrame

	mu     sync.RWMutex
	closed bool
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 32
	}
	return &Conn{
		ws:   ws,
		send: make(chan outFrame, buffer),
	}
}

// TrySend queues a text frame without blocking. A full queue means the
// client is not keeping up; the frame is dropped and the caller told.
func (c *Conn) TrySend(f core.Frame) error {
	return c.trySend(outFrame{data: f})
}

// TrySendBinary queues a binary frame without blocking.
func (c *Conn) TrySendBinary(f core.Frame) error {
	return c.trySend(outFrame{binary: true, data: f})
}

func (c *Conn) trySend(f outFrame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close shuts the queue and the socket. Idempotent; safe to call from
// the read pump, the registry and the write pump concurrently.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}
